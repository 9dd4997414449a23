package audit

import (
	"os"

	"github.com/rotisserie/eris"
	"gopkg.in/yaml.v3"
)

// Cadence values a job can run on.
const (
	CadenceWeekly = "weekly"
	CadenceDaily  = "daily"
)

// JobDefaults seed trigger requests that leave providers, cadence, or
// the detection-config version unset. Operators keep one defaults file
// per deployment so ad-hoc triggers match the scheduled ones.
type JobDefaults struct {
	Providers     []string `yaml:"providers"`
	Cadence       string   `yaml:"cadence"`
	ConfigVersion string   `yaml:"config_version"`
}

// LoadDefaults reads job defaults from a YAML file with a top-level
// "audit" key. A blank cadence normalizes to weekly.
func LoadDefaults(path string) (*JobDefaults, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, eris.Wrapf(err, "audit: read defaults %s", path)
	}

	var wrapper struct {
		Audit JobDefaults `yaml:"audit"`
	}
	if err := yaml.Unmarshal(data, &wrapper); err != nil {
		return nil, eris.Wrap(err, "audit: parse defaults")
	}

	d := wrapper.Audit
	switch d.Cadence {
	case "":
		d.Cadence = CadenceWeekly
	case CadenceWeekly, CadenceDaily:
	default:
		return nil, eris.Errorf("audit: unknown cadence %q", d.Cadence)
	}
	return &d, nil
}

// Apply fills the unset fields of req from the defaults. Explicit
// request values always win.
func (d *JobDefaults) Apply(req *TriggerRequest) {
	if len(req.Providers) == 0 {
		req.Providers = append(req.Providers, d.Providers...)
	}
	if req.Cadence == "" {
		req.Cadence = d.Cadence
	}
	if req.ConfigVersion == "" {
		req.ConfigVersion = d.ConfigVersion
	}
}
