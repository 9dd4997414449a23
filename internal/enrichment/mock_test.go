package enrichment

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/stretchr/testify/mock"

	"github.com/siteoptics/audit-worker/internal/model"
	"github.com/siteoptics/audit-worker/internal/objstore"
	"github.com/siteoptics/audit-worker/internal/resilience"
	"github.com/siteoptics/audit-worker/pkg/urlgen"
)

// --- Site finder mock ---

type mockSites struct {
	mock.Mock
}

func (m *mockSites) GetSite(ctx context.Context, id string) (*model.Site, error) {
	args := m.Called(ctx, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*model.Site), args.Error(1)
}

// --- URL generator mock ---

type mockGenerator struct {
	mock.Mock
}

func (m *mockGenerator) Generate(ctx context.Context, req urlgen.Request) (*urlgen.Result, error) {
	args := m.Called(ctx, req)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*urlgen.Result), args.Error(1)
}

// --- Recording publisher ---

// recordingPublisher captures published messages as their wire JSON so
// tests can assert on exactly what downstream would see.
type recordingPublisher struct {
	mu         sync.Mutex
	messages   []publishedMessage
	attempts   map[string]int
	failQueues map[string]error
	failNth    map[string]queueFailure
}

type publishedMessage struct {
	Queue string
	Body  []byte
}

// queueFailure fails exactly the nth publish attempt to a queue.
type queueFailure struct {
	nth int
	err error
}

func newRecordingPublisher() *recordingPublisher {
	return &recordingPublisher{
		attempts:   make(map[string]int),
		failQueues: make(map[string]error),
		failNth:    make(map[string]queueFailure),
	}
}

func (p *recordingPublisher) Publish(_ context.Context, queue string, v any) error {
	if err := p.failQueues[queue]; err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.attempts[queue]++
	if f, ok := p.failNth[queue]; ok && p.attempts[queue] == f.nth {
		return f.err
	}
	body, err := json.Marshal(v)
	if err != nil {
		return err
	}
	p.messages = append(p.messages, publishedMessage{Queue: queue, Body: body})
	return nil
}

func (p *recordingPublisher) failQueue(queue string, err error) {
	p.failQueues[queue] = err
}

// failQueueNth makes the nth publish attempt to queue fail once;
// attempts before and after it go through.
func (p *recordingPublisher) failQueueNth(queue string, nth int, err error) {
	p.failNth[queue] = queueFailure{nth: nth, err: err}
}

func (p *recordingPublisher) onQueue(queue string) []publishedMessage {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []publishedMessage
	for _, m := range p.messages {
		if m.Queue == queue {
			out = append(out, m)
		}
	}
	return out
}

func (p *recordingPublisher) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.messages)
}

func (p *recordingPublisher) detections(queue string) []model.DetectionMessage {
	var out []model.DetectionMessage
	for _, m := range p.onQueue(queue) {
		var d model.DetectionMessage
		if err := json.Unmarshal(m.Body, &d); err == nil {
			out = append(out, d)
		}
	}
	return out
}

func (p *recordingPublisher) continuations(queue string) []model.ContinuationMessage {
	var out []model.ContinuationMessage
	for _, m := range p.onQueue(queue) {
		var c model.ContinuationMessage
		if err := json.Unmarshal(m.Body, &c); err == nil {
			out = append(out, c)
		}
	}
	return out
}

// --- Flaky object store ---

// flakyStore wraps a Store and fails selected keys per operation.
type flakyStore struct {
	objstore.Store
	failGet    map[string]error
	failPut    map[string]error
	failDelete map[string]error
}

func newFlakyStore(inner objstore.Store) *flakyStore {
	return &flakyStore{
		Store:      inner,
		failGet:    make(map[string]error),
		failPut:    make(map[string]error),
		failDelete: make(map[string]error),
	}
}

func (s *flakyStore) GetJSON(ctx context.Context, bucket, key string, out any) error {
	if err := s.failGet[key]; err != nil {
		return err
	}
	return s.Store.GetJSON(ctx, bucket, key, out)
}

func (s *flakyStore) PutJSON(ctx context.Context, bucket, key string, v any) error {
	if err := s.failPut[key]; err != nil {
		return err
	}
	return s.Store.PutJSON(ctx, bucket, key, v)
}

func (s *flakyStore) Delete(ctx context.Context, bucket, key string) error {
	if err := s.failDelete[key]; err != nil {
		return err
	}
	return s.Store.Delete(ctx, bucket, key)
}

// --- Recording opportunity resolver ---

type opportunityUpdate struct {
	ID     string
	Status model.OpportunityStatus
}

type recordingOpportunities struct {
	mu      sync.Mutex
	err     error
	updates []opportunityUpdate
}

func (o *recordingOpportunities) UpdateOpportunityStatus(_ context.Context, id string, status model.OpportunityStatus) error {
	if o.err != nil {
		return o.err
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	o.updates = append(o.updates, opportunityUpdate{ID: id, Status: status})
	return nil
}

func (o *recordingOpportunities) all() []opportunityUpdate {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]opportunityUpdate, len(o.updates))
	copy(out, o.updates)
	return out
}

// --- Recording DLQ sink ---

type recordingDLQ struct {
	mu      sync.Mutex
	err     error
	entries []resilience.DLQEntry
}

func (d *recordingDLQ) EnqueueDLQ(_ context.Context, entry resilience.DLQEntry) error {
	if d.err != nil {
		return d.err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.entries = append(d.entries, entry)
	return nil
}

func (d *recordingDLQ) all() []resilience.DLQEntry {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]resilience.DLQEntry, len(d.entries))
	copy(out, d.entries)
	return out
}
