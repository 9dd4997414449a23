package audit

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/stretchr/testify/mock"

	"github.com/siteoptics/audit-worker/internal/model"
	"github.com/siteoptics/audit-worker/internal/objstore"
	"github.com/siteoptics/audit-worker/pkg/urlgen"
)

// --- Record store mock ---

type mockRecords struct {
	mock.Mock
}

func (m *mockRecords) GetSite(ctx context.Context, id string) (*model.Site, error) {
	args := m.Called(ctx, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*model.Site), args.Error(1)
}

func (m *mockRecords) GetSiteByBaseURL(ctx context.Context, baseURL string) (*model.Site, error) {
	args := m.Called(ctx, baseURL)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*model.Site), args.Error(1)
}

func (m *mockRecords) CreateOpportunity(ctx context.Context, opp model.Opportunity) (*model.Opportunity, error) {
	args := m.Called(ctx, opp)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*model.Opportunity), args.Error(1)
}

func (m *mockRecords) AddSuggestions(ctx context.Context, opportunityID string, suggestions []model.Suggestion) ([]model.Suggestion, error) {
	args := m.Called(ctx, opportunityID, suggestions)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]model.Suggestion), args.Error(1)
}

func (m *mockRecords) UpdateOpportunityStatus(ctx context.Context, oppID string, status model.OpportunityStatus) error {
	args := m.Called(ctx, oppID, status)
	return args.Error(0)
}

// --- Stub URL generator ---

type stubGenerator struct{}

func (stubGenerator) Generate(context.Context, urlgen.Request) (*urlgen.Result, error) {
	return &urlgen.Result{URL: "https://acme.com/generated", Source: "urlgen"}, nil
}

// --- Recording publisher ---

type recordingPublisher struct {
	mu         sync.Mutex
	messages   []publishedMessage
	failQueues map[string]error
}

type publishedMessage struct {
	Queue string
	Body  []byte
}

func newRecordingPublisher() *recordingPublisher {
	return &recordingPublisher{failQueues: make(map[string]error)}
}

func (p *recordingPublisher) Publish(_ context.Context, queue string, v any) error {
	if err := p.failQueues[queue]; err != nil {
		return err
	}
	body, err := json.Marshal(v)
	if err != nil {
		return err
	}
	p.mu.Lock()
	p.messages = append(p.messages, publishedMessage{Queue: queue, Body: body})
	p.mu.Unlock()
	return nil
}

func (p *recordingPublisher) failQueue(queue string, err error) {
	p.failQueues[queue] = err
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

// --- Flaky object store ---

// flakyStore wraps a Store and fails writes to selected keys, either
// permanently or for the first n attempts.
type flakyStore struct {
	objstore.Store
	putErr   map[string]error
	putFails map[string]int // -1 fails every put, n > 0 fails the first n
	putTries map[string]int
}

func newFlakyStore(inner objstore.Store) *flakyStore {
	return &flakyStore{
		Store:    inner,
		putErr:   make(map[string]error),
		putFails: make(map[string]int),
		putTries: make(map[string]int),
	}
}

func (s *flakyStore) PutJSON(ctx context.Context, bucket, key string, v any) error {
	s.putTries[key]++
	if n := s.putFails[key]; n == -1 || s.putTries[key] <= n {
		return s.putErr[key]
	}
	return s.Store.PutJSON(ctx, bucket, key, v)
}

func (s *flakyStore) failPut(key string, err error) {
	s.putErr[key] = err
	s.putFails[key] = -1
}

func (s *flakyStore) failPutTimes(key string, n int, err error) {
	s.putErr[key] = err
	s.putFails[key] = n
}
