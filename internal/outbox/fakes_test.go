package outbox

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"
)

// recordingRepo is a map-backed Repository that records every mark.
type recordingRepo struct {
	mu         sync.Mutex
	entries    map[string]*Entry
	calls      []string
	pendingErr error
	publishErr error
}

func newRecordingRepo(entries ...*Entry) *recordingRepo {
	r := &recordingRepo{entries: map[string]*Entry{}}
	for _, e := range entries {
		r.entries[e.IdempotencyKey] = e.Clone()
	}
	return r
}

func (r *recordingRepo) Save(_ context.Context, e *Entry) (bool, error) {
	if err := e.Validate(); err != nil {
		return false, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.entries[e.IdempotencyKey]; ok {
		return false, nil
	}
	r.entries[e.IdempotencyKey] = e.Clone()
	return true, nil
}

func (r *recordingRepo) GetPending(context.Context) ([]*Entry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.pendingErr != nil {
		return nil, r.pendingErr
	}
	now := time.Now()
	var out []*Entry
	for _, e := range r.entries {
		if e.Status == StatusPending || e.Status == StatusFailed || e.ClaimExpired(now) {
			out = append(out, e.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].IdempotencyKey < out[j].IdempotencyKey
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

func (r *recordingRepo) MarkProcessing(_ context.Context, key, owner string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, "processing:"+key)
	e, ok := r.entries[key]
	if !ok {
		return ErrEntryNotFound
	}
	now := time.Now()
	if !e.ClaimableBy(owner, now) {
		return ErrNotClaimable
	}
	lease := now.Add(time.Minute)
	e.Status = StatusProcessing
	e.ClaimedBy = owner
	e.ClaimExpiresAt = &lease
	e.AttemptCount++
	return nil
}

func (r *recordingRepo) MarkPublished(_ context.Context, key string, ttl int) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, "published:"+key)
	if r.publishErr != nil {
		return r.publishErr
	}
	e := r.entries[key]
	e.Status = StatusPublished
	e.ClaimExpiresAt = nil
	e.TTLSeconds = ttl
	return nil
}

func (r *recordingRepo) MarkFailed(_ context.Context, key, errText string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, "failed:"+key)
	e := r.entries[key]
	e.Status = StatusFailed
	e.ClaimExpiresAt = nil
	e.LastError = errText
	return nil
}

func (r *recordingRepo) Delete(_ context.Context, key string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.entries, key)
	return nil
}

func (r *recordingRepo) count(prefix, key string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, c := range r.calls {
		if c == prefix+":"+key {
			n++
		}
	}
	return n
}

func (r *recordingRepo) entry(key string) *Entry {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.entries[key].Clone()
}

// scriptedPublisher fails each key a fixed number of times, or forever when
// the count is negative.
type scriptedPublisher struct {
	mu       sync.Mutex
	failures map[string]int
	calls    map[string]int
	panics   map[string]bool
	onCall   func(key string)
}

func newScriptedPublisher() *scriptedPublisher {
	return &scriptedPublisher{failures: map[string]int{}, calls: map[string]int{}, panics: map[string]bool{}}
}

var errBroker = errors.New("broker unavailable")

func (p *scriptedPublisher) Publish(_ context.Context, e *Entry) error {
	p.mu.Lock()
	p.calls[e.IdempotencyKey]++
	n := p.calls[e.IdempotencyKey]
	fail := p.failures[e.IdempotencyKey]
	shouldPanic := p.panics[e.IdempotencyKey]
	onCall := p.onCall
	p.mu.Unlock()

	if onCall != nil {
		onCall(e.IdempotencyKey)
	}
	if shouldPanic {
		panic("publisher exploded")
	}
	if fail < 0 || n <= fail {
		return fmt.Errorf("attempt %d: %w", n, errBroker)
	}
	return nil
}

func pendingEntry(key string, created time.Time) *Entry {
	return &Entry{
		IdempotencyKey: key,
		StepName:       "step",
		CorrelationID:  "c-1",
		MessageType:    "test.Event",
		Payload:        []byte(`{}`),
		CreatedAt:      created,
		Status:         StatusPending,
	}
}

func noWait(context.Context, time.Duration) error { return nil }
