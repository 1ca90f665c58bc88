package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"skillswap/internal/bus"
	"skillswap/internal/domain"

	"github.com/google/uuid"
)

type fakePublisher struct {
	mu        sync.Mutex
	published map[string][][]byte
	failKeys  map[string]bool
}

func newFakePublisher() *fakePublisher {
	return &fakePublisher{published: make(map[string][][]byte), failKeys: make(map[string]bool)}
}

func (f *fakePublisher) Publish(_ context.Context, routingKey string, body []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failKeys[routingKey] {
		return fmt.Errorf("broker unavailable")
	}
	f.published[routingKey] = append(f.published[routingKey], body)
	return nil
}

func (f *fakePublisher) count(routingKey string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.published[routingKey])
}

func (f *fakePublisher) lastRequest(t *testing.T, routingKey string) domain.ExportRequest {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	bodies := f.published[routingKey]
	if len(bodies) == 0 {
		t.Fatalf("no publish recorded for %s", routingKey)
	}
	var req domain.ExportRequest
	if err := json.Unmarshal(bodies[len(bodies)-1], &req); err != nil {
		t.Fatalf("unmarshal request: %v", err)
	}
	return req
}

func newTestOrchestrator(t *testing.T, pub *fakePublisher, participants []string, timeout time.Duration) *Orchestrator {
	t.Helper()
	o, err := New(Config{Participants: participants, Timeout: timeout}, pub, nil)
	if err != nil {
		t.Fatal(err)
	}
	return o
}

// replyWhenScattered waits for the export request to reach the given
// participant, then feeds the reply built by fn back into the aggregator.
func replyWhenScattered(t *testing.T, o *Orchestrator, pub *fakePublisher, participant string, fn func(domain.ExportRequest) domain.ExportReply) {
	t.Helper()
	go func() {
		key := bus.ExportRequestKey(participant)
		deadline := time.Now().Add(5 * time.Second)
		for time.Now().Before(deadline) {
			if pub.count(key) > 0 {
				o.HandleExportReply(fn(pub.lastRequest(t, key)))
				return
			}
			time.Sleep(time.Millisecond)
		}
	}()
}

func TestRequestExportCompletesOnAllReplies(t *testing.T) {
	pub := newFakePublisher()
	o := newTestOrchestrator(t, pub, []string{"a", "b"}, 5*time.Second)
	subject := uuid.New()

	for _, p := range []string{"a", "b"} {
		p := p
		replyWhenScattered(t, o, pub, p, func(req domain.ExportRequest) domain.ExportReply {
			return domain.SuccessReply(req.CorrelationID, p, req.SubjectID, map[string]any{"from": p})
		})
	}

	start := time.Now()
	result, err := o.RequestExport(context.Background(), subject, subject.String())
	if err != nil {
		t.Fatal(err)
	}
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Fatalf("expected early completion, took %v", elapsed)
	}
	if len(result.Data) != 2 {
		t.Fatalf("expected data from both participants, got %v", result.Data)
	}
	if result.HasErrors() {
		t.Fatalf("expected no errors, got %v", result.Errors)
	}
	if _, ok := result.Errors[domain.TimeoutKey]; ok {
		t.Fatalf("unexpected timeout entry on quorum completion")
	}
	if result.SubjectID != subject {
		t.Fatalf("unexpected subject id: %v", result.SubjectID)
	}
}

func TestRequestExportTimeoutReturnsPartial(t *testing.T) {
	pub := newFakePublisher()
	o := newTestOrchestrator(t, pub, []string{"a", "b"}, 150*time.Millisecond)
	subject := uuid.New()

	replyWhenScattered(t, o, pub, "a", func(req domain.ExportRequest) domain.ExportReply {
		return domain.SuccessReply(req.CorrelationID, "a", req.SubjectID, "payload-a")
	})

	result, err := o.RequestExport(context.Background(), subject, subject.String())
	if err != nil {
		t.Fatal(err)
	}
	if len(result.Data) != 1 || result.Data["a"] != "payload-a" {
		t.Fatalf("expected partial data from a, got %v", result.Data)
	}
	if msg, ok := result.Errors[domain.TimeoutKey]; !ok || msg == "" {
		t.Fatalf("expected synthetic timeout entry, got %v", result.Errors)
	}
	if len(result.Errors) != 1 {
		t.Fatalf("expected only the timeout entry, got %v", result.Errors)
	}
}

func TestLateReplyAfterCompletionIsInert(t *testing.T) {
	pub := newFakePublisher()
	o := newTestOrchestrator(t, pub, []string{"a", "b"}, 50*time.Millisecond)
	subject := uuid.New()

	result, err := o.RequestExport(context.Background(), subject, subject.String())
	if err != nil {
		t.Fatal(err)
	}
	if len(result.Data) != 0 {
		t.Fatalf("expected empty partial result, got %v", result.Data)
	}

	o.mu.Lock()
	remaining := len(o.pending)
	o.mu.Unlock()
	if remaining != 0 {
		t.Fatalf("pending table should be empty after completion, has %d entries", remaining)
	}

	// Injecting the straggler must be a logged no-op.
	req := pub.lastRequest(t, bus.ExportRequestKey("b"))
	o.HandleExportReply(domain.SuccessReply(req.CorrelationID, "b", subject, "late"))
	if len(result.Data) != 0 {
		t.Fatalf("late reply mutated a finished result: %v", result.Data)
	}
}

func TestDuplicateReplyLastWriteWins(t *testing.T) {
	pub := newFakePublisher()
	o := newTestOrchestrator(t, pub, []string{"a", "b"}, time.Second)
	subject := uuid.New()

	done := make(chan domain.AggregatedExport, 1)
	go func() {
		result, _ := o.RequestExport(context.Background(), subject, subject.String())
		done <- result
	}()

	key := bus.ExportRequestKey("a")
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) && pub.count(key) == 0 {
		time.Sleep(time.Millisecond)
	}
	req := pub.lastRequest(t, key)

	// Success then failure for the same participant: the failure stands and
	// occupies exactly one slot in the completion count.
	o.HandleExportReply(domain.SuccessReply(req.CorrelationID, "a", subject, "first"))
	o.HandleExportReply(domain.ErrorReply(req.CorrelationID, "a", subject, "boom"))
	o.HandleExportReply(domain.SuccessReply(req.CorrelationID, "b", subject, "payload-b"))

	result := <-done
	if _, ok := result.Data["a"]; ok {
		t.Fatalf("expected a's success to be overwritten, got %v", result.Data)
	}
	if result.Errors["a"] != "boom" {
		t.Fatalf("expected last write for a to win, got %v", result.Errors)
	}
	if result.Data["b"] != "payload-b" {
		t.Fatalf("missing b payload: %v", result.Data)
	}
	if _, ok := result.Errors[domain.TimeoutKey]; ok {
		t.Fatalf("unexpected timeout entry: %v", result.Errors)
	}
}

func TestCompletionIsExactlyOnceUnderRace(t *testing.T) {
	// Deadline and final replies race; whatever wins, RequestExport returns
	// exactly one internally consistent result and clears the table.
	for i := 0; i < 20; i++ {
		pub := newFakePublisher()
		participants := []string{"p0", "p1", "p2", "p3"}
		o := newTestOrchestrator(t, pub, participants, 5*time.Millisecond)
		subject := uuid.New()

		done := make(chan domain.AggregatedExport, 1)
		go func() {
			result, _ := o.RequestExport(context.Background(), subject, subject.String())
			done <- result
		}()

		key := bus.ExportRequestKey("p0")
		for pub.count(key) == 0 {
			time.Sleep(100 * time.Microsecond)
		}
		req := pub.lastRequest(t, key)

		var wg sync.WaitGroup
		for _, p := range participants {
			p := p
			wg.Add(1)
			go func() {
				defer wg.Done()
				o.HandleExportReply(domain.SuccessReply(req.CorrelationID, p, subject, p))
			}()
		}
		wg.Wait()

		result := <-done
		_, timedOut := result.Errors[domain.TimeoutKey]
		if !timedOut && len(result.Data) != len(participants) {
			t.Fatalf("early completion with %d/%d participants: %v", len(result.Data), len(participants), result.Data)
		}
		if timedOut && len(result.Errors) != 1 {
			t.Fatalf("timeout result with extra errors: %v", result.Errors)
		}

		o.mu.Lock()
		remaining := len(o.pending)
		o.mu.Unlock()
		if remaining != 0 {
			t.Fatalf("pending entry leaked after completion")
		}
	}
}

func TestUnknownCorrelationIDIsDropped(t *testing.T) {
	pub := newFakePublisher()
	o := newTestOrchestrator(t, pub, []string{"a"}, time.Second)
	o.HandleExportReply(domain.SuccessReply(uuid.New(), "a", uuid.New(), "orphan"))
}

func TestUnexpectedParticipantNamesCountTowardCompletion(t *testing.T) {
	// The completion check counts distinct reply keys, not membership in the
	// configured set; misrouted names can complete the aggregation early.
	pub := newFakePublisher()
	o := newTestOrchestrator(t, pub, []string{"a", "b"}, time.Second)
	subject := uuid.New()

	done := make(chan domain.AggregatedExport, 1)
	go func() {
		result, _ := o.RequestExport(context.Background(), subject, subject.String())
		done <- result
	}()
	key := bus.ExportRequestKey("a")
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) && pub.count(key) == 0 {
		time.Sleep(time.Millisecond)
	}
	req := pub.lastRequest(t, key)

	o.HandleExportReply(domain.SuccessReply(req.CorrelationID, "x", subject, "ex"))
	o.HandleExportReply(domain.SuccessReply(req.CorrelationID, "y", subject, "why"))

	result := <-done
	if len(result.Data) != 2 {
		t.Fatalf("expected two recorded replies, got %v", result.Data)
	}
	if _, ok := result.Errors[domain.TimeoutKey]; ok {
		t.Fatalf("expected early completion from unexpected names, got timeout")
	}
}

func TestPublishFailureBecomesErrorEntry(t *testing.T) {
	pub := newFakePublisher()
	pub.failKeys[bus.ExportRequestKey("b")] = true
	o := newTestOrchestrator(t, pub, []string{"a", "b"}, 5*time.Second)
	subject := uuid.New()

	replyWhenScattered(t, o, pub, "a", func(req domain.ExportRequest) domain.ExportReply {
		return domain.SuccessReply(req.CorrelationID, "a", req.SubjectID, "payload-a")
	})

	start := time.Now()
	result, err := o.RequestExport(context.Background(), subject, subject.String())
	if err != nil {
		t.Fatal(err)
	}
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Fatalf("unreachable participant should not hold the caller, took %v", elapsed)
	}
	if result.Data["a"] != "payload-a" {
		t.Fatalf("missing a payload: %v", result.Data)
	}
	if msg := result.Errors["b"]; !strings.Contains(msg, "publish failed") {
		t.Fatalf("expected publish failure entry for b, got %v", result.Errors)
	}
	if _, ok := result.Errors[domain.TimeoutKey]; ok {
		t.Fatalf("unexpected timeout entry: %v", result.Errors)
	}
}

func TestRequestDeletionFansOutWithoutState(t *testing.T) {
	pub := newFakePublisher()
	o := newTestOrchestrator(t, pub, []string{"a", "b"}, time.Second)
	subject := uuid.New()

	if err := o.RequestDeletion(context.Background(), subject, subject.String(), domain.DeletionFull); err != nil {
		t.Fatal(err)
	}
	for _, p := range []string{"a", "b"} {
		if pub.count(bus.DeletionRequestKey(p)) != 1 {
			t.Fatalf("expected one deletion request for %s", p)
		}
	}
	o.mu.Lock()
	remaining := len(o.pending)
	o.mu.Unlock()
	if remaining != 0 {
		t.Fatalf("deletion must not create aggregation state")
	}

	var req domain.DeletionRequest
	body := pub.published[bus.DeletionRequestKey("a")][0]
	if err := json.Unmarshal(body, &req); err != nil {
		t.Fatal(err)
	}
	if req.DeletionType != domain.DeletionFull {
		t.Fatalf("unexpected deletion type: %s", req.DeletionType)
	}
}

func TestRequestDeletionPublishFailureSurfaces(t *testing.T) {
	pub := newFakePublisher()
	pub.failKeys[bus.DeletionRequestKey("a")] = true
	o := newTestOrchestrator(t, pub, []string{"a"}, time.Second)

	if err := o.RequestDeletion(context.Background(), uuid.New(), "u", domain.DeletionAnonymize); err == nil {
		t.Fatalf("expected publish failure to surface as acceptance error")
	}
}

func TestReplyHandlerRejectsMalformedBody(t *testing.T) {
	pub := newFakePublisher()
	o := newTestOrchestrator(t, pub, []string{"a"}, time.Second)
	h := o.ReplyHandler()
	if err := h(context.Background(), bus.Delivery{RoutingKey: bus.ExportReplyKey(), Body: []byte(`{not-json`)}); err == nil {
		t.Fatalf("expected unmarshal error")
	}
}

func TestConfigValidate(t *testing.T) {
	cases := []struct {
		name string
		cfg  Config
	}{
		{"empty participants", Config{Timeout: time.Second}},
		{"blank participant", Config{Participants: []string{""}, Timeout: time.Second}},
		{"reserved name", Config{Participants: []string{domain.TimeoutKey}, Timeout: time.Second}},
		{"duplicate participant", Config{Participants: []string{"a", "a"}, Timeout: time.Second}},
		{"zero timeout", Config{Participants: []string{"a"}}},
	}
	for _, tc := range cases {
		if err := tc.cfg.Validate(); err == nil {
			t.Fatalf("%s: expected validation error", tc.name)
		}
	}
	ok := Config{Participants: []string{"a", "b"}, Timeout: time.Second}
	if err := ok.Validate(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}
