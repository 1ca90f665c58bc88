// Package orchestrator owns the cross-service GDPR protocol: a scatter-gather
// export aggregator and a fire-and-forget deletion fan-out. It is the only
// place that mints correlation ids and the only component holding in-flight
// state, which lives purely in memory and does not survive a restart.
package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"skillswap/internal/bus"
	"skillswap/internal/domain"

	"github.com/google/uuid"
)

const timeoutMessage = "Not all services responded within timeout. Partial data returned."

type Config struct {
	// Participants is the static routing table: one export and one deletion
	// request is published per name. The expected reply count for early
	// completion is len(Participants).
	Participants []string
	Timeout      time.Duration
}

func (c Config) Validate() error {
	if len(c.Participants) == 0 {
		return fmt.Errorf("gdpr participants list is required")
	}
	seen := map[string]bool{}
	for _, p := range c.Participants {
		if p == "" {
			return fmt.Errorf("gdpr participant name must not be empty")
		}
		if p == domain.TimeoutKey {
			return fmt.Errorf("gdpr participant name %q is reserved", p)
		}
		if seen[p] {
			return fmt.Errorf("gdpr duplicate participant %q", p)
		}
		seen[p] = true
	}
	if c.Timeout <= 0 {
		return fmt.Errorf("gdpr timeout must be positive")
	}
	return nil
}

type Orchestrator struct {
	cfg    Config
	pub    bus.Publisher
	logger *slog.Logger

	mu      sync.Mutex
	pending map[uuid.UUID]*pending
}

// pending is the per-correlation aggregation state. Completion resolves the
// done channel at most once; the count-reached and deadline paths race and the
// completed flag, checked under mu, keeps them mutually exclusive.
type pending struct {
	correlationID uuid.UUID
	subjectID     uuid.UUID
	expected      int

	mu        sync.Mutex
	data      map[string]any
	errs      map[string]string
	completed bool
	result    domain.AggregatedExport
	done      chan struct{}
}

func New(cfg Config, pub bus.Publisher, logger *slog.Logger) (*Orchestrator, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if pub == nil {
		return nil, fmt.Errorf("publisher is required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Orchestrator{
		cfg:     cfg,
		pub:     pub,
		logger:  logger,
		pending: make(map[uuid.UUID]*pending),
	}, nil
}

// RequestExport scatters one export request per participant and blocks until
// every participant replied or the deadline expired, whichever happens first.
// A deadline expiry is not an error: the partial result carries a synthetic
// entry under the reserved "timeout" key.
func (o *Orchestrator) RequestExport(ctx context.Context, subjectID uuid.UUID, subjectExternalID string) (domain.AggregatedExport, error) {
	correlationID := uuid.New()
	o.logger.Info("starting gdpr export", "correlation_id", correlationID, "subject_id", subjectID)

	p := &pending{
		correlationID: correlationID,
		subjectID:     subjectID,
		expected:      len(o.cfg.Participants),
		data:          make(map[string]any),
		errs:          make(map[string]string),
		done:          make(chan struct{}),
	}

	// Register before publishing so a fast reply can never miss the entry.
	o.mu.Lock()
	o.pending[correlationID] = p
	o.mu.Unlock()
	defer func() {
		o.mu.Lock()
		delete(o.pending, correlationID)
		o.mu.Unlock()
	}()

	req := domain.ExportRequest{
		CorrelationID:     correlationID,
		SubjectID:         subjectID,
		SubjectExternalID: subjectExternalID,
		RequestedAt:       time.Now().UTC(),
	}
	body, err := json.Marshal(req)
	if err != nil {
		return domain.AggregatedExport{}, fmt.Errorf("marshal export request: %w", err)
	}
	for _, participant := range o.cfg.Participants {
		if err := o.pub.Publish(ctx, bus.ExportRequestKey(participant), body); err != nil {
			// The scatter proceeds for the remaining participants; an
			// unreachable one becomes its own error entry so the caller is
			// not held until the deadline on its account.
			o.logger.Warn("export request publish failed", "correlation_id", correlationID, "participant", participant, "error", err)
			p.record(domain.ErrorReply(correlationID, participant, subjectID, fmt.Sprintf("publish failed: %v", err)))
		}
	}

	timer := time.NewTimer(o.cfg.Timeout)
	defer timer.Stop()
	select {
	case <-p.done:
		o.logger.Info("gdpr export completed", "correlation_id", correlationID, "errors", len(p.result.Errors))
		return p.result, nil
	case <-timer.C:
		result := p.finalizeTimeout()
		o.logger.Info("gdpr export deadline expired", "correlation_id", correlationID, "collected", len(result.Data))
		return result, nil
	case <-ctx.Done():
		return domain.AggregatedExport{}, ctx.Err()
	}
}

// RequestDeletion publishes one deletion request per participant and returns
// after the publishes are accepted. There is no return path by design; each
// participant handles failures inside its own error boundary.
func (o *Orchestrator) RequestDeletion(ctx context.Context, subjectID uuid.UUID, subjectExternalID string, deletionType domain.DeletionType) error {
	correlationID := uuid.New()
	o.logger.Info("starting gdpr deletion", "correlation_id", correlationID, "subject_id", subjectID, "type", deletionType)

	req := domain.DeletionRequest{
		CorrelationID:     correlationID,
		SubjectID:         subjectID,
		SubjectExternalID: subjectExternalID,
		RequestedAt:       time.Now().UTC(),
		DeletionType:      deletionType,
	}
	body, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("marshal deletion request: %w", err)
	}
	for _, participant := range o.cfg.Participants {
		if err := o.pub.Publish(ctx, bus.DeletionRequestKey(participant), body); err != nil {
			return fmt.Errorf("publish deletion request for %s: %w", participant, err)
		}
	}
	o.logger.Info("gdpr deletion request published", "correlation_id", correlationID)
	return nil
}

// HandleExportReply records one participant reply. Replies for unknown or
// already-finished correlation ids are logged and dropped; they have no
// observable effect.
func (o *Orchestrator) HandleExportReply(reply domain.ExportReply) {
	o.mu.Lock()
	p, ok := o.pending[reply.CorrelationID]
	o.mu.Unlock()
	if !ok {
		o.logger.Warn("no pending export for reply", "correlation_id", reply.CorrelationID, "participant", reply.ParticipantName)
		return
	}
	o.logger.Info("received gdpr export reply", "correlation_id", reply.CorrelationID, "participant", reply.ParticipantName, "success", reply.Success)
	p.record(reply)
}

// ReplyHandler adapts HandleExportReply to a bus subscription.
func (o *Orchestrator) ReplyHandler() bus.Handler {
	return func(_ context.Context, d bus.Delivery) error {
		var reply domain.ExportReply
		if err := json.Unmarshal(d.Body, &reply); err != nil {
			return fmt.Errorf("unmarshal export reply: %w", err)
		}
		o.HandleExportReply(reply)
		return nil
	}
}

// record merges one reply. Last write per participant wins: a duplicate
// delivery overwrites rather than appends, so a participant occupies at most
// one slot in the completion count.
func (p *pending) record(reply domain.ExportReply) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.completed {
		return
	}
	if reply.Success {
		delete(p.errs, reply.ParticipantName)
		p.data[reply.ParticipantName] = reply.Data
	} else {
		delete(p.data, reply.ParticipantName)
		p.errs[reply.ParticipantName] = reply.ErrorMessage
	}
	if len(p.data)+len(p.errs) >= p.expected {
		p.completed = true
		p.result = p.buildLocked(nil)
		close(p.done)
	}
}

// finalizeTimeout resolves the aggregation with whatever accumulated so far.
// If the final reply won the race, the count-path result stands.
func (p *pending) finalizeTimeout() domain.AggregatedExport {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.completed {
		return p.result
	}
	p.completed = true
	p.result = p.buildLocked(map[string]string{domain.TimeoutKey: timeoutMessage})
	close(p.done)
	return p.result
}

func (p *pending) buildLocked(extraErrs map[string]string) domain.AggregatedExport {
	data := make(map[string]any, len(p.data))
	for k, v := range p.data {
		data[k] = v
	}
	errs := make(map[string]string, len(p.errs)+len(extraErrs))
	for k, v := range p.errs {
		errs[k] = v
	}
	for k, v := range extraErrs {
		errs[k] = v
	}
	return domain.AggregatedExport{
		CorrelationID: p.correlationID,
		SubjectID:     p.subjectID,
		ProducedAt:    time.Now().UTC(),
		Data:          data,
		Errors:        errs,
	}
}
