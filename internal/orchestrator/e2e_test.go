package orchestrator_test

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"skillswap/internal/bus"
	"skillswap/internal/bus/membus"
	"skillswap/internal/domain"
	"skillswap/internal/messaging"
	"skillswap/internal/orchestrator"
	"skillswap/internal/profile"

	"github.com/google/uuid"
)

type mapResolver map[string]uuid.UUID

func (m mapResolver) ResolveExternalID(_ context.Context, externalID string) (uuid.UUID, error) {
	id, ok := m[externalID]
	if !ok {
		return uuid.Nil, fmt.Errorf("%w for external id %s", messaging.ErrUserNotFound, externalID)
	}
	return id, nil
}

type fixture struct {
	bus       *membus.Bus
	orch      *orchestrator.Orchestrator
	profiles  *profile.Store
	messages  *messaging.Store
	subject   uuid.UUID
	friend    uuid.UUID
	subjectID uuid.UUID // local profile id
}

// newFixture wires both participants and the aggregator over the in-process
// bus, the same topology skillswapd builds for a single-node deployment.
func newFixture(t *testing.T, timeout time.Duration) *fixture {
	t.Helper()
	dir := t.TempDir()

	profiles, err := profile.NewStore(filepath.Join(dir, "profile.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = profiles.Close() })
	messages, err := messaging.NewStore(filepath.Join(dir, "messaging.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = messages.Close() })

	subject := uuid.New()
	localID := uuid.New()
	friend := uuid.New()
	if err := profiles.CreateUser(context.Background(), profile.User{
		ID:          localID,
		ExternalID:  subject.String(),
		Email:       "subject@example.com",
		DisplayName: "Subject",
		Active:      true,
	}); err != nil {
		t.Fatal(err)
	}
	if err := profiles.AddSkill(context.Background(), profile.Skill{ID: uuid.New(), UserID: localID, Name: "go"}); err != nil {
		t.Fatal(err)
	}
	conv, err := messages.EnsureConversation(context.Background(), localID, friend)
	if err != nil {
		t.Fatal(err)
	}
	if err := messages.AppendMessage(context.Background(), messaging.Message{
		ConversationID: conv.ID, SenderID: localID, RecipientID: friend, Body: "hello",
	}); err != nil {
		t.Fatal(err)
	}

	b := membus.New()
	t.Cleanup(func() { _ = b.Close() })

	profileHandler := profile.NewHandler(profile.NewService(profiles, nil), b, nil)
	if err := profileHandler.Register(b); err != nil {
		t.Fatal(err)
	}
	resolver := mapResolver{subject.String(): localID}
	messagingHandler := messaging.NewHandler(messaging.NewService(messages, nil), resolver, b, nil)
	if err := messagingHandler.Register(b); err != nil {
		t.Fatal(err)
	}

	orch, err := orchestrator.New(orchestrator.Config{
		Participants: []string{profile.ParticipantName, messaging.ParticipantName},
		Timeout:      timeout,
	}, b, nil)
	if err != nil {
		t.Fatal(err)
	}
	if err := b.Subscribe(bus.ExportReplyKey(), orch.ReplyHandler()); err != nil {
		t.Fatal(err)
	}
	if err := b.Start(context.Background()); err != nil {
		t.Fatal(err)
	}

	return &fixture{bus: b, orch: orch, profiles: profiles, messages: messages,
		subject: subject, friend: friend, subjectID: localID}
}

func TestEndToEndExport(t *testing.T) {
	f := newFixture(t, 5*time.Second)

	result, err := f.orch.RequestExport(context.Background(), f.subject, f.subject.String())
	if err != nil {
		t.Fatal(err)
	}
	if result.HasErrors() {
		t.Fatalf("expected clean export, got errors %v", result.Errors)
	}
	if _, ok := result.Data[profile.ParticipantName]; !ok {
		t.Fatalf("missing profile partition: %v", result.Data)
	}
	if _, ok := result.Data[messaging.ParticipantName]; !ok {
		t.Fatalf("missing messaging partition: %v", result.Data)
	}
}

func TestEndToEndExportUnknownSubjectIsPartitionedError(t *testing.T) {
	f := newFixture(t, 5*time.Second)
	ghost := uuid.New()

	result, err := f.orch.RequestExport(context.Background(), ghost, ghost.String())
	if err != nil {
		t.Fatal(err)
	}
	// Both participants reply with their own error; the aggregation still
	// completes early with no timeout entry.
	if len(result.Errors) != 2 {
		t.Fatalf("expected an error per participant, got %v", result.Errors)
	}
	if _, ok := result.Errors[domain.TimeoutKey]; ok {
		t.Fatalf("unexpected timeout entry: %v", result.Errors)
	}
}

func TestEndToEndDeletion(t *testing.T) {
	f := newFixture(t, 5*time.Second)

	if err := f.orch.RequestDeletion(context.Background(), f.subject, f.subject.String(), domain.DeletionFull); err != nil {
		t.Fatal(err)
	}

	// Fire and forget: poll until both participants applied the deletion.
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		u, ok, err := f.profiles.UserByID(context.Background(), f.subjectID)
		if err != nil {
			t.Fatal(err)
		}
		sent, err := f.messages.MessagesBySender(context.Background(), f.subjectID)
		if err != nil {
			t.Fatal(err)
		}
		if ok && !u.Active && len(sent) == 0 {
			// The friend still sees the anonymized message.
			inbox, err := f.messages.MessagesByRecipient(context.Background(), f.friend)
			if err != nil {
				t.Fatal(err)
			}
			if len(inbox) != 1 || inbox[0].Body != messaging.AnonymizedBody {
				t.Fatalf("counterpart view broken after deletion: %v", inbox)
			}
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("deletion did not propagate to both participants")
}
