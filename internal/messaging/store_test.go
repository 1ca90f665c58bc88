package messaging

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/google/uuid"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := NewStore(filepath.Join(t.TempDir(), "messaging.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func seedMessage(t *testing.T, s *Store, sender, recipient uuid.UUID, body string) Conversation {
	t.Helper()
	conv, err := s.EnsureConversation(context.Background(), sender, recipient)
	if err != nil {
		t.Fatal(err)
	}
	err = s.AppendMessage(context.Background(), Message{
		ConversationID: conv.ID,
		SenderID:       sender,
		RecipientID:    recipient,
		Body:           body,
	})
	if err != nil {
		t.Fatal(err)
	}
	return conv
}

func TestEnsureConversationIsIdempotent(t *testing.T) {
	s := newTestStore(t)
	a, b := uuid.New(), uuid.New()

	first, err := s.EnsureConversation(context.Background(), a, b)
	if err != nil {
		t.Fatal(err)
	}
	// Reversed argument order still lands on the same row.
	second, err := s.EnsureConversation(context.Background(), b, a)
	if err != nil {
		t.Fatal(err)
	}
	if first.ID != second.ID {
		t.Fatalf("expected one conversation per pair, got %s and %s", first.ID, second.ID)
	}
	if first.OtherParticipant(a) != b {
		t.Fatalf("unexpected counterpart: %s", first.OtherParticipant(a))
	}
}

func TestAppendMessageTouchesConversation(t *testing.T) {
	s := newTestStore(t)
	a, b := uuid.New(), uuid.New()
	conv := seedMessage(t, s, a, b, "hello")

	convs, err := s.ConversationsByUser(context.Background(), a)
	if err != nil {
		t.Fatal(err)
	}
	if len(convs) != 1 || convs[0].ID != conv.ID {
		t.Fatalf("unexpected conversations: %v", convs)
	}
	if convs[0].LastMessageAt.IsZero() {
		t.Fatal("last message timestamp not set")
	}
}

func TestMessagesBySenderAndRecipient(t *testing.T) {
	s := newTestStore(t)
	a, b := uuid.New(), uuid.New()
	seedMessage(t, s, a, b, "from a")
	seedMessage(t, s, b, a, "from b")

	sent, err := s.MessagesBySender(context.Background(), a)
	if err != nil {
		t.Fatal(err)
	}
	if len(sent) != 1 || sent[0].Body != "from a" {
		t.Fatalf("unexpected sent messages: %v", sent)
	}
	received, err := s.MessagesByRecipient(context.Background(), a)
	if err != nil {
		t.Fatal(err)
	}
	if len(received) != 1 || received[0].Body != "from b" {
		t.Fatalf("unexpected received messages: %v", received)
	}
}

func TestAnonymizeMessagesBySender(t *testing.T) {
	s := newTestStore(t)
	a, b := uuid.New(), uuid.New()
	seedMessage(t, s, a, b, "secret")
	seedMessage(t, s, b, a, "reply")

	n, err := s.AnonymizeMessagesBySender(context.Background(), a)
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Fatalf("expected 1 message anonymized, got %d", n)
	}

	// The counterpart still sees the message, minus sender and body.
	received, err := s.MessagesByRecipient(context.Background(), b)
	if err != nil {
		t.Fatal(err)
	}
	if len(received) != 1 {
		t.Fatalf("anonymized message must survive for the recipient, got %v", received)
	}
	if received[0].Body != AnonymizedBody {
		t.Fatalf("body not scrubbed: %q", received[0].Body)
	}
	if received[0].SenderID != uuid.Nil {
		t.Fatalf("sender identity not scrubbed: %s", received[0].SenderID)
	}

	// b's own outbound message is untouched.
	sent, err := s.MessagesBySender(context.Background(), b)
	if err != nil {
		t.Fatal(err)
	}
	if len(sent) != 1 || sent[0].Body != "reply" {
		t.Fatalf("counterpart's messages must be untouched: %v", sent)
	}
}

func TestDeleteMessagesByRecipient(t *testing.T) {
	s := newTestStore(t)
	a, b := uuid.New(), uuid.New()
	seedMessage(t, s, b, a, "inbox item")
	seedMessage(t, s, a, b, "outbox item")

	n, err := s.DeleteMessagesByRecipient(context.Background(), a)
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Fatalf("expected 1 message deleted, got %d", n)
	}
	received, err := s.MessagesByRecipient(context.Background(), a)
	if err != nil {
		t.Fatal(err)
	}
	if len(received) != 0 {
		t.Fatalf("inbox should be empty, got %v", received)
	}
}

func TestDeleteEmptyConversations(t *testing.T) {
	s := newTestStore(t)
	a, b, c := uuid.New(), uuid.New(), uuid.New()

	// a<->b has only a's inbox; a<->c keeps a message from a.
	emptied := seedMessage(t, s, b, a, "only message")
	kept := seedMessage(t, s, a, c, "still here")

	if _, err := s.DeleteMessagesByRecipient(context.Background(), a); err != nil {
		t.Fatal(err)
	}
	n, err := s.DeleteEmptyConversations(context.Background(), a)
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Fatalf("expected 1 conversation removed, got %d", n)
	}

	convs, err := s.ConversationsByUser(context.Background(), a)
	if err != nil {
		t.Fatal(err)
	}
	if len(convs) != 1 || convs[0].ID != kept.ID {
		t.Fatalf("expected only the non-empty conversation to survive, got %v", convs)
	}
	if count, err := s.CountMessages(context.Background(), emptied.ID); err != nil || count != 0 {
		t.Fatalf("emptied conversation still has messages: count=%d err=%v", count, err)
	}
}
