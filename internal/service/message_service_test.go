package service

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"go.uber.org/zap"

	"realtime-chat/internal/domain"
	"realtime-chat/internal/realtime"
)

type mockMessageServiceRepo struct {
	created  []domain.Message
	byClient map[string]domain.Message
	err      error
}

func newMockMessageServiceRepo() *mockMessageServiceRepo {
	return &mockMessageServiceRepo{byClient: make(map[string]domain.Message)}
}

func (m *mockMessageServiceRepo) Create(_ context.Context, message domain.Message) (domain.Message, bool, error) {
	if m.err != nil {
		return domain.Message{}, false, m.err
	}
	key := message.SenderID + "|" + message.ClientID
	if existing, ok := m.byClient[key]; ok {
		return existing, false, nil
	}
	m.byClient[key] = message
	m.created = append(m.created, message)
	return message, true, nil
}

func (m *mockMessageServiceRepo) ListByConversationID(_ context.Context, conversationID string) ([]domain.Message, error) {
	var out []domain.Message
	for _, msg := range m.created {
		if msg.ConversationID == conversationID {
			out = append(out, msg)
		}
	}
	return out, nil
}

func newTestMessageService(t *testing.T) (*MessageService, *mockMessageServiceRepo, *mockPublisher, string) {
	t.Helper()
	convRepo := newMockConversationRepo("a", "b", "c")
	convs := NewConversationService(convRepo)
	convID, err := convs.CreateOrGet(context.Background(), "a", "b")
	if err != nil {
		t.Fatalf("create conversation: %v", err)
	}
	repo := newMockMessageServiceRepo()
	events := &mockPublisher{}
	return NewMessageService(repo, convs, events, zap.NewNop()), repo, events, convID
}

func TestMessageServiceSend_NormalizesAndPublishes(t *testing.T) {
	svc, repo, events, convID := newTestMessageService(t)

	msg, err := svc.Send(context.Background(), SendInput{
		ConversationID: convID,
		SenderID:       "a",
		Content:        "  hello  ",
		ClientID:       "c-1",
	})
	if err != nil {
		t.Fatalf("send failed: %v", err)
	}
	if msg.ID == "" {
		t.Fatalf("expected server id")
	}
	if msg.Content != "hello" {
		t.Fatalf("expected trimmed content, got %q", msg.Content)
	}
	if msg.ClientID != "c-1" {
		t.Fatalf("expected client id echoed, got %q", msg.ClientID)
	}
	if msg.CreatedAt.IsZero() {
		t.Fatalf("expected created_at defaulted")
	}
	if len(repo.created) != 1 {
		t.Fatalf("expected 1 stored message, got %d", len(repo.created))
	}

	published := events.snapshot()
	if len(published) != 1 || published[0].topic != realtime.MessageTopic(convID) {
		t.Fatalf("expected one event on the conversation topic, got %+v", published)
	}
	got, err := published[0].event.Message()
	if err != nil {
		t.Fatalf("decode event: %v", err)
	}
	if got.ID != msg.ID || got.ClientID != "c-1" {
		t.Fatalf("event record mismatch: %+v", got)
	}
}

func TestMessageServiceSend_RetryIsIdempotent(t *testing.T) {
	svc, repo, events, convID := newTestMessageService(t)

	input := SendInput{ConversationID: convID, SenderID: "a", Content: "hi", ClientID: "same"}
	first, err := svc.Send(context.Background(), input)
	if err != nil {
		t.Fatalf("first send: %v", err)
	}
	second, err := svc.Send(context.Background(), input)
	if err != nil {
		t.Fatalf("retry send: %v", err)
	}
	if first.ID != second.ID {
		t.Fatalf("expected retry to return original row, got %s and %s", first.ID, second.ID)
	}
	if len(repo.created) != 1 {
		t.Fatalf("expected a single stored row, got %d", len(repo.created))
	}
	if n := len(events.snapshot()); n != 1 {
		t.Fatalf("expected a single event, got %d", n)
	}
}

func TestMessageServiceSend_ReusedClientIDElsewhereIsRejected(t *testing.T) {
	svc, repo, events, convAB := newTestMessageService(t)
	convAC, err := svc.conversations.CreateOrGet(context.Background(), "a", "c")
	if err != nil {
		t.Fatalf("create second conversation: %v", err)
	}

	if _, err := svc.Send(context.Background(), SendInput{ConversationID: convAB, SenderID: "a", Content: "old", ClientID: "dup"}); err != nil {
		t.Fatalf("first send: %v", err)
	}
	_, err = svc.Send(context.Background(), SendInput{ConversationID: convAC, SenderID: "a", Content: "old", ClientID: "dup"})
	if !errors.Is(err, ErrMessageInvalidInput) {
		t.Fatalf("expected ErrMessageInvalidInput for other conversation, got %v", err)
	}
	_, err = svc.Send(context.Background(), SendInput{ConversationID: convAB, SenderID: "a", Content: "new text", ClientID: "dup"})
	if !errors.Is(err, ErrMessageInvalidInput) {
		t.Fatalf("expected ErrMessageInvalidInput for different content, got %v", err)
	}
	if len(repo.created) != 1 {
		t.Fatalf("expected a single stored row, got %d", len(repo.created))
	}
	if n := len(events.snapshot()); n != 1 {
		t.Fatalf("expected a single event, got %d", n)
	}
}

func TestMessageServiceSend_Validation(t *testing.T) {
	svc, repo, _, convID := newTestMessageService(t)

	cases := []struct {
		name  string
		input SendInput
	}{
		{"blank content", SendInput{ConversationID: convID, SenderID: "a", Content: "   \n\t"}},
		{"missing conversation", SendInput{SenderID: "a", Content: "hi"}},
		{"missing sender", SendInput{ConversationID: convID, Content: "hi"}},
		{"too long", SendInput{ConversationID: convID, SenderID: "a", Content: strings.Repeat("x", MaxContentLength+1)}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := svc.Send(context.Background(), tc.input); !errors.Is(err, ErrMessageInvalidInput) {
				t.Fatalf("expected ErrMessageInvalidInput, got %v", err)
			}
		})
	}
	if len(repo.created) != 0 {
		t.Fatalf("expected nothing stored, got %d", len(repo.created))
	}
}

func TestMessageServiceSend_RejectsOutsider(t *testing.T) {
	svc, _, events, convID := newTestMessageService(t)

	_, err := svc.Send(context.Background(), SendInput{ConversationID: convID, SenderID: "c", Content: "hi"})
	if !errors.Is(err, ErrNotParticipant) {
		t.Fatalf("expected ErrNotParticipant, got %v", err)
	}
	if n := len(events.snapshot()); n != 0 {
		t.Fatalf("expected no events, got %d", n)
	}
}

func TestMessageServiceSend_ClampsFutureTimestamp(t *testing.T) {
	svc, _, _, convID := newTestMessageService(t)
	fixed := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	svc.now = func() time.Time { return fixed }

	msg, err := svc.Send(context.Background(), SendInput{
		ConversationID: convID,
		SenderID:       "a",
		Content:        "from the future",
		CreatedAt:      fixed.Add(time.Hour),
	})
	if err != nil {
		t.Fatalf("send failed: %v", err)
	}
	if !msg.CreatedAt.Equal(fixed) {
		t.Fatalf("expected created_at clamped to %v, got %v", fixed, msg.CreatedAt)
	}

	past := fixed.Add(-time.Minute)
	msg, err = svc.Send(context.Background(), SendInput{
		ConversationID: convID,
		SenderID:       "a",
		Content:        "slightly earlier",
		CreatedAt:      past,
	})
	if err != nil {
		t.Fatalf("send failed: %v", err)
	}
	if !msg.CreatedAt.Equal(past) {
		t.Fatalf("expected client timestamp kept, got %v", msg.CreatedAt)
	}
}

func TestMessageServiceSend_PublishErrorDoesNotFail(t *testing.T) {
	svc, _, events, convID := newTestMessageService(t)
	events.err = errors.New("feed down")

	if _, err := svc.Send(context.Background(), SendInput{ConversationID: convID, SenderID: "b", Content: "hi"}); err != nil {
		t.Fatalf("expected send to succeed despite publish error, got %v", err)
	}
}

func TestMessageServiceList(t *testing.T) {
	svc, _, _, convID := newTestMessageService(t)

	for _, content := range []string{"one", "two"} {
		if _, err := svc.Send(context.Background(), SendInput{ConversationID: convID, SenderID: "a", Content: content}); err != nil {
			t.Fatalf("send failed: %v", err)
		}
	}
	msgs, err := svc.List(context.Background(), convID, "b")
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if len(msgs) != 2 {
		t.Fatalf("expected 2 messages, got %d", len(msgs))
	}
	if _, err := svc.List(context.Background(), convID, "c"); !errors.Is(err, ErrNotParticipant) {
		t.Fatalf("expected ErrNotParticipant, got %v", err)
	}
	empty, err := svc.List(context.Background(), "", "a")
	if err != nil || len(empty) != 0 {
		t.Fatalf("expected empty list, got %+v %v", empty, err)
	}
}

func TestMessageService_NotConfigured(t *testing.T) {
	var svc *MessageService
	if _, err := svc.Send(context.Background(), SendInput{}); !errors.Is(err, ErrMessageServiceNotConfigured) {
		t.Fatalf("expected ErrMessageServiceNotConfigured, got %v", err)
	}
	if _, err := svc.List(context.Background(), "c", "a"); !errors.Is(err, ErrMessageServiceNotConfigured) {
		t.Fatalf("expected ErrMessageServiceNotConfigured, got %v", err)
	}
}
