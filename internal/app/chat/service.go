package chat

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/nats-io/nuid"

	"github.com/gatherly/backend/internal/contracts"
	"github.com/gatherly/backend/internal/platform/metrics"
	"github.com/gatherly/backend/internal/platform/natsutil"
	"github.com/gatherly/backend/internal/sharding"
)

var (
	ErrChatNotFound   = errors.New("chat not found")
	ErrNotChatMember  = errors.New("user is not a member of the chat")
	ErrChatExpired    = errors.New("chat is read-only: the event has ended")
	ErrChatArchived   = errors.New("chat is archived")
	ErrEmptyMessage   = errors.New("message text is required")
	ErrMessageTooLong = errors.New("message text exceeds the limit")
)

// MaxMessageRunes bounds a single message body.
const MaxMessageRunes = 2000

// DefaultHistoryLimit is how many messages a history fetch returns.
const DefaultHistoryLimit = 200

type Service struct {
	Repo      Repository
	Publisher natsutil.Publisher
	Metrics   *metrics.Set
	NewID     func() string
	Now       func() time.Time
}

func NewService(repo Repository, publisher natsutil.Publisher) *Service {
	return &Service{
		Repo:      repo,
		Publisher: publisher,
		NewID:     nuid.Next,
		Now:       func() time.Time { return time.Now().UTC() },
	}
}

// ListChats returns the viewer's chats with their availability status
// classified against the current clock.
func (s *Service) ListChats(ctx context.Context, viewerID string) ([]Summary, error) {
	summaries, err := s.Repo.ListChats(ctx, viewerID)
	if err != nil {
		return nil, err
	}
	now := s.Now()
	for i := range summaries {
		summaries[i].Status = Classify(summaries[i].EventEndsAt, now)
	}
	return summaries, nil
}

// SendMessage validates availability before any write: an expired or
// archived chat rejects the message outright rather than queuing it.
func (s *Service) SendMessage(ctx context.Context, viewerID, chatID, text string) (contracts.ChatMessage, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return contracts.ChatMessage{}, ErrEmptyMessage
	}
	if utf8.RuneCountInString(text) > MaxMessageRunes {
		return contracts.ChatMessage{}, ErrMessageTooLong
	}

	endsAt, err := s.Repo.EventEnd(ctx, chatID)
	if err != nil {
		return contracts.ChatMessage{}, err
	}
	switch Classify(endsAt, s.Now()) {
	case StatusExpired:
		return contracts.ChatMessage{}, ErrChatExpired
	case StatusArchived:
		return contracts.ChatMessage{}, ErrChatArchived
	}

	member, err := s.Repo.IsMember(ctx, chatID, viewerID)
	if err != nil {
		return contracts.ChatMessage{}, err
	}
	if !member {
		return contracts.ChatMessage{}, ErrNotChatMember
	}

	msg := contracts.ChatMessage{
		MessageID: s.NewID(),
		ChatID:    chatID,
		SenderID:  viewerID,
		Text:      text,
		CreatedAt: s.Now(),
	}
	if err := s.Repo.InsertMessage(ctx, msg); err != nil {
		return contracts.ChatMessage{}, err
	}
	if s.Metrics != nil {
		s.Metrics.ChatMessagesSent.Inc()
	}
	s.publish(msg)
	return msg, nil
}

// History returns the latest messages in ascending creation order.
// Membership gates reads as well as writes.
func (s *Service) History(ctx context.Context, viewerID, chatID string, limit int) ([]contracts.ChatMessage, error) {
	if limit <= 0 {
		limit = DefaultHistoryLimit
	}
	member, err := s.Repo.IsMember(ctx, chatID, viewerID)
	if err != nil {
		return nil, err
	}
	if !member {
		return nil, ErrNotChatMember
	}
	msgs, err := s.Repo.ListMessages(ctx, chatID, limit)
	if err != nil {
		return nil, err
	}
	SortMessages(msgs)
	return msgs, nil
}

func (s *Service) MarkRead(ctx context.Context, viewerID, chatID string) error {
	member, err := s.Repo.IsMember(ctx, chatID, viewerID)
	if err != nil {
		return err
	}
	if !member {
		return ErrNotChatMember
	}
	return s.Repo.MarkRead(ctx, chatID, viewerID, s.Now())
}

// publish is best effort: the message is already persisted, and stream
// consumers catch up from history on reconnect.
func (s *Service) publish(msg contracts.ChatMessage) {
	if s.Publisher == nil {
		return
	}
	payload, err := json.Marshal(msg)
	if err != nil {
		return
	}
	_ = s.Publisher.Publish(sharding.ChatSubject(msg.ChatID), payload)
}

// SortMessages orders a batch by creation time for display. Stream
// consumers call this because JetStream redelivery can hand messages out
// of their original order.
func SortMessages(msgs []contracts.ChatMessage) {
	sort.SliceStable(msgs, func(i, j int) bool {
		if !msgs[i].CreatedAt.Equal(msgs[j].CreatedAt) {
			return msgs[i].CreatedAt.Before(msgs[j].CreatedAt)
		}
		return msgs[i].MessageID < msgs[j].MessageID
	})
}

