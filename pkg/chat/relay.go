package chat

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"repochat/pkg/ai"
	"repochat/pkg/domain"
)

const defaultStreamBuffer = 16

// Terminal error messages sent to the caller once the stream is open.
const (
	msgStreamIncomplete = "answer stream ended before completion"
	msgBackendFailed    = "answer backend failed"
	msgPersistFailed    = "failed to save conversation"
)

// ThreadBackend is the part of the assistants API a relay drives.
type ThreadBackend interface {
	ThreadCreator
	PostMessage(ctx context.Context, threadID, text string) error
	OpenRun(ctx context.Context, threadID, assistantID string) (*ai.RunStream, error)
}

// Query is one user turn.
type Query struct {
	UserID   string
	ChatID   string
	RepoID   string
	Message  string
	ParentID string
}

// Stream carries the normalized events of one answer.
type Stream struct {
	Conversation domain.Conversation
	events       chan domain.StreamEvent
}

// Events is closed after the completed event or a terminal error event.
func (s *Stream) Events() <-chan domain.StreamEvent {
	return s.events
}

// Relay submits turns and relays the answer stream, persisting the turn once
// the answer completes.
type Relay struct {
	store    ConversationStore
	resolver *Resolver
	backend  ThreadBackend
	buffer   int
}

func NewRelay(store ConversationStore, agents AgentBinder, backend ThreadBackend, buffer int) *Relay {
	if buffer <= 0 {
		buffer = defaultStreamBuffer
	}
	return &Relay{
		store:    store,
		resolver: NewResolver(store, agents, backend),
		backend:  backend,
		buffer:   buffer,
	}
}

// Open validates q, resolves the conversation, posts the turn and starts the
// run. Errors returned here happen before any event exists. The returned
// stream keeps running when ctx is cancelled.
func (r *Relay) Open(ctx context.Context, q Query) (*Stream, error) {
	if err := r.validate(q); err != nil {
		return nil, err
	}
	conv, err := r.resolver.Resolve(ctx, q.UserID, q.ChatID, q.RepoID)
	if err != nil {
		return nil, err
	}
	if err := r.backend.PostMessage(ctx, conv.ThreadID, q.Message); err != nil {
		return nil, fmt.Errorf("%w: post message: %w", ErrBackend, err)
	}
	// The run body is read after Open returns, so its request must outlive ctx.
	detached := context.WithoutCancel(ctx)
	run, err := r.backend.OpenRun(detached, conv.ThreadID, conv.AgentID)
	if err != nil {
		return nil, fmt.Errorf("%w: open run: %w", ErrBackend, err)
	}
	s := &Stream{Conversation: conv, events: make(chan domain.StreamEvent, r.buffer)}
	go r.pump(detached, q, run, s.events)
	return s, nil
}

func (r *Relay) validate(q Query) error {
	if strings.TrimSpace(q.UserID) == "" {
		return ErrUnauthorized
	}
	if strings.TrimSpace(q.ChatID) == "" || strings.TrimSpace(q.RepoID) == "" || strings.TrimSpace(q.Message) == "" {
		return fmt.Errorf("%w: chatId, repoId and message are required", ErrValidation)
	}
	if _, err := uuid.Parse(q.ChatID); err != nil {
		return fmt.Errorf("%w: chatId must be a UUID", ErrValidation)
	}
	if q.ParentID == "" {
		return nil
	}
	parent, ok, err := r.store.GetMessage(q.ParentID)
	if err != nil {
		return fmt.Errorf("load parent message: %w", err)
	}
	if !ok || parent.ConversationID != q.ChatID {
		return fmt.Errorf("%w: parentId is not a message of this chat", ErrValidation)
	}
	return nil
}

func (r *Relay) pump(ctx context.Context, q Query, run *ai.RunStream, out chan<- domain.StreamEvent) {
	defer close(out)
	defer run.Close()
	logger := slog.With("chat_id", q.ChatID, "user_id", q.UserID)
	started := time.Now()
	firstDelta := true

	for {
		ev, err := run.Next()
		if errors.Is(err, io.EOF) {
			logger.Warn("chat: answer stream ended without completion")
			recordQuery("incomplete", started)
			out <- errorEvent(msgStreamIncomplete)
			return
		}
		if err != nil {
			logger.Error("chat: answer stream failed", "err", err)
			recordQuery("backend_error", started)
			out <- errorEvent(msgBackendFailed)
			return
		}

		switch ev.Event {
		case ai.EventMessageDelta:
			var delta ai.MessageDelta
			if err := json.Unmarshal(ev.Data, &delta); err != nil {
				logger.Error("chat: decode delta", "err", err)
				recordQuery("backend_error", started)
				out <- errorEvent(msgBackendFailed)
				return
			}
			if firstDelta {
				observeFirstDelta(started)
				firstDelta = false
			}
			text := delta.Text()
			out <- domain.StreamEvent{Status: domain.StreamInProgress, Delta: &text}
		case ai.EventMessageCompleted:
			var msg ai.Message
			if err := json.Unmarshal(ev.Data, &msg); err != nil {
				logger.Error("chat: decode completed message", "err", err)
				recordQuery("backend_error", started)
				out <- errorEvent(msgBackendFailed)
				return
			}
			content := msg.Text()
			if err := r.persist(q, content); err != nil {
				logger.Error("chat: persist turn", "err", err)
				recordQuery("persist_error", started)
				out <- errorEvent(msgPersistFailed)
				return
			}
			recordQuery("completed", started)
			out <- domain.StreamEvent{Status: domain.StreamCompleted, Content: &content}
			return
		}
	}
}

// persist appends the user message and then the answer linked to it.
func (r *Relay) persist(q Query, answer string) error {
	userMsg, err := r.store.AppendMessage(domain.Message{
		ConversationID: q.ChatID,
		Role:           domain.RoleUser,
		Content:        q.Message,
		ParentID:       q.ParentID,
	})
	if err != nil {
		return fmt.Errorf("append user message: %w", err)
	}
	if _, err := r.store.AppendMessage(domain.Message{
		ConversationID: q.ChatID,
		Role:           domain.RoleAssistant,
		Content:        answer,
		ParentID:       userMsg.ID,
	}); err != nil {
		return fmt.Errorf("append assistant message: %w", err)
	}
	return nil
}

func errorEvent(msg string) domain.StreamEvent {
	return domain.StreamEvent{Error: msg}
}
