// Package session orchestrates one chat turn: it opens the event stream through the retry and
// circuit-breaker layers, folds protocol events into the assistant message, drives the
// turn's state machine, and commits the finished conversation into the caches.
package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"iter"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/MegaGrindStone/chat-stream-kit/internal/api"
	"github.com/MegaGrindStone/chat-stream-kit/internal/cache"
	"github.com/MegaGrindStone/chat-stream-kit/internal/models"
	"github.com/MegaGrindStone/chat-stream-kit/internal/resilience"
	"github.com/MegaGrindStone/chat-stream-kit/internal/stream"
)

// Streamer opens the chat event stream. api.Client satisfies it; tests substitute fakes.
type Streamer interface {
	OpenStream(ctx context.Context, req api.StreamRequest) (io.ReadCloser, error)
}

// Config wires a Controller's collaborators. Everything is injected: one shared breaker per
// protected dependency, one cache manager per entity, no ambient globals.
type Config struct {
	Streamer Streamer
	Breaker  *resilience.Breaker
	Retry    resilience.RetryConfig

	Messages      *cache.Manager[[]models.Message]
	Conversations *cache.Manager[[]models.ConversationSummary]

	// MaxInputLen caps user input length; MaxMessages caps how many messages are kept per
	// conversation; MaxConversations caps the recent-conversation list.
	MaxInputLen      int
	MaxMessages      int
	MaxConversations int

	Logger *slog.Logger
}

// Update is one progress report of a running turn: the turn's state, a snapshot of the
// assistant message as accumulated so far, and the conversation the turn belongs to. The
// conversation ID can change once, when the server assigns an ID to a new conversation.
type Update struct {
	ConversationID string
	State          models.StreamingState
	Message        models.Message
}

// Controller is the state machine for streaming chat turns. A turn moves
// idle -> routing -> processing -> generating -> complete, can fall into error from any
// non-idle state, and returns to idle on user cancellation without recording a failure.
type Controller struct {
	streamer Streamer
	breaker  *resilience.Breaker
	retry    resilience.RetryConfig
	decoder  stream.Decoder

	messages      *cache.Manager[[]models.Message]
	conversations *cache.Manager[[]models.ConversationSummary]

	maxInputLen      int
	maxMessages      int
	maxConversations int

	state models.StreamingState

	logger *slog.Logger
}

// New creates a Controller from cfg.
func New(cfg Config) *Controller {
	return &Controller{
		streamer:         cfg.Streamer,
		breaker:          cfg.Breaker,
		retry:            cfg.Retry,
		decoder:          stream.NewDecoder(cfg.Logger),
		messages:         cfg.Messages,
		conversations:    cfg.Conversations,
		maxInputLen:      cfg.MaxInputLen,
		maxMessages:      cfg.MaxMessages,
		maxConversations: cfg.MaxConversations,
		state:            models.StreamingState{Stage: models.StageIdle},
		logger:           cfg.Logger.With(slog.String("module", "session")),
	}
}

// State returns the current streaming state.
func (c *Controller) State() models.StreamingState {
	return c.state
}

// Run executes one chat turn for the given conversation and yields an Update after every state
// or content change. An empty conversationID starts a new conversation; the server-assigned ID
// is adopted from the session event. Canceling ctx ends the turn cooperatively: the state
// resets to idle and no error is yielded or recorded.
func (c *Controller) Run(ctx context.Context, conversationID, input string) iter.Seq2[Update, error] {
	return func(yield func(Update, error) bool) {
		input = strings.TrimSpace(input)
		if input == "" {
			yield(Update{ConversationID: conversationID, State: c.state}, errors.New("message is required"))
			return
		}
		if c.maxInputLen > 0 && len(input) > c.maxInputLen {
			yield(Update{ConversationID: conversationID, State: c.state}, fmt.Errorf("message exceeds %d characters", c.maxInputLen))
			return
		}

		userMsg := models.Message{
			ID:        uuid.New().String(),
			Role:      models.RoleUser,
			Content:   input,
			Timestamp: time.Now(),
			Kind:      models.KindText,
		}
		assistantMsg := models.Message{
			ID:        uuid.New().String(),
			Role:      models.RoleAssistant,
			Timestamp: time.Now(),
			Kind:      models.KindText,
			Streaming: true,
		}

		// A fresh conversation lives under a local ID until the server assigns one.
		localOnly := conversationID == ""
		if localOnly {
			conversationID = uuid.New().String()
		}
		c.appendMessages(conversationID, userMsg)

		c.state = models.StreamingState{Active: true, Stage: models.StageRouting, ProgressPercent: 10}
		if !yield(Update{ConversationID: conversationID, State: c.state, Message: assistantMsg}, nil) {
			c.reset()
			return
		}

		started := time.Now()

		body, err := resilience.Retry(ctx, c.retry, c.logger, func() (io.ReadCloser, error) {
			var rc io.ReadCloser
			err := c.breaker.Do(func() error {
				var openErr error
				rc, openErr = c.streamer.OpenStream(ctx, api.StreamRequest{
					Message:   input,
					SessionID: serverSessionID(conversationID, localOnly),
				})
				return openErr
			})
			return rc, err
		})
		if err != nil {
			if canceled(ctx, err) {
				c.finishCanceled(conversationID, assistantMsg)
				return
			}
			c.finishError(conversationID, assistantMsg, err, yield)
			return
		}
		defer body.Close()

		var acc stream.Accumulator
		tokens := 0

		for ev, err := range c.decoder.Events(ctx, body) {
			if err != nil {
				c.finishError(conversationID, assistantMsg, err, yield)
				return
			}

			switch ev := ev.(type) {
			case models.SessionEvent:
				if localOnly && ev.SessionID != "" {
					conversationID = c.adoptSessionID(conversationID, ev.SessionID)
					localOnly = false
				}
			case models.RoutingEvent:
				c.state.Stage = models.StageProcessing
				c.state.ProgressPercent = 25
			case models.ModelSelectedEvent:
				c.state.Stage = models.StageGenerating
				c.state.CurrentModel = ev.Model
				c.state.ProgressPercent = 35
				assistantMsg.Model = ev.Model
			case models.TokenEvent:
				c.state.Stage = models.StageGenerating
				tokens++
				c.state.ProgressPercent = min(90, 35+tokens)
				assistantMsg.Content = acc.Apply(ev)
			case models.ImageEvent:
				// A terminal image result: the turn completes without waiting for [DONE].
				assistantMsg.Kind = models.KindImage
				assistantMsg.Content = ev.URL
				c.finishComplete(conversationID, userMsg, assistantMsg, acc.Metadata(), started, yield)
				return
			case models.MetadataEvent:
				c.state.Stage = models.StageGenerating
				acc.Merge(ev)
			case models.ErrorEvent:
				c.finishError(conversationID, assistantMsg, errors.New(ev.Message), yield)
				return
			case models.DoneEvent:
				c.finishComplete(conversationID, userMsg, assistantMsg, acc.Metadata(), started, yield)
				return
			}

			if !yield(Update{ConversationID: conversationID, State: c.state, Message: assistantMsg}, nil) {
				c.reset()
				return
			}
		}

		// The decoder ended without yielding [DONE] or an error: cooperative cancellation.
		c.finishCanceled(conversationID, assistantMsg)
	}
}

// finishComplete freezes the assistant message, commits the conversation's messages and its
// summary into the caches, and yields the final update. The cache writes supersede every fetch
// in flight for those keys, so a stale background refresh can no longer clobber this turn.
func (c *Controller) finishComplete(
	conversationID string,
	userMsg, assistantMsg models.Message,
	metadata map[string]any,
	started time.Time,
	yield func(Update, error) bool,
) {
	assistantMsg.Streaming = false
	assistantMsg.Model = c.state.CurrentModel
	if metadata == nil {
		metadata = map[string]any{}
	}
	metadata["processingTimeMs"] = time.Since(started).Milliseconds()
	assistantMsg.Metadata = metadata

	c.appendMessages(conversationID, assistantMsg)
	c.updateConversationList(conversationID, userMsg, assistantMsg)

	c.state.Stage = models.StageComplete
	c.state.Active = false
	c.state.ProgressPercent = 100
	yield(Update{ConversationID: conversationID, State: c.state, Message: assistantMsg}, nil)
}

// finishError converts the assistant message into an error-typed message carrying a
// user-facing string. The raw error goes to the log, never to the message.
func (c *Controller) finishError(
	conversationID string,
	assistantMsg models.Message,
	err error,
	yield func(Update, error) bool,
) {
	c.logger.Error("Turn failed",
		slog.String("conversationID", conversationID),
		slog.String("err", err.Error()),
	)

	assistantMsg.Streaming = false
	assistantMsg.Kind = models.KindError
	assistantMsg.Content = userMessage(err)
	c.appendMessages(conversationID, assistantMsg)

	c.state.Stage = models.StageError
	c.state.Active = false
	c.state.Err = assistantMsg.Content
	yield(Update{ConversationID: conversationID, State: c.state, Message: assistantMsg}, err)
}

// finishCanceled resets to idle. The partial message is kept, marked non-streaming, with no
// error flag; nothing about the turn is recorded as a failure.
func (c *Controller) finishCanceled(conversationID string, assistantMsg models.Message) {
	if assistantMsg.Content != "" {
		assistantMsg.Streaming = false
		c.appendMessages(conversationID, assistantMsg)
	}
	c.reset()
}

func (c *Controller) reset() {
	c.state = models.StreamingState{Stage: models.StageIdle}
}

// appendMessages appends msg to the conversation's cached message list, replacing a previous
// snapshot of the same message ID, and caps the list length.
func (c *Controller) appendMessages(conversationID string, msg models.Message) {
	list, _ := c.messages.Get(context.Background(), conversationID)
	replaced := false
	for i := range list {
		if list[i].ID == msg.ID {
			list[i] = msg
			replaced = true
			break
		}
	}
	if !replaced {
		list = append(list, msg)
	}
	if c.maxMessages > 0 && len(list) > c.maxMessages {
		list = list[len(list)-c.maxMessages:]
	}
	c.messages.Set(conversationID, list)
}

// adoptSessionID re-keys the in-flight conversation from its local ID to the server-assigned
// one.
func (c *Controller) adoptSessionID(localID, serverID string) string {
	list, ok := c.messages.Get(context.Background(), localID)
	if ok {
		c.messages.Set(serverID, list)
		c.messages.Invalidate(localID)
	}
	return serverID
}

// updateConversationList moves the conversation to the front of the cached summary list with a
// fresh preview and timestamp, so list views refresh without refetching.
func (c *Controller) updateConversationList(conversationID string, userMsg, assistantMsg models.Message) {
	list, _ := c.conversations.Get(context.Background(), "")

	summary := models.ConversationSummary{
		ID:          conversationID,
		Title:       title(userMsg.Content),
		LastMessage: title(assistantMsg.Content),
		UpdatedAt:   assistantMsg.Timestamp,
	}
	for i := range list {
		if list[i].ID == conversationID {
			if list[i].Title != "" {
				summary.Title = list[i].Title
			}
			list = append(list[:i], list[i+1:]...)
			break
		}
	}
	list = append([]models.ConversationSummary{summary}, list...)
	if c.maxConversations > 0 && len(list) > c.maxConversations {
		list = list[:c.maxConversations]
	}
	c.conversations.Set("", list)
}

// userMessage maps an internal error to the string shown in chat. Raw error detail never
// reaches the user.
func userMessage(err error) string {
	switch {
	case api.IsAuth(err):
		return "Please sign in to continue."
	case api.IsRateLimit(err):
		return "You're sending messages too quickly. Please wait a moment and try again."
	case errors.Is(err, resilience.ErrCircuitOpen):
		return "The service is temporarily unavailable. Please try again shortly."
	default:
		return "Something went wrong while generating a response. Please try again."
	}
}

func canceled(ctx context.Context, err error) bool {
	return errors.Is(err, context.Canceled) || ctx.Err() != nil
}

func serverSessionID(conversationID string, localOnly bool) string {
	if localOnly {
		return ""
	}
	return conversationID
}

func title(s string) string {
	const max = 80
	s = strings.TrimSpace(s)
	if len(s) <= max {
		return s
	}
	return s[:max] + "..."
}
