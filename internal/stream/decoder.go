// Package stream turns the raw chat event stream into typed protocol events and folds token
// events into message content.
package stream

import (
	"context"
	"errors"
	"io"
	"iter"
	"log/slog"

	"github.com/tmaxmax/go-sse"

	"github.com/MegaGrindStone/chat-stream-kit/internal/models"
)

const doneSentinel = "[DONE]"

// ErrClosed reports a stream that ended before the server sent its termination sentinel. It is
// a transport failure, distinct from user cancellation.
var ErrClosed = errors.New("stream closed before completion")

// Decoder reads the event-stream body chunk by chunk and yields one typed protocol event per
// well-formed data line. Incomplete trailing lines are buffered across reads, so chunk
// boundaries never split an event.
type Decoder struct {
	logger *slog.Logger
}

// NewDecoder creates a Decoder that reports skipped lines to the given logger.
func NewDecoder(logger *slog.Logger) Decoder {
	return Decoder{
		logger: logger.With(slog.String("module", "stream")),
	}
}

// Events returns an iterator over the protocol events carried by body. Events are yielded
// strictly in arrival order. A line that fails to parse is logged and skipped; a single
// malformed event never aborts the stream. The literal "[DONE]" sentinel yields a DoneEvent
// and ends the iteration; any other end of stream yields ErrClosed. Context cancellation ends
// the iteration silently, since cancellation is not a failure.
func (d Decoder) Events(ctx context.Context, body io.Reader) iter.Seq2[models.StreamEvent, error] {
	return func(yield func(models.StreamEvent, error) bool) {
		for ev, err := range sse.Read(body, nil) {
			if err != nil {
				if errors.Is(err, context.Canceled) || ctx.Err() != nil {
					return
				}
				yield(nil, errors.Join(ErrClosed, err))
				return
			}

			if ev.Data == doneSentinel {
				yield(models.DoneEvent{}, nil)
				return
			}

			pe, err := models.ParseStreamEvent([]byte(ev.Data))
			if err != nil {
				d.logger.Warn("Skipping malformed event",
					slog.String("data", ev.Data),
					slog.String("err", err.Error()),
				)
				continue
			}
			if pe == nil {
				d.logger.Debug("Skipping unknown event", slog.String("data", ev.Data))
				continue
			}

			if !yield(pe, nil) {
				return
			}
		}

		// The body ended without [DONE]; the server went away mid-stream.
		if ctx.Err() == nil {
			yield(nil, ErrClosed)
		}
	}
}
