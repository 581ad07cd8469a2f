package models

import (
	"encoding/json"
	"fmt"
)

// StreamEvent is one decoded frame of the chat event stream. The set of implementations is
// closed and mirrors the wire protocol: decoding dispatches on the payload's "type" field, so
// every consumer can switch over the concrete types without runtime guessing.
type StreamEvent interface {
	streamEvent()
}

// SessionEvent carries the server-assigned conversation identifier for a new conversation.
type SessionEvent struct {
	SessionID string
}

// RoutingEvent signals that the server entered the routing stage.
type RoutingEvent struct {
	PrimaryModel string
}

// ModelSelectedEvent carries the model chosen for generation.
type ModelSelectedEvent struct {
	Model string
}

// TokenEvent carries a text update. When Replace is true the server re-sent the full response
// and Text replaces everything accumulated so far; otherwise Text is appended.
type TokenEvent struct {
	Text    string
	Replace bool
}

// ImageEvent carries a terminal image result.
type ImageEvent struct {
	URL string
}

// MetadataEvent carries arbitrary usage and telemetry fields to be merged into the message
// metadata, such as token counts and processing time.
type MetadataEvent struct {
	Fields map[string]any
}

// ErrorEvent carries a server-signaled failure.
type ErrorEvent struct {
	Message string
}

// DoneEvent signals normal stream termination. It is synthesized by the decoder from the
// literal "[DONE]" sentinel rather than parsed from JSON.
type DoneEvent struct{}

func (SessionEvent) streamEvent()       {}
func (RoutingEvent) streamEvent()       {}
func (ModelSelectedEvent) streamEvent() {}
func (TokenEvent) streamEvent()         {}
func (ImageEvent) streamEvent()         {}
func (MetadataEvent) streamEvent()      {}
func (ErrorEvent) streamEvent()         {}
func (DoneEvent) streamEvent()          {}

type rawStreamEvent struct {
	Type         string `json:"type"`
	SessionID    string `json:"sessionId"`
	PrimaryModel string `json:"primaryModel"`
	Model        string `json:"model"`
	Content      string `json:"content"`
	Delta        string `json:"delta"`
	Text         string `json:"text"`
	Token        string `json:"token"`
	FullResponse string `json:"fullResponse"`
	URL          string `json:"url"`
	Message      string `json:"message"`
}

// ParseStreamEvent decodes a single data payload into its typed event. Payloads with an
// unrecognized type decode to nil without an error, so the decoder can skip them the same
// way it skips malformed lines.
func ParseStreamEvent(data []byte) (StreamEvent, error) {
	var raw rawStreamEvent
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("failed to unmarshal stream event: %w", err)
	}

	switch raw.Type {
	case "session":
		return SessionEvent{SessionID: raw.SessionID}, nil
	case "routing":
		return RoutingEvent{PrimaryModel: raw.PrimaryModel}, nil
	case "model_selected":
		return ModelSelectedEvent{Model: raw.Model}, nil
	case "token":
		// A full response is authoritative whenever present, even if deltas were
		// seen earlier in the same stream.
		if raw.FullResponse != "" {
			return TokenEvent{Text: raw.FullResponse, Replace: true}, nil
		}
		return TokenEvent{Text: tokenText(raw)}, nil
	case "image":
		return ImageEvent{URL: raw.URL}, nil
	case "metadata":
		fields := map[string]any{}
		if err := json.Unmarshal(data, &fields); err != nil {
			return nil, fmt.Errorf("failed to unmarshal metadata event: %w", err)
		}
		delete(fields, "type")
		return MetadataEvent{Fields: fields}, nil
	case "error":
		return ErrorEvent{Message: raw.Message}, nil
	default:
		return nil, nil
	}
}

// tokenText picks the first populated text field. Servers are inconsistent about which field
// carries the increment, so all known spellings are accepted.
func tokenText(raw rawStreamEvent) string {
	for _, s := range []string{raw.Content, raw.Delta, raw.Text, raw.Token} {
		if s != "" {
			return s
		}
	}
	return ""
}
