package stream

import (
	"strings"

	"github.com/MegaGrindStone/chat-stream-kit/internal/models"
)

// Accumulator folds a sequence of token events into message content. It keeps the raw
// accumulated text and derives the displayable content through Cleanup on every read, so the
// rendered output for any prefix of the stream converges to the rendered output of the full
// stream once it completes.
type Accumulator struct {
	raw      string
	metadata map[string]any
}

// Apply folds one token event into the accumulated content and returns the cleaned-up content
// so far. A replace event overwrites everything accumulated before it.
func (a *Accumulator) Apply(ev models.TokenEvent) string {
	if ev.Replace {
		a.raw = ev.Text
	} else {
		a.raw += ev.Text
	}
	return Cleanup(a.raw)
}

// Merge folds a metadata event into the accumulated metadata. Later fields win on key
// collision.
func (a *Accumulator) Merge(ev models.MetadataEvent) {
	if a.metadata == nil {
		a.metadata = make(map[string]any, len(ev.Fields))
	}
	for k, v := range ev.Fields {
		a.metadata[k] = v
	}
}

// Content returns the cleaned-up content accumulated so far.
func (a *Accumulator) Content() string {
	return Cleanup(a.raw)
}

// Raw returns the accumulated content without cleanup.
func (a *Accumulator) Raw() string {
	return a.raw
}

// Metadata returns the merged metadata, or nil if none was received.
func (a *Accumulator) Metadata() map[string]any {
	return a.metadata
}

// Emphasis and code markers that pair up in finished markdown, longest first so "**" is
// recognized before "*".
var pairedMarkers = []string{"```", "**", "__", "~~", "*", "_", "`"}

// Cleanup strips in-progress markdown artifacts from s: any emphasis or code marker that has
// no matching partner yet is removed, most recent first, until every marker is paired. It is
// idempotent, so re-applying it to already-cleaned text is a no-op. Rendering every increment
// through Cleanup instead of mutating the accumulated text keeps partial and complete input
// converging to the same output once the stream ends.
func Cleanup(s string) string {
	for {
		t := stripUnpairedMarker(s)
		if t == s {
			return s
		}
		s = t
	}
}

// stripUnpairedMarker removes the last occurrence of the first marker with an odd count. The
// caller loops to a fixpoint, which is what makes the whole transform idempotent.
func stripUnpairedMarker(s string) string {
	for _, m := range pairedMarkers {
		if strings.Count(s, m)%2 == 0 {
			continue
		}
		i := strings.LastIndex(s, m)
		head, rest := s[:i], s[i+len(m):]
		if rest == "" {
			// The marker dangled at the very end; drop the whitespace it leaves behind too.
			head = strings.TrimRight(head, " \t")
		}
		return head + rest
	}
	return s
}
