package models_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/MegaGrindStone/chat-stream-kit/internal/models"
)

func TestParseStreamEventTokenFieldFallbacks(t *testing.T) {
	cases := []struct {
		name string
		data string
		want models.TokenEvent
	}{
		{"content field", `{"type":"token","content":"a"}`, models.TokenEvent{Text: "a"}},
		{"delta field", `{"type":"token","delta":"b"}`, models.TokenEvent{Text: "b"}},
		{"text field", `{"type":"token","text":"c"}`, models.TokenEvent{Text: "c"}},
		{"token field", `{"type":"token","token":"d"}`, models.TokenEvent{Text: "d"}},
		{"content wins over delta", `{"type":"token","content":"a","delta":"b"}`, models.TokenEvent{Text: "a"}},
		{
			"fullResponse wins over everything",
			`{"type":"token","delta":"b","fullResponse":"whole"}`,
			models.TokenEvent{Text: "whole", Replace: true},
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			ev, err := models.ParseStreamEvent([]byte(tc.data))
			require.NoError(t, err)
			require.Equal(t, tc.want, ev)
		})
	}
}

func TestParseStreamEventMetadataExcludesType(t *testing.T) {
	ev, err := models.ParseStreamEvent([]byte(`{"type":"metadata","tokens":10,"model":"gpt-4"}`))
	require.NoError(t, err)
	require.Equal(t, models.MetadataEvent{Fields: map[string]any{
		"tokens": float64(10),
		"model":  "gpt-4",
	}}, ev)
}

func TestParseStreamEventUnknownTypeIsSkippable(t *testing.T) {
	ev, err := models.ParseStreamEvent([]byte(`{"type":"heartbeat"}`))
	require.NoError(t, err)
	require.Nil(t, ev)
}

func TestParseStreamEventMalformed(t *testing.T) {
	_, err := models.ParseStreamEvent([]byte(`{broken`))
	require.Error(t, err)
}
