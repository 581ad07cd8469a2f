package api_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/MegaGrindStone/chat-stream-kit/internal/api"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) api.Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return api.NewClient(srv.URL, "test-token", slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func TestSendSetsHeadersAndDecodes(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.Equal(t, "/api/chat", r.URL.Path)
		require.Equal(t, "Bearer test-token", r.Header.Get("Authorization"))
		require.Equal(t, "application/json", r.Header.Get("Content-Type"))

		body, err := io.ReadAll(r.Body)
		require.NoError(t, err)
		require.JSONEq(t, `{"message":"hi","sessionId":"conv-1"}`, string(body))

		w.Write([]byte(`{"output":"hello","sessionId":"conv-1","model":"gpt-4"}`))
	})

	res, err := client.Send(context.Background(), api.StreamRequest{Message: "hi", SessionID: "conv-1"})
	require.NoError(t, err)
	require.Equal(t, api.SendResponse{Output: "hello", SessionID: "conv-1", Model: "gpt-4"}, res)
}

func TestSendOmitsEmptySessionID(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		body, err := io.ReadAll(r.Body)
		require.NoError(t, err)
		require.JSONEq(t, `{"message":"hi"}`, string(body))
		w.Write([]byte(`{"output":"hello","sessionId":"conv-new"}`))
	})

	res, err := client.Send(context.Background(), api.StreamRequest{Message: "hi"})
	require.NoError(t, err)
	require.Equal(t, "conv-new", res.SessionID)
}

func TestOpenStreamReturnsBody(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/api/chat/stream", r.URL.Path)
		w.Header().Set("Content-Type", "text/event-stream")
		w.Write([]byte("data: [DONE]\n\n"))
	})

	body, err := client.OpenStream(context.Background(), api.StreamRequest{Message: "hi"})
	require.NoError(t, err)
	defer body.Close()

	raw, err := io.ReadAll(body)
	require.NoError(t, err)
	require.Equal(t, "data: [DONE]\n\n", string(raw))
}

func TestProfileUnwrapsEnvelope(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/api/profile", r.URL.Path)
		w.Write([]byte(`{"user":{"id":"u1","email":"ana@example.com","name":"Ana"}}`))
	})

	p, err := client.Profile(context.Background())
	require.NoError(t, err)
	require.Equal(t, "u1", p.ID)
	require.Equal(t, "ana@example.com", p.Email)
}

func TestSubscriptionUnwrapsEnvelope(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/api/subscription", r.URL.Path)
		w.Write([]byte(`{"subscription":{"plan":"pro","status":"active","messageCap":1000}}`))
	})

	s, err := client.Subscription(context.Background())
	require.NoError(t, err)
	require.Equal(t, "pro", s.Plan)
	require.Equal(t, 1000, s.MessageCap)
}

func TestConversationsNormalizesShapes(t *testing.T) {
	row := `{"id":"c1","title":"First chat"}`
	cases := []struct {
		name string
		body string
	}{
		{"bare array", `[` + row + `]`},
		{"conversations envelope", `{"conversations":[` + row + `]}`},
		{"data envelope", `{"data":[` + row + `]}`},
		{"history envelope", `{"history":[` + row + `]}`},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			client := newTestClient(t, func(w http.ResponseWriter, _ *http.Request) {
				w.Write([]byte(tc.body))
			})

			list, err := client.Conversations(context.Background())
			require.NoError(t, err)
			require.Len(t, list, 1)
			require.Equal(t, "c1", list[0].ID)
			require.Equal(t, "First chat", list[0].Title)
		})
	}
}

func TestConversationsRejectsUnknownShape(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, _ *http.Request) {
		w.Write([]byte(`{"rows":[]}`))
	})

	_, err := client.Conversations(context.Background())
	require.Error(t, err)
}

func TestErrorClassification(t *testing.T) {
	cases := []struct {
		name      string
		status    int
		auth      bool
		rateLimit bool
	}{
		{"unauthorized", http.StatusUnauthorized, true, false},
		{"forbidden", http.StatusForbidden, true, false},
		{"too many requests", http.StatusTooManyRequests, false, true},
		{"server error", http.StatusInternalServerError, false, false},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			client := newTestClient(t, func(w http.ResponseWriter, _ *http.Request) {
				w.WriteHeader(tc.status)
				w.Write([]byte("nope"))
			})

			_, err := client.Profile(context.Background())
			require.Error(t, err)

			var he *api.HTTPError
			require.ErrorAs(t, err, &he)
			require.Equal(t, tc.status, he.Status)
			require.Equal(t, "nope", he.Body)
			require.Equal(t, tc.auth, api.IsAuth(err))
			require.Equal(t, tc.rateLimit, api.IsRateLimit(err))
		})
	}
}

func TestClassifiersIgnoreOtherErrors(t *testing.T) {
	err := errors.New("dial tcp: connection refused")
	require.False(t, api.IsAuth(err))
	require.False(t, api.IsRateLimit(err))
}

func TestOpenStreamSurfacesHTTPError(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	})

	_, err := client.OpenStream(context.Background(), api.StreamRequest{Message: "hi"})
	var he *api.HTTPError
	require.ErrorAs(t, err, &he)
	require.Equal(t, http.StatusServiceUnavailable, he.Status)
}
