package messaging

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/rendis/drip/internal/xjson"
	"github.com/rendis/drip/pkg/schema"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestRegistry_RegisterAndRoute(t *testing.T) {
	r := NewRegistry()
	wa := NewLogSender(discardLogger())
	require.NoError(t, r.Register("whatsapp", wa))

	err := r.Register("whatsapp", wa)
	assert.True(t, schema.HasCode(err, schema.ErrCodeConflict))
	assert.True(t, schema.HasCode(r.Register("", wa), schema.ErrCodeValidation))
	assert.True(t, schema.HasCode(r.Register("sms", nil), schema.ErrCodeValidation))

	receipt, err := r.Send(context.Background(), Message{Channel: "whatsapp", Recipient: "910000000021", Body: "hi"})
	require.NoError(t, err)
	assert.Equal(t, "log-1", receipt.ID)
	require.Len(t, wa.Sent(), 1)
	assert.Equal(t, "910000000021", wa.Sent()[0].Recipient)

	_, err = r.Send(context.Background(), Message{Channel: "pigeon"})
	assert.True(t, schema.HasCode(err, schema.ErrCodeDispatchFatal))
	assert.Equal(t, []string{"whatsapp"}, r.Channels())
}

func TestRegistry_Fallback(t *testing.T) {
	r := NewRegistry()
	fb := NewLogSender(discardLogger())
	r.SetFallback(fb)

	_, err := r.Send(context.Background(), Message{Channel: "email", Recipient: "a@b.c"})
	require.NoError(t, err)
	assert.Len(t, fb.Sent(), 1)
}

func TestHTTPSender_Success(t *testing.T) {
	var got gatewayRequest
	var token, idem string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		_ = xjson.Unmarshal(body, &got)
		token = r.Header.Get("X-Drip-Credential-token")
		idem = r.Header.Get("Idempotency-Key")
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"message_id":"wamid.1"}`))
	}))
	defer srv.Close()

	s := NewHTTPSender("whatsapp", HTTPConfig{URL: srv.URL})
	receipt, err := s.Send(context.Background(), Message{
		Recipient:   "910000000021",
		Body:        "Welcome John",
		Credentials: map[string]string{"token": "abc"},
		RunID:       "run-1",
		Node:        "SendWelcome",
	})
	require.NoError(t, err)
	assert.Equal(t, "wamid.1", receipt.ID)
	assert.Equal(t, "whatsapp", got.Channel)
	assert.Equal(t, "Welcome John", got.Body)
	assert.Equal(t, "abc", token)
	assert.Equal(t, "run-1/SendWelcome", idem)
}

func TestHTTPSender_StatusMapping(t *testing.T) {
	tests := []struct {
		status int
		code   string
	}{
		{http.StatusTooManyRequests, schema.ErrCodeDispatchRetriable},
		{http.StatusBadGateway, schema.ErrCodeDispatchRetriable},
		{http.StatusRequestTimeout, schema.ErrCodeDispatchRetriable},
		{http.StatusBadRequest, schema.ErrCodeDispatchFatal},
		{http.StatusUnauthorized, schema.ErrCodeDispatchFatal},
	}
	for _, tt := range tests {
		t.Run(http.StatusText(tt.status), func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
			}))
			defer srv.Close()

			_, err := NewHTTPSender("sms", HTTPConfig{URL: srv.URL}).Send(context.Background(), Message{Recipient: "1", Body: "x"})
			require.Error(t, err)
			assert.True(t, schema.HasCode(err, tt.code), err.Error())
			assert.Equal(t, tt.status, schema.AsError(err).Details["status_code"])
		})
	}
}

func TestHTTPSender_NetworkErrorIsRetriable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	url := srv.URL
	srv.Close()

	_, err := NewHTTPSender("sms", HTTPConfig{URL: url}).Send(context.Background(), Message{Recipient: "1", Body: "x"})
	assert.True(t, schema.HasCode(err, schema.ErrCodeDispatchRetriable))
}

func TestSenderFunc(t *testing.T) {
	var s Sender = SenderFunc(func(_ context.Context, msg Message) (Receipt, error) {
		return Receipt{ID: msg.Recipient, Channel: msg.Channel}, nil
	})
	r, err := s.Send(context.Background(), Message{Channel: "c", Recipient: "x"})
	require.NoError(t, err)
	assert.Equal(t, "x", r.ID)
}
