package messaging

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/rendis/drip/internal/xjson"
	"github.com/rendis/drip/pkg/schema"
)

const (
	defaultHTTPTimeout     = 10 * time.Second
	defaultMaxResponseBody = 64 << 10
)

// HTTPConfig configures an HTTPSender.
type HTTPConfig struct {
	URL     string
	Timeout time.Duration
	Client  *http.Client
}

// HTTPSender posts messages as JSON to a channel gateway. Credentials are sent
// as headers named X-Drip-Credential-<key>.
//
// Status mapping: 2xx succeeds; 408, 429 and 5xx are retriable; any other
// status is fatal. Transport errors are retriable.
type HTTPSender struct {
	channel string
	config  HTTPConfig
}

// NewHTTPSender creates a sender for channel that posts to cfg.URL.
func NewHTTPSender(channel string, cfg HTTPConfig) *HTTPSender {
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultHTTPTimeout
	}
	if cfg.Client == nil {
		cfg.Client = &http.Client{Transport: http.DefaultTransport.(*http.Transport).Clone()}
	}
	return &HTTPSender{channel: channel, config: cfg}
}

type gatewayRequest struct {
	Channel   string `json:"channel"`
	Recipient string `json:"recipient"`
	Body      string `json:"body"`
	RunID     string `json:"run_id,omitempty"`
	Node      string `json:"node,omitempty"`
}

type gatewayResponse struct {
	ID        string `json:"id"`
	MessageID string `json:"message_id"`
}

func (s *HTTPSender) Send(ctx context.Context, msg Message) (Receipt, error) {
	payload, err := xjson.Marshal(gatewayRequest{
		Channel:   s.channel,
		Recipient: msg.Recipient,
		Body:      msg.Body,
		RunID:     msg.RunID,
		Node:      msg.Node,
	})
	if err != nil {
		return Receipt{}, schema.FatalError("%s: marshal message: %s", s.channel, err.Error()).WithCause(err)
	}

	reqCtx, cancel := context.WithTimeout(ctx, s.config.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, s.config.URL, bytes.NewReader(payload))
	if err != nil {
		return Receipt{}, schema.FatalError("%s: build request: %s", s.channel, err.Error()).WithCause(err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range msg.Credentials {
		req.Header.Set("X-Drip-Credential-"+k, v)
	}
	if msg.RunID != "" {
		req.Header.Set("Idempotency-Key", msg.RunID+"/"+msg.Node)
	}

	resp, err := s.config.Client.Do(req)
	if err != nil {
		if errors.Is(err, context.Canceled) && ctx.Err() != nil {
			return Receipt{}, schema.NewErrorf(schema.ErrCodeCancelled, "%s: send cancelled", s.channel).WithCause(err)
		}
		return Receipt{}, schema.RetriableError("%s: request failed: %s", s.channel, err.Error()).WithCause(err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, defaultMaxResponseBody))
	if err != nil {
		return Receipt{}, schema.RetriableError("%s: read response: %s", s.channel, err.Error()).WithCause(err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		details := map[string]any{"status_code": resp.StatusCode, "body": string(body)}
		if retriableStatus(resp.StatusCode) {
			return Receipt{}, schema.RetriableError("%s: gateway returned %d", s.channel, resp.StatusCode).WithDetails(details)
		}
		return Receipt{}, schema.FatalError("%s: gateway returned %d", s.channel, resp.StatusCode).WithDetails(details)
	}

	receipt := Receipt{Channel: s.channel}
	var gr gatewayResponse
	if len(body) > 0 && xjson.Unmarshal(body, &gr) == nil {
		receipt.ID = gr.ID
		if receipt.ID == "" {
			receipt.ID = gr.MessageID
		}
	}
	return receipt, nil
}

func retriableStatus(code int) bool {
	return code == http.StatusRequestTimeout || code == http.StatusTooManyRequests || code >= 500
}

func (s *HTTPSender) String() string {
	return fmt.Sprintf("http(%s -> %s)", s.channel, s.config.URL)
}
