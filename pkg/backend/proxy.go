package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/rs/zerolog"

	"github.com/parley-chat/parley/pkg/stream"
)

// ProxyClient is transport B: an HTTP POST whose response body is the
// event-framed protocol, including the fallback sub-protocol.
type ProxyClient struct {
	endpoint string
	http     *http.Client
	log      zerolog.Logger
}

// NewProxyClient creates the proxied transport. The HTTP client carries no
// overall timeout: responses stream for as long as the generation runs and
// cancellation arrives through the request context.
func NewProxyClient(endpoint string, log zerolog.Logger) *ProxyClient {
	return &ProxyClient{
		endpoint: endpoint,
		http:     &http.Client{},
		log:      log.With().Str("transport", "proxy").Logger(),
	}
}

type proxyRequest struct {
	Message              string           `json:"message"`
	Settings             Settings         `json:"settings"`
	History              []HistoryMessage `json:"history"`
	PinnedHistoryIndices []int            `json:"pinnedHistoryIndices"`
}

func (c *ProxyClient) Generate(ctx context.Context, req Request, opts stream.Options, cb stream.Callbacks) (*stream.Result, error) {
	payload, err := json.Marshal(&proxyRequest{
		Message:              req.Message,
		Settings:             req.Settings,
		History:              req.History,
		PinnedHistoryIndices: req.PinnedHistoryIndices,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal proxy request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "text/event-stream")

	resp, err := c.http.Do(httpReq)
	if err != nil {
		if ctx.Err() != nil {
			return stream.NewDecoder(opts, cb).Abort()
		}
		return nil, fmt.Errorf("proxy request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("proxy returned %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	return stream.NewDecoder(opts, cb).Decode(ctx, resp.Body)
}
