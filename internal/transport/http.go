package transport

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/danielpatrickdp/edgesync/go-node/internal/wire"
)

const (
	syncPath   = "/api/v1/sync"
	healthPath = "/api/v1/health"

	contentType = "application/x-protobuf"

	// maxResponseBytes bounds the envelope read from the aggregator.
	maxResponseBytes = 4 << 20
)

// HTTPConfig configures the REST transport.
type HTTPConfig struct {
	BaseURL string
	Timeout time.Duration
	Client  *http.Client // nil uses a client with Timeout
}

// HTTP posts sync envelopes to the aggregator's REST gateway.
type HTTP struct {
	base    string
	client  *http.Client
	timeout time.Duration
}

// NewHTTP creates a REST transport. A BaseURL without scheme gets https://.
func NewHTTP(cfg HTTPConfig) *HTTP {
	base := strings.TrimRight(cfg.BaseURL, "/")
	if !strings.Contains(base, "://") {
		base = "https://" + base
	}
	client := cfg.Client
	if client == nil {
		client = &http.Client{}
	}
	return &HTTP{base: base, client: client, timeout: cfg.Timeout}
}

// Close releases idle connections.
func (h *HTTP) Close() error {
	h.client.CloseIdleConnections()
	return nil
}

// Exchange posts req and decodes the response envelope.
func (h *HTTP) Exchange(ctx context.Context, req *wire.SyncRequest) (*wire.SyncResponse, error) {
	cctx, cancel := withTimeout(ctx, h.timeout)
	defer cancel()

	body := wire.MarshalRequest(req)
	hreq, err := http.NewRequestWithContext(cctx, http.MethodPost, h.base+syncPath, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build sync request: %w", err)
	}
	hreq.Header.Set("Content-Type", contentType)
	hreq.Header.Set("Accept", contentType)
	hreq.Header.Set("X-Device-ID", req.DeviceID)
	hreq.Header.Set("X-Sync-Version", strconv.FormatUint(req.LocalVersion, 10))

	resp, err := h.client.Do(hreq)
	if err != nil {
		return nil, classifyHTTPErr(ctx, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, classifyHTTPErr(ctx, err)
	}
	if err := classifyHTTPStatus(resp.StatusCode, data); err != nil {
		return nil, err
	}

	out, err := wire.UnmarshalResponse(data)
	if err != nil {
		return nil, fmt.Errorf("decode sync response: %w", err)
	}
	return out, nil
}

// Health probes the aggregator's health endpoint.
func (h *HTTP) Health(ctx context.Context) error {
	cctx, cancel := withTimeout(ctx, h.timeout)
	defer cancel()

	hreq, err := http.NewRequestWithContext(cctx, http.MethodGet, h.base+healthPath, nil)
	if err != nil {
		return fmt.Errorf("build health request: %w", err)
	}
	resp, err := h.client.Do(hreq)
	if err != nil {
		return classifyHTTPErr(ctx, err)
	}
	defer resp.Body.Close()
	data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	return classifyHTTPStatus(resp.StatusCode, data)
}

func classifyHTTPErr(parent context.Context, err error) error {
	if parent.Err() != nil {
		return fmt.Errorf("sync http: %w", parent.Err())
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("sync http: %w: %v", ErrTimeout, err)
	}
	return fmt.Errorf("sync http: %w: %v", ErrNetwork, err)
}

func classifyHTTPStatus(code int, body []byte) error {
	msg := strings.TrimSpace(string(body))
	if len(msg) > 200 {
		msg = msg[:200]
	}
	switch {
	case code >= 200 && code < 300:
		return nil
	case code == http.StatusTooManyRequests:
		return fmt.Errorf("sync http %d: %w", code, ErrRateLimited)
	case code == http.StatusRequestTimeout || code == http.StatusGatewayTimeout:
		return fmt.Errorf("sync http %d: %w", code, ErrTimeout)
	case code >= 500:
		return fmt.Errorf("sync http %d: %w: %s", code, ErrNetwork, msg)
	default:
		return fmt.Errorf("sync http %d: %w: %s", code, ErrRejected, msg)
	}
}
