package transport

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/danielpatrickdp/edgesync/go-node/internal/config"
	"github.com/danielpatrickdp/edgesync/go-node/internal/wire"
)

// #region errors
var (
	// ErrNetwork covers connection failures and 5xx-equivalent responses.
	ErrNetwork = errors.New("network error")
	// ErrTimeout is returned when an exchange exceeds its deadline.
	ErrTimeout = errors.New("timeout")
	// ErrRateLimited is returned when the aggregator throttles the node.
	ErrRateLimited = errors.New("rate limited")
	// ErrRejected covers permanent request failures (4xx-equivalent).
	ErrRejected = errors.New("request rejected")
)

// IsTransient reports whether an exchange error is worth retrying.
func IsTransient(err error) bool {
	return errors.Is(err, ErrNetwork) || errors.Is(err, ErrTimeout) || errors.Is(err, ErrRateLimited)
}

// #endregion errors

// #region interface
// Transport carries one sync exchange to the aggregator.
type Transport interface {
	Exchange(ctx context.Context, req *wire.SyncRequest) (*wire.SyncResponse, error)
	Close() error
}

// Handler serves sync requests on the aggregator side.
type Handler interface {
	HandleSync(ctx context.Context, req *wire.SyncRequest) (*wire.SyncResponse, error)
}

// #endregion interface

// New builds the transport selected by cfg.Transport.
func New(cfg config.NodeConfig) (Transport, error) {
	switch cfg.Transport {
	case "grpc":
		return NewGRPC(GRPCConfig{
			Addr:     cfg.AggregatorAddr,
			Insecure: cfg.Insecure,
			Timeout:  cfg.RequestTimeout(),
		})
	case "http":
		return NewHTTP(HTTPConfig{
			BaseURL: cfg.AggregatorAddr,
			Timeout: cfg.RequestTimeout(),
		}), nil
	default:
		return nil, fmt.Errorf("transport %q: %w", cfg.Transport, config.ErrConfigInvalid)
	}
}

// withTimeout bounds ctx by d when d is positive.
func withTimeout(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if d <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, d)
}
