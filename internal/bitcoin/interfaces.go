package bitcoin

import (
	"context"

	"github.com/btcsuite/btcd/btcjson"
	"github.com/btcsuite/btcd/wire"

	"github.com/bardlex/stratumbridge/pkg/errors"
)

var (
	// ErrUpstreamUnavailable marks failures reaching the upstream node.
	ErrUpstreamUnavailable = errors.Sentinel("upstream unavailable")
	// ErrBlockRejected marks a block the node refused.
	ErrBlockRejected = errors.Sentinel("block rejected")
)

// Upstream is the node the bridge mines against.
//
// All methods honour ctx for cancellation and deadlines.
type Upstream interface {
	// GetBlockTemplate fetches a fresh template.
	GetBlockTemplate(ctx context.Context) (*btcjson.GetBlockTemplateResult, error)

	// SubmitBlock submits a solved block. A refusal by the node wraps
	// ErrBlockRejected and is not retryable.
	SubmitBlock(ctx context.Context, block *wire.MsgBlock) error

	// Ping checks connectivity.
	Ping(ctx context.Context) error

	Close()
}

// Notifier delivers node notifications such as hashblock.
type Notifier interface {
	Subscribe(topic string) error
	Connect() error
	Listen(ctx context.Context, handler func(topic string, data []byte) error) error
	Close() error
}

var (
	_ Upstream = (*RPCClient)(nil)
	_ Notifier = (*ZMQNotifier)(nil)
)
