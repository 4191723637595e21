package bitcoin

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"strings"

	"github.com/btcsuite/btcd/btcjson"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/rpcclient"
	"github.com/btcsuite/btcd/wire"

	"github.com/bardlex/stratumbridge/pkg/circuit"
	"github.com/bardlex/stratumbridge/pkg/errors"
)

// rpcInWarmup is returned while the node is still loading.
const rpcInWarmup btcjson.RPCErrorCode = -28

// RPCClient talks to a Bitcoin Core compatible node over HTTP JSON-RPC.
// Template fetches and pings are guarded by a circuit breaker; retries
// belong to the caller.
type RPCClient struct {
	client         *rpcclient.Client
	circuitBreaker *circuit.Breaker
}

// NewRPCClient creates a client in HTTP POST mode with TLS disabled.
func NewRPCClient(host string, port int, username, password string, breaker *circuit.Config) (*RPCClient, error) {
	connCfg := &rpcclient.ConnConfig{
		Host:         net.JoinHostPort(host, strconv.Itoa(port)),
		User:         username,
		Pass:         password,
		HTTPPostMode: true,
		DisableTLS:   true,
	}

	client, err := rpcclient.New(connCfg, nil)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeUpstream, "rpc_client_creation",
			"failed to create node RPC client").
			WithContext("host", host).
			WithContext("port", port)
	}

	if breaker == nil {
		breaker = circuit.UpstreamConfig()
	}

	return &RPCClient{
		client:         client,
		circuitBreaker: circuit.New(breaker),
	}, nil
}

// Close shuts down the underlying client.
func (c *RPCClient) Close() {
	c.client.Shutdown()
}

// Breaker exposes the circuit breaker for status reporting.
func (c *RPCClient) Breaker() *circuit.Breaker {
	return c.circuitBreaker
}

// GetBlockTemplate requests a segwit template.
func (c *RPCClient) GetBlockTemplate(ctx context.Context) (*btcjson.GetBlockTemplateResult, error) {
	return circuit.ExecuteWithResult(ctx, c.circuitBreaker, func() (*btcjson.GetBlockTemplateResult, error) {
		req := &btcjson.TemplateRequest{
			Mode:         "template",
			Capabilities: []string{"coinbasetxn", "workid", "coinbase/append"},
			Rules:        []string{"segwit"},
		}
		return await(ctx, "get_block_template", func() (*btcjson.GetBlockTemplateResult, error) {
			return c.client.GetBlockTemplateAsync(req).Receive()
		})
	})
}

// Ping checks connectivity.
func (c *RPCClient) Ping(ctx context.Context) error {
	return c.circuitBreaker.Execute(ctx, func() error {
		_, err := await(ctx, "ping", func() (struct{}, error) {
			return struct{}{}, c.client.PingAsync().Receive()
		})
		return err
	})
}

// SubmitBlock submits a solved block. A "duplicate" answer counts as
// success since the node already has the block.
//
// Submissions are never refused by the breaker: a solved block is worth a
// call even while template fetches are failing. The outcome still feeds
// the breaker.
func (c *RPCClient) SubmitBlock(ctx context.Context, block *wire.MsgBlock) error {
	hash := block.BlockHash().String()

	_, err := await(ctx, "submit_block", func() (struct{}, error) {
		return struct{}{}, c.client.SubmitBlockAsync(btcutil.NewBlock(block), nil).Receive()
	})
	// a refusal means the node is healthy
	if errors.Is(err, ErrBlockRejected) {
		c.circuitBreaker.Record(nil)
	} else {
		c.circuitBreaker.Record(err)
	}
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeUpstream, "submit_block",
			"block submission failed").
			WithContext("block_hash", hash)
	}
	return nil
}

// await runs a blocking rpcclient call and returns early when ctx ends.
// rpcclient futures do not observe contexts themselves.
func await[T any](ctx context.Context, op string, fn func() (T, error)) (T, error) {
	type result struct {
		v   T
		err error
	}

	ch := make(chan result, 1)
	go func() {
		v, err := fn()
		ch <- result{v, err}
	}()

	select {
	case <-ctx.Done():
		var zero T
		return zero, errors.Wrap(fmt.Errorf("%w: %w", ErrUpstreamUnavailable, ctx.Err()),
			errors.ErrorTypeTimeout, op, "node call did not complete")
	case r := <-ch:
		return r.v, classify(op, r.err)
	}
}

// classify maps rpcclient errors onto the bridge error taxonomy.
func classify(op string, err error) error {
	if err == nil {
		return nil
	}

	var rpcErr *btcjson.RPCError
	if errors.As(err, &rpcErr) {
		se := errors.Wrap(err, errors.ErrorTypeUpstream, op, "node returned an error").
			WithContext("code", int(rpcErr.Code))
		return se.AsRetryable(rpcErr.Code == rpcInWarmup)
	}

	// submitblock reports refusals as a bare BIP22 reason string
	if op == "submit_block" {
		if reason, ok := rejectReason(err.Error()); ok {
			if reason == "duplicate" {
				return nil
			}
			return errors.Wrap(fmt.Errorf("%w: %s", ErrBlockRejected, reason),
				errors.ErrorTypeUpstream, op, "node rejected block").
				WithContext("reason", reason).
				AsRetryable(false)
		}
	}

	return errors.Wrap(fmt.Errorf("%w: %w", ErrUpstreamUnavailable, err),
		errors.ErrorTypeUpstream, op, "node call failed")
}

// rejectReason reports whether msg looks like a BIP22 reason such as
// "high-hash" or "bad-txnmrklroot" rather than a transport error.
func rejectReason(msg string) (string, bool) {
	msg = strings.TrimSpace(msg)
	if msg == "" || strings.ContainsAny(msg, " :/") {
		return "", false
	}
	return msg, true
}
