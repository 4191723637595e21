package errors

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
)

var errNodeDown = Sentinel("upstream unavailable")

func TestServiceError_Error(t *testing.T) {
	tests := []struct {
		name string
		err  *ServiceError
		want string
	}{
		{
			name: "without cause",
			err:  New(ErrorTypeProtocol, "parse_line", "line is not a JSON object"),
			want: "protocol operation 'parse_line' failed: line is not a JSON object",
		},
		{
			name: "with cause",
			err:  Wrap(errNodeDown, ErrorTypeUpstream, "fetch_template", "getblocktemplate failed"),
			want: "upstream operation 'fetch_template' failed: getblocktemplate failed (caused by: upstream unavailable)",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.err.Error(); got != tt.want {
				t.Errorf("Error() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestNew_RetryByType(t *testing.T) {
	tests := []struct {
		typ  ErrorType
		want bool
	}{
		{ErrorTypeUpstream, true},
		{ErrorTypeNetwork, true},
		{ErrorTypeTimeout, true},
		{ErrorTypeMessaging, true},
		{ErrorTypeStorage, false},
		{ErrorTypeProtocol, false},
		{ErrorTypeValidation, false},
		{ErrorTypeInternal, false},
	}

	for _, tt := range tests {
		t.Run(string(tt.typ), func(t *testing.T) {
			err := New(tt.typ, "op", "msg")
			if err.IsRetryable() != tt.want {
				t.Errorf("New(%s).IsRetryable() = %v, want %v", tt.typ, err.IsRetryable(), tt.want)
			}
			if !IsType(err, tt.typ) {
				t.Errorf("IsType(%s) = false", tt.typ)
			}
		})
	}
}

func TestWrap(t *testing.T) {
	if Wrap(nil, ErrorTypeUpstream, "submit_block", "x") != nil {
		t.Error("Wrap(nil) should be nil")
	}

	rejected := Wrap(errors.New("high-hash"), ErrorTypeUpstream, "submit_block", "node rejected block").
		AsRetryable(false)
	outer := Wrap(rejected, ErrorTypeInternal, "retry", "operation failed after maximum retry attempts")

	// the inner classification wins over the outer type
	if IsRetryable(outer) {
		t.Error("a refused block must stay non-retryable when wrapped again")
	}
	if !IsType(outer, ErrorTypeInternal) {
		t.Error("IsType should see the outermost type")
	}

	warmup := Wrap(errors.New("Loading block index..."), ErrorTypeValidation, "get_block_template", "node returned an error").
		AsRetryable(true)
	if !IsRetryable(Wrap(warmup, ErrorTypeUpstream, "fetch_template", "getblocktemplate failed")) {
		t.Error("retryable cause should survive wrapping")
	}
}

func TestWrap_PreservesSentinel(t *testing.T) {
	err := Wrap(fmt.Errorf("%w: connection refused", errNodeDown), ErrorTypeUpstream, "ping", "node call failed").
		WithContext("host", "127.0.0.1")

	if !Is(err, errNodeDown) {
		t.Error("sentinel lost through Wrap")
	}
	var se *ServiceError
	if !As(err, &se) {
		t.Fatal("As() found no ServiceError")
	}
	if se.Operation != "ping" {
		t.Errorf("operation = %q, want ping", se.Operation)
	}
	if GetContext(err)["host"] != "127.0.0.1" {
		t.Errorf("context = %v", GetContext(err))
	}
	if GetContext(errNodeDown) != nil {
		t.Error("plain errors carry no context")
	}
}

func TestWithContext(t *testing.T) {
	err := New(ErrorTypeMessaging, "publish", "kafka write failed").
		WithContext("topic", "bridge.shares").
		WithContext("message_size", 512)

	want := map[string]any{"topic": "bridge.shares", "message_size": 512}
	for k, v := range want {
		if err.Context[k] != v {
			t.Errorf("Context[%s] = %v, want %v", k, err.Context[k], v)
		}
	}
	if err.Timestamp.IsZero() {
		t.Error("Timestamp not set")
	}
}

func TestIsRetryable_PlainErrors(t *testing.T) {
	tests := []struct {
		err  error
		want bool
	}{
		{nil, false},
		{errors.New("dial tcp 127.0.0.1:8332: connect: connection refused"), true},
		{errors.New("write: broken pipe"), true},
		{errors.New("unexpected EOF"), true},
		{errors.New("i/o timeout"), true},
		{errors.New("bad-txnmrklroot"), false},
		{context.Canceled, false},
		{fmt.Errorf("fetch: %w", context.DeadlineExceeded), false},
	}

	for _, tt := range tests {
		name := "nil"
		if tt.err != nil {
			name = strings.ReplaceAll(tt.err.Error(), "/", "_")
		}
		t.Run(name, func(t *testing.T) {
			if got := IsRetryable(tt.err); got != tt.want {
				t.Errorf("IsRetryable(%v) = %v, want %v", tt.err, got, tt.want)
			}
		})
	}
}

func TestSentinel(t *testing.T) {
	a, b := Sentinel("not subscribed"), Sentinel("not subscribed")
	if Is(a, b) {
		t.Error("sentinels with the same text must stay distinct")
	}
	if !Is(fmt.Errorf("authorize: %w", a), a) {
		t.Error("wrapped sentinel not found")
	}
}
