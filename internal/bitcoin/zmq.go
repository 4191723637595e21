package bitcoin

import (
	"context"
	"encoding/hex"
	"fmt"
	"syscall"
	"time"

	zmq "github.com/pebbe/zmq4"

	"github.com/bardlex/stratumbridge/pkg/log"
)

// TopicHashBlock is the ZMQ topic announcing a new tip.
const TopicHashBlock = "hashblock"

const zmqReceiveTimeout = 500 * time.Millisecond

// ZMQNotifier subscribes to node ZMQ notifications.
type ZMQNotifier struct {
	socket   *zmq.Socket
	endpoint string
	logger   *log.Logger
}

// NewZMQNotifier creates a SUB socket for endpoint.
func NewZMQNotifier(endpoint string, logger *log.Logger) (*ZMQNotifier, error) {
	socket, err := zmq.NewSocket(zmq.SUB)
	if err != nil {
		return nil, fmt.Errorf("failed to create ZMQ socket: %w", err)
	}
	if err := socket.SetRcvtimeo(zmqReceiveTimeout); err != nil {
		socket.Close()
		return nil, fmt.Errorf("failed to set ZMQ receive timeout: %w", err)
	}

	return &ZMQNotifier{
		socket:   socket,
		endpoint: endpoint,
		logger:   logger.WithComponent("zmq"),
	}, nil
}

// Subscribe subscribes to a topic
func (z *ZMQNotifier) Subscribe(topic string) error {
	if err := z.socket.SetSubscribe(topic); err != nil {
		return fmt.Errorf("failed to subscribe to topic %s: %w", topic, err)
	}
	z.logger.Info("subscribed to ZMQ topic", "topic", topic)
	return nil
}

// Connect connects to the endpoint
func (z *ZMQNotifier) Connect() error {
	if err := z.socket.Connect(z.endpoint); err != nil {
		return fmt.Errorf("failed to connect to ZMQ endpoint %s: %w", z.endpoint, err)
	}
	z.logger.Info("connected to ZMQ endpoint", "endpoint", z.endpoint)
	return nil
}

// Listen delivers messages to handler until ctx ends. Receives time out
// periodically so cancellation is observed.
func (z *ZMQNotifier) Listen(ctx context.Context, handler func(topic string, data []byte) error) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		msg, err := z.socket.RecvMessageBytes(0)
		if err != nil {
			eno := zmq.AsErrno(err)
			if eno == zmq.Errno(syscall.EAGAIN) || eno == zmq.ETIMEDOUT {
				continue
			}
			z.logger.WithError(err).Warn("failed to receive ZMQ message")
			continue
		}

		if len(msg) < 2 {
			z.logger.Warn("received malformed ZMQ message", "parts", len(msg))
			continue
		}

		if err := handler(string(msg[0]), msg[1]); err != nil {
			z.logger.WithError(err).Warn("failed to handle ZMQ message", "topic", string(msg[0]))
		}
	}
}

// Close closes the socket
func (z *ZMQNotifier) Close() error {
	if z.socket != nil {
		return z.socket.Close()
	}
	return nil
}

// BlockHashHandler adapts a new-tip callback to a ZMQ message handler.
// Other topics are ignored.
func BlockHashHandler(onNewBlock func(blockHash string)) func(topic string, data []byte) error {
	return func(topic string, data []byte) error {
		if topic != TopicHashBlock {
			return nil
		}
		if len(data) != 32 {
			return fmt.Errorf("invalid block hash length: %d", len(data))
		}
		onNewBlock(reverseHex(data))
		return nil
	}
}

// reverseHex renders a little-endian hash in display order.
func reverseHex(data []byte) string {
	reversed := make([]byte, len(data))
	for i := range data {
		reversed[i] = data[len(data)-1-i]
	}
	return hex.EncodeToString(reversed)
}
