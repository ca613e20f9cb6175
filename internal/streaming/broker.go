package streaming

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const (
	channelPrefix  = "stream:"
	publishTimeout = 5 * time.Second
)

// ChunkMessage is one audio fragment on a device's broker channel. DeviceID is
// always the canonical id; the payload is forwarded to viewers verbatim.
type ChunkMessage struct {
	DeviceID  string `json:"device_id"`
	Chunk     string `json:"chunk"` // base64 audio bytes, relayed undecoded
	Sequence  int64  `json:"sequence"`
	Timestamp string `json:"timestamp"`
}

// Broker is the per-device publish/subscribe channel decoupling ingestion
// from delivery. One channel per canonical device id, FIFO per channel.
type Broker interface {
	Publish(ctx context.Context, deviceID string, msg ChunkMessage) error
	// Subscribe delivers each message on the device's channel to handler from
	// a dedicated goroutine until cancel is called.
	Subscribe(ctx context.Context, deviceID string, handler func(ChunkMessage)) (cancel func(), err error)
}

// RedisBroker implements Broker on Redis pub/sub, which also gives
// cross-process delivery: every server instance subscribes to the same
// channels, so viewers may be connected anywhere.
type RedisBroker struct {
	client *redis.Client
	logger *zap.Logger
}

// NewRedisBroker creates a Redis-backed stream broker.
func NewRedisBroker(client *redis.Client, logger *zap.Logger) *RedisBroker {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RedisBroker{client: client, logger: logger}
}

// Publish sends a chunk to the device's channel.
func (b *RedisBroker) Publish(ctx context.Context, deviceID string, msg ChunkMessage) error {
	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal chunk: %w", err)
	}
	pubCtx, cancel := context.WithTimeout(ctx, publishTimeout)
	defer cancel()
	return b.client.Publish(pubCtx, channelPrefix+deviceID, body).Err()
}

// Subscribe reads the device's channel and calls handler for each chunk.
// Returns a cancel function that stops the read loop.
func (b *RedisBroker) Subscribe(ctx context.Context, deviceID string, handler func(ChunkMessage)) (func(), error) {
	channel := channelPrefix + deviceID
	subCtx, cancelCtx := context.WithCancel(context.WithoutCancel(ctx))
	pubsub := b.client.Subscribe(subCtx, channel)
	if _, err := pubsub.Receive(subCtx); err != nil {
		cancelCtx()
		return nil, fmt.Errorf("subscribe %s: %w", channel, err)
	}
	ch := pubsub.Channel()
	go func() {
		defer pubsub.Close()
		for {
			select {
			case <-subCtx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				var m ChunkMessage
				if err := json.Unmarshal([]byte(msg.Payload), &m); err != nil {
					b.logger.Warn("invalid broker message", zap.String("channel", channel), zap.Error(err))
					continue
				}
				handler(m)
			}
		}
	}()
	return cancelCtx, nil
}
