package bus

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/otaforge/otaforge/control_plane/observability"
	"github.com/otaforge/otaforge/control_plane/protocol"
)

const (
	// InboundQueue is the redis list devices (or their gateway) push
	// protocol messages onto.
	InboundQueue = "otaforge:bus:inbound"

	popTimeout = 5 * time.Second
)

// RedisSource consumes inbound protocol messages from a redis list.
// BLPOP removes the message from the queue before handling, so a rejected
// message is gone: redelivery is entirely the sender's concern.
type RedisSource struct {
	client   *redis.Client
	consumer *Consumer
}

func NewRedisSource(client *redis.Client, consumer *Consumer) *RedisSource {
	return &RedisSource{client: client, consumer: consumer}
}

// Run polls the queue until ctx is done. Frames that do not decode into
// an envelope are protocol violations: logged and dropped.
func (s *RedisSource) Run(ctx context.Context) {
	log.Printf("Redis bus consumer listening on %s", InboundQueue)

	gaugeTicker := time.NewTicker(15 * time.Second)
	defer gaugeTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-gaugeTicker.C:
			if depth, err := s.client.LLen(ctx, InboundQueue).Result(); err == nil {
				observability.BusQueueLag.Set(float64(depth))
			}
			continue
		default:
		}

		res, err := s.client.BLPop(ctx, popTimeout, InboundQueue).Result()
		if errors.Is(err, redis.Nil) {
			continue // Timed out empty; poll again.
		}
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			log.Printf("Redis bus poll failed: %v", err)
			time.Sleep(time.Second)
			continue
		}
		// BLPOP returns [key, value].
		if len(res) != 2 {
			continue
		}

		var msg protocol.Message
		if err := json.Unmarshal([]byte(res[1]), &msg); err != nil {
			log.Printf("Undecodable bus frame dropped: %v", err)
			continue
		}

		s.consumer.Enqueue(ctx, Delivery{
			Message: msg,
			Reply:   s.replyFunc(msg.ReplyAddress),
		})
	}
}

// replyFunc pushes the reply onto the list named by the message's reply
// address. A message without one gets no reply channel.
func (s *RedisSource) replyFunc(replyAddress string) ReplyFunc {
	if replyAddress == "" {
		return nil
	}
	return func(ctx context.Context, reply *protocol.Reply) error {
		data, err := json.Marshal(reply)
		if err != nil {
			return err
		}
		return s.client.RPush(ctx, replyAddress, data).Err()
	}
}
