package collab

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/redis/go-redis/v9"
)

// Bus fans envelopes out to peer instances. Publish tags each envelope with
// the local instance identity; Envelopes never yields an envelope that this
// instance authored.
type Bus interface {
	Publish(ctx context.Context, env Envelope) error
	Envelopes() <-chan Envelope
	Close() error
}

const channelPrefix = "document:"

// RedisBus relays envelopes through Redis pub/sub, one channel per document.
// A single process-wide pattern subscription covers every document; envelopes
// whose origin matches the local instance id are discarded on receipt because
// step one of the fan-out already delivered them locally.
type RedisBus struct {
	client     *redis.Client
	instanceID string
	out        chan Envelope
	cancel     context.CancelFunc
	stopped    chan struct{}
}

func NewRedisBus(redisURL, instanceID string) (*RedisBus, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)

	pingCtx, cancelPing := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelPing()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connect to redis: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	b := &RedisBus{
		client:     client,
		instanceID: instanceID,
		out:        make(chan Envelope, 64),
		cancel:     cancel,
		stopped:    make(chan struct{}),
	}

	// Confirm the pattern subscription before returning so a publish issued
	// right after construction is not lost.
	pubsub := client.PSubscribe(ctx, channelPrefix+"*")
	if _, err := pubsub.Receive(pingCtx); err != nil {
		cancel()
		_ = pubsub.Close()
		_ = client.Close()
		return nil, fmt.Errorf("subscribe: %w", err)
	}

	go b.listen(ctx, pubsub)
	return b, nil
}

// InstanceID is the constant identity of this process on the bus.
func (b *RedisBus) InstanceID() string {
	return b.instanceID
}

func (b *RedisBus) Publish(ctx context.Context, env Envelope) error {
	env.Origin = b.instanceID
	payload, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshal envelope: %w", err)
	}
	if err := b.client.Publish(ctx, channelPrefix+env.DocumentID, payload).Err(); err != nil {
		return fmt.Errorf("publish %s: %w", env.DocumentID, err)
	}
	return nil
}

func (b *RedisBus) Envelopes() <-chan Envelope {
	return b.out
}

func (b *RedisBus) listen(ctx context.Context, pubsub *redis.PubSub) {
	defer close(b.stopped)

	backoff := time.Second
	for {
		for msg := range pubsub.Channel() {
			backoff = time.Second
			var env Envelope
			if err := json.Unmarshal([]byte(msg.Payload), &env); err != nil {
				log.Printf("bus: dropping undecodable envelope on %s: %v", msg.Channel, err)
				continue
			}
			if env.Origin == b.instanceID {
				// Self-echo: already delivered locally at publish time.
				continue
			}
			select {
			case b.out <- env:
			case <-ctx.Done():
				_ = pubsub.Close()
				return
			}
		}
		_ = pubsub.Close()
		if ctx.Err() != nil {
			return
		}

		// Subscription dropped: the process keeps serving local sessions and
		// retries the subscription with capped backoff.
		log.Printf("bus: subscription lost, resubscribing in %s (local-only delivery meanwhile)", backoff)
		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return
		}
		if backoff < 30*time.Second {
			backoff *= 2
		}
		pubsub = b.client.PSubscribe(ctx, channelPrefix+"*")
	}
}

func (b *RedisBus) Close() error {
	b.cancel()
	<-b.stopped
	return b.client.Close()
}
