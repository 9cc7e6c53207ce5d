// Package broker fans TPA server registrations out to every relay instance over
// Redis pub/sub.
package broker

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	redisclient "github.com/augmentos/cloud-relay-go/internal/redis"
)

type ServerRegistered struct {
	PackageName  string    `json:"packageName"`
	ServerURL    string    `json:"serverUrl"`
	RegisteredAt time.Time `json:"registeredAt"`
}

// Handler runs the local restart recovery for one registration.
type Handler func(ctx context.Context, ev ServerRegistered)

type Broker struct {
	redis   *redisclient.Client
	handler Handler
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

func NewBroker(redisClient *redisclient.Client, handler Handler) *Broker {
	ctx, cancel := context.WithCancel(context.Background())
	return &Broker{
		redis:   redisClient,
		handler: handler,
		ctx:     ctx,
		cancel:  cancel,
	}
}

// Start subscribes to the registration channel until Close.
func (b *Broker) Start() {
	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		b.subscribeToRedis()
	}()
}

func (b *Broker) PublishServerRegistered(ctx context.Context, ev ServerRegistered) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	return b.redis.Publish(ctx, redisclient.ServerRegisteredChannel, data).Err()
}

func (b *Broker) subscribeToRedis() {
	pubsub := b.redis.Subscribe(b.ctx, redisclient.ServerRegisteredChannel)
	defer pubsub.Close()

	log.Debug().
		Str("channel", redisclient.ServerRegisteredChannel).
		Msg("redis pubsub subscribed")

	ch := pubsub.Channel()

	for {
		select {
		case <-b.ctx.Done():
			return

		case msg, ok := <-ch:
			if !ok {
				return
			}
			b.handle(msg.Payload)
		}
	}
}

func (b *Broker) handle(payload string) {
	var ev ServerRegistered
	if err := json.Unmarshal([]byte(payload), &ev); err != nil {
		log.Error().Err(err).Msg("failed to unmarshal server registration")
		return
	}
	if ev.PackageName == "" {
		log.Warn().Msg("server registration without packageName")
		return
	}

	log.Info().
		Str("packageName", ev.PackageName).
		Str("serverUrl", ev.ServerURL).
		Msg("tpa server registered")

	// Recovery can take a while; keep reading the channel.
	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		b.handler(b.ctx, ev)
	}()
}

func (b *Broker) Close() {
	b.cancel()
	b.wg.Wait()
}
