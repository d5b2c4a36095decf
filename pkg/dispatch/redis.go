package dispatch

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/redis/go-redis/v9"

	"github.com/Mindburn-Labs/covenant/pkg/codec"
	"github.com/Mindburn-Labs/covenant/pkg/contracts"
	"github.com/Mindburn-Labs/covenant/pkg/retry"
)

// Redis routes envelopes over Redis pub/sub, one channel per node key.
type Redis struct {
	client redis.UniversalClient
	prefix string
	self   string
	policy retry.Policy
	logger *slog.Logger
}

func NewRedis(client redis.UniversalClient, prefix, self string) *Redis {
	return &Redis{
		client: client,
		prefix: prefix,
		self:   self,
		policy: retry.DefaultPolicy,
		logger: slog.Default().With("component", "redis-dispatch"),
	}
}

// WithRetryPolicy overrides the publish retry policy.
func (r *Redis) WithRetryPolicy(p retry.Policy) *Redis {
	r.policy = p
	return r
}

func (r *Redis) channel(key string) string {
	return r.prefix + key
}

func (r *Redis) Send(ctx context.Context, to string, env contracts.Envelope) error {
	data, err := codec.EncodeEnvelope(env)
	if err != nil {
		return err
	}
	key := fmt.Sprintf("%s/%s/%s", r.self, to, env.Type)
	return retry.Do(ctx, key, r.policy, func(ctx context.Context) error {
		if err := r.client.Publish(ctx, r.channel(to), data).Err(); err != nil {
			return fmt.Errorf("redis publish: %w", err)
		}
		return nil
	})
}

// Listen subscribes to this node's channel and hands every decodable
// envelope to h until ctx ends.
func (r *Redis) Listen(ctx context.Context, h Handler) error {
	sub := r.client.Subscribe(ctx, r.channel(r.self))
	defer func() { _ = sub.Close() }()
	if _, err := sub.Receive(ctx); err != nil {
		return fmt.Errorf("redis subscribe: %w", err)
	}
	r.logger.InfoContext(ctx, "listening", "channel", r.channel(short(r.self)))

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			env, err := codec.DecodeEnvelope([]byte(msg.Payload))
			if err != nil {
				r.logger.WarnContext(ctx, "undecodable envelope", "error", err)
				continue
			}
			h.HandleEnvelope(ctx, env)
		}
	}
}
