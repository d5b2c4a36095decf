// Package dispatch delivers inter-node envelopes. Delivery is best effort and
// at-least-once: receivers tolerate duplicates and the pipeline relies on
// deadlines, not on acknowledgements.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/Mindburn-Labs/covenant/pkg/contracts"
)

// ErrUnknownPeer is returned when no route to a peer exists.
var ErrUnknownPeer = errors.New("unknown peer")

// Dispatcher sends an envelope to the node identified by public key to.
type Dispatcher interface {
	Send(ctx context.Context, to string, env contracts.Envelope) error
}

// Handler consumes envelopes delivered to a node.
type Handler interface {
	HandleEnvelope(ctx context.Context, env contracts.Envelope)
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, env contracts.Envelope)

func (f HandlerFunc) HandleEnvelope(ctx context.Context, env contracts.Envelope) { f(ctx, env) }

// Fanout sends env to every peer concurrently. Failures are logged and
// joined; a failed peer does not stop delivery to the others.
func Fanout(ctx context.Context, d Dispatcher, peers []string, env contracts.Envelope, logger *slog.Logger) error {
	var (
		mu   sync.Mutex
		errs []error
	)
	g, gctx := errgroup.WithContext(ctx)
	for _, peer := range peers {
		g.Go(func() error {
			if err := d.Send(gctx, peer, env); err != nil {
				logger.WarnContext(ctx, "send failed", "peer", short(peer), "type", env.Type.String(), "error", err)
				mu.Lock()
				errs = append(errs, fmt.Errorf("%s: %w", short(peer), err))
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()
	return errors.Join(errs...)
}

func short(key string) string {
	if len(key) > 12 {
		return key[:12]
	}
	return key
}
