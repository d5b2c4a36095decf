package dispatch

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/Mindburn-Labs/covenant/pkg/codec"
	"github.com/Mindburn-Labs/covenant/pkg/contracts"
)

// Filter decides whether an envelope from one node to another is delivered.
type Filter func(from, to string, env contracts.Envelope) bool

// Bus is an in-process network connecting nodes by public key. Envelopes are
// encoded and decoded on the way through, and delivered asynchronously.
type Bus struct {
	mu       sync.RWMutex
	handlers map[string]Handler
	filter   Filter
	closed   bool
	wg       sync.WaitGroup
	logger   *slog.Logger
}

func NewBus() *Bus {
	return &Bus{
		handlers: make(map[string]Handler),
		logger:   slog.Default().With("component", "loopback"),
	}
}

// Register attaches the handler for key, replacing any previous one.
func (b *Bus) Register(key string, h Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[key] = h
}

// Unregister detaches key; envelopes to it are then dropped.
func (b *Bus) Unregister(key string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.handlers, key)
}

// SetFilter installs f; nil delivers everything.
func (b *Bus) SetFilter(f Filter) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.filter = f
}

// Endpoint returns the Dispatcher used by the node with key self.
func (b *Bus) Endpoint(self string) Dispatcher {
	return &endpoint{bus: b, self: self}
}

// Close stops delivery and waits for in-flight handlers.
func (b *Bus) Close() {
	b.mu.Lock()
	b.closed = true
	b.mu.Unlock()
	b.wg.Wait()
}

type endpoint struct {
	bus  *Bus
	self string
}

func (e *endpoint) Send(ctx context.Context, to string, env contracts.Envelope) error {
	data, err := codec.EncodeEnvelope(env)
	if err != nil {
		return err
	}
	delivered, err := codec.DecodeEnvelope(data)
	if err != nil {
		return err
	}

	b := e.bus
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return fmt.Errorf("loopback closed")
	}
	h, ok := b.handlers[to]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownPeer, short(to))
	}
	if b.filter != nil && !b.filter(e.self, to, delivered) {
		b.logger.DebugContext(ctx, "envelope dropped", "from", short(e.self), "to", short(to), "type", env.Type.String())
		return nil
	}
	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		h.HandleEnvelope(context.WithoutCancel(ctx), delivered)
	}()
	return nil
}
