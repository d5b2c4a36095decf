package dispatch

import (
	"context"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/Mindburn-Labs/covenant/pkg/codec"
	"github.com/Mindburn-Labs/covenant/pkg/contracts"
	"github.com/Mindburn-Labs/covenant/pkg/retry"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type recorder struct {
	mu   sync.Mutex
	got  []contracts.Envelope
	seen chan struct{}
}

func newRecorder() *recorder { return &recorder{seen: make(chan struct{}, 16)} }

func (r *recorder) HandleEnvelope(_ context.Context, env contracts.Envelope) {
	r.mu.Lock()
	r.got = append(r.got, env)
	r.mu.Unlock()
	select {
	case r.seen <- struct{}{}:
	default:
	}
}

func (r *recorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.got)
}

func voteEnvelope(t *testing.T, sender string) contracts.Envelope {
	t.Helper()
	env, err := codec.Seal(sender, &contracts.Vote{
		Voter: sender, Stage: contracts.StageApproval, SubjectID: "s", Sequence: 3, ContentHash: "h", Accept: true, Signature: "00",
	})
	require.NoError(t, err)
	return env
}

func TestBus_Delivers(t *testing.T) {
	bus := NewBus()
	defer bus.Close()
	rec := newRecorder()
	bus.Register("b", rec)

	require.NoError(t, bus.Endpoint("a").Send(context.Background(), "b", voteEnvelope(t, "a")))
	select {
	case <-rec.seen:
	case <-time.After(time.Second):
		t.Fatal("envelope not delivered")
	}

	msg, err := codec.Open(rec.got[0])
	require.NoError(t, err)
	vote, ok := msg.(*contracts.Vote)
	require.True(t, ok)
	assert.Equal(t, uint64(3), vote.Sequence)
	assert.Equal(t, "a", rec.got[0].Sender)
}

func TestBus_UnknownPeerAndFilter(t *testing.T) {
	bus := NewBus()
	rec := newRecorder()
	bus.Register("b", rec)

	err := bus.Endpoint("a").Send(context.Background(), "nobody", voteEnvelope(t, "a"))
	assert.ErrorIs(t, err, ErrUnknownPeer)

	bus.SetFilter(func(from, to string, env contracts.Envelope) bool { return env.Type != contracts.MsgVote })
	require.NoError(t, bus.Endpoint("a").Send(context.Background(), "b", voteEnvelope(t, "a")))
	bus.Close()
	assert.Equal(t, 0, rec.count())

	err = bus.Endpoint("a").Send(context.Background(), "b", voteEnvelope(t, "a"))
	assert.Error(t, err, "closed bus")
}

func TestFanout_ContinuesPastFailures(t *testing.T) {
	bus := NewBus()
	recs := map[string]*recorder{"p1": newRecorder(), "p2": newRecorder()}
	for k, r := range recs {
		bus.Register(k, r)
	}

	err := Fanout(context.Background(), bus.Endpoint("a"), []string{"p1", "missing", "p2"}, voteEnvelope(t, "a"), slog.Default())
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrUnknownPeer)

	bus.Close()
	assert.Equal(t, 1, recs["p1"].count())
	assert.Equal(t, 1, recs["p2"].count())
}

// TestRedis_Integration requires a running Redis and skips otherwise.
func TestRedis_Integration(t *testing.T) {
	client := redis.NewClient(&redis.Options{Addr: "localhost:6379"})
	defer func() { _ = client.Close() }()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		t.Skip("Skipping Redis integration test: redis not available")
	}

	rec := newRecorder()
	receiver := NewRedis(client, "covenant-test:", "node-b")
	listenCtx, stop := context.WithCancel(ctx)
	done := make(chan error, 1)
	go func() { done <- receiver.Listen(listenCtx, rec) }()

	sender := NewRedis(client, "covenant-test:", "node-a").WithRetryPolicy(retry.Policy{BaseMs: 10, MaxMs: 50, MaxAttempts: 2})
	// Subscription setup is asynchronous; publish until the receiver sees one.
	require.Eventually(t, func() bool {
		_ = sender.Send(ctx, "node-b", voteEnvelope(t, "node-a"))
		select {
		case <-rec.seen:
			return true
		case <-time.After(50 * time.Millisecond):
			return false
		}
	}, 3*time.Second, 10*time.Millisecond)

	stop()
	require.NoError(t, <-done)
}
