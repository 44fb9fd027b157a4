package swarm

import (
	"context"
	"crypto/rand"
	"testing"
	"time"

	"github.com/libp2p/go-libp2p/core/crypto"
	"github.com/libp2p/go-libp2p/core/peer"
	ma "github.com/multiformats/go-multiaddr"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"lumerelay/internal/conn"
	"lumerelay/internal/dispatch"
	"lumerelay/internal/rpc"
	"lumerelay/internal/signer"
)

func newKey(t *testing.T) crypto.PrivKey {
	t.Helper()
	priv, _, err := crypto.GenerateEd25519Key(rand.Reader)
	require.NoError(t, err)
	return priv
}

func TestRelayIDRoundTrip(t *testing.T) {
	priv := newKey(t)
	relay, err := signer.PublicKeyHex(priv.GetPublic())
	require.NoError(t, err)

	id, err := PeerIDFromRelay(relay)
	require.NoError(t, err)
	want, err := peer.IDFromPrivateKey(priv)
	require.NoError(t, err)
	assert.Equal(t, want, id)

	back, err := RelayFromPeerID(id)
	require.NoError(t, err)
	assert.Equal(t, relay, back)

	_, err = PeerIDFromRelay("not-hex")
	assert.Error(t, err)
}

func TestPresence_TracksAnnouncements(t *testing.T) {
	p := NewPresence(nil, "", time.Minute, zerolog.Nop())

	p.handleMessage("relay-a", presenceMessage{Op: opAdd, Items: []string{"x", "y"}})
	p.handleMessage("relay-b", presenceMessage{Op: opSync, Items: []string{"z"}})
	assert.True(t, p.PeerHasItem("relay-a", "x"))
	assert.True(t, p.PeerHasItem("relay-b", "z"))
	assert.False(t, p.PeerHasItem("relay-b", "x"))

	p.handleMessage("relay-a", presenceMessage{Op: opRemove, Items: []string{"x"}})
	assert.False(t, p.PeerHasItem("relay-a", "x"))
	assert.True(t, p.PeerHasItem("relay-a", "y"))

	// a sync replaces everything announced before
	p.handleMessage("relay-a", presenceMessage{Op: opSync, Items: []string{"w"}})
	assert.False(t, p.PeerHasItem("relay-a", "y"))
	assert.True(t, p.PeerHasItem("relay-a", "w"))

	assert.Equal(t, []string{"relay-a", "relay-b"}, p.Online())
}

func TestPresence_QuietRelaysGoOffline(t *testing.T) {
	p := NewPresence(nil, "", time.Second, zerolog.Nop())
	now := time.Now()
	p.now = func() time.Time { return now }

	p.handleMessage("relay-a", presenceMessage{Op: opAdd, Items: []string{"x"}})
	now = now.Add(2 * time.Second)
	p.handleMessage("relay-b", presenceMessage{Op: opAdd, Items: []string{"y"}})
	now = now.Add(2 * time.Second)

	assert.Equal(t, []string{"relay-b"}, p.Online())

	p.prune()
	assert.False(t, p.PeerHasItem("relay-a", "x"))
	assert.True(t, p.PeerHasItem("relay-b", "y"))
}

func TestPresence_AdvertiseRevoke(t *testing.T) {
	p := NewPresence(nil, "", time.Minute, zerolog.Nop())

	p.Advertise("b")
	p.Advertise("a")
	p.Revoke("b")
	assert.Equal(t, []string{"a"}, p.Held())

	ops := []string{(<-p.queue).Op, (<-p.queue).Op, (<-p.queue).Op}
	assert.Equal(t, []string{opAdd, opAdd, opRemove}, ops)
}

func TestPresence_FullQueueNeverBlocks(t *testing.T) {
	p := NewPresence(nil, "", time.Minute, zerolog.Nop())

	done := make(chan struct{})
	go func() {
		for i := 0; i < presenceQueueSize+10; i++ {
			p.Advertise(string(rune('a' + i%26)))
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Advertise blocked on a full queue")
	}
}

type pingDispatcher struct{}

func (pingDispatcher) Handle(ctx context.Context, req *rpc.Request, _ dispatch.StreamWriter) *rpc.Response {
	return &rpc.Response{Data: "pong:" + req.FullMethod()}
}

// slowDispatcher answers relay.wait after delay and everything else at once
type slowDispatcher struct {
	delay time.Duration
}

func (d slowDispatcher) Handle(ctx context.Context, req *rpc.Request, _ dispatch.StreamWriter) *rpc.Response {
	if req.FullMethod() == "relay.wait" {
		time.Sleep(d.delay)
	}
	return &rpc.Response{Data: "pong:" + req.FullMethod()}
}

func newSwarm(t *testing.T, breaker BreakerOptions) *Swarm {
	t.Helper()
	addr, err := ma.NewMultiaddr("/ip4/127.0.0.1/tcp/0")
	require.NoError(t, err)

	s, err := New(context.Background(), Options{
		PrivKey:     newKey(t),
		ListenAddrs: []ma.Multiaddr{addr},
		DisableDHT:  true,
		Breaker:     breaker,
	}, nil, zerolog.Nop())
	require.NoError(t, err)
	return s
}

func newLocalSwarm(t *testing.T) *Swarm {
	t.Helper()
	s := newSwarm(t, BreakerOptions{})
	t.Cleanup(func() { s.Close() })
	return s
}

func TestSwarm_RequestBetweenRelays(t *testing.T) {
	if testing.Short() {
		t.Skip("opens loopback sockets")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	a := newLocalSwarm(t)
	b := newLocalSwarm(t)
	b.Serve(ctx, conn.NewHandler(pingDispatcher{}, time.Millisecond, zerolog.Nop()))

	require.NoError(t, a.Connect(ctx, b.AddrInfo()))

	client, err := a.ClientForPeer(ctx, b.RelayID())
	require.NoError(t, err)

	resp, err := client.Request(ctx, "core.ping", true)
	require.NoError(t, err)
	assert.Equal(t, "pong:core.ping", resp.Data)

	_, err = a.ClientForPeer(ctx, a.RelayID())
	assert.Error(t, err)

	_, err = client.Request(ctx, "no-dot", true)
	assert.Error(t, err)
}

func TestBreakers_OpenAfterThreshold(t *testing.T) {
	now := time.Unix(1000, 0)
	b := newBreakers(BreakerOptions{FailureThreshold: 2, RecoveryTimeout: time.Minute})
	b.now = func() time.Time { return now }

	assert.True(t, b.allow("aa"))
	b.failure("aa")
	assert.True(t, b.allow("aa"))
	b.failure("aa")
	assert.False(t, b.allow("aa"))
	assert.True(t, b.allow("bb"), "breakers are per relay")

	now = now.Add(time.Minute)
	assert.True(t, b.allow("aa"), "one trial call after recovery timeout")
	assert.False(t, b.allow("aa"), "only one trial call at a time")

	b.failure("aa")
	assert.False(t, b.allow("aa"), "failed trial call reopens")

	now = now.Add(time.Minute)
	require.True(t, b.allow("aa"))
	b.success("aa")
	assert.True(t, b.allow("aa"))
	assert.True(t, b.allow("aa"))
}

func TestBreakers_SuccessResetsFailures(t *testing.T) {
	b := newBreakers(BreakerOptions{FailureThreshold: 2})

	b.failure("aa")
	b.success("aa")
	b.failure("aa")
	assert.True(t, b.allow("aa"))
}

func TestBreakers_CanceledTrialIsReleased(t *testing.T) {
	now := time.Unix(1000, 0)
	b := newBreakers(BreakerOptions{FailureThreshold: 1, RecoveryTimeout: time.Minute})
	b.now = func() time.Time { return now }

	b.failure("aa")
	require.False(t, b.allow("aa"))

	now = now.Add(time.Minute)
	require.True(t, b.allow("aa"))
	require.False(t, b.allow("aa"))

	b.release("aa")
	assert.True(t, b.allow("aa"), "released trial slot is available again")
	assert.False(t, b.allow("aa"))

	b.release("bb")
	assert.True(t, b.allow("bb"), "release of an unknown relay is a no-op")
}

func TestClient_CanceledTrialDoesNotStrandRelay(t *testing.T) {
	if testing.Short() {
		t.Skip("opens loopback sockets")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	a := newSwarm(t, BreakerOptions{FailureThreshold: 1, RecoveryTimeout: 20 * time.Millisecond})
	t.Cleanup(func() { a.Close() })
	b := newLocalSwarm(t)
	b.Serve(ctx, conn.NewHandler(slowDispatcher{delay: 300 * time.Millisecond}, time.Millisecond, zerolog.Nop()))
	require.NoError(t, a.Connect(ctx, b.AddrInfo()))

	client, err := a.ClientForPeer(ctx, b.RelayID())
	require.NoError(t, err)

	a.breakers.failure(b.RelayID())
	_, err = client.Request(ctx, "core.ping", true)
	require.ErrorIs(t, err, ErrRelayUnavailable)

	time.Sleep(30 * time.Millisecond)

	trialCtx, trialCancel := context.WithTimeout(ctx, 50*time.Millisecond)
	_, err = client.Request(trialCtx, "relay.wait", true)
	trialCancel()
	require.Error(t, err)

	time.Sleep(30 * time.Millisecond)

	resp, err := client.Request(ctx, "core.ping", true)
	require.NoError(t, err)
	assert.Equal(t, "pong:core.ping", resp.Data)

	resp, err = client.Request(ctx, "core.ping", true)
	require.NoError(t, err, "a successful trial call closes the breaker")
	assert.Equal(t, "pong:core.ping", resp.Data)
}

func TestSwarm_CloseAfterStart(t *testing.T) {
	if testing.Short() {
		t.Skip("opens loopback sockets")
	}

	s := newSwarm(t, BreakerOptions{})
	require.NoError(t, s.Start(context.Background()))

	// give the presence loop time to subscribe and publish
	time.Sleep(50 * time.Millisecond)

	assert.NoError(t, s.Close(), "presence subscription is gone before the topic closes")
}
