package kernel

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/SrDicov/Discoat/adapter"
	"github.com/SrDicov/Discoat/bus"
	"github.com/SrDicov/Discoat/config"
	"github.com/SrDicov/Discoat/envelope"
	"github.com/SrDicov/Discoat/health"
	"github.com/SrDicov/Discoat/topology"
)

// stubAdapter records lifecycle calls and egress deliveries.
type stubAdapter struct {
	name string

	mu        sync.Mutex
	inited    bool
	started   bool
	stopped   bool
	delivered []*envelope.Envelope
	deps      *adapter.Context
}

func (s *stubAdapter) Name() string { return s.name }

func (s *stubAdapter) Init(deps *adapter.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.inited = true
	s.deps = deps
	return nil
}

func (s *stubAdapter) Start(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.started = true
	return nil
}

func (s *stubAdapter) Stop(time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopped = true
	return nil
}

func (s *stubAdapter) Health() health.Status { return health.Healthy(s.name, "connected") }

func (s *stubAdapter) ProcessEgress(_ context.Context, env *envelope.Envelope) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.delivered = append(s.delivered, env)
	return nil
}

func (s *stubAdapter) deliveredCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.delivered)
}

func testKernel(t *testing.T) (*Kernel, *stubAdapter, *stubAdapter) {
	t.Helper()

	discord := &stubAdapter{name: "discord"}
	telegram := &stubAdapter{name: "telegram"}
	adapter.Register("discord", func() adapter.Adapter { return discord })
	adapter.Register("telegram", func() adapter.Adapter { return telegram })

	cfg := config.Defaults()
	cfg.DBPath = filepath.Join(t.TempDir(), "discoat.db")
	cfg.Discord.Token = "d"
	cfg.Telegram.Token = "t"
	require.NoError(t, cfg.Validate())
	cfg.Port = 0 // ephemeral port for the observability listener

	k := New(cfg, nil)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = k.Shutdown(ctx)
	})
	return k, discord, telegram
}

func TestStart_WiresAdaptersAndRoutes(t *testing.T) {
	k, discord, telegram := testKernel(t)
	ctx := context.Background()
	require.NoError(t, k.Start(ctx))

	assert.True(t, discord.inited)
	assert.True(t, discord.started)
	require.NotNil(t, discord.deps)
	assert.Equal(t, "discord", discord.deps.Name)
	assert.NotNil(t, discord.deps.Repo)
	assert.NotNil(t, discord.deps.Queue)

	// Seed a bridge between the two stub platforms directly on the kernel's
	// repository, then push an ingress envelope through the bus.
	id, err := k.repo.CreateBridge(ctx, "general")
	require.NoError(t, err)
	require.NoError(t, k.repo.LinkChannelToBridge(ctx, topology.LinkParams{BridgeID: id, Platform: "discord", NativeID: "c1"}))
	require.NoError(t, k.repo.LinkChannelToBridge(ctx, topology.LinkParams{BridgeID: id, Platform: "telegram", NativeID: "t1"}))

	env, err := envelope.New(envelope.Params{
		Source: envelope.Source{Platform: "discord", ChannelID: "c1", UserID: "u1"},
		Text:   "end to end",
	})
	require.NoError(t, err)
	require.NoError(t, bus.EmitEnvelope(ctx, k.bus, bus.EventMessageIngress, env))

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) && telegram.deliveredCount() == 0 {
		time.Sleep(10 * time.Millisecond)
	}
	require.Equal(t, 1, telegram.deliveredCount(), "telegram received the relay")
	assert.Equal(t, 0, discord.deliveredCount(), "split horizon held")

	telegram.mu.Lock()
	got := telegram.delivered[0]
	telegram.mu.Unlock()
	assert.Equal(t, "t1", got.Head.Dest.ChannelID)
	assert.Equal(t, env.Head.CorrelationID, got.Head.CorrelationID)
}

func TestShutdown_IsIdempotentAndStopsAdapters(t *testing.T) {
	k, discord, _ := testKernel(t)
	require.NoError(t, k.Start(context.Background()))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, k.Shutdown(ctx))
	assert.True(t, discord.stopped)

	// Second shutdown is the guarded no-op.
	assert.NoError(t, k.Shutdown(ctx))
}

func TestStart_SkipsUnregisteredPlatform(t *testing.T) {
	cfg := config.Defaults()
	cfg.DBPath = filepath.Join(t.TempDir(), "discoat.db")
	cfg.Stoat.Token = "s"
	require.NoError(t, cfg.Validate())
	cfg.Port = 0

	// This test binary does not import the stoat adapter package, so no stoat
	// factory is registered and the lookup misses.
	k := New(cfg, nil)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = k.Shutdown(ctx)
	})
	require.NoError(t, k.Start(context.Background()))
	assert.Empty(t, k.adapters)
}
