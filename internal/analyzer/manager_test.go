package analyzer

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"firestige.xyz/dpslens/internal/core"
	"firestige.xyz/dpslens/internal/log"
	"firestige.xyz/dpslens/internal/session"
)

func defaultFactory(flow string) *Analyzer {
	return New(flow, DefaultConfig())
}

func flush(t *testing.T, m *Manager) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, m.Flush(ctx))
}

func TestManager_RoutesFlowsStably(t *testing.T) {
	m := NewManager(DispatchConfig{Partitions: 8, QueueSize: 16, SubmitTimeout: time.Second}, defaultFactory, log.Discard(), nil)
	defer m.Stop()

	used := make(map[int]bool)
	for i := 0; i < 64; i++ {
		flow := fmt.Sprintf("10.0.0.%d:5003->192.168.1.2:%d", i, 40000+i)
		p := m.Partition(flow)
		assert.Equal(t, p, m.Partition(flow))
		assert.GreaterOrEqual(t, p, 0)
		assert.Less(t, p, 8)
		used[p] = true
	}
	assert.Greater(t, len(used), 1, "flows spread over partitions")
}

func TestManager_DrivesAnalyzers(t *testing.T) {
	m := NewManager(DefaultDispatchConfig(), defaultFactory, log.Discard(), nil)
	defer m.Stop()

	flows := []string{"flow-a", "flow-b", "flow-c"}
	for _, f := range flows {
		require.NoError(t, m.Connect(f))
		require.NoError(t, m.Feed(f, fullSyncFrame(t, 100), t0))
		require.NoError(t, m.Feed(f, deltaFrame(t, core.ChannelNear, hitDelta(101, 1, 50)), t0))
	}
	flush(t, m)

	assert.Equal(t, flows, m.Flows())
	for _, f := range flows {
		a, ok := m.Analyzer(f)
		require.True(t, ok)
		assert.Equal(t, session.StateSynced, a.CurrentSessionState())
		e, _ := a.Snapshot().Get(50)
		assert.Equal(t, int64(850), e.HP)
	}

	require.NoError(t, m.ConnectionLost("flow-b"))
	flush(t, m)
	b, _ := m.Analyzer("flow-b")
	assert.Equal(t, session.StateDisconnected, b.CurrentSessionState())
}

func TestManager_FeedCopiesData(t *testing.T) {
	m := NewManager(DefaultDispatchConfig(), defaultFactory, log.Discard(), nil)
	defer m.Stop()

	require.NoError(t, m.Connect("f"))
	raw := fullSyncFrame(t, 1)
	require.NoError(t, m.Feed("f", raw, t0))
	for i := range raw {
		raw[i] = 0
	}
	flush(t, m)

	a, _ := m.Analyzer("f")
	assert.Equal(t, session.StateSynced, a.CurrentSessionState())
}

func TestManager_SaturationDropsAndResyncs(t *testing.T) {
	entered := make(chan struct{})
	release := make(chan struct{})
	factory := func(flow string) *Analyzer {
		close(entered)
		<-release
		return defaultFactory(flow)
	}

	m := NewManager(DispatchConfig{Partitions: 1, QueueSize: 1, SubmitTimeout: time.Millisecond}, factory, log.Discard(), nil)
	defer m.Stop()

	require.NoError(t, m.Connect("f"))
	<-entered // the worker is now blocked building the analyzer

	require.NoError(t, m.Feed("f", fullSyncFrame(t, 100), t0))
	err := m.Feed("f", deltaFrame(t, core.ChannelNear, hitDelta(101, 1, 1)), t0)
	assert.ErrorIs(t, err, ErrIngressDropped)
	assert.Equal(t, uint64(1), m.IngressDrops())

	close(release)
	flush(t, m)
	a, _ := m.Analyzer("f")
	require.Equal(t, session.StateSynced, a.CurrentSessionState())

	// The next chunk carries the gap: the session resyncs and the delta
	// is discarded.
	require.NoError(t, m.Feed("f", deltaFrame(t, core.ChannelNear, hitDelta(102, 2, 1)), t0))
	flush(t, m)
	assert.Equal(t, session.StateResyncing, a.CurrentSessionState())
	assert.Equal(t, uint64(1), a.DropCounters().Discarded)
}

func TestManager_ControlCommands(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Session.FailureThreshold = 1
	m := NewManager(DefaultDispatchConfig(), func(flow string) *Analyzer { return New(flow, cfg) }, log.Discard(), nil)
	defer m.Stop()

	require.NoError(t, m.Connect("f"))
	require.NoError(t, m.Feed("f", []byte{0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF}, t0))
	flush(t, m)
	a, _ := m.Analyzer("f")
	require.Equal(t, session.StateFaulted, a.CurrentSessionState())

	require.NoError(t, m.RequestReset("f"))
	require.NoError(t, m.Connect("f"))
	require.NoError(t, m.Feed("f", fullSyncFrame(t, 5), t0))
	flush(t, m)
	assert.Equal(t, session.StateSynced, a.CurrentSessionState())

	require.NoError(t, m.Gap("f"))
	flush(t, m)
	assert.Equal(t, session.StateResyncing, a.CurrentSessionState())
}

func TestManager_Stop(t *testing.T) {
	m := NewManager(DefaultDispatchConfig(), defaultFactory, log.Discard(), nil)
	require.NoError(t, m.Connect("f"))
	require.NoError(t, m.Feed("f", fullSyncFrame(t, 1), t0))
	m.Stop()
	m.Stop()

	// Work queued before Stop was drained.
	a, ok := m.Analyzer("f")
	require.True(t, ok)
	assert.Equal(t, session.StateSynced, a.CurrentSessionState())

	assert.ErrorIs(t, m.Feed("f", nil, t0), ErrManagerClosed)
	assert.ErrorIs(t, m.Connect("f"), ErrManagerClosed)
	assert.ErrorIs(t, m.Flush(context.Background()), ErrManagerClosed)
}
