package app

import (
	"context"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"firestige.xyz/dpslens/internal/config"
	"firestige.xyz/dpslens/internal/control"
	"firestige.xyz/dpslens/internal/core"
	"firestige.xyz/dpslens/internal/log"
	"firestige.xyz/dpslens/internal/protocol"
	"firestige.xyz/dpslens/internal/session"
	"firestige.xyz/dpslens/internal/source/pcapfile/pcaptest"
)

const serverPort = 5003

func writeCapture(t *testing.T, closeStream bool) (string, string) {
	t.Helper()
	hero := core.MakeRawIdentifier(1, core.PlayerMarker)
	boar := core.MakeRawIdentifier(50, core.MonsterMarker)

	fs, err := protocol.AppendFrame(nil, protocol.OpFullSync, protocol.MarshalFullSync(protocol.FullSync{
		Seq: 1,
		Entities: []protocol.EntityRecord{
			{UUID: hero, Name: "Aurora", Fields: protocol.FieldName},
			{UUID: boar, HP: 900, MaxHP: 900, Fields: protocol.FieldHP | protocol.FieldMaxHP},
		},
		LocalPlayer: hero,
	}), false)
	require.NoError(t, err)

	delta, err := protocol.AppendFrame(nil, protocol.OpNearDelta, protocol.MarshalDelta(protocol.Delta{
		Seq: 2,
		Ops: []protocol.DeltaOp{{
			Action:  protocol.ActionUpdate,
			Entity:  protocol.EntityRecord{UUID: boar, HP: 600, Fields: protocol.FieldHP},
			Damages: []protocol.DamageRecord{{UID: 77, Attacker: hero, Value: 300}},
		}},
	}), true)
	require.NoError(t, err)

	c, err := pcaptest.New(serverPort)
	require.NoError(t, err)
	require.NoError(t, c.ServerSYN())
	require.NoError(t, c.ServerData(fs))
	require.NoError(t, c.ServerData(delta))
	if closeStream {
		require.NoError(t, c.ServerFIN())
	}

	path := filepath.Join(t.TempDir(), "fight.pcap")
	require.NoError(t, c.WriteFile(path))
	return path, c.Flow()
}

func testConfig() *config.Config {
	cfg := config.Default()
	cfg.Capture.ServerPorts = []uint16{serverPort}
	return cfg
}

func TestApp_ReplaySummary(t *testing.T) {
	path, flow := writeCapture(t, false)

	a, err := New(testConfig(), Options{Logger: log.Discard(), PrintEvents: true})
	require.NoError(t, err)
	require.NoError(t, a.Start(context.Background()))

	sub := a.Emitter().Subscribe("test")
	stats, err := a.Replay(context.Background(), path)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), stats.Streams)

	select {
	case ev := <-sub.Events():
		assert.Equal(t, core.EntityID(1), ev.Source)
		assert.Equal(t, core.EntityID(50), ev.Target)
		assert.Equal(t, int64(300), ev.Magnitude)
		assert.Equal(t, core.EventDamage, ev.Kind)
	case <-time.After(5 * time.Second):
		t.Fatal("no event emitted")
	}

	// The capture ended without a FIN, so FlushAll closed the stream.
	s := a.Summary()
	require.Len(t, s.Flows, 1)
	assert.Equal(t, flow, s.Flows[0].Flow)
	assert.Equal(t, session.StateDisconnected, s.Flows[0].State)
	assert.Equal(t, uint64(1), s.Events.Published)
	assert.Zero(t, s.IngressDrops)
	assert.True(t, s.Healthy())

	a.Stop(context.Background())
}

func TestApp_ServesMetricsAndFeed(t *testing.T) {
	cfg := testConfig()
	cfg.Metrics.Enabled = true
	cfg.Metrics.Listen = "127.0.0.1:0"
	cfg.Feed.Enabled = true
	cfg.Feed.Listen = "127.0.0.1:0"

	a, err := New(cfg, Options{Logger: log.Discard()})
	require.NoError(t, err)
	require.NoError(t, a.Start(context.Background()))
	defer a.Stop(context.Background())

	path, _ := writeCapture(t, true)
	_, err = a.Replay(context.Background(), path)
	require.NoError(t, err)

	require.NotEmpty(t, a.MetricsAddr())
	require.NotEmpty(t, a.FeedAddr())

	resp, err := http.Get("http://" + a.MetricsAddr() + cfg.Metrics.Path)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "dpslens_frames_total")
	assert.Contains(t, string(body), "dpslens_events_total")
	assert.Contains(t, string(body), "go_goroutines")
}

func TestApp_RejectsInvalidConfig(t *testing.T) {
	cfg := testConfig()
	cfg.Dispatch.Partitions = 0
	_, err := New(cfg, Options{Logger: log.Discard()})
	assert.ErrorIs(t, err, core.ErrConfigInvalid)
}

func TestApp_ReplayMissingFile(t *testing.T) {
	a, err := New(testConfig(), Options{Logger: log.Discard()})
	require.NoError(t, err)
	defer a.Stop(context.Background())

	_, err = a.Replay(context.Background(), filepath.Join(t.TempDir(), "nope.pcap"))
	assert.Error(t, err)
}

func TestApp_ControlSocket(t *testing.T) {
	dir, err := os.MkdirTemp("", "dpsapp")
	require.NoError(t, err)
	defer os.RemoveAll(dir)

	cfg := testConfig()
	cfg.Control.Socket = filepath.Join(dir, "ctl.sock")
	a, err := New(cfg, Options{Logger: log.Discard()})
	require.NoError(t, err)
	require.NoError(t, a.Start(context.Background()))
	defer a.Stop(context.Background())

	path, flow := writeCapture(t, true)
	_, err = a.Replay(context.Background(), path)
	require.NoError(t, err)

	flows, err := control.NewClient(cfg.Control.Socket, time.Second).Flows(context.Background())
	require.NoError(t, err)
	require.Len(t, flows, 1)
	assert.Equal(t, flow, flows[0].Flow)
	assert.Equal(t, session.StateDisconnected, flows[0].State)
}
