package cmd

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"firestige.xyz/dpslens/internal/analyzer"
	"firestige.xyz/dpslens/internal/config"
	"firestige.xyz/dpslens/internal/control"
	"firestige.xyz/dpslens/internal/core"
	"firestige.xyz/dpslens/internal/emitter"
	"firestige.xyz/dpslens/internal/log"
	"firestige.xyz/dpslens/internal/protocol"
	"firestige.xyz/dpslens/internal/seqid"
	"firestige.xyz/dpslens/internal/source/pcapfile/pcaptest"
)

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	t.Setenv("DPSLENS_LOG_LEVEL", "error")
	root := NewRootCommand()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(args)
	err := root.Execute()
	return out.String(), err
}

func TestValidate_PrintsEffectiveConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "dpslens.yml")
	require.NoError(t, os.WriteFile(path, []byte("dispatch:\n  partitions: 2\n"), 0o644))

	out, err := run(t, "validate", "-c", path)
	require.NoError(t, err)
	assert.Contains(t, out, "# VALID")

	var cfg config.Config
	require.NoError(t, yaml.Unmarshal([]byte(out), &cfg))
	assert.Equal(t, 2, cfg.Dispatch.Partitions)
	assert.Equal(t, "error", cfg.Log.Level)
	assert.Equal(t, 5, cfg.Session.FailureThreshold)
}

func TestValidate_RejectsInvalidConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "dpslens.yml")
	require.NoError(t, os.WriteFile(path, []byte("dispatch:\n  partitions: 0\n"), 0o644))

	_, err := run(t, "validate", "-c", path)
	require.Error(t, err)
	assert.ErrorIs(t, err, core.ErrConfigInvalid)
}

func TestReplay_PrintsSummary(t *testing.T) {
	frame, err := protocol.AppendFrame(nil, protocol.OpFullSync, protocol.MarshalFullSync(protocol.FullSync{
		Seq:      1,
		Entities: []protocol.EntityRecord{{UUID: core.MakeRawIdentifier(1, core.PlayerMarker)}},
	}), false)
	require.NoError(t, err)

	c, err := pcaptest.New(5003)
	require.NoError(t, err)
	require.NoError(t, c.ServerSYN())
	require.NoError(t, c.ServerData(frame))
	require.NoError(t, c.ServerFIN())
	path := filepath.Join(t.TempDir(), "capture.pcap")
	require.NoError(t, c.WriteFile(path))

	out, err := run(t, "replay", path, "--port", "5003")
	require.NoError(t, err)

	var summary struct {
		Capture struct {
			Streams uint64 `yaml:"streams"`
		} `yaml:"capture"`
		Flows []struct {
			Flow  string `yaml:"flow"`
			State string `yaml:"state"`
		} `yaml:"flows"`
	}
	require.NoError(t, yaml.Unmarshal([]byte(out), &summary))
	assert.Equal(t, uint64(1), summary.Capture.Streams)
	require.Len(t, summary.Flows, 1)
	assert.Equal(t, c.Flow(), summary.Flows[0].Flow)
	assert.Equal(t, "disconnected", summary.Flows[0].State)
}

func TestReplay_RequiresFile(t *testing.T) {
	_, err := run(t, "replay")
	assert.Error(t, err)
}

func startControl(t *testing.T) string {
	t.Helper()
	em := emitter.New(emitter.DefaultConfig(), seqid.New())
	mgr := analyzer.NewManager(analyzer.DefaultDispatchConfig(), func(f string) *analyzer.Analyzer {
		return analyzer.New(f, analyzer.DefaultConfig(), analyzer.WithEmitter(em))
	}, log.Discard(), nil)

	dir, err := os.MkdirTemp("", "dpsctl")
	require.NoError(t, err)
	socket := filepath.Join(dir, "ctl.sock")
	srv := control.NewServer(socket, control.NewHandler(mgr, em, nil), log.Discard())
	require.NoError(t, srv.Start(context.Background()))
	t.Cleanup(func() {
		srv.Stop()
		mgr.Stop()
		em.Close()
		os.RemoveAll(dir)
	})
	return socket
}

func TestCtl_Stats(t *testing.T) {
	socket := startControl(t)

	out, err := run(t, "ctl", "stats", "--socket", socket)
	require.NoError(t, err)

	var stats control.Stats
	require.NoError(t, json.Unmarshal([]byte(out), &stats))
	assert.Equal(t, 0, stats.Flows)
}

func TestCtl_UnknownFlow(t *testing.T) {
	socket := startControl(t)

	_, err := run(t, "ctl", "flow_status", "nope", "--socket", socket)
	require.Error(t, err)
	var info *control.ErrorInfo
	require.ErrorAs(t, err, &info)
	assert.Equal(t, control.ErrCodeInvalidParams, info.Code)
}

func TestCtl_RequiresSocket(t *testing.T) {
	_, err := run(t, "ctl", "flows")
	assert.Error(t, err)
}
