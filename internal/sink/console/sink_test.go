package console

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"firestige.xyz/dpslens/internal/core"
	"firestige.xyz/dpslens/internal/emitter"
	"firestige.xyz/dpslens/internal/log"
	"firestige.xyz/dpslens/internal/protocol"
	"firestige.xyz/dpslens/internal/seqid"
	"firestige.xyz/dpslens/internal/world"
)

func jsonLogger(t *testing.T, buf *bytes.Buffer) log.Logger {
	t.Helper()
	cfg := log.DefaultConfig()
	cfg.Format = log.FormatJSON
	cfg.Level = "debug"
	logger, err := log.NewWithWriter(cfg, buf)
	require.NoError(t, err)
	return logger
}

func TestSink_LogsEventsUntilEmitterCloses(t *testing.T) {
	var buf bytes.Buffer
	em := emitter.New(emitter.DefaultConfig(), seqid.New())
	s := New(em, jsonLogger(t, &buf))

	hero := core.MakeRawIdentifier(7, core.PlayerMarker)
	boar := core.MakeRawIdentifier(90, core.MonsterMarker)
	em.Publish(core.ChannelToMe, []world.Hit{
		{Target: boar, Damage: protocol.DamageRecord{UID: 1, Attacker: hero, Value: 250, SkillID: 1201}},
		{Target: hero, Damage: protocol.DamageRecord{UID: 2, Attacker: hero, Value: 40, Type: protocol.DamageHeal}},
	}, time.Now())
	em.Close()

	n := s.Run(context.Background())
	assert.Equal(t, uint64(2), n)

	var lines []map[string]interface{}
	sc := bufio.NewScanner(&buf)
	for sc.Scan() {
		var line map[string]interface{}
		require.NoError(t, json.Unmarshal(sc.Bytes(), &line))
		if line["msg"] == "combat event" {
			lines = append(lines, line)
		}
	}
	require.Len(t, lines, 2)
	assert.Equal(t, "damage", lines[0]["kind"])
	assert.Equal(t, float64(250), lines[0]["magnitude"])
	assert.Equal(t, float64(1201), lines[0]["skill"])
	assert.Equal(t, "heal", lines[1]["kind"])
}

func TestSink_StopsOnContext(t *testing.T) {
	em := emitter.New(emitter.DefaultConfig(), seqid.New())
	defer em.Close()
	s := New(em, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan uint64)
	go func() { done <- s.Run(ctx) }()
	cancel()

	select {
	case n := <-done:
		assert.Zero(t, n)
	case <-time.After(5 * time.Second):
		t.Fatal("sink did not stop")
	}
	assert.Equal(t, 0, em.Stats().Subscribers)
}
