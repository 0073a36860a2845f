package feed

import (
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"firestige.xyz/dpslens/internal/core"
	"firestige.xyz/dpslens/internal/emitter"
	"firestige.xyz/dpslens/internal/protocol"
	"firestige.xyz/dpslens/internal/seqid"
	"firestige.xyz/dpslens/internal/world"
)

var seen = time.Unix(1700000000, 0)

func dial(t *testing.T, em *emitter.Emitter) *websocket.Conn {
	t.Helper()
	srv := httptest.NewServer(NewHandler(em, HandlerConfig{WriteTimeout: time.Second}))
	t.Cleanup(srv.Close)

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() {
		conn.Close()
		if resp != nil {
			resp.Body.Close()
		}
	})
	return conn
}

func read(t *testing.T, conn *websocket.Conn) Message {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	_, payload, err := conn.ReadMessage()
	require.NoError(t, err)
	var msg Message
	require.NoError(t, json.Unmarshal(payload, &msg))
	return msg
}

func TestFeed_SendsSnapshotThenEvents(t *testing.T) {
	em := emitter.New(emitter.DefaultConfig(), seqid.New())
	defer em.Close()

	hero := core.MakeRawIdentifier(7, core.PlayerMarker)
	boar := core.MakeRawIdentifier(90, core.MonsterMarker)
	syncer := world.NewSynchronizer()
	snap := syncer.ApplyFullSync(protocol.FullSync{
		Seq: 1,
		Entities: []protocol.EntityRecord{
			{UUID: hero, Name: "Aurora", Fields: protocol.FieldName},
			{UUID: boar},
		},
		LocalPlayer: hero,
	}, seen)
	em.PublishSnapshot(snap)

	conn := dial(t, em)

	first := read(t, conn)
	assert.Equal(t, TypeSnapshot, first.Type)
	require.NotNil(t, first.Snapshot)
	assert.Equal(t, snap.Version(), first.Snapshot.Version)
	assert.Equal(t, core.EntityID(7), first.Snapshot.LocalPlayer)
	require.Len(t, first.Snapshot.Entities, 2)
	assert.Equal(t, "Aurora", first.Snapshot.Entities[0].Name)

	n := em.Publish(core.ChannelNear, []world.Hit{{
		Target: boar,
		Damage: protocol.DamageRecord{UID: 1, Attacker: hero, Value: 250, Critical: true},
	}}, seen)
	require.Equal(t, 1, n)

	ev := read(t, conn)
	assert.Equal(t, TypeEvent, ev.Type)
	require.NotNil(t, ev.Event)
	assert.Equal(t, core.EntityID(7), ev.Event.Source)
	assert.Equal(t, core.EntityID(90), ev.Event.Target)
	assert.Equal(t, int64(250), ev.Event.Magnitude)
	assert.True(t, ev.Event.Critical)

	next := syncer.Clear(seen)
	em.PublishSnapshot(next)
	msg := read(t, conn)
	assert.Equal(t, TypeSnapshot, msg.Type)
	assert.Equal(t, next.Version(), msg.Snapshot.Version)
	assert.Empty(t, msg.Snapshot.Entities)
}

func TestFeed_EmptySnapshotBeforeFirstSync(t *testing.T) {
	em := emitter.New(emitter.DefaultConfig(), seqid.New())
	defer em.Close()

	msg := read(t, dial(t, em))
	assert.Equal(t, TypeSnapshot, msg.Type)
	require.NotNil(t, msg.Snapshot)
	assert.Zero(t, msg.Snapshot.Version)
	assert.Empty(t, msg.Snapshot.Entities)
}

func TestFeed_ClosesWithEmitter(t *testing.T) {
	em := emitter.New(emitter.DefaultConfig(), seqid.New())
	h := NewHandler(em, HandlerConfig{})
	srv := httptest.NewServer(h)
	defer srv.Close()

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	require.NoError(t, err)
	defer conn.Close()

	read(t, conn)
	assert.Equal(t, 1, em.Stats().Subscribers)
	em.Close()

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	_, _, err = conn.ReadMessage()
	assert.True(t, websocket.IsCloseError(err, websocket.CloseGoingAway), "unexpected error: %v", err)

	assert.Eventually(t, func() bool { return h.Clients() == 0 }, 5*time.Second, 10*time.Millisecond)
}

func TestFeed_UnsubscribesOnClientClose(t *testing.T) {
	em := emitter.New(emitter.DefaultConfig(), seqid.New())
	defer em.Close()

	conn := dial(t, em)
	read(t, conn)
	require.Equal(t, 1, em.Stats().Subscribers)

	require.NoError(t, conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")))
	assert.Eventually(t, func() bool { return em.Stats().Subscribers == 0 }, 5*time.Second, 10*time.Millisecond)
}
