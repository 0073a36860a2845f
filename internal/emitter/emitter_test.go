package emitter

import (
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"firestige.xyz/dpslens/internal/core"
	"firestige.xyz/dpslens/internal/metrics"
	"firestige.xyz/dpslens/internal/protocol"
	"firestige.xyz/dpslens/internal/seqid"
	"firestige.xyz/dpslens/internal/world"
)

var seen = time.Unix(1700000000, 0)

func player(base core.EntityID) core.RawIdentifier {
	return core.MakeRawIdentifier(base, core.PlayerMarker)
}

func monster(base core.EntityID) core.RawIdentifier {
	return core.MakeRawIdentifier(base, core.MonsterMarker)
}

func hit(uid uint64, attacker, target core.RawIdentifier) world.Hit {
	return world.Hit{
		Target: target,
		Damage: protocol.DamageRecord{UID: uid, Attacker: attacker, Value: 100},
	}
}

func newTestEmitter(cfg Config) *Emitter {
	var tick int64
	alloc := seqid.NewWithSource(func() int64 { return tick })
	return New(cfg, alloc)
}

func drain(s *Subscription) []core.CombatEvent {
	var out []core.CombatEvent
	for {
		select {
		case ev, ok := <-s.Events():
			if !ok {
				return out
			}
			out = append(out, ev)
		default:
			return out
		}
	}
}

func TestEmitter_PublishBuildsEvents(t *testing.T) {
	e := newTestEmitter(DefaultConfig())
	sub := e.Subscribe("test")

	heal := world.Hit{
		Target: player(2),
		Damage: protocol.DamageRecord{UID: 2, Attacker: player(3), Type: protocol.DamageHeal, Value: -40},
	}
	summon := world.Hit{
		Target: monster(9),
		Damage: protocol.DamageRecord{UID: 3, Attacker: monster(500), TopSummoner: player(1), Value: 7, Critical: true, Dead: true, SkillID: 77},
	}
	miss := world.Hit{
		Target: monster(9),
		Damage: protocol.DamageRecord{UID: 4, Attacker: player(1), Type: protocol.DamageMiss},
	}

	n := e.Publish(core.ChannelToMe, []world.Hit{hit(1, player(1), monster(9)), heal, summon, miss}, seen)
	require.Equal(t, 4, n)

	evs := drain(sub)
	require.Len(t, evs, 4)

	assert.Equal(t, core.EventDamage, evs[0].Kind)
	assert.Equal(t, core.EntityID(1), evs[0].Source)
	assert.True(t, evs[0].SourcePlayer)
	assert.Equal(t, core.EntityID(9), evs[0].Target)
	assert.False(t, evs[0].TargetPlayer)
	assert.Equal(t, int64(100), evs[0].Magnitude)
	assert.Equal(t, core.ChannelToMe, evs[0].Channel)
	assert.Equal(t, seen, evs[0].Timestamp)

	assert.Equal(t, core.EventHeal, evs[1].Kind)
	assert.Equal(t, int64(40), evs[1].Magnitude)
	assert.True(t, evs[1].TargetPlayer)

	assert.Equal(t, core.EntityID(1), evs[2].Source, "summon credited to owner")
	assert.True(t, evs[2].SourcePlayer)
	assert.True(t, evs[2].Critical)
	assert.True(t, evs[2].Lethal)
	assert.Equal(t, uint32(77), evs[2].SkillID)

	assert.Equal(t, core.EventOther, evs[3].Kind)

	for i := 1; i < len(evs); i++ {
		assert.Equal(t, evs[i-1].Seq+1, evs[i].Seq)
	}
}

func TestEmitter_DedupesAcrossChannels(t *testing.T) {
	e := newTestEmitter(DefaultConfig())
	sub := e.Subscribe("test")

	h := hit(10, player(1), monster(2))
	assert.Equal(t, 1, e.Publish(core.ChannelNear, []world.Hit{h}, seen))
	assert.Equal(t, 0, e.Publish(core.ChannelToMe, []world.Hit{h}, seen))

	// Same uid against another target is a different hit.
	assert.Equal(t, 1, e.Publish(core.ChannelToMe, []world.Hit{hit(10, player(1), monster(3))}, seen))

	assert.Len(t, drain(sub), 2)
	st := e.Stats()
	assert.Equal(t, uint64(2), st.Published)
	assert.Equal(t, uint64(1), st.Duplicates)
}

func TestEmitter_DedupeDisabled(t *testing.T) {
	cfg := DefaultConfig()
	cfg.DedupeWindow = 0
	e := newTestEmitter(cfg)

	h := hit(10, player(1), monster(2))
	assert.Equal(t, 2, e.Publish(core.ChannelNear, []world.Hit{h, h}, seen))
}

func TestEmitter_BackpressureDropsOldest(t *testing.T) {
	cfg := Config{QueueSize: 2, BackpressureTimeout: time.Millisecond}
	reg := prometheus.NewRegistry()
	m := metrics.NewCollector(reg)
	e := New(cfg, seqid.New(), WithMetrics(m))
	sub := e.Subscribe("slow")

	hits := make([]world.Hit, 5)
	for i := range hits {
		hits[i] = hit(uint64(i+1), player(1), monster(2))
	}

	start := time.Now()
	e.Publish(core.ChannelNear, hits, seen)
	// One bounded wait per publish, not one per event.
	assert.Less(t, time.Since(start), 500*time.Millisecond)

	evs := drain(sub)
	require.Len(t, evs, 2)
	assert.Less(t, evs[0].Seq, evs[1].Seq)
	assert.Equal(t, uint64(3), sub.Dropped())
	assert.Equal(t, uint64(3), e.Stats().Dropped)
	assert.Equal(t, 3.0, testutil.ToFloat64(m.SubscriberDropsTotal.WithLabelValues("slow")))

	// The survivors are the two newest events.
	last, ok := e.alloc.Last()
	require.True(t, ok)
	assert.Equal(t, last, evs[1].Seq)
}

func TestEmitter_SlowSubscriberDoesNotStarveOthers(t *testing.T) {
	e := newTestEmitter(Config{QueueSize: 1, BackpressureTimeout: time.Millisecond})
	slow := e.Subscribe("slow")
	fast := e.Subscribe("fast")

	var got []core.CombatEvent
	for i := 0; i < 3; i++ {
		e.Publish(core.ChannelNear, []world.Hit{hit(uint64(i), player(1), monster(2))}, seen)
		got = append(got, drain(fast)...)
	}

	assert.Len(t, got, 3)
	assert.Len(t, drain(slow), 1)
	assert.Equal(t, uint64(2), slow.Dropped())
	assert.Zero(t, fast.Dropped())
}

func TestEmitter_SnapshotMailboxLatestWins(t *testing.T) {
	e := newTestEmitter(DefaultConfig())
	sub := e.Subscribe("ui")

	syncer := world.NewSynchronizer()
	first := syncer.ApplyFullSync(protocol.FullSync{Seq: 1}, seen)
	second := syncer.ApplyFullSync(protocol.FullSync{Seq: 2, Entities: []protocol.EntityRecord{{UUID: monster(1)}}}, seen)

	e.PublishSnapshot(first)
	e.PublishSnapshot(second)

	got := <-sub.Snapshots()
	assert.Same(t, second, got)
	select {
	case extra := <-sub.Snapshots():
		t.Fatalf("unexpected snapshot version %d", extra.Version())
	default:
	}

	// Late subscribers start from the latest snapshot.
	late := e.Subscribe("late")
	assert.Same(t, second, <-late.Snapshots())
	assert.Same(t, second, e.Snapshot())
}

func TestEmitter_ConcurrentPublishOrdered(t *testing.T) {
	e := New(Config{QueueSize: 10000, BackpressureTimeout: time.Second}, seqid.New())
	sub := e.Subscribe("all")

	var wg sync.WaitGroup
	for w := 0; w < 4; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < 250; i++ {
				uid := uint64(w*1000 + i)
				e.Publish(core.ChannelNear, []world.Hit{hit(uid, player(1), monster(2))}, seen)
			}
		}(w)
	}
	wg.Wait()

	evs := drain(sub)
	require.Len(t, evs, 1000)
	for i := 1; i < len(evs); i++ {
		require.Less(t, evs[i-1].Seq, evs[i].Seq, "event %d", i)
	}
}

func TestEmitter_UnsubscribeAndClose(t *testing.T) {
	e := newTestEmitter(DefaultConfig())
	a := e.Subscribe("a")
	b := e.Subscribe("b")
	assert.Equal(t, 2, e.Stats().Subscribers)

	a.Unsubscribe()
	_, ok := <-a.Events()
	assert.False(t, ok)
	assert.Equal(t, 1, e.Stats().Subscribers)

	e.Close()
	_, ok = <-b.Events()
	assert.False(t, ok)
	_, ok = <-b.Snapshots()
	assert.False(t, ok)

	assert.Zero(t, e.Publish(core.ChannelNear, []world.Hit{hit(1, player(1), monster(1))}, seen))

	c := e.Subscribe("after-close")
	_, ok = <-c.Events()
	assert.False(t, ok)
	e.Close()
}
