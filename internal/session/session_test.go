package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/loqalabs/loqa-yomiage/internal/config"
	"github.com/loqalabs/loqa-yomiage/internal/guildconfig"
	"github.com/loqalabs/loqa-yomiage/internal/tts"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func audioFor(text string) string {
	return fmt.Sprintf("%d:%s", tts.DefaultSpeakerID, text)
}

func TestPlaybackFollowsEnqueueOrder(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	require.NoError(t, h.coord.OnJoinCommand(ctx, "g1", "v1", "t1"))
	h.waitState(t, "g1", Ready)

	var want []string
	for i := 0; i < 10; i++ {
		text := fmt.Sprintf("message %d", i)
		require.True(t, h.say(t, "g1", "t1", text))
		want = append(want, audioFor(text))
	}

	require.Eventually(t, func() bool { return len(h.transport.played()) == len(want) },
		2*time.Second, 5*time.Millisecond)
	assert.Equal(t, want, h.transport.played())
}

func TestNoOverlappingPlayback(t *testing.T) {
	h := newHarness(t)
	h.transport.playDelay = 2 * time.Millisecond
	ctx := context.Background()

	require.NoError(t, h.coord.OnJoinCommand(ctx, "g1", "v1", "t1"))
	h.waitState(t, "g1", Ready)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			for j := 0; j < 5; j++ {
				h.say(t, "g1", "t1", fmt.Sprintf("m%d-%d", i, j))
			}
		}(i)
	}
	wg.Wait()

	require.Eventually(t, func() bool { return len(h.transport.played()) == 40 },
		5*time.Second, 5*time.Millisecond)
	assert.EqualValues(t, 1, h.window.max.Load(), "utterances overlapped")
}

func TestGuildsDoNotShareQueues(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	require.NoError(t, h.coord.OnJoinCommand(ctx, "g1", "v1", "t1"))
	require.NoError(t, h.coord.OnJoinCommand(ctx, "g2", "v2", "t2"))
	h.waitState(t, "g1", Ready)
	h.waitState(t, "g2", Ready)

	require.True(t, h.say(t, "g1", "t1", "first guild"))
	require.False(t, h.say(t, "g2", "t1", "wrong channel"))
	require.True(t, h.say(t, "g2", "t2", "second guild"))

	require.Eventually(t, func() bool { return len(h.transport.played()) == 2 },
		2*time.Second, 5*time.Millisecond)
	assert.ElementsMatch(t, []string{audioFor("first guild"), audioFor("second guild")}, h.transport.played())
}

func TestGreetingOnConnect(t *testing.T) {
	h := newHarness(t, withAnnounce(config.AnnounceConfig{Connected: "connected", AutoConnected: "auto"}))
	require.NoError(t, h.coord.OnJoinCommand(context.Background(), "g1", "v1", "t1"))

	require.Eventually(t, func() bool { return len(h.transport.played()) == 1 },
		2*time.Second, 5*time.Millisecond)
	assert.Equal(t, audioFor("connected"), h.transport.played()[0])
}

func TestConnectThenImmediateDisconnect(t *testing.T) {
	h := newHarness(t)
	h.transport.gate = make(chan struct{})
	ctx := context.Background()

	require.NoError(t, h.coord.OnJoinCommand(ctx, "g1", "v1", "t1"))
	assert.Equal(t, Connecting, h.state("g1"))
	assert.False(t, h.say(t, "g1", "t1", "too early"))

	require.NoError(t, h.coord.OnLeaveCommand(ctx, "g1"))
	assert.Equal(t, Disconnected, h.state("g1"))
	close(h.transport.gate)

	assert.Never(t, func() bool { return h.state("g1") != Disconnected },
		100*time.Millisecond, 5*time.Millisecond)
	snap, ok := h.coord.Status("g1")
	require.True(t, ok)
	assert.Zero(t, snap.QueueLength)
	assert.Empty(t, snap.VoiceChannelID)

	states := h.recorder.ofType(EventStateChanged)
	require.Len(t, states, 2)
	assert.Equal(t, "connecting", states[0].Detail["to"])
	assert.Equal(t, "disconnected", states[1].Detail["to"])
}

func TestLateConnectionIsClosed(t *testing.T) {
	h := newHarness(t)
	h.transport.gate = make(chan struct{})
	h.transport.ignoreCtx = true
	ctx := context.Background()

	require.NoError(t, h.coord.OnJoinCommand(ctx, "g1", "v1", "t1"))
	require.NoError(t, h.coord.OnLeaveCommand(ctx, "g1"))
	close(h.transport.gate)

	require.Eventually(t, func() bool {
		conns := h.transport.connections()
		return len(conns) == 1 && conns[0].disconnects.Load() == 1
	}, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, Disconnected, h.state("g1"))
}

func TestConnectFailureReturnsToDisconnected(t *testing.T) {
	h := newHarness(t)
	h.transport.fail = errors.New("voice gateway unavailable")

	require.NoError(t, h.coord.OnJoinCommand(context.Background(), "g1", "v1", "t1"))
	require.Eventually(t, func() bool {
		return len(h.recorder.ofType(EventStateChanged)) == 2
	}, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, Disconnected, h.state("g1"))
	assert.False(t, h.say(t, "g1", "t1", "hello"))
}

func TestLeaveWhenIdleIsNoop(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	require.NoError(t, h.coord.OnLeaveCommand(ctx, "unknown"))

	require.NoError(t, h.coord.OnJoinCommand(ctx, "g1", "v1", "t1"))
	h.waitState(t, "g1", Ready)
	require.NoError(t, h.coord.OnLeaveCommand(ctx, "g1"))
	require.NoError(t, h.coord.OnLeaveCommand(ctx, "g1"))

	conns := h.transport.connections()
	require.Len(t, conns, 1)
	assert.EqualValues(t, 1, conns[0].disconnects.Load())
}

func TestJoinRequiresVoiceChannel(t *testing.T) {
	h := newHarness(t)
	err := h.coord.OnJoinCommand(context.Background(), "g1", "", "t1")
	require.ErrorIs(t, err, ErrInvalidCommand)
	_, ok := h.coord.Status("g1")
	assert.False(t, ok)
}

func TestJoinSameChannelIsIdempotent(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	require.NoError(t, h.coord.OnJoinCommand(ctx, "g1", "v1", "t1"))
	h.waitState(t, "g1", Ready)
	require.NoError(t, h.coord.OnJoinCommand(ctx, "g1", "v1", "t2"))

	assert.Equal(t, 1, h.transport.connectCount())
	snap, _ := h.coord.Status("g1")
	assert.Equal(t, "t2", snap.TextChannelID)
}

func TestReconnectMidPlayback(t *testing.T) {
	h := newHarness(t)
	h.transport.playDelay = time.Second
	ctx := context.Background()

	require.NoError(t, h.coord.OnJoinCommand(ctx, "g1", "v1", "t1"))
	h.waitState(t, "g1", Ready)
	require.True(t, h.say(t, "g1", "t1", "first"))
	require.True(t, h.say(t, "g1", "t1", "second"))
	require.Eventually(t, func() bool {
		snap, _ := h.coord.Status("g1")
		return snap.Playing && snap.QueueLength == 1
	}, 2*time.Second, 5*time.Millisecond)

	require.NoError(t, h.coord.OnJoinCommand(ctx, "g1", "v2", "t2"))
	h.waitState(t, "g1", Ready)

	snap, _ := h.coord.Status("g1")
	assert.Equal(t, "v2", snap.VoiceChannelID)
	assert.Zero(t, snap.QueueLength)

	conns := h.transport.connections()
	require.Len(t, conns, 2)
	require.Eventually(t, func() bool { return conns[0].cancelled.Load() == 1 },
		2*time.Second, 5*time.Millisecond)
	assert.EqualValues(t, 1, conns[0].disconnects.Load())
	assert.Never(t, func() bool {
		for _, p := range h.transport.played() {
			if p == audioFor("second") {
				return true
			}
		}
		return false
	}, 100*time.Millisecond, 5*time.Millisecond)
	assert.Equal(t, []string{audioFor("first")}, h.transport.played())
}

func TestSynthesisFailureSkipsUtterance(t *testing.T) {
	h := newHarness(t)
	h.synth.fail["broken"] = true
	ctx := context.Background()

	require.NoError(t, h.coord.OnJoinCommand(ctx, "g1", "v1", "t1"))
	h.waitState(t, "g1", Ready)
	require.True(t, h.say(t, "g1", "t1", "before"))
	require.True(t, h.say(t, "g1", "t1", "broken"))
	require.True(t, h.say(t, "g1", "t1", "after"))

	require.Eventually(t, func() bool { return len(h.transport.played()) == 2 },
		2*time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{audioFor("before"), audioFor("after")}, h.transport.played())
	dropped := h.recorder.ofType(EventUtteranceDropped)
	require.Len(t, dropped, 1)
	assert.Equal(t, dropSynthesis, dropped[0].Detail["reason"])
}

func TestTextGating(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	assert.False(t, h.say(t, "g1", "t1", "no session yet"))

	require.NoError(t, h.coord.OnJoinCommand(ctx, "g1", "v1", "t1"))
	h.waitState(t, "g1", Ready)

	assert.False(t, h.say(t, "g1", "other", "wrong channel"))
	assert.False(t, h.say(t, "g1", "t1", "see https://example.com"))
	assert.False(t, h.say(t, "g1", "t1", ""))
	assert.False(t, h.coord.OnTextEvent(ctx, TextEvent{GuildID: "g1", ChannelID: "t1", AuthorIsBot: true, Text: "beep"}))

	require.NoError(t, h.store.SetTextChannelBinding(ctx, "g1", "bound"))
	assert.True(t, h.say(t, "g1", "bound", "from the bound channel"))
}

func TestVoiceParamChangeAppliesToLaterUtterances(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	require.NoError(t, h.coord.OnJoinCommand(ctx, "g1", "v1", "t1"))
	h.waitState(t, "g1", Ready)
	require.True(t, h.say(t, "g1", "t1", "default voice"))
	require.Eventually(t, func() bool { return len(h.transport.played()) == 1 },
		2*time.Second, 5*time.Millisecond)

	require.NoError(t, h.coord.OnVoiceParamChange(ctx, "g1", tts.ParamSpeakerID, 42))
	require.True(t, h.say(t, "g1", "t1", "new voice"))
	require.Eventually(t, func() bool { return len(h.transport.played()) == 2 },
		2*time.Second, 5*time.Millisecond)
	assert.Equal(t, "42:new voice", h.transport.played()[1])

	err := h.coord.OnVoiceParamChange(ctx, "g1", tts.ParamVolume, 5)
	require.ErrorIs(t, err, ErrInvalidCommand)
}

func TestSessionLoadsStoredVoiceParams(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	params := tts.DefaultVoiceParams()
	params.SpeakerID = 7
	require.NoError(t, h.store.SetVoiceParams(ctx, "g1", params))

	require.NoError(t, h.coord.OnJoinCommand(ctx, "g1", "v1", "t1"))
	h.waitState(t, "g1", Ready)
	require.True(t, h.say(t, "g1", "t1", "hi"))
	require.Eventually(t, func() bool { return len(h.transport.played()) == 1 },
		2*time.Second, 5*time.Millisecond)
	assert.Equal(t, "7:hi", h.transport.played()[0])
}

func TestRegistryConvergesOnOneSession(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	const workers = 32
	results := make([]*Session, workers)
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			s, err := h.coord.registry.GetOrCreate(ctx, "g1")
			if err == nil {
				results[i] = s
			}
		}(i)
	}
	wg.Wait()

	for _, s := range results {
		require.NotNil(t, s)
		assert.Same(t, results[0], s)
	}
	assert.Len(t, h.coord.Snapshots(), 1)
}

func TestSweepEvictsIdleSessions(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	require.NoError(t, h.coord.OnJoinCommand(ctx, "live", "v1", "t1"))
	h.waitState(t, "live", Ready)
	require.NoError(t, h.coord.OnPresenceEvent(ctx, PresenceEvent{
		GuildID: "idle", MemberID: "u1", NewChannelID: "v9", RemainingOccupancy: 1,
	}))
	_, ok := h.coord.Status("idle")
	require.True(t, ok)

	assert.Zero(t, h.coord.Sweep(time.Now()))
	assert.Equal(t, 1, h.coord.Sweep(time.Now().Add(time.Hour)))

	_, ok = h.coord.Status("idle")
	assert.False(t, ok)
	_, ok = h.coord.Status("live")
	assert.True(t, ok)

	// an evicted guild gets a fresh session on its next command
	require.NoError(t, h.coord.OnJoinCommand(ctx, "idle", "v9", "t9"))
	h.waitState(t, "idle", Ready)
}

func TestEvictedSessionRefusesWork(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	s, err := h.coord.registry.GetOrCreate(ctx, "g1")
	require.NoError(t, err)

	h.coord.Sweep(time.Now().Add(time.Hour))
	require.ErrorIs(t, s.Connect(ctx, "v1", "t1"), ErrSessionClosed)
	assert.False(t, s.Enqueue("x", "x"))
}

func TestCloseDisconnectsLiveSessions(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	require.NoError(t, h.coord.OnJoinCommand(ctx, "g1", "v1", "t1"))
	h.waitState(t, "g1", Ready)

	h.coord.Close(ctx)

	conns := h.transport.connections()
	require.Len(t, conns, 1)
	assert.EqualValues(t, 1, conns[0].disconnects.Load())
	require.ErrorIs(t, h.coord.OnJoinCommand(ctx, "g1", "v1", "t1"), ErrSessionClosed)
}

func TestClosedConnectionDisconnects(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	require.NoError(t, h.coord.OnJoinCommand(ctx, "g1", "v1", "t1"))
	h.waitState(t, "g1", Ready)
	conn := h.transport.connections()[0]
	conn.dead.Store(true)

	require.True(t, h.say(t, "g1", "t1", "into the void"))
	h.waitState(t, "g1", Disconnected)
	assert.EqualValues(t, 1, conn.disconnects.Load())
	assert.NotEmpty(t, h.recorder.ofType(EventUtteranceDropped))

	// A fresh join gets a working connection again.
	require.NoError(t, h.coord.OnJoinCommand(ctx, "g1", "v1", "t1"))
	h.waitState(t, "g1", Ready)
	assert.Len(t, h.transport.connections(), 2)
}
