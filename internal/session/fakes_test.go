package session

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/loqalabs/loqa-yomiage/internal/config"
	"github.com/loqalabs/loqa-yomiage/internal/guildconfig"
	"github.com/loqalabs/loqa-yomiage/internal/tts"
	"github.com/loqalabs/loqa-yomiage/internal/voice"
	"github.com/stretchr/testify/require"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

// window tracks how many utterances are between synthesis start and playback
// end at the same time.
type window struct {
	active atomic.Int32
	max    atomic.Int32
}

func (w *window) begin() {
	n := w.active.Add(1)
	for {
		m := w.max.Load()
		if n <= m || w.max.CompareAndSwap(m, n) {
			return
		}
	}
}

func (w *window) end() { w.active.Add(-1) }

type fakeSynth struct {
	window *window
	fail   map[string]bool
}

func (s *fakeSynth) Synthesize(ctx context.Context, text string, params tts.VoiceParams) ([]byte, error) {
	s.window.begin()
	if s.fail[text] {
		s.window.end()
		return nil, fmt.Errorf("%w: rejected", tts.ErrBadRequest)
	}
	return []byte(fmt.Sprintf("%d:%s", params.SpeakerID, text)), nil
}

type fakeTransport struct {
	window    *window
	playDelay time.Duration
	// gate, when set, holds Connect until closed.
	gate chan struct{}
	// ignoreCtx makes a gated Connect succeed even after cancellation.
	ignoreCtx bool
	fail      error

	mu       sync.Mutex
	connects []string
	conns    []*fakeConn
	plays    []string
}

func newFakeTransport(w *window) *fakeTransport {
	return &fakeTransport{window: w}
}

func (t *fakeTransport) Connect(ctx context.Context, guildID, channelID string) (voice.Connection, error) {
	t.mu.Lock()
	t.connects = append(t.connects, channelID)
	gate := t.gate
	t.mu.Unlock()

	if gate != nil {
		if t.ignoreCtx {
			<-gate
		} else {
			select {
			case <-gate:
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}
	}
	if t.fail != nil {
		return nil, t.fail
	}
	conn := &fakeConn{transport: t, channelID: channelID}
	t.mu.Lock()
	t.conns = append(t.conns, conn)
	t.mu.Unlock()
	return conn, nil
}

func (t *fakeTransport) connectCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.connects)
}

func (t *fakeTransport) played() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]string(nil), t.plays...)
}

func (t *fakeTransport) connections() []*fakeConn {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]*fakeConn(nil), t.conns...)
}

type fakeConn struct {
	transport *fakeTransport
	channelID string

	disconnects atomic.Int32
	cancelled   atomic.Int32
	// dead makes Play fail as if the voice link went away.
	dead atomic.Bool
}

func (c *fakeConn) ChannelID() string { return c.channelID }

func (c *fakeConn) Play(ctx context.Context, audio []byte) error {
	defer c.transport.window.end()
	if c.dead.Load() {
		return voice.ErrClosed
	}
	c.transport.mu.Lock()
	c.transport.plays = append(c.transport.plays, string(audio))
	c.transport.mu.Unlock()

	if c.transport.playDelay <= 0 {
		return nil
	}
	select {
	case <-ctx.Done():
		c.cancelled.Add(1)
		return ctx.Err()
	case <-time.After(c.transport.playDelay):
		return nil
	}
}

func (c *fakeConn) Disconnect() error {
	c.disconnects.Add(1)
	return nil
}

type fakeChannels struct {
	missing map[string]bool
}

func (f fakeChannels) ChannelExists(_ context.Context, _, channelID string) (bool, error) {
	return !f.missing[channelID], nil
}

type memoryRecorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *memoryRecorder) Record(evt Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, evt)
}

func (r *memoryRecorder) ofType(eventType string) []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Event
	for _, e := range r.events {
		if e.Type == eventType {
			out = append(out, e)
		}
	}
	return out
}

type harness struct {
	coord     *Coordinator
	transport *fakeTransport
	synth     *fakeSynth
	store     guildconfig.Store
	recorder  *memoryRecorder
	window    *window
}

type harnessOption func(*config.SessionsConfig, *Deps)

func withAnnounce(a config.AnnounceConfig) harnessOption {
	return func(cfg *config.SessionsConfig, _ *Deps) { cfg.Announce = a }
}

func withChannels(c ChannelChecker) harnessOption {
	return func(_ *config.SessionsConfig, d *Deps) { d.Channels = c }
}

func newHarness(t *testing.T, opts ...harnessOption) *harness {
	t.Helper()
	w := &window{}
	h := &harness{
		transport: newFakeTransport(w),
		synth:     &fakeSynth{window: w, fail: map[string]bool{}},
		store:     guildconfig.NewMemoryStore(),
		recorder:  &memoryRecorder{},
		window:    w,
	}
	cfg := config.SessionsConfig{
		IdleTimeoutMS:    1000,
		SweepIntervalMS:  1000,
		ConnectTimeoutMS: 2000,
		SynthTimeoutMS:   2000,
	}
	deps := Deps{
		Transport: h.transport,
		Synth:     h.synth,
		Store:     h.store,
		Recorder:  h.recorder,
	}
	for _, opt := range opts {
		opt(&cfg, &deps)
	}
	coord, err := New(context.Background(), cfg, deps, newLogger())
	require.NoError(t, err)
	h.coord = coord
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		coord.Close(ctx)
	})
	return h
}

func (h *harness) state(guildID string) State {
	s := h.coord.registry.Get(guildID)
	if s == nil {
		return Disconnected
	}
	return s.State()
}

func (h *harness) waitState(t *testing.T, guildID string, want State) {
	t.Helper()
	require.Eventually(t, func() bool { return h.state(guildID) == want },
		2*time.Second, 5*time.Millisecond, "guild %s never reached %s", guildID, want)
}

func (h *harness) say(t *testing.T, guildID, channelID, text string) bool {
	t.Helper()
	return h.coord.OnTextEvent(context.Background(), TextEvent{
		GuildID:   guildID,
		ChannelID: channelID,
		AuthorID:  "member",
		Text:      text,
	})
}
