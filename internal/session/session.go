package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/loqalabs/loqa-yomiage/internal/config"
	"github.com/loqalabs/loqa-yomiage/internal/tts"
	"github.com/loqalabs/loqa-yomiage/internal/voice"
	"go.opentelemetry.io/otel/trace"
)

// env is shared by every session of a coordinator.
type env struct {
	transport      voice.Transport
	synth          tts.Synthesizer
	store          ConfigReader
	channels       ChannelChecker
	recorder       Recorder
	metrics        *metrics
	tracer         trace.Tracer
	announce       config.AnnounceConfig
	connectTimeout time.Duration
	synthTimeout   time.Duration
	now            func() time.Time
}

// Session owns the state of one guild. Lifecycle operations run one at a time
// on the session's actor goroutine in submission order; the drain goroutine is
// the only consumer of the queue.
type Session struct {
	guildID string
	env     *env
	log     *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	inbox  chan func()
	wake   chan struct{}
	wg     sync.WaitGroup

	mu            sync.Mutex
	state         State
	voiceChannel  string
	textChannel   string
	conn          voice.Connection
	epoch         uint64
	cancelConnect context.CancelFunc
	queue         []Utterance
	active        *Utterance
	stopPlayback  context.CancelFunc
	params        tts.VoiceParams
	pending       int
	lastActive    time.Time
	closed        bool
}

func newSession(parent context.Context, guildID string, params tts.VoiceParams, env *env, log *slog.Logger) *Session {
	ctx, cancel := context.WithCancel(parent)
	s := &Session{
		guildID:    guildID,
		env:        env,
		log:        log.With(slog.String("guild_id", guildID)),
		ctx:        ctx,
		cancel:     cancel,
		inbox:      make(chan func()),
		wake:       make(chan struct{}, 1),
		params:     params,
		lastActive: env.now(),
	}
	s.wg.Add(2)
	go s.run()
	go s.drain()
	return s
}

func (s *Session) GuildID() string { return s.guildID }

func (s *Session) run() {
	defer s.wg.Done()
	for {
		select {
		case <-s.ctx.Done():
			return
		case op := <-s.inbox:
			op()
		}
	}
}

// submit runs fn on the actor and waits for its result. Once accepted, fn runs
// to completion even if ctx expires first.
func (s *Session) submit(ctx context.Context, fn func(ctx context.Context) error) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrSessionClosed
	}
	s.pending++
	s.mu.Unlock()

	done := make(chan error, 1)
	op := func() {
		err := fn(s.ctx)
		s.mu.Lock()
		s.pending--
		s.lastActive = s.env.now()
		s.mu.Unlock()
		done <- err
	}

	select {
	case s.inbox <- op:
	case <-ctx.Done():
		s.release()
		return ctx.Err()
	case <-s.ctx.Done():
		s.release()
		return ErrSessionClosed
	}

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-s.ctx.Done():
		return ErrSessionClosed
	}
}

func (s *Session) release() {
	s.mu.Lock()
	s.pending--
	s.mu.Unlock()
}

// Connect joins voiceChannelID, tearing down any connection to another channel
// first. It returns once the session is Connecting; the outcome of the
// transport connect arrives asynchronously.
func (s *Session) Connect(ctx context.Context, voiceChannelID, textChannelID string) error {
	return s.submit(ctx, func(context.Context) error {
		return s.connect(voiceChannelID, textChannelID, s.env.announce.Connected)
	})
}

// Disconnect leaves the voice channel. Disconnecting an idle session is a
// successful no-op.
func (s *Session) Disconnect(ctx context.Context) error {
	return s.submit(ctx, func(context.Context) error {
		s.disconnect("command")
		return nil
	})
}

// Reconcile applies one presence event.
func (s *Session) Reconcile(ctx context.Context, ev PresenceEvent) error {
	return s.submit(ctx, func(opCtx context.Context) error {
		s.reconcile(opCtx, ev)
		return nil
	})
}

// FollowSelf applies a change to the bot's own voice state made outside the
// session, such as being moved or kicked from the channel.
func (s *Session) FollowSelf(ctx context.Context, ev PresenceEvent) error {
	return s.submit(ctx, func(context.Context) error {
		s.followSelf(ev)
		return nil
	})
}

func (s *Session) followSelf(ev PresenceEvent) {
	s.mu.Lock()
	state, current := s.state, s.voiceChannel
	s.mu.Unlock()
	// Only changes away from the live channel matter; echoes of our own
	// joins and leaves of earlier channels are ignored.
	if state != Ready || ev.PreviousChannelID != current || ev.NewChannelID == current {
		return
	}
	if ev.NewChannelID == "" {
		s.disconnect("transport lost")
		return
	}
	s.mu.Lock()
	s.voiceChannel = ev.NewChannelID
	s.mu.Unlock()
	s.log.Info("voice channel moved",
		slog.String("from", current),
		slog.String("to", ev.NewChannelID))
}

// connectionLost disconnects after the live connection of generation ep
// failed underneath the session.
func (s *Session) connectionLost(ep uint64) {
	err := s.submit(s.ctx, func(context.Context) error {
		s.mu.Lock()
		live := s.epoch == ep && s.state == Ready
		s.mu.Unlock()
		if live {
			s.disconnect("transport lost")
		}
		return nil
	})
	if err != nil && !errors.Is(err, ErrSessionClosed) && !errors.Is(err, context.Canceled) {
		s.log.Warn("failed to record lost connection", slogError(err))
	}
}

func (s *Session) connect(voiceChannelID, textChannelID, greeting string) error {
	if voiceChannelID == "" {
		return fmt.Errorf("%w: voice channel required", ErrInvalidCommand)
	}
	if textChannelID == "" {
		textChannelID = voiceChannelID
	}

	s.mu.Lock()
	if (s.state == Ready || s.state == Connecting) && s.voiceChannel == voiceChannelID {
		s.textChannel = textChannelID
		s.mu.Unlock()
		return nil
	}
	from := s.state
	old, dropped := s.detachLocked()
	s.mu.Unlock()

	if old != nil {
		s.recordState(from, Disconnecting, "reconnect")
		s.closeConn(old)
		from = Disconnecting
	}
	s.env.metrics.drop(s.ctx, dropDisconnect, dropped)

	s.mu.Lock()
	s.voiceChannel = voiceChannelID
	s.textChannel = textChannelID
	s.state = Connecting
	ep := s.epoch
	connectCtx, cancel := context.WithTimeout(s.ctx, s.env.connectTimeout)
	s.cancelConnect = cancel
	s.mu.Unlock()

	s.log.Info("connecting voice",
		slog.String("voice_channel_id", voiceChannelID),
		slog.String("text_channel_id", textChannelID))
	s.recordState(from, Connecting, "")

	s.wg.Add(1)
	go s.establish(connectCtx, cancel, ep, voiceChannelID, greeting)
	return nil
}

func (s *Session) establish(ctx context.Context, cancel context.CancelFunc, ep uint64, channelID, greeting string) {
	defer s.wg.Done()
	defer cancel()
	conn, err := s.env.transport.Connect(ctx, s.guildID, channelID)
	op := func() { s.established(ep, conn, err, greeting) }
	select {
	case s.inbox <- op:
	case <-s.ctx.Done():
		s.closeConn(conn)
	}
}

func (s *Session) established(ep uint64, conn voice.Connection, err error, greeting string) {
	s.mu.Lock()
	if ep != s.epoch || s.state != Connecting {
		s.mu.Unlock()
		if conn != nil {
			s.log.Debug("closing stale voice connection", slog.String("channel_id", conn.ChannelID()))
			s.closeConn(conn)
		}
		return
	}
	s.cancelConnect = nil
	if err != nil {
		dropped := len(s.queue)
		s.queue = nil
		s.voiceChannel = ""
		s.textChannel = ""
		s.state = Disconnected
		s.mu.Unlock()
		s.log.Warn("voice connect failed", slogError(err))
		s.env.metrics.drop(s.ctx, dropDisconnect, dropped)
		s.recordState(Connecting, Disconnected, err.Error())
		return
	}
	s.conn = conn
	s.state = Ready
	queued := greeting != "" && s.enqueueLocked(greeting, greeting)
	s.mu.Unlock()

	s.log.Info("voice ready", slog.String("voice_channel_id", conn.ChannelID()))
	s.recordState(Connecting, Ready, "")
	if queued {
		s.signal()
	}
}

func (s *Session) disconnect(reason string) {
	s.mu.Lock()
	if s.state == Disconnected || s.state == Disconnecting {
		s.mu.Unlock()
		return
	}
	from := s.state
	old, dropped := s.detachLocked()
	s.voiceChannel = ""
	s.textChannel = ""
	s.mu.Unlock()

	if old != nil {
		s.recordState(from, Disconnecting, reason)
		s.closeConn(old)
		from = Disconnecting
	}

	s.mu.Lock()
	s.state = Disconnected
	s.lastActive = s.env.now()
	s.mu.Unlock()

	s.log.Info("voice disconnected", slog.String("reason", reason), slog.Int("dropped", dropped))
	s.env.metrics.drop(s.ctx, dropDisconnect, dropped)
	s.recordState(from, Disconnected, reason)
}

// detachLocked starts a new connection generation: pending connects become
// stale, playback is cancelled and queued utterances are discarded. The
// previous connection, if any, is returned for the caller to close.
func (s *Session) detachLocked() (voice.Connection, int) {
	s.epoch++
	if s.cancelConnect != nil {
		s.cancelConnect()
		s.cancelConnect = nil
	}
	if s.stopPlayback != nil {
		s.stopPlayback()
		s.stopPlayback = nil
	}
	dropped := len(s.queue)
	s.queue = nil
	s.active = nil
	old := s.conn
	s.conn = nil
	if old != nil {
		s.state = Disconnecting
	} else {
		s.state = Disconnected
	}
	return old, dropped
}

func (s *Session) closeConn(conn voice.Connection) {
	if conn == nil {
		return
	}
	if err := conn.Disconnect(); err != nil {
		s.log.Warn("voice disconnect failed", slogError(err))
	}
}

// Enqueue appends an utterance while the session is Ready and reports whether
// it was accepted. Text arriving in any other state is dropped.
func (s *Session) Enqueue(rawText, text string) bool {
	s.mu.Lock()
	ok := s.enqueueLocked(rawText, text)
	s.mu.Unlock()
	if ok {
		s.signal()
	}
	return ok
}

func (s *Session) enqueueLocked(rawText, text string) bool {
	if s.closed || s.state != Ready {
		return false
	}
	now := s.env.now()
	s.queue = append(s.queue, Utterance{
		ID:         uuid.NewString(),
		RawText:    rawText,
		Text:       text,
		EnqueuedAt: now,
	})
	s.lastActive = now
	s.env.metrics.enqueue(s.ctx)
	return true
}

func (s *Session) signal() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// SetParam updates one voice parameter. Utterances claimed afterwards use the
// new value.
func (s *Session) SetParam(name string, value float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	params := s.params
	if err := params.Set(name, value); err != nil {
		return err
	}
	s.params = params
	return nil
}

// SetParams replaces every voice parameter.
func (s *Session) SetParams(params tts.VoiceParams) {
	s.mu.Lock()
	s.params = params
	s.mu.Unlock()
}

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// TextChannel is the channel whose messages are read aloud.
func (s *Session) TextChannel() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.textChannel
}

func (s *Session) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Snapshot{
		GuildID:        s.guildID,
		State:          s.state.String(),
		VoiceChannelID: s.voiceChannel,
		TextChannelID:  s.textChannel,
		QueueLength:    len(s.queue),
		Playing:        s.active != nil,
		Params:         s.params,
		LastActive:     s.lastActive,
	}
}

// retireIfIdle marks the session closed when it has been disconnected with no
// queued or pending work for at least idle.
func (s *Session) retireIfIdle(now time.Time, idle time.Duration) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || s.state != Disconnected || len(s.queue) > 0 || s.active != nil || s.pending > 0 {
		return false
	}
	if now.Sub(s.lastActive) < idle {
		return false
	}
	s.closed = true
	return true
}

// shutdown stops the session's goroutines, closing any live connection.
func (s *Session) shutdown() {
	s.mu.Lock()
	s.closed = true
	from := s.state
	old, _ := s.detachLocked()
	s.state = Disconnected
	s.mu.Unlock()

	s.closeConn(old)
	s.cancel()
	s.wg.Wait()
	if from != Disconnected {
		s.recordState(from, Disconnected, "shutdown")
	}
}

func (s *Session) recordState(from, to State, detail string) {
	if s.env.recorder == nil {
		return
	}
	fields := map[string]string{"from": from.String(), "to": to.String()}
	if detail != "" {
		fields["detail"] = detail
	}
	s.env.recorder.Record(Event{
		GuildID: s.guildID,
		Type:    EventStateChanged,
		Detail:  fields,
		At:      s.env.now(),
	})
}

func (s *Session) recordUtterance(eventType string, u Utterance, reason string) {
	if s.env.recorder == nil {
		return
	}
	fields := map[string]string{"utterance_id": u.ID, "text": u.Text}
	if reason != "" {
		fields["reason"] = reason
	}
	s.env.recorder.Record(Event{
		GuildID: s.guildID,
		Type:    eventType,
		Detail:  fields,
		At:      s.env.now(),
	})
}
