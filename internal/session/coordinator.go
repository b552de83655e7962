package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/loqalabs/loqa-yomiage/internal/config"
	"github.com/loqalabs/loqa-yomiage/internal/filter"
	"github.com/loqalabs/loqa-yomiage/internal/tts"
	"github.com/loqalabs/loqa-yomiage/internal/voice"
	"go.opentelemetry.io/otel"
)

// Deps are the collaborators shared by every session. Channels and Recorder
// are optional; a zero Filter applies the default limits.
type Deps struct {
	Transport voice.Transport
	Synth     tts.Synthesizer
	Store     ConfigReader
	Filter    filter.Filter
	Channels  ChannelChecker
	Recorder  Recorder
}

// Coordinator routes guild events to their sessions.
type Coordinator struct {
	cfg       config.SessionsConfig
	env       *env
	filter    filter.Filter
	registry  *Registry
	logger    *slog.Logger
	ctx       context.Context
	cancel    context.CancelFunc
	closeOnce sync.Once
}

func New(parent context.Context, cfg config.SessionsConfig, deps Deps, logger *slog.Logger) (*Coordinator, error) {
	if deps.Transport == nil || deps.Synth == nil || deps.Store == nil {
		return nil, errors.New("session: transport, synthesizer and store are required")
	}
	logger = logger.With(slog.String("component", "session-coordinator"))
	ctx, cancel := context.WithCancel(parent)
	c := &Coordinator{
		cfg:    cfg,
		filter: deps.Filter,
		logger: logger,
		ctx:    ctx,
		cancel: cancel,
	}
	c.env = &env{
		transport:      deps.Transport,
		synth:          deps.Synth,
		store:          deps.Store,
		channels:       deps.Channels,
		recorder:       deps.Recorder,
		tracer:         otel.Tracer(instrumentationName),
		announce:       cfg.Announce,
		connectTimeout: millis(cfg.ConnectTimeoutMS, 15*time.Second),
		synthTimeout:   millis(cfg.SynthTimeoutMS, 45*time.Second),
		now:            time.Now,
	}
	c.registry = newRegistry(c.loadParams, func(guildID string, params tts.VoiceParams) *Session {
		return newSession(c.ctx, guildID, params, c.env, c.logger)
	})

	m, err := newMetrics(otel.Meter(instrumentationName), c.registry)
	if err != nil {
		logger.Warn("failed to initialize session metrics", slogError(err))
	}
	c.env.metrics = m
	return c, nil
}

func millis(ms int, fallback time.Duration) time.Duration {
	if ms <= 0 {
		return fallback
	}
	return time.Duration(ms) * time.Millisecond
}

func (c *Coordinator) loadParams(ctx context.Context, guildID string) tts.VoiceParams {
	params, err := c.env.store.VoiceParams(ctx, guildID)
	if err != nil {
		c.logger.Warn("failed to load voice params, using defaults",
			slog.String("guild_id", guildID), slogError(err))
		return tts.DefaultVoiceParams()
	}
	return params
}

// withSession runs fn against the guild's session, retrying once on a fresh
// session if the first one was evicted in between.
func (c *Coordinator) withSession(ctx context.Context, guildID string, fn func(*Session) error) error {
	for attempt := 0; ; attempt++ {
		s, err := c.registry.GetOrCreate(ctx, guildID)
		if err != nil {
			return err
		}
		err = fn(s)
		if errors.Is(err, ErrSessionClosed) && attempt == 0 && c.ctx.Err() == nil {
			continue
		}
		return err
	}
}

// OnTextEvent gates a chat message and enqueues it for speech. It reports
// whether the message was enqueued.
func (c *Coordinator) OnTextEvent(ctx context.Context, ev TextEvent) bool {
	if ev.AuthorIsBot {
		return false
	}
	s := c.registry.Get(ev.GuildID)
	if s == nil {
		return false
	}
	if !c.acceptsChannel(ctx, s, ev) {
		return false
	}
	res := c.filter.Apply(ev.Text)
	if res.Suppressed {
		c.env.metrics.drop(ctx, dropFilter, 1)
		return false
	}
	if res.Text == "" {
		return false
	}
	if !s.Enqueue(ev.Text, res.Text) {
		c.env.metrics.drop(ctx, dropNotReady, 1)
		return false
	}
	return true
}

func (c *Coordinator) acceptsChannel(ctx context.Context, s *Session, ev TextEvent) bool {
	if bound := s.TextChannel(); bound != "" && bound == ev.ChannelID {
		return true
	}
	binding, err := c.env.store.TextChannelBinding(ctx, ev.GuildID)
	if err != nil {
		c.logger.Warn("text channel binding lookup failed",
			slog.String("guild_id", ev.GuildID), slogError(err))
		return false
	}
	return binding != "" && binding == ev.ChannelID
}

// OnPresenceEvent reconciles the guild's session against a voice state change.
// The bot's own changes keep the session in step with where Discord actually
// has it.
func (c *Coordinator) OnPresenceEvent(ctx context.Context, ev PresenceEvent) error {
	if ev.Self {
		s := c.registry.Get(ev.GuildID)
		if s == nil {
			return nil
		}
		err := s.FollowSelf(ctx, ev)
		if errors.Is(err, ErrSessionClosed) {
			return nil
		}
		return err
	}
	if ev.IsBot {
		return nil
	}
	if ev.NewChannelID == ev.PreviousChannelID {
		return nil
	}
	return c.withSession(ctx, ev.GuildID, func(s *Session) error {
		return s.Reconcile(ctx, ev)
	})
}

// OnJoinCommand connects the guild to voiceChannelID and reads textChannelID.
func (c *Coordinator) OnJoinCommand(ctx context.Context, guildID, voiceChannelID, textChannelID string) error {
	if guildID == "" || voiceChannelID == "" {
		return fmt.Errorf("%w: guild and voice channel required", ErrInvalidCommand)
	}
	return c.withSession(ctx, guildID, func(s *Session) error {
		return s.Connect(ctx, voiceChannelID, textChannelID)
	})
}

// OnLeaveCommand disconnects the guild. Leaving a guild that is not connected
// succeeds without effect.
func (c *Coordinator) OnLeaveCommand(ctx context.Context, guildID string) error {
	s := c.registry.Get(guildID)
	if s == nil {
		return nil
	}
	err := s.Disconnect(ctx)
	if errors.Is(err, ErrSessionClosed) {
		return nil
	}
	return err
}

// OnVoiceParamChange updates a live session's parameter. Persisting the value
// is the caller's job; a guild without a session picks it up from the store on
// creation.
func (c *Coordinator) OnVoiceParamChange(ctx context.Context, guildID, name string, value float64) error {
	probe := tts.DefaultVoiceParams()
	if err := probe.Set(name, value); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidCommand, err)
	}
	s := c.registry.Get(guildID)
	if s == nil {
		return nil
	}
	if err := s.SetParam(name, value); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidCommand, err)
	}
	return nil
}

// Status returns the guild's snapshot, or false when it has no session.
func (c *Coordinator) Status(guildID string) (Snapshot, bool) {
	s := c.registry.Get(guildID)
	if s == nil {
		return Snapshot{}, false
	}
	return s.Snapshot(), true
}

func (c *Coordinator) Snapshots() []Snapshot {
	return c.registry.Snapshots()
}

// Sweep evicts idle sessions and returns the number evicted.
func (c *Coordinator) Sweep(now time.Time) int {
	idle := millis(c.cfg.IdleTimeoutMS, 10*time.Minute)
	evicted := c.registry.Sweep(now, idle)
	if len(evicted) > 0 {
		c.logger.Debug("evicted idle sessions", slog.Int("count", len(evicted)))
	}
	return len(evicted)
}

// Close disconnects every session and stops their goroutines.
func (c *Coordinator) Close(ctx context.Context) {
	c.closeOnce.Do(func() {
		sessions := c.registry.drain()
		var wg sync.WaitGroup
		for _, s := range sessions {
			wg.Add(1)
			go func(s *Session) {
				defer wg.Done()
				if err := s.Disconnect(ctx); err != nil && !errors.Is(err, ErrSessionClosed) {
					s.log.Warn("disconnect on shutdown failed", slogError(err))
				}
				s.shutdown()
			}(s)
		}
		wg.Wait()
		c.cancel()
	})
}
