package router

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/loqalabs/loqa-yomiage/internal/bus"
	"github.com/loqalabs/loqa-yomiage/internal/config"
	"github.com/loqalabs/loqa-yomiage/internal/guildconfig"
	"github.com/loqalabs/loqa-yomiage/internal/protocol"
	"github.com/loqalabs/loqa-yomiage/internal/session"
	"github.com/loqalabs/loqa-yomiage/internal/tts"
	"github.com/nats-io/nats.go"
)

// Sessions is the part of the coordinator the router drives.
type Sessions interface {
	OnTextEvent(ctx context.Context, ev session.TextEvent) bool
	OnPresenceEvent(ctx context.Context, ev session.PresenceEvent) error
	OnJoinCommand(ctx context.Context, guildID, voiceChannelID, textChannelID string) error
	OnLeaveCommand(ctx context.Context, guildID string) error
	OnVoiceParamChange(ctx context.Context, guildID, name string, value float64) error
	Status(guildID string) (session.Snapshot, bool)
}

// Service bridges bus traffic to the session coordinator and answers operator
// commands.
type Service struct {
	cfg      config.RouterConfig
	bus      *bus.Client
	sessions Sessions
	store    guildconfig.Store
	dict     tts.Dictionary
	logger   *slog.Logger

	subText     *nats.Subscription
	subPresence *nats.Subscription
	subCommand  *nats.Subscription

	mu     sync.Mutex
	queues map[string][]func()

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewService wires the router. dict may be nil, in which case the word
// commands report the dictionary as unavailable.
func NewService(parent context.Context, cfg config.RouterConfig, busClient *bus.Client, sessions Sessions, store guildconfig.Store, dict tts.Dictionary, logger *slog.Logger) *Service {
	ctx, cancel := context.WithCancel(parent)
	return &Service{
		cfg:      cfg,
		bus:      busClient,
		sessions: sessions,
		store:    store,
		dict:     dict,
		logger:   logger.With(slog.String("component", "router")),
		queues:   make(map[string][]func()),
		ctx:      ctx,
		cancel:   cancel,
	}
}

func (s *Service) Start() error {
	if !s.cfg.Enabled {
		return nil
	}
	conn := s.bus.Conn()
	var err error
	if s.subText, err = conn.Subscribe(protocol.GuildWildcard(protocol.KindText), s.handleText); err != nil {
		return err
	}
	if s.subPresence, err = conn.Subscribe(protocol.GuildWildcard(protocol.KindPresence), s.handlePresence); err != nil {
		s.drainSubs()
		return err
	}
	if s.subCommand, err = conn.Subscribe(protocol.GuildWildcard(protocol.KindCommand), s.handleCommandMsg); err != nil {
		s.drainSubs()
		return err
	}
	return conn.Flush()
}

func (s *Service) drainSubs() {
	for _, sub := range []*nats.Subscription{s.subText, s.subPresence, s.subCommand} {
		if sub != nil {
			_ = sub.Drain()
		}
	}
}

func (s *Service) Close() {
	s.drainSubs()
	s.cancel()
	s.wg.Wait()
}

func (s *Service) Healthy() bool {
	return !s.cfg.Enabled || (s.subText != nil && s.subPresence != nil && s.subCommand != nil)
}

func (s *Service) handleText(msg *nats.Msg) {
	var ev protocol.TextEvent
	if err := json.Unmarshal(msg.Data, &ev); err != nil {
		s.logger.Warn("router failed to decode text event", slogError(err))
		return
	}
	s.sessions.OnTextEvent(s.ctx, session.TextEvent{
		GuildID:     ev.GuildID,
		ChannelID:   ev.ChannelID,
		AuthorID:    ev.AuthorID,
		AuthorIsBot: ev.AuthorIsBot,
		Text:        ev.Text,
	})
}

func (s *Service) handlePresence(msg *nats.Msg) {
	var ev protocol.PresenceEvent
	if err := json.Unmarshal(msg.Data, &ev); err != nil {
		s.logger.Warn("router failed to decode presence event", slogError(err))
		return
	}
	err := s.sessions.OnPresenceEvent(s.ctx, session.PresenceEvent{
		GuildID:            ev.GuildID,
		MemberID:           ev.MemberID,
		MemberName:         ev.MemberName,
		IsBot:              ev.IsBot,
		Self:               ev.Self,
		PreviousChannelID:  ev.PreviousChannelID,
		NewChannelID:       ev.NewChannelID,
		RemainingOccupancy: ev.RemainingOccupancy,
	})
	if err != nil && !errors.Is(err, context.Canceled) {
		s.logger.Warn("presence event failed",
			slog.String("guild_id", ev.GuildID), slogError(err))
	}
}

// Commands run off the subscription goroutine so a slow dictionary call in one
// guild does not hold up the others. Within a guild they run one at a time in
// arrival order.
func (s *Service) handleCommandMsg(msg *nats.Msg) {
	var cmd protocol.Command
	if err := json.Unmarshal(msg.Data, &cmd); err != nil {
		s.respond(msg, protocol.CommandReply{Error: "malformed command"})
		return
	}
	if guild, ok := protocol.GuildFromSubject(msg.Subject); ok && cmd.GuildID == "" {
		cmd.GuildID = guild
	}
	s.enqueue(cmd.GuildID, func() {
		ctx, cancel := context.WithTimeout(s.ctx, s.commandTimeout())
		defer cancel()
		s.respond(msg, s.Execute(ctx, cmd))
	})
}

// enqueue appends job to the guild's queue, starting a worker when the guild
// has none.
func (s *Service) enqueue(guildID string, job func()) {
	s.mu.Lock()
	pending, running := s.queues[guildID]
	s.queues[guildID] = append(pending, job)
	s.mu.Unlock()
	if running {
		return
	}
	s.wg.Add(1)
	go s.work(guildID)
}

// work drains the guild's queue and exits once it is empty.
func (s *Service) work(guildID string) {
	defer s.wg.Done()
	for {
		s.mu.Lock()
		pending := s.queues[guildID]
		if len(pending) == 0 {
			delete(s.queues, guildID)
			s.mu.Unlock()
			return
		}
		job := pending[0]
		pending[0] = nil
		s.queues[guildID] = pending[1:]
		s.mu.Unlock()
		job()
	}
}

func (s *Service) commandTimeout() time.Duration {
	if s.cfg.CommandTimeoutMS <= 0 {
		return 10 * time.Second
	}
	return time.Duration(s.cfg.CommandTimeoutMS) * time.Millisecond
}

func (s *Service) respond(msg *nats.Msg, reply protocol.CommandReply) {
	if msg.Reply == "" {
		return
	}
	data, err := json.Marshal(reply)
	if err != nil {
		s.logger.Warn("router failed to encode reply", slogError(err))
		return
	}
	if err := msg.Respond(data); err != nil {
		s.logger.Warn("router failed to send reply", slogError(err))
	}
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
