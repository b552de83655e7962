// Package discord is the Discord edge: it turns gateway events into bus
// messages, answers slash commands through the bus and provides the voice
// transport.
package discord

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/loqalabs/loqa-yomiage/internal/config"
	"github.com/loqalabs/loqa-yomiage/internal/protocol"
)

// Bus is the messaging surface the gateway needs.
type Bus interface {
	PublishJSON(subject string, v any) error
	RequestJSON(ctx context.Context, subject string, req, resp any) error
}

// NewSession creates a gateway session with the intents the bot relies on.
// Handlers run synchronously in gateway order, so events for a guild reach
// the bus in the order Discord sent them.
func NewSession(token string) (*discordgo.Session, error) {
	session, err := discordgo.New("Bot " + token)
	if err != nil {
		return nil, fmt.Errorf("failed to create discord session: %w", err)
	}
	session.Identify.Intents = discordgo.IntentGuilds |
		discordgo.IntentGuildMessages |
		discordgo.IntentMessageContent |
		discordgo.IntentGuildVoiceStates
	session.StateEnabled = true
	session.SyncEvents = true
	return session, nil
}

// Gateway forwards guild events to the bus.
type Gateway struct {
	session *discordgo.Session
	bus     Bus
	timeout time.Duration
	log     *slog.Logger

	removers []func()
	inflight sync.WaitGroup
}

func NewGateway(session *discordgo.Session, bus Bus, cfg config.DiscordConfig, log *slog.Logger) *Gateway {
	timeout := time.Duration(cfg.CommandTimeout) * time.Millisecond
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Gateway{
		session: session,
		bus:     bus,
		timeout: timeout,
		log:     log.With(slog.String("component", "discord-gateway")),
	}
}

func (g *Gateway) Start() error {
	g.removers = append(g.removers,
		g.session.AddHandler(g.onMessageCreate),
		g.session.AddHandler(g.onVoiceStateUpdate),
		g.session.AddHandler(g.onInteractionCreate),
	)
	if err := g.session.Open(); err != nil {
		return fmt.Errorf("failed to open discord session: %w", err)
	}
	if u := g.session.State.User; u != nil {
		g.log.Info("discord gateway connected",
			slog.String("username", u.Username),
			slog.String("user_id", u.ID))
	}
	return nil
}

func (g *Gateway) Close() error {
	for _, remove := range g.removers {
		remove()
	}
	g.removers = nil
	g.inflight.Wait()
	if err := g.session.Close(); err != nil {
		return fmt.Errorf("failed to close discord session: %w", err)
	}
	return nil
}

// Healthy reports whether the gateway websocket has completed its handshake.
func (g *Gateway) Healthy() bool {
	return g != nil && g.session != nil && g.session.DataReady
}

func (g *Gateway) selfID() string {
	if u := g.session.State.User; u != nil {
		return u.ID
	}
	return ""
}

func (g *Gateway) onMessageCreate(_ *discordgo.Session, m *discordgo.MessageCreate) {
	if m.GuildID == "" || m.Author == nil {
		return
	}
	ev := protocol.TextEvent{
		GuildID:     m.GuildID,
		ChannelID:   m.ChannelID,
		AuthorID:    m.Author.ID,
		AuthorIsBot: m.Author.Bot,
		Text:        m.Content,
		Timestamp:   m.Timestamp,
	}
	if err := g.bus.PublishJSON(protocol.GuildSubject(m.GuildID, protocol.KindText), ev); err != nil {
		g.log.Warn("failed to publish text event", slog.String("guild_id", m.GuildID), slog.String("error", err.Error()))
	}
}

func (g *Gateway) onVoiceStateUpdate(s *discordgo.Session, v *discordgo.VoiceStateUpdate) {
	if v.VoiceState == nil || v.GuildID == "" {
		return
	}
	previous := ""
	if v.BeforeUpdate != nil {
		previous = v.BeforeUpdate.ChannelID
	}
	self := v.UserID == g.selfID()
	ev := protocol.PresenceEvent{
		GuildID:           v.GuildID,
		MemberID:          v.UserID,
		MemberName:        memberName(v.Member),
		IsBot:             self || (v.Member != nil && v.Member.User != nil && v.Member.User.Bot),
		Self:              self,
		PreviousChannelID: previous,
		NewChannelID:      v.ChannelID,
		Timestamp:         time.Now().UTC(),
	}
	if previous != "" {
		if guild, err := s.State.Guild(v.GuildID); err == nil {
			ev.RemainingOccupancy = countOccupants(guild.VoiceStates, previous, g.isBot(s, v.GuildID))
		}
	}
	if err := g.bus.PublishJSON(protocol.GuildSubject(v.GuildID, protocol.KindPresence), ev); err != nil {
		g.log.Warn("failed to publish presence event", slog.String("guild_id", v.GuildID), slog.String("error", err.Error()))
	}
}

// isBot consults the member cache; members missing from it count as people.
func (g *Gateway) isBot(s *discordgo.Session, guildID string) func(string) bool {
	self := g.selfID()
	return func(userID string) bool {
		if userID == self {
			return true
		}
		m, err := s.State.Member(guildID, userID)
		return err == nil && m.User != nil && m.User.Bot
	}
}

// countOccupants counts the non-bot members whose voice state is channelID.
func countOccupants(states []*discordgo.VoiceState, channelID string, isBot func(userID string) bool) int {
	n := 0
	for _, vs := range states {
		if vs == nil || vs.ChannelID != channelID {
			continue
		}
		if vs.Member != nil && vs.Member.User != nil && vs.Member.User.Bot {
			continue
		}
		if isBot(vs.UserID) {
			continue
		}
		n++
	}
	return n
}

func memberName(m *discordgo.Member) string {
	if m == nil {
		return ""
	}
	if m.Nick != "" {
		return m.Nick
	}
	if m.User == nil {
		return ""
	}
	if m.User.GlobalName != "" {
		return m.User.GlobalName
	}
	return m.User.Username
}

// ChannelExists reports whether channelID is a voice channel of guildID.
func (g *Gateway) ChannelExists(ctx context.Context, guildID, channelID string) (bool, error) {
	ch, err := g.session.State.Channel(channelID)
	if err != nil {
		ch, err = g.session.Channel(channelID, discordgo.WithContext(ctx))
		if err != nil {
			var restErr *discordgo.RESTError
			if errors.As(err, &restErr) && restErr.Response != nil &&
				(restErr.Response.StatusCode == http.StatusNotFound || restErr.Response.StatusCode == http.StatusForbidden) {
				return false, nil
			}
			return false, err
		}
	}
	if ch.GuildID != guildID {
		return false, nil
	}
	return ch.Type == discordgo.ChannelTypeGuildVoice || ch.Type == discordgo.ChannelTypeGuildStageVoice, nil
}
