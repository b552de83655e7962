package discord

import (
	"context"
	"log/slog"

	"github.com/bwmarrin/discordgo"
	"github.com/google/uuid"
	"github.com/loqalabs/loqa-yomiage/internal/protocol"
)

const (
	optionVoiceChannel  = "voice_channel"
	optionTextChannel   = "text_channel"
	optionValue         = "value"
	optionSurface       = "surface"
	optionPronunciation = "pronunciation"
	optionAccentType    = "accent_type"
)

func (g *Gateway) onInteractionCreate(s *discordgo.Session, i *discordgo.InteractionCreate) {
	if i.Type != discordgo.InteractionApplicationCommand || i.GuildID == "" {
		return
	}
	userID := ""
	if i.Member != nil && i.Member.User != nil {
		userID = i.Member.User.ID
	}
	invokerVoice := ""
	if vs, err := s.State.VoiceState(i.GuildID, userID); err == nil && vs != nil {
		invokerVoice = vs.ChannelID
	}
	cmd := commandFromInteraction(i.GuildID, i.ChannelID, userID, invokerVoice, i.ApplicationCommandData())

	// Events are dispatched synchronously; the command round trip must not
	// hold up the gateway.
	g.inflight.Add(1)
	go func() {
		defer g.inflight.Done()
		g.runInteraction(s, i, cmd)
	}()
}

func (g *Gateway) runInteraction(s *discordgo.Session, i *discordgo.InteractionCreate, cmd protocol.Command) {
	log := g.log.With(slog.String("guild_id", i.GuildID), slog.String("command", cmd.Name))
	if err := s.InteractionRespond(i.Interaction, &discordgo.InteractionResponse{
		Type: discordgo.InteractionResponseDeferredChannelMessageWithSource,
	}); err != nil {
		log.Warn("failed to acknowledge interaction", slog.String("error", err.Error()))
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), g.timeout)
	defer cancel()
	var reply protocol.CommandReply
	if err := g.bus.RequestJSON(ctx, protocol.GuildSubject(i.GuildID, protocol.KindCommand), cmd, &reply); err != nil {
		log.Warn("command request failed", slog.String("error", err.Error()))
		reply = protocol.CommandReply{ID: cmd.ID, Error: "コマンドの実行に失敗しました。"}
	}

	if reply.OK {
		content := reply.Message
		if _, err := s.InteractionResponseEdit(i.Interaction, &discordgo.WebhookEdit{Content: &content}); err != nil {
			log.Warn("failed to send command reply", slog.String("error", err.Error()))
		}
		return
	}

	// Errors are only shown to the invoking member.
	if err := s.InteractionResponseDelete(i.Interaction); err != nil {
		log.Debug("failed to delete deferred response", slog.String("error", err.Error()))
	}
	if _, err := s.FollowupMessageCreate(i.Interaction, false, &discordgo.WebhookParams{
		Content: reply.Error,
		Flags:   discordgo.MessageFlagsEphemeral,
	}); err != nil {
		log.Warn("failed to send command error", slog.String("error", err.Error()))
	}
}

// commandFromInteraction maps a slash command onto a bus command. The join
// and auto-join commands fall back to the invoker's voice channel.
func commandFromInteraction(guildID, channelID, userID, invokerVoice string, data discordgo.ApplicationCommandInteractionData) protocol.Command {
	cmd := protocol.Command{
		ID:        uuid.NewString(),
		Name:      data.Name,
		GuildID:   guildID,
		UserID:    userID,
		ChannelID: channelID,
	}
	for _, opt := range data.Options {
		switch opt.Name {
		case optionVoiceChannel:
			cmd.VoiceChannelID = stringOption(opt)
		case optionTextChannel:
			cmd.TextChannelID = stringOption(opt)
		case optionValue:
			if v, ok := numberOption(opt); ok {
				cmd.Value = &v
			}
		case optionSurface:
			cmd.Surface = stringOption(opt)
		case optionPronunciation:
			cmd.Pronunciation = stringOption(opt)
		case optionAccentType:
			if v, ok := numberOption(opt); ok {
				cmd.AccentType = int(v)
			}
		}
	}
	switch cmd.Name {
	case protocol.CommandJoin, protocol.CommandRegisterAutoJoin:
		if cmd.VoiceChannelID == "" {
			cmd.VoiceChannelID = invokerVoice
		}
	}
	if cmd.Name == protocol.CommandJoin && cmd.TextChannelID == "" {
		cmd.TextChannelID = channelID
	}
	return cmd
}

// Option values arrive as decoded JSON: ids and strings as string, numbers
// as float64.
func stringOption(opt *discordgo.ApplicationCommandInteractionDataOption) string {
	if s, ok := opt.Value.(string); ok {
		return s
	}
	return ""
}

func numberOption(opt *discordgo.ApplicationCommandInteractionDataOption) (float64, bool) {
	switch v := opt.Value.(type) {
	case float64:
		return v, true
	case int:
		return float64(v), true
	case int64:
		return float64(v), true
	}
	return 0, false
}
