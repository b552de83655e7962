package protocol

import (
	"fmt"
	"strings"
	"time"
)

// TextEvent is a chat message observed in a guild text channel.
type TextEvent struct {
	GuildID     string    `json:"guild_id"`
	ChannelID   string    `json:"channel_id"`
	AuthorID    string    `json:"author_id"`
	AuthorIsBot bool      `json:"author_is_bot"`
	Text        string    `json:"text"`
	Timestamp   time.Time `json:"timestamp"`
}

// PresenceEvent is a voice state change. RemainingOccupancy counts the non-bot
// members left in PreviousChannelID after the change. Self marks the bot's own
// voice state.
type PresenceEvent struct {
	GuildID            string    `json:"guild_id"`
	MemberID           string    `json:"member_id"`
	MemberName         string    `json:"member_name"`
	IsBot              bool      `json:"is_bot"`
	Self               bool      `json:"self,omitempty"`
	PreviousChannelID  string    `json:"previous_channel_id,omitempty"`
	NewChannelID       string    `json:"new_channel_id,omitempty"`
	RemainingOccupancy int       `json:"remaining_occupancy"`
	Timestamp          time.Time `json:"timestamp"`
}

// Command names accepted on the command subject.
const (
	CommandJoin               = "join"
	CommandLeave              = "leave"
	CommandRegisterAutoJoin   = "register_auto_join"
	CommandUnregisterAutoJoin = "unregister_auto_join"
	CommandSetSpeaker         = "set_speaker"
	CommandSetVolume          = "set_volume"
	CommandSetPitch           = "set_pitch"
	CommandSetSpeed           = "set_speed"
	CommandSetStyleStrength   = "set_style_strength"
	CommandSetTempo           = "set_tempo"
	CommandAddWord            = "add_word"
	CommandEditWord           = "edit_word"
	CommandRemoveWord         = "remove_word"
	CommandListWords          = "list_words"
	CommandStatus             = "status"
)

// Command is an operator request for one guild. VoiceChannelID is the
// channel the invoking member is in, when known.
type Command struct {
	ID             string   `json:"id"`
	Name           string   `json:"name"`
	GuildID        string   `json:"guild_id"`
	UserID         string   `json:"user_id,omitempty"`
	ChannelID      string   `json:"channel_id,omitempty"`
	VoiceChannelID string   `json:"voice_channel_id,omitempty"`
	TextChannelID  string   `json:"text_channel_id,omitempty"`
	Value          *float64 `json:"value,omitempty"`
	Surface        string   `json:"surface,omitempty"`
	Pronunciation  string   `json:"pronunciation,omitempty"`
	AccentType     int      `json:"accent_type,omitempty"`
}

// CommandReply answers a Command. Message is user-facing text.
type CommandReply struct {
	ID      string `json:"id"`
	OK      bool   `json:"ok"`
	Message string `json:"message,omitempty"`
	Error   string `json:"error,omitempty"`
}

// SessionEvent is a timeline entry published after it is recorded.
type SessionEvent struct {
	GuildID string            `json:"guild_id"`
	Type    string            `json:"type"`
	Detail  map[string]string `json:"detail,omitempty"`
	At      time.Time         `json:"at"`
}

const (
	subjectGuildPrefix = "yomiage.guild"

	KindText     = "text"
	KindPresence = "presence"
	KindCommand  = "command"
	KindEvent    = "event"
)

// GuildSubject returns the subject carrying kind messages for guildID.
func GuildSubject(guildID, kind string) string {
	return fmt.Sprintf("%s.%s.%s", subjectGuildPrefix, guildID, kind)
}

// GuildWildcard subscribes to kind messages for every guild.
func GuildWildcard(kind string) string {
	return fmt.Sprintf("%s.*.%s", subjectGuildPrefix, kind)
}

// GuildFromSubject extracts the guild id from a guild subject.
func GuildFromSubject(subject string) (string, bool) {
	parts := strings.Split(subject, ".")
	if len(parts) != 4 || parts[0]+"."+parts[1] != subjectGuildPrefix || parts[2] == "" {
		return "", false
	}
	return parts[2], true
}
