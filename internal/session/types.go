// Package session coordinates one read-aloud session per guild: the voice
// connection lifecycle, the ordered utterance queue that drains into it and
// the reconciliation of presence events against auto-join rules.
package session

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/loqalabs/loqa-yomiage/internal/guildconfig"
	"github.com/loqalabs/loqa-yomiage/internal/tts"
)

var (
	// ErrInvalidCommand is returned to callers for commands that cannot be
	// applied, such as a join without a voice channel. No state changes.
	ErrInvalidCommand = errors.New("session: invalid command")
	// ErrConfigInconsistency marks auto-join rules pointing at channels that
	// no longer exist.
	ErrConfigInconsistency = errors.New("session: auto-join rule references a missing channel")
	// ErrSessionClosed is returned by sessions that were evicted or shut down.
	ErrSessionClosed = errors.New("session: closed")
)

// State is the voice connection lifecycle state of a session.
type State int

const (
	Disconnected State = iota
	Connecting
	Ready
	Disconnecting
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Ready:
		return "ready"
	case Disconnecting:
		return "disconnecting"
	}
	return "unknown"
}

// Utterance is one sanitized message waiting to be spoken.
type Utterance struct {
	ID         string
	RawText    string
	Text       string
	EnqueuedAt time.Time
}

// TextEvent is a chat message observed in a guild.
type TextEvent struct {
	GuildID     string
	ChannelID   string
	AuthorID    string
	AuthorIsBot bool
	Text        string
}

// PresenceEvent is a voice state change of one member. RemainingOccupancy is
// the number of non-bot members left in PreviousChannelID after the change.
// Self is set for the bot's own voice state.
type PresenceEvent struct {
	GuildID            string
	MemberID           string
	MemberName         string
	IsBot              bool
	Self               bool
	PreviousChannelID  string
	NewChannelID       string
	RemainingOccupancy int
}

// ConfigReader is the read side of the guild configuration store.
type ConfigReader interface {
	AutoJoinRule(ctx context.Context, guildID string) (*guildconfig.AutoJoinRule, error)
	TextChannelBinding(ctx context.Context, guildID string) (string, error)
	VoiceParams(ctx context.Context, guildID string) (tts.VoiceParams, error)
}

// ChannelChecker reports whether a channel still exists.
type ChannelChecker interface {
	ChannelExists(ctx context.Context, guildID, channelID string) (bool, error)
}

// Event types reported to a Recorder.
const (
	EventStateChanged        = "session.state"
	EventUtterancePlayed     = "utterance.played"
	EventUtteranceDropped    = "utterance.dropped"
	EventConfigInconsistency = "reconcile.config_inconsistency"
)

// Event is a timeline entry for one guild.
type Event struct {
	GuildID string            `json:"guild_id"`
	Type    string            `json:"type"`
	Detail  map[string]string `json:"detail,omitempty"`
	At      time.Time         `json:"at"`
}

// Recorder receives session timeline events. Record must not block.
type Recorder interface {
	Record(evt Event)
}

// Snapshot is a point-in-time view of a session.
type Snapshot struct {
	GuildID        string          `json:"guild_id"`
	State          string          `json:"state"`
	VoiceChannelID string          `json:"voice_channel_id,omitempty"`
	TextChannelID  string          `json:"text_channel_id,omitempty"`
	QueueLength    int             `json:"queue_length"`
	Playing        bool            `json:"playing"`
	Params         tts.VoiceParams `json:"params"`
	LastActive     time.Time       `json:"last_active"`
}

// Reasons attached to dropped utterances.
const (
	dropFilter     = "filter"
	dropNotReady   = "not_ready"
	dropSynthesis  = "synthesis"
	dropPlayback   = "playback"
	dropCancelled  = "cancelled"
	dropDisconnect = "disconnect"
)

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
