package session

import (
	"context"
	"fmt"
	"log/slog"
)

// reconcile applies a presence event on the actor. Announcements and lifecycle
// decisions read the same state snapshot; the auto-join rule is read fresh on
// every join.
func (s *Session) reconcile(ctx context.Context, ev PresenceEvent) {
	if ev.IsBot {
		return
	}
	joined := ev.NewChannelID != "" && ev.NewChannelID != ev.PreviousChannelID
	left := ev.PreviousChannelID != "" && ev.PreviousChannelID != ev.NewChannelID
	if !joined && !left {
		return
	}

	s.mu.Lock()
	state, current := s.state, s.voiceChannel
	s.mu.Unlock()
	live := state == Ready || state == Connecting

	leaveEmpty := left && live && ev.PreviousChannelID == current && ev.RemainingOccupancy <= 0

	if state == Ready && !leaveEmpty {
		name := ev.MemberName
		if name == "" {
			name = ev.MemberID
		}
		if left && ev.PreviousChannelID == current && s.env.announce.MemberLeft != "" {
			text := fmt.Sprintf(s.env.announce.MemberLeft, name)
			s.Enqueue(text, text)
		}
		if joined && ev.NewChannelID == current && s.env.announce.MemberJoined != "" {
			text := fmt.Sprintf(s.env.announce.MemberJoined, name)
			s.Enqueue(text, text)
		}
	}

	if leaveEmpty {
		s.disconnect("channel empty")
	}

	if !joined {
		return
	}
	rule, err := s.env.store.AutoJoinRule(ctx, s.guildID)
	if err != nil {
		s.log.Warn("auto-join rule lookup failed", slogError(err))
		return
	}
	if rule == nil || rule.VoiceChannelID != ev.NewChannelID {
		return
	}

	s.mu.Lock()
	state, current = s.state, s.voiceChannel
	s.mu.Unlock()
	if (state == Ready || state == Connecting) && current == rule.VoiceChannelID {
		return
	}

	if err := s.checkChannel(ctx, rule.VoiceChannelID); err != nil {
		s.log.Warn("auto-join skipped",
			slog.String("voice_channel_id", rule.VoiceChannelID),
			slogError(err))
		if s.env.recorder != nil {
			s.env.recorder.Record(Event{
				GuildID: s.guildID,
				Type:    EventConfigInconsistency,
				Detail:  map[string]string{"voice_channel_id": rule.VoiceChannelID, "error": err.Error()},
				At:      s.env.now(),
			})
		}
		return
	}
	if err := s.connect(rule.VoiceChannelID, rule.TextChannelID, s.env.announce.AutoConnected); err != nil {
		s.log.Warn("auto-join failed", slogError(err))
	}
}

func (s *Session) checkChannel(ctx context.Context, channelID string) error {
	if s.env.channels == nil {
		return nil
	}
	exists, err := s.env.channels.ChannelExists(ctx, s.guildID, channelID)
	if err != nil {
		return fmt.Errorf("check channel %s: %w", channelID, err)
	}
	if !exists {
		return fmt.Errorf("%w: %s", ErrConfigInconsistency, channelID)
	}
	return nil
}
