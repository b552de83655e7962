package session

import (
	"context"
	"errors"
	"log/slog"
	"time"
	"unicode/utf8"

	"github.com/loqalabs/loqa-yomiage/internal/tts"
	"github.com/loqalabs/loqa-yomiage/internal/voice"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

func (s *Session) drain() {
	defer s.wg.Done()
	for {
		select {
		case <-s.ctx.Done():
			return
		case <-s.wake:
		}
		for s.playNext() {
		}
	}
}

// playNext claims the head of the queue and plays it to completion. It
// reports false when nothing could be claimed.
func (s *Session) playNext() bool {
	s.mu.Lock()
	if s.ctx.Err() != nil || s.state != Ready || s.active != nil || len(s.queue) == 0 {
		s.mu.Unlock()
		return false
	}
	u := s.queue[0]
	s.queue[0] = Utterance{}
	s.queue = s.queue[1:]
	s.active = &u
	ep := s.epoch
	conn := s.conn
	params := s.params
	playCtx, stop := context.WithCancel(s.ctx)
	s.stopPlayback = stop
	s.mu.Unlock()

	defer func() {
		stop()
		s.mu.Lock()
		if s.epoch == ep {
			s.active = nil
			s.stopPlayback = nil
		}
		s.lastActive = s.env.now()
		s.mu.Unlock()
	}()

	// Synthesis is not tied to playCtx: a disconnect lets the request finish
	// and the audio is discarded below.
	audio, err := s.synthesize(u, params)
	if err != nil {
		s.log.Warn("synthesis failed, dropping utterance",
			slog.String("utterance_id", u.ID),
			slog.Bool("network", errors.Is(err, tts.ErrNetwork)),
			slogError(err))
		s.dropUtterance(u, dropSynthesis)
		return true
	}
	if playCtx.Err() != nil {
		s.dropUtterance(u, dropCancelled)
		return true
	}

	if err := conn.Play(playCtx, audio); err != nil {
		if playCtx.Err() != nil {
			s.dropUtterance(u, dropCancelled)
			return true
		}
		s.log.Warn("playback failed", slog.String("utterance_id", u.ID), slogError(err))
		s.dropUtterance(u, dropPlayback)
		if errors.Is(err, voice.ErrClosed) {
			s.connectionLost(ep)
		}
		return true
	}

	s.env.metrics.play(s.ctx)
	s.recordUtterance(EventUtterancePlayed, u, "")
	return true
}

func (s *Session) synthesize(u Utterance, params tts.VoiceParams) ([]byte, error) {
	ctx, cancel := context.WithTimeout(s.ctx, s.env.synthTimeout)
	defer cancel()

	ctx, span := s.env.tracer.Start(ctx, "session.synthesize", trace.WithAttributes(
		attribute.String("guild_id", s.guildID),
		attribute.String("utterance_id", u.ID),
		attribute.Int("speaker_id", params.SpeakerID),
		attribute.Int("text.length", utf8.RuneCountInString(u.Text)),
	))
	defer span.End()

	start := time.Now()
	audio, err := s.env.synth.Synthesize(ctx, u.Text, params)
	s.env.metrics.observeSynthesis(ctx, time.Since(start), err)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	span.SetAttributes(attribute.Int("audio.bytes", len(audio)))
	return audio, nil
}

func (s *Session) dropUtterance(u Utterance, reason string) {
	s.env.metrics.drop(s.ctx, reason, 1)
	s.recordUtterance(EventUtteranceDropped, u, reason)
}
