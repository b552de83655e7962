// Package guildconfig persists per-guild settings: auto-join rules, text
// channel bindings, voice parameters and the pronunciation dictionary.
package guildconfig

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/loqalabs/loqa-yomiage/internal/config"
	"github.com/loqalabs/loqa-yomiage/internal/tts"
	"github.com/redis/go-redis/v9"
)

var ErrInvalidDriver = errors.New("guildconfig: invalid driver")

// AutoJoinRule names the voice/text channel pair a guild joins automatically.
type AutoJoinRule struct {
	VoiceChannelID string `json:"voice_channel_id"`
	TextChannelID  string `json:"text_channel_id"`
}

// DictionaryEntry mirrors a word registered with the synthesis engine.
type DictionaryEntry struct {
	UUID          string `json:"uuid"`
	Surface       string `json:"surface"`
	Pronunciation string `json:"pronunciation"`
	AccentType    int    `json:"accent_type"`
	WordType      string `json:"word_type,omitempty"`
}

// Store is read on every relevant event. Reads are snapshots; callers must not
// assume a read reflects a write made concurrently by another goroutine.
type Store interface {
	AutoJoinRule(ctx context.Context, guildID string) (*AutoJoinRule, error)
	SetAutoJoinRule(ctx context.Context, guildID string, rule AutoJoinRule) error
	DeleteAutoJoinRule(ctx context.Context, guildID string) (bool, error)

	TextChannelBinding(ctx context.Context, guildID string) (string, error)
	SetTextChannelBinding(ctx context.Context, guildID, channelID string) error

	VoiceParams(ctx context.Context, guildID string) (tts.VoiceParams, error)
	SetVoiceParams(ctx context.Context, guildID string, params tts.VoiceParams) error

	DictionaryEntries(ctx context.Context, guildID string) ([]DictionaryEntry, error)
	PutDictionaryEntry(ctx context.Context, guildID string, entry DictionaryEntry) error
	DeleteDictionaryEntry(ctx context.Context, guildID, surface string) (bool, error)

	Close() error
}

// Open builds the store selected by cfg.Driver.
func Open(ctx context.Context, cfg config.StoreConfig, log *slog.Logger) (Store, error) {
	switch cfg.Driver {
	case "memory":
		log.Info("guild config store ready", slog.String("driver", "memory"))
		return NewMemoryStore(), nil
	case "sqlite":
		s, err := OpenSQLite(ctx, cfg.Path)
		if err != nil {
			return nil, err
		}
		log.Info("guild config store ready", slog.String("driver", "sqlite"), slog.String("path", cfg.Path))
		return s, nil
	case "redis":
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		if err := client.Ping(ctx).Err(); err != nil {
			_ = client.Close()
			return nil, fmt.Errorf("ping redis: %w", err)
		}
		log.Info("guild config store ready", slog.String("driver", "redis"), slog.String("addr", cfg.RedisAddr))
		return NewRedisStore(client, cfg.RedisPrefix), nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrInvalidDriver, cfg.Driver)
	}
}

// decodeVoiceParams overlays stored fields onto the defaults so that fields
// absent from older records keep their default value.
func decodeVoiceParams(raw []byte) (tts.VoiceParams, error) {
	params := tts.DefaultVoiceParams()
	if len(raw) == 0 {
		return params, nil
	}
	if err := json.Unmarshal(raw, &params); err != nil {
		return tts.DefaultVoiceParams(), fmt.Errorf("decode voice params: %w", err)
	}
	return params, nil
}
