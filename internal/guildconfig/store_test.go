package guildconfig

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"testing"

	"github.com/loqalabs/loqa-yomiage/internal/config"
	"github.com/loqalabs/loqa-yomiage/internal/tts"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

func openStores(t *testing.T) map[string]Store {
	t.Helper()
	sqlite, err := Open(context.Background(), config.StoreConfig{
		Driver: "sqlite",
		Path:   filepath.Join(t.TempDir(), "guilds.db"),
	}, newLogger())
	require.NoError(t, err)
	t.Cleanup(func() { _ = sqlite.Close() })

	return map[string]Store{
		"memory": NewMemoryStore(),
		"sqlite": sqlite,
	}
}

func TestAutoJoinRules(t *testing.T) {
	for name, store := range openStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			rule, err := store.AutoJoinRule(ctx, "g1")
			require.NoError(t, err)
			assert.Nil(t, rule)

			require.NoError(t, store.SetAutoJoinRule(ctx, "g1", AutoJoinRule{VoiceChannelID: "v1", TextChannelID: "t1"}))
			require.NoError(t, store.SetAutoJoinRule(ctx, "g1", AutoJoinRule{VoiceChannelID: "v2", TextChannelID: "t2"}))

			rule, err = store.AutoJoinRule(ctx, "g1")
			require.NoError(t, err)
			require.NotNil(t, rule)
			assert.Equal(t, AutoJoinRule{VoiceChannelID: "v2", TextChannelID: "t2"}, *rule)

			removed, err := store.DeleteAutoJoinRule(ctx, "g1")
			require.NoError(t, err)
			assert.True(t, removed)

			removed, err = store.DeleteAutoJoinRule(ctx, "g1")
			require.NoError(t, err)
			assert.False(t, removed)
		})
	}
}

func TestTextChannelBinding(t *testing.T) {
	for name, store := range openStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			channel, err := store.TextChannelBinding(ctx, "g1")
			require.NoError(t, err)
			assert.Empty(t, channel)

			require.NoError(t, store.SetTextChannelBinding(ctx, "g1", "t9"))
			channel, err = store.TextChannelBinding(ctx, "g1")
			require.NoError(t, err)
			assert.Equal(t, "t9", channel)
		})
	}
}

func TestVoiceParamsDefaulted(t *testing.T) {
	for name, store := range openStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			params, err := store.VoiceParams(ctx, "g1")
			require.NoError(t, err)
			assert.Equal(t, tts.DefaultVoiceParams(), params)

			params.Speed = 1.5
			params.SpeakerID = 3
			require.NoError(t, store.SetVoiceParams(ctx, "g1", params))

			got, err := store.VoiceParams(ctx, "g1")
			require.NoError(t, err)
			assert.Equal(t, params, got)
		})
	}
}

func TestDecodeVoiceParamsKeepsMissingDefaults(t *testing.T) {
	params, err := decodeVoiceParams([]byte(`{"speaker_id": 12}`))
	require.NoError(t, err)
	assert.Equal(t, 12, params.SpeakerID)
	assert.Equal(t, tts.DefaultVolume, params.Volume)
	assert.Equal(t, tts.DefaultTempo, params.Tempo)
}

func TestDictionaryEntries(t *testing.T) {
	for name, store := range openStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			require.NoError(t, store.PutDictionaryEntry(ctx, "g1", DictionaryEntry{UUID: "u2", Surface: "zeta", Pronunciation: "ゼータ"}))
			require.NoError(t, store.PutDictionaryEntry(ctx, "g1", DictionaryEntry{UUID: "u1", Surface: "alpha", Pronunciation: "アルファ"}))
			require.NoError(t, store.PutDictionaryEntry(ctx, "g2", DictionaryEntry{UUID: "u3", Surface: "alpha", Pronunciation: "アルファー"}))

			entries, err := store.DictionaryEntries(ctx, "g1")
			require.NoError(t, err)
			require.Len(t, entries, 2)
			assert.Equal(t, "alpha", entries[0].Surface)
			assert.Equal(t, "zeta", entries[1].Surface)

			removed, err := store.DeleteDictionaryEntry(ctx, "g1", "alpha")
			require.NoError(t, err)
			assert.True(t, removed)

			entries, err = store.DictionaryEntries(ctx, "g2")
			require.NoError(t, err)
			require.Len(t, entries, 1)
			assert.Equal(t, "アルファー", entries[0].Pronunciation)
		})
	}
}

func TestOpenRejectsUnknownDriver(t *testing.T) {
	_, err := Open(context.Background(), config.StoreConfig{Driver: "etcd"}, newLogger())
	if !errors.Is(err, ErrInvalidDriver) {
		t.Fatalf("expected ErrInvalidDriver, got %v", err)
	}
}
