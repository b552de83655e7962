package guildconfig

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"

	"github.com/loqalabs/loqa-yomiage/internal/tts"
	"github.com/redis/go-redis/v9"
)

// redisStore keeps JSON values under <prefix>:<kind>:<guild>. Dictionary
// entries live in a hash keyed by surface form.
type redisStore struct {
	client *redis.Client
	prefix string
}

func NewRedisStore(client *redis.Client, prefix string) Store {
	if prefix == "" {
		prefix = "yomiage"
	}
	return &redisStore{client: client, prefix: prefix}
}

func (s *redisStore) key(kind, guildID string) string {
	return fmt.Sprintf("%s:%s:%s", s.prefix, kind, guildID)
}

func (s *redisStore) AutoJoinRule(ctx context.Context, guildID string) (*AutoJoinRule, error) {
	val, err := s.client.Get(ctx, s.key("autojoin", guildID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var rule AutoJoinRule
	if err := json.Unmarshal(val, &rule); err != nil {
		return nil, fmt.Errorf("decode auto join rule: %w", err)
	}
	return &rule, nil
}

func (s *redisStore) SetAutoJoinRule(ctx context.Context, guildID string, rule AutoJoinRule) error {
	val, err := json.Marshal(rule)
	if err != nil {
		return err
	}
	return s.client.Set(ctx, s.key("autojoin", guildID), val, 0).Err()
}

func (s *redisStore) DeleteAutoJoinRule(ctx context.Context, guildID string) (bool, error) {
	n, err := s.client.Del(ctx, s.key("autojoin", guildID)).Result()
	return n > 0, err
}

func (s *redisStore) TextChannelBinding(ctx context.Context, guildID string) (string, error) {
	val, err := s.client.Get(ctx, s.key("text", guildID)).Result()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	return val, err
}

func (s *redisStore) SetTextChannelBinding(ctx context.Context, guildID, channelID string) error {
	return s.client.Set(ctx, s.key("text", guildID), channelID, 0).Err()
}

func (s *redisStore) VoiceParams(ctx context.Context, guildID string) (tts.VoiceParams, error) {
	val, err := s.client.Get(ctx, s.key("voice", guildID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return tts.DefaultVoiceParams(), nil
	}
	if err != nil {
		return tts.DefaultVoiceParams(), err
	}
	return decodeVoiceParams(val)
}

func (s *redisStore) SetVoiceParams(ctx context.Context, guildID string, params tts.VoiceParams) error {
	val, err := json.Marshal(params)
	if err != nil {
		return err
	}
	return s.client.Set(ctx, s.key("voice", guildID), val, 0).Err()
}

func (s *redisStore) DictionaryEntries(ctx context.Context, guildID string) ([]DictionaryEntry, error) {
	fields, err := s.client.HGetAll(ctx, s.key("dict", guildID)).Result()
	if err != nil {
		return nil, err
	}
	entries := make([]DictionaryEntry, 0, len(fields))
	for _, raw := range fields {
		var e DictionaryEntry
		if err := json.Unmarshal([]byte(raw), &e); err != nil {
			return nil, fmt.Errorf("decode dictionary entry: %w", err)
		}
		entries = append(entries, e)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Surface < entries[j].Surface })
	return entries, nil
}

func (s *redisStore) PutDictionaryEntry(ctx context.Context, guildID string, entry DictionaryEntry) error {
	val, err := json.Marshal(entry)
	if err != nil {
		return err
	}
	return s.client.HSet(ctx, s.key("dict", guildID), entry.Surface, val).Err()
}

func (s *redisStore) DeleteDictionaryEntry(ctx context.Context, guildID, surface string) (bool, error) {
	n, err := s.client.HDel(ctx, s.key("dict", guildID), surface).Result()
	return n > 0, err
}

func (s *redisStore) Close() error {
	return s.client.Close()
}
