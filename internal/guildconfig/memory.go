package guildconfig

import (
	"context"
	"sort"
	"sync"

	"github.com/loqalabs/loqa-yomiage/internal/tts"
)

type memoryStore struct {
	mu         sync.RWMutex
	rules      map[string]AutoJoinRule
	bindings   map[string]string
	params     map[string]tts.VoiceParams
	dictionary map[string]map[string]DictionaryEntry
}

func NewMemoryStore() Store {
	return &memoryStore{
		rules:      make(map[string]AutoJoinRule),
		bindings:   make(map[string]string),
		params:     make(map[string]tts.VoiceParams),
		dictionary: make(map[string]map[string]DictionaryEntry),
	}
}

func (s *memoryStore) AutoJoinRule(_ context.Context, guildID string) (*AutoJoinRule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rule, ok := s.rules[guildID]
	if !ok {
		return nil, nil
	}
	return &rule, nil
}

func (s *memoryStore) SetAutoJoinRule(_ context.Context, guildID string, rule AutoJoinRule) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rules[guildID] = rule
	return nil
}

func (s *memoryStore) DeleteAutoJoinRule(_ context.Context, guildID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.rules[guildID]
	delete(s.rules, guildID)
	return ok, nil
}

func (s *memoryStore) TextChannelBinding(_ context.Context, guildID string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.bindings[guildID], nil
}

func (s *memoryStore) SetTextChannelBinding(_ context.Context, guildID, channelID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.bindings[guildID] = channelID
	return nil
}

func (s *memoryStore) VoiceParams(_ context.Context, guildID string) (tts.VoiceParams, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if p, ok := s.params[guildID]; ok {
		return p, nil
	}
	return tts.DefaultVoiceParams(), nil
}

func (s *memoryStore) SetVoiceParams(_ context.Context, guildID string, params tts.VoiceParams) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.params[guildID] = params
	return nil
}

func (s *memoryStore) DictionaryEntries(_ context.Context, guildID string) ([]DictionaryEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	entries := make([]DictionaryEntry, 0, len(s.dictionary[guildID]))
	for _, e := range s.dictionary[guildID] {
		entries = append(entries, e)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Surface < entries[j].Surface })
	return entries, nil
}

func (s *memoryStore) PutDictionaryEntry(_ context.Context, guildID string, entry DictionaryEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	words, ok := s.dictionary[guildID]
	if !ok {
		words = make(map[string]DictionaryEntry)
		s.dictionary[guildID] = words
	}
	words[entry.Surface] = entry
	return nil
}

func (s *memoryStore) DeleteDictionaryEntry(_ context.Context, guildID, surface string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	words := s.dictionary[guildID]
	if _, ok := words[surface]; !ok {
		return false, nil
	}
	delete(words, surface)
	return true, nil
}

func (s *memoryStore) Close() error { return nil }
