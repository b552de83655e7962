package tts

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MockSynth returns the text itself as "audio" after a fixed delay.
type MockSynth struct {
	Delay time.Duration

	mu    sync.Mutex
	words map[string]UserWord
}

func NewMockSynth(delay time.Duration) *MockSynth {
	return &MockSynth{Delay: delay, words: make(map[string]UserWord)}
}

func (m *MockSynth) Synthesize(ctx context.Context, text string, params VoiceParams) ([]byte, error) {
	if m.Delay > 0 {
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("%w: %v", ErrNetwork, ctx.Err())
		case <-time.After(m.Delay):
		}
	}
	return []byte(fmt.Sprintf("speaker=%d:%s", params.SpeakerID, text)), nil
}

func (m *MockSynth) AddWord(_ context.Context, w UserWord) (string, error) {
	if strings.TrimSpace(w.Surface) == "" {
		return "", fmt.Errorf("%w: surface required", ErrBadRequest)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	w.UUID = uuid.NewString()
	m.words[w.UUID] = w
	return w.UUID, nil
}

func (m *MockSynth) UpdateWord(_ context.Context, w UserWord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.words[w.UUID]; !ok {
		return fmt.Errorf("%w: unknown word %s", ErrBadRequest, w.UUID)
	}
	m.words[w.UUID] = w
	return nil
}

func (m *MockSynth) DeleteWord(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.words[id]; !ok {
		return fmt.Errorf("%w: unknown word %s", ErrBadRequest, id)
	}
	delete(m.words, id)
	return nil
}

func (m *MockSynth) FindWord(_ context.Context, surface string) (UserWord, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, w := range m.words {
		if w.Surface == surface {
			return w, true, nil
		}
	}
	return UserWord{}, false, nil
}
