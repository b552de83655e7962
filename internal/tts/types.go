package tts

import (
	"context"
	"errors"
)

var (
	// ErrNetwork marks failures worth retrying on the next utterance:
	// unreachable engine, timeouts, 5xx responses.
	ErrNetwork = errors.New("tts: network error")
	// ErrBadRequest marks requests the engine rejected.
	ErrBadRequest = errors.New("tts: bad request")
)

// Synthesizer is the contract for producing audio. Implementations must be
// safe for concurrent use by many guilds.
type Synthesizer interface {
	Synthesize(ctx context.Context, text string, params VoiceParams) ([]byte, error)
}

// Dictionary manages the engine's pronunciation overrides.
type Dictionary interface {
	AddWord(ctx context.Context, w UserWord) (string, error)
	UpdateWord(ctx context.Context, w UserWord) error
	DeleteWord(ctx context.Context, uuid string) error
	FindWord(ctx context.Context, surface string) (UserWord, bool, error)
}
