// Package voice defines the contract between a guild session and the live
// voice connection that plays its audio.
package voice

import (
	"context"
	"errors"
)

// ErrClosed is returned by Play on a connection that has been disconnected.
var ErrClosed = errors.New("voice: connection closed")

// Transport establishes voice connections. Connect blocks until the
// connection is ready or has failed.
type Transport interface {
	Connect(ctx context.Context, guildID, channelID string) (Connection, error)
}

// Connection is one live voice connection.
type Connection interface {
	ChannelID() string
	// Play blocks until the audio has finished playing. Cancelling ctx stops
	// playback early.
	Play(ctx context.Context, audio []byte) error
	Disconnect() error
}
