package voice

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// MockTransport simulates voice connections in-process. Every Play takes
// PlayDuration regardless of the audio length.
type MockTransport struct {
	ConnectDelay time.Duration
	PlayDuration time.Duration

	log *slog.Logger
}

func NewMockTransport(connectDelay, playDuration time.Duration, log *slog.Logger) *MockTransport {
	return &MockTransport{
		ConnectDelay: connectDelay,
		PlayDuration: playDuration,
		log:          log.With(slog.String("component", "voice-mock")),
	}
}

func (m *MockTransport) Connect(ctx context.Context, guildID, channelID string) (Connection, error) {
	if channelID == "" {
		return nil, fmt.Errorf("voice: channel id required")
	}
	if err := sleep(ctx, m.ConnectDelay); err != nil {
		return nil, err
	}
	m.log.Info("mock voice connected", slog.String("guild_id", guildID), slog.String("channel_id", channelID))
	return &mockConn{transport: m, guildID: guildID, channelID: channelID}, nil
}

type mockConn struct {
	transport *MockTransport
	guildID   string
	channelID string

	mu     sync.Mutex
	closed bool
}

func (c *mockConn) ChannelID() string { return c.channelID }

func (c *mockConn) Play(ctx context.Context, audio []byte) error {
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return ErrClosed
	}
	c.transport.log.Debug("mock voice playing",
		slog.String("guild_id", c.guildID),
		slog.Int("bytes", len(audio)))
	return sleep(ctx, c.transport.PlayDuration)
}

func (c *mockConn) Disconnect() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
