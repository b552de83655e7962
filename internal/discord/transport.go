package discord

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/loqalabs/loqa-yomiage/internal/voice"
	"github.com/mattn/go-shellwords"
	"github.com/pion/webrtc/v3/pkg/media/oggreader"
)

const sendTimeout = 5 * time.Second

// Transport joins voice channels through the gateway session and streams
// audio encoded by an external Ogg/Opus encoder.
type Transport struct {
	session *discordgo.Session
	encoder []string
	log     *slog.Logger
}

// NewTransport parses encoderCommand, which must read audio on stdin and
// write Ogg/Opus with one packet per page on stdout.
func NewTransport(session *discordgo.Session, encoderCommand string, log *slog.Logger) (*Transport, error) {
	args, err := shellwords.NewParser().Parse(encoderCommand)
	if err != nil {
		return nil, fmt.Errorf("parse encoder command: %w", err)
	}
	if len(args) == 0 {
		return nil, errors.New("encoder command empty")
	}
	return &Transport{
		session: session,
		encoder: args,
		log:     log.With(slog.String("component", "discord-voice")),
	}, nil
}

type joinResult struct {
	vc  *discordgo.VoiceConnection
	err error
}

// Connect joins channelID. The gateway join cannot be interrupted, so a
// cancelled ctx returns immediately and the late connection is torn down in
// the background.
func (t *Transport) Connect(ctx context.Context, guildID, channelID string) (voice.Connection, error) {
	done := make(chan joinResult, 1)
	go func() {
		vc, err := t.session.ChannelVoiceJoin(guildID, channelID, false, true)
		done <- joinResult{vc: vc, err: err}
	}()

	select {
	case res := <-done:
		if res.err != nil {
			return nil, fmt.Errorf("join voice channel %s: %w", channelID, res.err)
		}
		return &connection{vc: res.vc, channelID: channelID, transport: t}, nil
	case <-ctx.Done():
		go func() {
			if res := <-done; res.vc != nil {
				if err := res.vc.Disconnect(); err != nil {
					t.log.Warn("failed to close abandoned voice connection", slog.String("error", err.Error()))
				}
			}
		}()
		return nil, ctx.Err()
	}
}

type connection struct {
	vc        *discordgo.VoiceConnection
	channelID string
	transport *Transport
}

func (c *connection) ChannelID() string { return c.channelID }

func (c *connection) Play(ctx context.Context, audio []byte) error {
	if c.vc == nil {
		return voice.ErrClosed
	}
	args := c.transport.encoder
	cmd := exec.CommandContext(ctx, args[0], args[1:]...)
	cmd.Stdin = bytes.NewReader(audio)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return err
	}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start encoder: %w", err)
	}

	sendErr := c.stream(ctx, stdout)
	if sendErr != nil {
		// Unblock the encoder so Wait can return.
		_, _ = io.Copy(io.Discard, stdout)
	}
	waitErr := cmd.Wait()
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}
	if sendErr != nil {
		return sendErr
	}
	if waitErr != nil {
		return fmt.Errorf("encoder: %w: %s", waitErr, bytes.TrimSpace(stderr.Bytes()))
	}
	return nil
}

func (c *connection) stream(ctx context.Context, r io.Reader) error {
	ogg, _, err := oggreader.NewWith(r)
	if err != nil {
		return fmt.Errorf("read ogg header: %w", err)
	}

	if err := c.vc.Speaking(true); err != nil {
		return fmt.Errorf("%w: set speaking: %v", voice.ErrClosed, err)
	}
	defer func() {
		if err := c.vc.Speaking(false); err != nil {
			c.transport.log.Debug("failed to clear speaking", slog.String("error", err.Error()))
		}
	}()

	timer := time.NewTimer(sendTimeout)
	defer timer.Stop()
	for {
		packet, _, err := ogg.ParseNextPage()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("read ogg page: %w", err)
		}
		if isOpusTags(packet) {
			continue
		}

		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(sendTimeout)
		select {
		case c.vc.OpusSend <- packet:
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C:
			return fmt.Errorf("%w: timeout sending audio", voice.ErrClosed)
		}
	}
}

func isOpusTags(page []byte) bool {
	return bytes.HasPrefix(page, []byte("OpusTags"))
}

func (c *connection) Disconnect() error {
	if c.vc == nil {
		return nil
	}
	return c.vc.Disconnect()
}
