package runtime

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/loqalabs/loqa-yomiage/internal/bus"
	"github.com/loqalabs/loqa-yomiage/internal/config"
	"github.com/loqalabs/loqa-yomiage/internal/discord"
	"github.com/loqalabs/loqa-yomiage/internal/eventstore"
	"github.com/loqalabs/loqa-yomiage/internal/filter"
	"github.com/loqalabs/loqa-yomiage/internal/guildconfig"
	"github.com/loqalabs/loqa-yomiage/internal/natsserver"
	"github.com/loqalabs/loqa-yomiage/internal/router"
	"github.com/loqalabs/loqa-yomiage/internal/session"
	"github.com/loqalabs/loqa-yomiage/internal/tts"
	"github.com/loqalabs/loqa-yomiage/internal/voice"
)

const recorderBuffer = 512

// build wires the components in dependency order. On error the caller runs
// teardown, which skips whatever was never created.
func (r *Runtime) build(ctx context.Context) error {
	var err error

	if r.nats, err = natsserver.Start(r.cfg.Bus, r.logger); err != nil {
		return err
	}
	busCfg := r.cfg.Bus
	if r.nats != nil {
		busCfg.Servers = []string{r.nats.ClientURL()}
	}
	if r.bus, err = bus.Connect(ctx, r.cfg.RuntimeName, busCfg, r.logger.With(slog.String("component", "bus"))); err != nil {
		return err
	}

	if r.events, err = eventstore.Open(ctx, r.cfg.EventStore, r.logger.With(slog.String("component", "eventstore"))); err != nil {
		return fmt.Errorf("open event store: %w", err)
	}
	r.recorder = eventstore.NewRecorder(r.events, r.bus, recorderBuffer, r.logger)

	if r.store, err = guildconfig.Open(ctx, r.cfg.Store, r.logger); err != nil {
		return fmt.Errorf("open guild config store: %w", err)
	}

	synth, dict, err := buildSynthesizer(r.cfg.TTS)
	if err != nil {
		return err
	}

	deps := session.Deps{
		Synth:    synth,
		Store:    r.store,
		Filter:   filter.New(r.cfg.Filter.MaxLength, r.cfg.Filter.Ellipsis),
		Recorder: r.recorder,
	}

	if r.cfg.Discord.Enabled {
		dg, err := discord.NewSession(r.cfg.Discord.Token)
		if err != nil {
			return err
		}
		r.gateway = discord.NewGateway(dg, r.bus, r.cfg.Discord, r.logger)
		deps.Channels = r.gateway
		if r.cfg.Voice.Mode == "discord" {
			if deps.Transport, err = discord.NewTransport(dg, r.cfg.Discord.EncoderCommand, r.logger); err != nil {
				return err
			}
		}
	}
	if deps.Transport == nil {
		deps.Transport = voice.NewMockTransport(
			time.Duration(r.cfg.Voice.MockConnectMS)*time.Millisecond,
			time.Duration(r.cfg.Voice.MockPlayMS)*time.Millisecond,
			r.logger)
	}

	if r.coord, err = session.New(ctx, r.cfg.Sessions, deps, r.logger); err != nil {
		return err
	}

	r.router = router.NewService(ctx, r.cfg.Router, r.bus, r.coord, r.store, dict, r.logger)
	if err := r.router.Start(); err != nil {
		return fmt.Errorf("start router: %w", err)
	}

	if r.gateway != nil {
		if err := r.gateway.Start(); err != nil {
			return err
		}
	}
	return nil
}

// buildSynthesizer returns the configured backend and, when it has one, its
// pronunciation dictionary.
func buildSynthesizer(cfg config.TTSConfig) (tts.Synthesizer, tts.Dictionary, error) {
	switch cfg.Mode {
	case "engine":
		engine, err := tts.NewEngine(tts.EngineOptions{
			Endpoint:          cfg.Endpoint,
			Timeout:           time.Duration(cfg.TimeoutMS) * time.Millisecond,
			RequestsPerSecond: cfg.RequestsPerSecond,
			Burst:             cfg.Burst,
		})
		if err != nil {
			return nil, nil, err
		}
		return engine, engine, nil
	case "exec":
		synth, err := tts.NewExecSynth(cfg.Command)
		if err != nil {
			return nil, nil, err
		}
		return synth, nil, nil
	case "mock", "":
		mock := tts.NewMockSynth(time.Duration(cfg.MockDelayMS) * time.Millisecond)
		return mock, mock, nil
	}
	return nil, nil, fmt.Errorf("unknown tts mode %q", cfg.Mode)
}

// teardown stops components in reverse dependency order: Discord first so no
// new events arrive, the bus last so final timeline events still publish.
func (r *Runtime) teardown() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if r.gateway != nil {
		if err := r.gateway.Close(); err != nil {
			r.logger.Warn("discord gateway close failed", slogError(err))
		}
		r.gateway = nil
	}
	if r.router != nil {
		r.router.Close()
		r.router = nil
	}
	if r.coord != nil {
		r.coord.Close(ctx)
		r.coord = nil
	}
	if r.recorder != nil {
		if err := r.recorder.Close(ctx); err != nil {
			r.logger.Warn("event recorder did not flush", slogError(err))
		}
		r.recorder = nil
	}
	if r.bus != nil {
		r.bus.Close()
		r.bus = nil
	}
	if r.nats != nil {
		r.nats.Shutdown()
		r.nats = nil
	}
	if r.events != nil {
		if err := r.events.Close(); err != nil {
			r.logger.Warn("event store close failed", slogError(err))
		}
		r.events = nil
	}
	if r.store != nil {
		if err := r.store.Close(); err != nil {
			r.logger.Warn("guild config store close failed", slogError(err))
		}
		r.store = nil
	}
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
