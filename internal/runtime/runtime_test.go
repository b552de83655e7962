package runtime

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"testing"
	"time"

	"github.com/loqalabs/loqa-yomiage/internal/config"
	"github.com/loqalabs/loqa-yomiage/internal/protocol"
	"github.com/loqalabs/loqa-yomiage/internal/session"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testConfig(t *testing.T) config.Config {
	cfg := config.Default()
	cfg.HTTP = config.HTTPConfig{Bind: "127.0.0.1", Port: 0}
	cfg.Telemetry.PrometheusBind = ""
	cfg.Bus.Port = 0
	cfg.EventStore.RetentionMode = "ephemeral"
	cfg.Store.Driver = "memory"
	cfg.Voice.MockConnectMS = 0
	cfg.Voice.MockPlayMS = 10
	cfg.TTS.Mode = "mock"
	cfg.TTS.MockDelayMS = 0
	cfg.Router.Enabled = true
	cfg.EventStore.Path = t.TempDir() + "/events.db"
	return cfg
}

func TestRuntimeServesAndStops(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	rt := New(testConfig(t), logger)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- rt.Start(ctx) }()

	require.Eventually(t, rt.Ready, 10*time.Second, 20*time.Millisecond)
	base := fmt.Sprintf("http://%s", rt.Addr())

	resp, err := http.Get(base + "/readyz")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	reqCtx, reqCancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer reqCancel()
	var reply protocol.CommandReply
	require.NoError(t, rt.bus.RequestJSON(reqCtx, protocol.GuildSubject("g1", protocol.KindCommand),
		protocol.Command{Name: protocol.CommandJoin, GuildID: "g1", VoiceChannelID: "v1", TextChannelID: "t1"}, &reply))
	require.True(t, reply.OK, reply.Error)

	require.Eventually(t, func() bool {
		resp, err := http.Get(base + "/sessions?guild_id=g1")
		if err != nil {
			return false
		}
		defer resp.Body.Close()
		var snap session.Snapshot
		if resp.StatusCode != http.StatusOK || json.NewDecoder(resp.Body).Decode(&snap) != nil {
			return false
		}
		return snap.State == session.Ready.String() && snap.VoiceChannelID == "v1"
	}, 5*time.Second, 20*time.Millisecond)

	resp, err = http.Get(base + "/sessions?guild_id=missing")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(15 * time.Second):
		t.Fatal("runtime did not stop")
	}
	assert.False(t, rt.Ready())
}

func TestBuildSynthesizerModes(t *testing.T) {
	synth, dict, err := buildSynthesizer(config.TTSConfig{Mode: "mock"})
	require.NoError(t, err)
	assert.NotNil(t, synth)
	assert.NotNil(t, dict)

	synth, dict, err = buildSynthesizer(config.TTSConfig{Mode: "engine", Endpoint: "http://localhost:10101"})
	require.NoError(t, err)
	assert.NotNil(t, synth)
	assert.NotNil(t, dict)

	synth, dict, err = buildSynthesizer(config.TTSConfig{Mode: "exec", Command: "tts-helper --json"})
	require.NoError(t, err)
	assert.NotNil(t, synth)
	assert.Nil(t, dict)

	_, _, err = buildSynthesizer(config.TTSConfig{Mode: "carrier-pigeon"})
	assert.Error(t, err)
}

func TestTraceExporterSelection(t *testing.T) {
	assert.Equal(t, "none", traceExporterName(config.TelemetryConfig{}))
	assert.Equal(t, "stdout", traceExporterName(config.TelemetryConfig{TraceExporter: "stdout"}))
	assert.Equal(t, "otlp", traceExporterName(config.TelemetryConfig{TraceExporter: "none", OTLPEndpoint: "collector:4317"}))
}

func TestTelemetryServesPrivateRegistry(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	for range 2 {
		shutdown, handler, err := setupTelemetry(config.Default(), logger)
		require.NoError(t, err)
		require.NotNil(t, handler)
		require.NoError(t, shutdown(context.Background()))
	}
}
