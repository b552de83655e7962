package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Bus.Servers[0] != "nats://localhost:4222" {
		t.Fatalf("expected default server, got %v", cfg.Bus.Servers)
	}
	if cfg.Filter.MaxLength != 200 || cfg.Filter.Ellipsis != "..." {
		t.Fatalf("unexpected filter defaults %+v", cfg.Filter)
	}
	if cfg.Store.Driver != "sqlite" {
		t.Fatalf("expected sqlite store by default, got %s", cfg.Store.Driver)
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("YOMIAGE_BUS_SERVERS", "nats://one:4222, nats://two:4222")
	t.Setenv("YOMIAGE_BUS_USERNAME", "alice")
	t.Setenv("YOMIAGE_BUS_PASSWORD", "secret")
	t.Setenv("YOMIAGE_BUS_TLS_INSECURE", "true")
	t.Setenv("YOMIAGE_BUS_CONNECT_TIMEOUT_MS", "5000")
	t.Setenv("YOMIAGE_EVENT_STORE_PATH", "./tmp.db")
	t.Setenv("YOMIAGE_EVENT_STORE_RETENTION_MODE", "persistent")
	t.Setenv("YOMIAGE_EVENT_STORE_RETENTION_DAYS", "7")
	t.Setenv("YOMIAGE_EVENT_STORE_MAX_GUILDS", "123")
	t.Setenv("YOMIAGE_EVENT_STORE_VACUUM_ON_START", "true")
	t.Setenv("YOMIAGE_STORE_DRIVER", "redis")
	t.Setenv("YOMIAGE_STORE_REDIS_ADDR", "redis:6379")
	t.Setenv("YOMIAGE_TTS_MODE", "engine")
	t.Setenv("YOMIAGE_TTS_ENDPOINT", "http://aivis:10101")
	t.Setenv("YOMIAGE_TTS_REQUESTS_PER_SECOND", "2.5")
	t.Setenv("YOMIAGE_FILTER_MAX_LENGTH", "80")
	t.Setenv("YOMIAGE_SESSIONS_IDLE_TIMEOUT_MS", "1000")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(cfg.Bus.Servers) != 2 {
		t.Fatalf("expected 2 servers, got %v", cfg.Bus.Servers)
	}
	if cfg.Bus.Username != "alice" || cfg.Bus.Password != "secret" {
		t.Fatalf("expected credentials override")
	}
	if !cfg.Bus.TLSInsecure {
		t.Fatal("expected tls insecure override true")
	}
	if cfg.Bus.ConnectTimeout != 5000 {
		t.Fatalf("expected timeout 5000, got %d", cfg.Bus.ConnectTimeout)
	}
	if cfg.EventStore.Path != "./tmp.db" {
		t.Fatalf("expected event store path override")
	}
	if cfg.EventStore.RetentionMode != "persistent" {
		t.Fatalf("expected event store retention mode override")
	}
	if cfg.EventStore.RetentionDays != 7 {
		t.Fatalf("expected event store retention days override")
	}
	if cfg.EventStore.MaxGuilds != 123 {
		t.Fatalf("expected event store max guilds override")
	}
	if !cfg.EventStore.VacuumOnStart {
		t.Fatalf("expected event store vacuum flag override")
	}
	if cfg.Store.Driver != "redis" || cfg.Store.RedisAddr != "redis:6379" {
		t.Fatalf("expected store override, got %+v", cfg.Store)
	}
	if cfg.TTS.Mode != "engine" || cfg.TTS.Endpoint != "http://aivis:10101" {
		t.Fatalf("expected tts override, got %+v", cfg.TTS)
	}
	if cfg.TTS.RequestsPerSecond != 2.5 {
		t.Fatalf("expected rps override, got %v", cfg.TTS.RequestsPerSecond)
	}
	if cfg.Filter.MaxLength != 80 {
		t.Fatalf("expected filter max length override")
	}
	if cfg.Sessions.IdleTimeoutMS != 1000 {
		t.Fatalf("expected idle timeout override")
	}
}

func TestLoadFileMergesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "yomiage.yaml")
	data := []byte(`
runtime_name: test-bot
tts:
  mode: exec
  command: "python3 synth.py --voice a"
sessions:
  announce:
    member_joined: "%s joined"
`)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.RuntimeName != "test-bot" {
		t.Fatalf("expected runtime name from file, got %s", cfg.RuntimeName)
	}
	if cfg.TTS.Command != "python3 synth.py --voice a" {
		t.Fatalf("unexpected tts command %q", cfg.TTS.Command)
	}
	if cfg.Sessions.Announce.MemberJoined != "%s joined" {
		t.Fatalf("expected announce override, got %q", cfg.Sessions.Announce.MemberJoined)
	}
	if cfg.Sessions.Announce.MemberLeft != "%s さんが退室しました。" {
		t.Fatalf("expected default member_left to survive, got %q", cfg.Sessions.Announce.MemberLeft)
	}
}

func TestValidateRejectsBadModes(t *testing.T) {
	cases := map[string]string{
		"YOMIAGE_TTS_MODE":     "cloud",
		"YOMIAGE_STORE_DRIVER": "postgres",
		"YOMIAGE_VOICE_MODE":   "discord",

		"YOMIAGE_TELEMETRY_TRACE_EXPORTER":     "jaeger",
		"YOMIAGE_TELEMETRY_TRACE_SAMPLE_RATIO": "1.5",
	}
	for key, value := range cases {
		t.Run(key, func(t *testing.T) {
			t.Setenv(key, value)
			if _, err := Load(""); err == nil {
				t.Fatalf("expected validation error for %s=%s", key, value)
			}
		})
	}
}
