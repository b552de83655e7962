package bus

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/loqalabs/loqa-yomiage/internal/config"
	"github.com/loqalabs/loqa-yomiage/internal/natsserver"
	"github.com/nats-io/nats.go"
)

func startBus(t *testing.T) *Client {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	srv, err := natsserver.Start(config.BusConfig{Embedded: true}, logger)
	if err != nil {
		t.Fatalf("start embedded nats: %v", err)
	}
	t.Cleanup(srv.Shutdown)

	client, err := Connect(context.Background(), "bus-test", config.BusConfig{
		Servers:        []string{srv.ClientURL()},
		ConnectTimeout: 2000,
	}, logger)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(client.Close)
	return client
}

func TestRequestJSONRoundTrip(t *testing.T) {
	client := startBus(t)

	type ping struct {
		N int `json:"n"`
	}
	sub, err := client.Conn().Subscribe("test.echo", func(msg *nats.Msg) {
		var p ping
		if err := json.Unmarshal(msg.Data, &p); err != nil {
			t.Errorf("decode: %v", err)
			return
		}
		data, _ := json.Marshal(ping{N: p.N + 1})
		_ = msg.Respond(data)
	})
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer sub.Unsubscribe()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	var reply ping
	if err := client.RequestJSON(ctx, "test.echo", ping{N: 41}, &reply); err != nil {
		t.Fatalf("request: %v", err)
	}
	if reply.N != 42 {
		t.Fatalf("expected 42, got %d", reply.N)
	}
	if !client.Healthy() {
		t.Fatal("expected healthy client")
	}
}

func TestConnectRequiresServers(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	if _, err := Connect(context.Background(), "x", config.BusConfig{}, logger); err == nil {
		t.Fatal("expected error without servers")
	}
}
