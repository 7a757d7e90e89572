package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/ghalamif/como/internal/ports"
)

func writeConfig(t *testing.T, path, data string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(data), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
}

func TestLoadAppliesDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")

	writeConfig(t, path, `
recorder:
  policy:
    max_queue_len: 1000
channels:
  - address: "plc-gateway:7410"
    throttle: 250ms
    reconnect:
      enabled: true
opcua:
  endpoint: opc.tcp://localhost:4840
  nodes:
    - node_id: "ns=2;s=Demo.Dynamic.Scalar.Double"
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load config: %v", err)
	}

	if cfg.Server.Addr != DefaultServerAddr {
		t.Fatalf("expected default server addr, got %s", cfg.Server.Addr)
	}
	if cfg.Recorder.Policy.MaxQueueLen != 1000 {
		t.Fatalf("expected MaxQueueLen 1000, got %d", cfg.Recorder.Policy.MaxQueueLen)
	}
	if cfg.Recorder.Policy.IdleSleep != 5*time.Millisecond {
		t.Fatalf("expected IdleSleep default 5ms, got %s", cfg.Recorder.Policy.IdleSleep)
	}
	if cfg.Recorder.Policy.OnQueueFull != "block" || cfg.Recorder.Policy.OnJournalFull != "block" {
		t.Fatalf("expected block policies, got %+v", cfg.Recorder.Policy)
	}
	if cfg.Metrics.Addr != ":9100" {
		t.Fatalf("expected default metrics addr :9100, got %s", cfg.Metrics.Addr)
	}
	if cfg.History.Driver != "sqlite3" || cfg.History.DSN == "" || cfg.History.Table != "source_history" {
		t.Fatalf("unexpected history defaults: %+v", cfg.History)
	}

	ch, ok := cfg.Channel("channel-1")
	if !ok {
		t.Fatalf("expected generated channel name, got %+v", cfg.Channels)
	}
	if ch.Type != "tcp" || ch.Client.Throttle != 250*time.Millisecond || !ch.Reconnect.Enabled {
		t.Fatalf("unexpected channel config: %+v", ch)
	}
	if cfg.OPCUA == nil || cfg.OPCUA.Nodes[0].Name != "ns=2;s=Demo.Dynamic.Scalar.Double" {
		t.Fatalf("expected node name fallback to node ID, got %+v", cfg.OPCUA)
	}
}

func TestParseRejectsInvalid(t *testing.T) {
	cases := map[string]string{
		"missing address":  "channels:\n  - name: a\n",
		"duplicate names":  "channels:\n  - {name: a, address: x:1}\n  - {name: a, address: y:1}\n",
		"bad queue policy": "recorder:\n  policy:\n    on_queue_full: spill\n",
		"bad driver":       "history:\n  driver: mysql\n",
		"postgres no dsn":  "history:\n  driver: postgres\n",
		"negative backlog": "server:\n  max_backlog: -1\n",
		"opcua no nodes":   "opcua:\n  endpoint: opc.tcp://x\n",
	}
	for name, doc := range cases {
		if _, err := Parse([]byte(doc)); err == nil {
			t.Fatalf("%s: expected validation error", name)
		}
	}
}

func TestWatchReloadsOnChange(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	writeConfig(t, path, "channels:\n  - {name: plant, address: x:1, throttle: 1s}\n")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	reloaded := make(chan *Config, 4)
	done := make(chan error, 1)
	go func() {
		done <- Watch(ctx, path, ports.NopObservability{}, func(c *Config) { reloaded <- c })
	}()

	// Give the watcher time to register before the write.
	time.Sleep(100 * time.Millisecond)
	writeConfig(t, path, "channels:\n  - {name: plant, address: x:1, throttle: 2s}\n")

	select {
	case cfg := <-reloaded:
		ch, _ := cfg.Channel("plant")
		if ch.Client.Throttle != 2*time.Second {
			t.Fatalf("expected reloaded throttle 2s, got %s", ch.Client.Throttle)
		}
	case <-time.After(3 * time.Second):
		t.Fatalf("timed out waiting for reload")
	}

	cancel()
	if err := <-done; err != nil {
		t.Fatalf("watch: %v", err)
	}
}
