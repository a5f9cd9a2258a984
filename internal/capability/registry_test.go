package capability

import (
	"context"
	"io"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"

	"github.com/loqalabs/loqa-voice/internal/bus"
	"github.com/loqalabs/loqa-voice/internal/config"
	"github.com/loqalabs/loqa-voice/internal/natsserver"
)

func TestMerge(t *testing.T) {
	static := []config.NodeCapability{
		{Name: SynthesisCapability, Tier: "balanced", Attributes: map[string]string{"device": "cpu"}},
		{Name: "voice.enrollment"},
	}
	merged := Merge(static, []Capability{
		Synthesis([]string{"alice", "bob"}, []string{"en", "zh"}, 32000),
		{Name: "voice.extra", Tier: "fast"},
	})
	if len(merged) != 3 {
		t.Fatalf("expected 3 capabilities, got %+v", merged)
	}
	syn := merged[0]
	if syn.Tier != "balanced" || syn.Attributes["device"] != "cpu" || syn.Attributes["speakers"] != "alice,bob" || syn.Attributes["sample_rate"] != "32000" {
		t.Fatalf("unexpected merged synthesis capability %+v", syn)
	}
	if merged[2].Name != "voice.extra" || merged[2].Tier != "fast" {
		t.Fatalf("unexpected dynamic capability %+v", merged[2])
	}
	if static[0].Attributes["speakers"] != "" {
		t.Fatalf("merge must not modify configured attributes")
	}
	if Merge(nil, nil) != nil {
		t.Fatalf("expected nil for no capabilities")
	}
}

func TestSpeakerFilter(t *testing.T) {
	node := NodeInfo{ID: "n1", Capabilities: []Capability{Synthesis([]string{"alice", "bob"}, []string{"en"}, 32000)}}
	if !WithSpeakerFilter("bob")(node) {
		t.Fatalf("expected bob to match")
	}
	if WithSpeakerFilter("bo")(node) {
		t.Fatalf("partial names must not match")
	}
	if !WithCapabilityFilter(SynthesisCapability)(node) || WithCapabilityFilter("stt")(node) {
		t.Fatalf("capability filter mismatch")
	}
}

func TestRegistryReannouncesOnChange(t *testing.T) {
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	srv, err := natsserver.Start(config.BusConfig{Embedded: true, Port: -1, StoreDir: t.TempDir()}, log)
	if err != nil {
		t.Fatalf("start nats: %v", err)
	}
	t.Cleanup(srv.Shutdown)
	client, err := bus.Connect(context.Background(), config.BusConfig{Servers: []string{srv.ClientURL()}, ConnectTimeout: 2000}, log)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(client.Close)

	var speakers atomic.Value
	speakers.Store([]string{"alice"})
	source := func() []Capability {
		return []Capability{Synthesis(speakers.Load().([]string), []string{"en"}, 32000)}
	}

	nodeCfg := config.NodeConfig{ID: "voice-a", Role: "voice", HeartbeatInterval: 20, HeartbeatTimeout: 1000}
	voice, err := NewRegistry(context.Background(), nodeCfg, client, source, log)
	if err != nil {
		t.Fatalf("new registry: %v", err)
	}
	t.Cleanup(voice.Close)

	observer, err := NewRegistry(context.Background(), config.NodeConfig{ID: "observer", Role: "hub", HeartbeatInterval: 20, HeartbeatTimeout: 1000}, client, nil, log)
	if err != nil {
		t.Fatalf("new observer: %v", err)
	}
	t.Cleanup(observer.Close)

	if !voice.Healthy() {
		t.Fatalf("local node should be healthy after announcing")
	}
	if got := voice.LocalCapabilities(); len(got) != 1 || got[0].Attributes["speakers"] != "alice" {
		t.Fatalf("unexpected local capabilities %+v", got)
	}

	speakers.Store([]string{"alice", "bob"})
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if nodes := observer.Query(WithSpeakerFilter("bob")); len(nodes) == 1 && nodes[0].ID == "voice-a" {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("observer never saw bob on voice-a: %+v", observer.Query(nil))
}
