package tts

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/loqalabs/loqa-voice/internal/audio"
	"github.com/loqalabs/loqa-voice/internal/bus"
	"github.com/loqalabs/loqa-voice/internal/config"
	"github.com/loqalabs/loqa-voice/internal/natsserver"
	"github.com/loqalabs/loqa-voice/internal/nn"
	"github.com/loqalabs/loqa-voice/internal/protocol"
	"github.com/loqalabs/loqa-voice/internal/synth"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

func TestPacketize(t *testing.T) {
	samples := make([]float32, 1000)
	chunks := Packetize(samples, 16000, 20) // 320 samples per chunk
	if len(chunks) != 4 {
		t.Fatalf("expected 4 chunks, got %d", len(chunks))
	}
	for i, c := range chunks {
		if c.Sequence != i {
			t.Fatalf("chunk %d has sequence %d", i, c.Sequence)
		}
		if c.Final != (i == len(chunks)-1) {
			t.Fatalf("chunk %d final=%v", i, c.Final)
		}
	}
	if len(chunks[3].PCM) != 2*(1000-3*320) {
		t.Fatalf("unexpected tail size %d", len(chunks[3].PCM))
	}

	empty := Packetize(nil, 16000, 20)
	if len(empty) != 1 || !empty[0].Final || len(empty[0].PCM) != 0 {
		t.Fatalf("empty audio should yield one empty final chunk, got %+v", empty)
	}
}

type harness struct {
	client *bus.Client
	engine *synth.Orchestrator
	svc    *Service
}

func newHarness(t *testing.T) harness {
	t.Helper()
	log := testLogger()

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

	cfg := config.Default()
	dict := filepath.Join(t.TempDir(), "cmudict.txt")
	if err := os.WriteFile(dict, []byte("HELLO  HH AH0 L OW1\nWORLD  W ER1 L D\n"), 0o644); err != nil {
		t.Fatalf("write dict: %v", err)
	}
	cfg.G2P.EnglishDictPath = dict
	cfg.G2P.EmbeddingDim = 8
	rt := nn.NewMockRuntime(nn.MockOptions{EmbeddingDim: 8, SamplesPerPhone: 100})
	engine, err := synth.New(context.Background(), cfg, synth.Options{Runtime: rt, Logger: log})
	if err != nil {
		t.Fatalf("synth.New: %v", err)
	}
	t.Cleanup(func() { _ = engine.Close() })

	svc := NewService(context.Background(), config.TTSConfig{Enabled: true, Voice: "bob", ChunkDurationMS: 10}, 5*time.Second, client, engine, log)
	if err := svc.Start(); err != nil {
		t.Fatalf("start service: %v", err)
	}
	t.Cleanup(svc.Close)
	if !svc.Healthy() {
		t.Fatalf("service should be healthy after start")
	}
	return harness{client: client, engine: engine, svc: svc}
}

func (h harness) enroll(t *testing.T, name string) protocol.EnrollReply {
	t.Helper()
	samples := make([]float32, 8000)
	for i := range samples {
		samples[i] = float32(0.3 * math.Sin(2*math.Pi*200*float64(i)/16000))
	}
	var reply protocol.EnrollReply
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := h.client.RequestJSON(ctx, protocol.SubjectVoiceEnroll, protocol.EnrollRequest{
		Name:       name,
		ModelPath:  name + ".onnx",
		RefText:    "Hello world",
		SampleRate: 16000,
		PCM:        audio.PCM16Bytes(samples),
	}, &reply)
	if err != nil {
		t.Fatalf("enroll request: %v", err)
	}
	return reply
}

func TestServiceEnrollAndSynthesize(t *testing.T) {
	h := newHarness(t)
	if reply := h.enroll(t, "bob"); !reply.OK {
		t.Fatalf("enroll failed: %+v", reply)
	}

	var speakers protocol.SpeakersReply
	if err := h.client.RequestJSON(context.Background(), protocol.SubjectVoiceSpeakers, struct{}{}, &speakers); err != nil {
		t.Fatalf("speakers request: %v", err)
	}
	if len(speakers.Speakers) != 1 || speakers.Speakers[0] != "bob" {
		t.Fatalf("unexpected speakers %v", speakers.Speakers)
	}

	conn := h.client.Conn()
	audioSub, err := conn.SubscribeSync(protocol.SubjectTTSAudio)
	if err != nil {
		t.Fatalf("subscribe audio: %v", err)
	}
	doneSub, err := conn.SubscribeSync(protocol.SubjectTTSDone)
	if err != nil {
		t.Fatalf("subscribe done: %v", err)
	}
	if err := conn.Flush(); err != nil {
		t.Fatalf("flush: %v", err)
	}

	// voice falls back to the configured default
	if err := h.client.PublishJSON(protocol.SubjectTTSRequest, protocol.TTSRequest{SessionID: "s1", Text: "Hello world. Hello."}); err != nil {
		t.Fatalf("publish request: %v", err)
	}

	var pcm int
	for seq := 0; ; seq++ {
		msg, err := audioSub.NextMsg(5 * time.Second)
		if err != nil {
			t.Fatalf("waiting for chunk %d: %v", seq, err)
		}
		var chunk protocol.AudioChunk
		if err := json.Unmarshal(msg.Data, &chunk); err != nil {
			t.Fatalf("decode chunk: %v", err)
		}
		if chunk.Sequence != seq || chunk.SessionID != "s1" || chunk.SampleRate != 32000 {
			t.Fatalf("unexpected chunk %+v", chunk)
		}
		pcm += len(chunk.PCM)
		if chunk.Final {
			break
		}
	}
	// HH AH0 L OW1 W ER1 L D . HH AH0 L OW1 . at 100 samples per phone
	if pcm != 2*14*100 {
		t.Fatalf("expected %d PCM bytes, got %d", 2*14*100, pcm)
	}

	msg, err := doneSub.NextMsg(5 * time.Second)
	if err != nil {
		t.Fatalf("waiting for status: %v", err)
	}
	var status protocol.TTSStatus
	if err := json.Unmarshal(msg.Data, &status); err != nil {
		t.Fatalf("decode status: %v", err)
	}
	if !status.Completed || status.Error != "" {
		t.Fatalf("unexpected status %+v", status)
	}
}

func TestServiceReportsErrors(t *testing.T) {
	h := newHarness(t)
	conn := h.client.Conn()
	doneSub, err := conn.SubscribeSync(protocol.SubjectTTSDone)
	if err != nil {
		t.Fatalf("subscribe done: %v", err)
	}
	if err := conn.Flush(); err != nil {
		t.Fatalf("flush: %v", err)
	}

	if err := h.client.PublishJSON(protocol.SubjectTTSRequest, protocol.TTSRequest{SessionID: "s2", Text: "Hello.", Voice: "ghost"}); err != nil {
		t.Fatalf("publish request: %v", err)
	}
	msg, err := doneSub.NextMsg(5 * time.Second)
	if err != nil {
		t.Fatalf("waiting for status: %v", err)
	}
	var status protocol.TTSStatus
	if err := json.Unmarshal(msg.Data, &status); err != nil {
		t.Fatalf("decode status: %v", err)
	}
	if status.Completed || status.Kind != "speaker_not_found" {
		t.Fatalf("expected speaker_not_found status, got %+v", status)
	}

	var reply protocol.EnrollReply
	err = h.client.RequestJSON(context.Background(), protocol.SubjectVoiceEnroll, protocol.EnrollRequest{Name: "bob", ModelPath: "bob.onnx", RefText: "Hello", SampleRate: 16000}, &reply)
	if err != nil {
		t.Fatalf("enroll request: %v", err)
	}
	if reply.OK || reply.Error == "" {
		t.Fatalf("enrollment without audio should fail, got %+v", reply)
	}

	var removed protocol.RemoveReply
	if err := h.client.RequestJSON(context.Background(), protocol.SubjectVoiceRemove, protocol.RemoveRequest{Name: "ghost"}, &removed); err != nil {
		t.Fatalf("remove request: %v", err)
	}
	if removed.Removed {
		t.Fatalf("removing an unknown speaker should report false")
	}
}

func TestServiceRequestsAfterClose(t *testing.T) {
	h := newHarness(t)
	conn := h.client.Conn()
	doneSub, err := conn.SubscribeSync(protocol.SubjectTTSDone)
	if err != nil {
		t.Fatalf("subscribe done: %v", err)
	}
	if err := conn.Flush(); err != nil {
		t.Fatalf("flush: %v", err)
	}

	data, _ := json.Marshal(protocol.TTSRequest{SessionID: "late", Text: "Hello."})
	msg := &nats.Msg{Subject: protocol.SubjectTTSRequest, Data: data}

	// handlers still running while Close waits must not start new work
	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 25; j++ {
				h.svc.handleRequest(msg)
			}
		}()
	}
	h.svc.Close()
	wg.Wait()

	h.svc.handleRequest(msg)
	for {
		got, err := doneSub.NextMsg(5 * time.Second)
		if err != nil {
			t.Fatalf("waiting for status: %v", err)
		}
		var status protocol.TTSStatus
		if err := json.Unmarshal(got.Data, &status); err != nil {
			t.Fatalf("decode status: %v", err)
		}
		if status.Kind == "closed" {
			if status.Completed || status.SessionID != "late" {
				t.Fatalf("unexpected status %+v", status)
			}
			break
		}
	}
}
