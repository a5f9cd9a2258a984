package tts

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/loqalabs/loqa-voice/internal/audio"
	"github.com/loqalabs/loqa-voice/internal/bus"
	"github.com/loqalabs/loqa-voice/internal/config"
	"github.com/loqalabs/loqa-voice/internal/protocol"
	"github.com/loqalabs/loqa-voice/internal/synth"
)

var errStopped = fmt.Errorf("tts service stopped: %w", synth.ErrClosed)

// Service serves synthesis and enrollment over the bus.
type Service struct {
	cfg     config.TTSConfig
	timeout time.Duration
	bus     *bus.Client
	engine  Engine
	subs    []*nats.Subscription
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	logger  *slog.Logger

	// mu orders wg.Add in handlers against the Wait in Close.
	mu      sync.Mutex
	stopped bool
}

// NewService builds the bus service. A zero timeout leaves requests unbounded.
func NewService(parent context.Context, cfg config.TTSConfig, timeout time.Duration, busClient *bus.Client, engine Engine, log *slog.Logger) *Service {
	ctx, cancel := context.WithCancel(parent)
	return &Service{
		cfg:     cfg,
		timeout: timeout,
		bus:     busClient,
		engine:  engine,
		ctx:     ctx,
		cancel:  cancel,
		logger:  log.With(slog.String("component", "tts-service")),
	}
}

func (s *Service) Start() error {
	if !s.cfg.Enabled {
		return nil
	}
	handlers := []struct {
		subject string
		handler nats.MsgHandler
	}{
		{protocol.SubjectTTSRequest, s.handleRequest},
		{protocol.SubjectVoiceEnroll, s.handleEnroll},
		{protocol.SubjectVoiceRemove, s.handleRemove},
		{protocol.SubjectVoiceSpeakers, s.handleSpeakers},
	}
	for _, h := range handlers {
		sub, err := s.bus.Conn().Subscribe(h.subject, h.handler)
		if err != nil {
			s.unsubscribe()
			return err
		}
		s.subs = append(s.subs, sub)
	}
	s.logger.Info("tts service listening", slog.String("subject", protocol.SubjectTTSRequest))
	return nil
}

func (s *Service) Close() {
	s.mu.Lock()
	s.stopped = true
	s.mu.Unlock()

	s.cancel()
	s.unsubscribe()
	s.wg.Wait()
}

// track registers a request goroutine. It reports false once the service is
// stopping, in which case the caller must not start one.
func (s *Service) track() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped || s.ctx.Err() != nil {
		return false
	}
	s.wg.Add(1)
	return true
}

func (s *Service) unsubscribe() {
	for _, sub := range s.subs {
		_ = sub.Drain()
	}
	s.subs = nil
}

func (s *Service) Healthy() bool { return !s.cfg.Enabled || len(s.subs) > 0 }

func (s *Service) requestContext() (context.Context, context.CancelFunc) {
	if s.timeout > 0 {
		return context.WithTimeout(s.ctx, s.timeout)
	}
	return context.WithCancel(s.ctx)
}

func (s *Service) handleRequest(msg *nats.Msg) {
	var req protocol.TTSRequest
	if err := json.Unmarshal(msg.Data, &req); err != nil {
		s.logger.Warn("failed to decode tts request", slogError(err))
		return
	}
	if req.Voice == "" {
		req.Voice = s.cfg.Voice
	}
	if req.ChunkSize <= 0 {
		req.ChunkSize = s.engine.DefaultChunkSize()
	}

	if !s.track() {
		s.logger.Debug("dropping tts request after shutdown", slog.String("session_id", req.SessionID))
		s.publishStatus(req, errStopped)
		return
	}
	go func() {
		defer s.wg.Done()

		ctx, cancel := s.requestContext()
		defer cancel()

		out, err := s.engine.SegmentInfer(ctx, req.Voice, req.Text, req.ChunkSize)
		if err != nil {
			s.logger.Warn("tts synthesis error", slog.String("session_id", req.SessionID), slog.String("voice", req.Voice), slogError(err))
			s.publishStatus(req, err)
			return
		}
		for _, chunk := range Packetize(out.Samples, out.SampleRate, s.cfg.ChunkDurationMS) {
			if ctx.Err() != nil {
				s.logger.Warn("tts publish cancelled", slogError(ctx.Err()))
				s.publishStatus(req, ctx.Err())
				return
			}
			s.publishChunk(req, chunk)
		}
		s.publishStatus(req, nil)
	}()
}

func (s *Service) publishChunk(req protocol.TTSRequest, chunk SynthChunk) {
	packet := protocol.AudioChunk{
		SessionID:  req.SessionID,
		Target:     req.Target,
		SampleRate: chunk.SampleRate,
		Channels:   chunk.Channels,
		Sequence:   chunk.Sequence,
		PCM:        chunk.PCM,
		Final:      chunk.Final,
	}
	if err := s.bus.PublishJSON(protocol.SubjectTTSAudio, packet); err != nil {
		s.logger.Warn("failed to publish tts chunk", slogError(err))
	}
}

func (s *Service) publishStatus(req protocol.TTSRequest, cause error) {
	status := protocol.TTSStatus{
		SessionID: req.SessionID,
		Target:    req.Target,
		Completed: cause == nil,
		Timestamp: time.Now().UTC(),
	}
	if cause != nil {
		status.Error = cause.Error()
		status.Kind = synth.ErrorKind(cause)
	}
	if err := s.bus.PublishJSON(protocol.SubjectTTSDone, status); err != nil {
		s.logger.Warn("failed to publish tts status", slogError(err))
	}
}

func (s *Service) handleEnroll(msg *nats.Msg) {
	var req protocol.EnrollRequest
	if err := json.Unmarshal(msg.Data, &req); err != nil {
		s.reply(msg, protocol.EnrollReply{Error: "invalid enroll request: " + err.Error()})
		return
	}

	if !s.track() {
		s.reply(msg, protocol.EnrollReply{Error: errStopped.Error(), Kind: synth.ErrorKind(errStopped)})
		return
	}
	go func() {
		defer s.wg.Done()

		ctx, cancel := s.requestContext()
		defer cancel()

		err := s.engine.Enroll(ctx, synth.EnrollRequest{
			Name:       req.Name,
			ModelPath:  req.ModelPath,
			Samples:    audio.FromPCM16Bytes(req.PCM),
			SampleRate: req.SampleRate,
			RefText:    req.RefText,
		})
		if err != nil {
			s.logger.Warn("enrollment failed", slog.String("speaker", req.Name), slogError(err))
			s.reply(msg, protocol.EnrollReply{Error: err.Error(), Kind: synth.ErrorKind(err)})
			return
		}
		s.reply(msg, protocol.EnrollReply{OK: true})
	}()
}

func (s *Service) handleRemove(msg *nats.Msg) {
	var req protocol.RemoveRequest
	if err := json.Unmarshal(msg.Data, &req); err != nil {
		s.logger.Warn("failed to decode remove request", slogError(err))
		s.reply(msg, protocol.RemoveReply{})
		return
	}
	s.reply(msg, protocol.RemoveReply{Removed: s.engine.Remove(s.ctx, req.Name)})
}

func (s *Service) handleSpeakers(msg *nats.Msg) {
	s.reply(msg, protocol.SpeakersReply{Speakers: s.engine.Speakers()})
}

func (s *Service) reply(msg *nats.Msg, v any) {
	if msg.Reply == "" {
		return
	}
	data, err := json.Marshal(v)
	if err != nil {
		s.logger.Warn("failed to marshal reply", slogError(err))
		return
	}
	if err := msg.Respond(data); err != nil {
		s.logger.Warn("failed to send reply", slogError(err))
	}
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
