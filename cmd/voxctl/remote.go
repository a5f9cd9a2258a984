package main

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"github.com/spf13/cobra"

	"github.com/loqalabs/loqa-voice/internal/audio"
	"github.com/loqalabs/loqa-voice/internal/bus"
	"github.com/loqalabs/loqa-voice/internal/protocol"
)

var remoteOpts struct {
	servers []string
	timeout time.Duration
}

var sayOpts struct {
	voice  string
	text   string
	chunk  int
	output string
}

var sayCmd = &cobra.Command{
	Use:   "say [text]",
	Short: "Synthesize through a running voxd",
	Long: `Publish a tts.request on the bus, collect the audio packets for the
session and write them to a WAV file.

Example:
  voxctl say --nats nats://localhost:4222 --voice alice -o hi.wav "Hi there."`,
	RunE: func(cmd *cobra.Command, args []string) error {
		if sayOpts.output == "" {
			return fmt.Errorf("output file is required, use -o flag")
		}
		input, err := readText(sayOpts.text, args)
		if err != nil {
			return err
		}
		ctx, cancel := context.WithTimeout(cmd.Context(), remoteOpts.timeout)
		defer cancel()

		client, err := connect(ctx)
		if err != nil {
			return err
		}
		defer client.Close()

		session := uuid.NewString()
		audioCh := make(chan *nats.Msg, 64)
		doneCh := make(chan *nats.Msg, 4)
		audioSub, err := client.Conn().ChanSubscribe(protocol.SubjectTTSAudio, audioCh)
		if err != nil {
			return err
		}
		defer audioSub.Unsubscribe()
		doneSub, err := client.Conn().ChanSubscribe(protocol.SubjectTTSDone, doneCh)
		if err != nil {
			return err
		}
		defer doneSub.Unsubscribe()

		req := protocol.TTSRequest{SessionID: session, Text: input, Voice: sayOpts.voice, ChunkSize: sayOpts.chunk}
		if err := client.PublishJSON(protocol.SubjectTTSRequest, req); err != nil {
			return err
		}

		pcm, rate, err := collect(ctx, session, audioCh, doneCh)
		if err != nil {
			return err
		}
		samples := audio.FromPCM16Bytes(pcm)
		if err := audio.WriteWAV(sayOpts.output, samples, rate); err != nil {
			return err
		}
		w := cmd.OutOrStdout()
		fmt.Fprintln(w, titleStyle.Render("synthesized"))
		printField(w, "session", session)
		printField(w, "output", sayOpts.output)
		printField(w, "duration", fmt.Sprintf("%.2fs", audio.Clip{Samples: samples, SampleRate: rate}.Duration()))
		return nil
	},
}

// collect gathers the audio packets of session until the final packet and
// the closing status have both arrived.
func collect(ctx context.Context, session string, audioCh, doneCh <-chan *nats.Msg) ([]byte, int, error) {
	var (
		pcm      []byte
		rate     int
		next     int
		final    bool
		finished bool
	)
	for !(final && finished) {
		select {
		case <-ctx.Done():
			return nil, 0, fmt.Errorf("waiting for session %s: %w", session, ctx.Err())
		case msg := <-audioCh:
			var chunk protocol.AudioChunk
			if err := json.Unmarshal(msg.Data, &chunk); err != nil || chunk.SessionID != session {
				continue
			}
			if chunk.Sequence != next {
				return nil, 0, fmt.Errorf("session %s: packet %d arrived, expected %d", session, chunk.Sequence, next)
			}
			next++
			rate = chunk.SampleRate
			pcm = append(pcm, chunk.PCM...)
			final = chunk.Final
		case msg := <-doneCh:
			var status protocol.TTSStatus
			if err := json.Unmarshal(msg.Data, &status); err != nil || status.SessionID != session {
				continue
			}
			if !status.Completed {
				return nil, 0, fmt.Errorf("synthesis failed (%s): %s", status.Kind, status.Error)
			}
			finished = true
		}
	}
	return pcm, rate, nil
}

var speakersCmd = &cobra.Command{
	Use:   "speakers",
	Short: "List the voices enrolled on a running voxd",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := context.WithTimeout(cmd.Context(), remoteOpts.timeout)
		defer cancel()

		client, err := connect(ctx)
		if err != nil {
			return err
		}
		defer client.Close()

		var reply protocol.SpeakersReply
		if err := client.RequestJSON(ctx, protocol.SubjectVoiceSpeakers, struct{}{}, &reply); err != nil {
			return err
		}
		w := cmd.OutOrStdout()
		fmt.Fprintln(w, titleStyle.Render(fmt.Sprintf("%d speakers", len(reply.Speakers))))
		for _, name := range reply.Speakers {
			fmt.Fprintln(w, " ", name)
		}
		return nil
	},
}

func connect(ctx context.Context) (*bus.Client, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	busCfg := cfg.Bus
	if len(remoteOpts.servers) > 0 {
		busCfg.Servers = remoteOpts.servers
	}
	if len(busCfg.Servers) == 0 {
		busCfg.Servers = []string{nats.DefaultURL}
	}
	return bus.Connect(ctx, busCfg, newLogger())
}

func init() {
	for _, c := range []*cobra.Command{sayCmd, speakersCmd} {
		c.Flags().StringSliceVar(&remoteOpts.servers, "nats", nil, "NATS server URLs (defaults to the configured bus)")
		c.Flags().DurationVar(&remoteOpts.timeout, "timeout", 2*time.Minute, "Overall request timeout")
	}
	f := sayCmd.Flags()
	f.StringVar(&sayOpts.voice, "voice", "", "Speaker name (defaults to the node's configured voice)")
	f.StringVarP(&sayOpts.text, "text", "t", "", "Text to synthesize (or pass it as arguments)")
	f.IntVar(&sayOpts.chunk, "chunk", 0, "Maximum fragment size in runes")
	f.StringVarP(&sayOpts.output, "output", "o", "", "Output WAV file")
}
