package main

import (
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"unicode/utf8"

	"github.com/spf13/cobra"

	"github.com/loqalabs/loqa-voice/internal/audio"
	"github.com/loqalabs/loqa-voice/internal/synth"
	"github.com/loqalabs/loqa-voice/internal/text"
	"github.com/loqalabs/loqa-voice/internal/voicepack"
)

var synthOpts struct {
	speaker string
	model   string
	ref     string
	refText string
	text    string
	chunk   int
	output  string
	whole   bool
	pack    string
}

var synthCmd = &cobra.Command{
	Use:   "synth",
	Short: "Synthesize text in a voice enrolled from a reference clip",
	Long: `Enroll a speaker from a reference WAV and its transcript, then
synthesize text and write a 16-bit WAV file.

Example:
  voxctl synth --pack voices/alice --text "Hello there." -o hello.wav
  voxctl synth --model voices/alice.onnx --ref alice.wav \
    --ref-text "Nice to meet you." --text "Hello there." -o hello.wav`,
	RunE: func(cmd *cobra.Command, args []string) error {
		if synthOpts.pack != "" {
			m, err := voicepack.Load(synthOpts.pack)
			if err != nil {
				return err
			}
			if err := voicepack.Validate(m); err != nil {
				return fmt.Errorf("voice pack %s: %w", synthOpts.pack, err)
			}
			synthOpts.model, synthOpts.ref, synthOpts.refText = m.ModelPath(), m.AudioPath(), m.Reference.Text
			if synthOpts.speaker == "" {
				synthOpts.speaker = m.Metadata.Name
			}
		}
		if synthOpts.model == "" || synthOpts.ref == "" {
			return fmt.Errorf("--pack, or --model and --ref, are required")
		}
		if synthOpts.output == "" {
			return fmt.Errorf("output file is required, use -o flag")
		}
		input, err := readText(synthOpts.text, args)
		if err != nil {
			return err
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
		defer stop()

		engine, err := openEngine(ctx)
		if err != nil {
			return err
		}
		defer engine.Close()

		name := synthOpts.speaker
		if name == "" {
			name = strings.TrimSuffix(filepath.Base(synthOpts.model), filepath.Ext(synthOpts.model))
		}
		if err := engine.EnrollFile(ctx, name, synthOpts.model, synthOpts.ref, synthOpts.refText); err != nil {
			return err
		}

		var result synth.Audio
		if synthOpts.whole {
			result, err = engine.Infer(ctx, name, input)
		} else {
			size := synthOpts.chunk
			if size <= 0 {
				size = engine.DefaultChunkSize()
			}
			result, err = engine.SegmentInfer(ctx, name, input, size)
		}
		if err != nil {
			return err
		}
		if err := audio.WriteWAV(synthOpts.output, result.Samples, result.SampleRate); err != nil {
			return err
		}

		w := cmd.OutOrStdout()
		fmt.Fprintln(w, titleStyle.Render("synthesized"))
		printField(w, "speaker", name)
		printField(w, "output", synthOpts.output)
		printField(w, "sample rate", result.SampleRate)
		printField(w, "duration", result.Duration())
		return nil
	},
}

var g2pCmd = &cobra.Command{
	Use:   "g2p [text]",
	Short: "Print the phone symbols for a text",
	RunE: func(cmd *cobra.Command, args []string) error {
		input, err := readText("", args)
		if err != nil {
			return err
		}
		engine, err := openEngine(cmd.Context())
		if err != nil {
			return err
		}
		defer engine.Close()

		seq, err := engine.Phonemize(cmd.Context(), input)
		if err != nil {
			return err
		}
		names := engine.Symbols().Symbols()
		phones := make([]string, len(seq.IDs))
		for i, id := range seq.IDs {
			phones[i] = names[id]
		}
		w := cmd.OutOrStdout()
		printField(w, "phones", strings.Join(phones, " "))
		printField(w, "ids", fmt.Sprint(seq.IDs))
		printField(w, "embedding", fmt.Sprintf("%d x %d", len(seq.Embeddings), embeddingWidth(seq.Embeddings)))
		return nil
	},
}

func embeddingWidth(rows [][]float32) int {
	if len(rows) == 0 {
		return 0
	}
	return len(rows[0])
}

var splitChunk int

var splitCmd = &cobra.Command{
	Use:   "split [text]",
	Short: "Print the fragments a text is segmented into",
	Long: `Split text the way synthesis does before running each fragment.
A chunk size of 0 selects the default.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		input, err := readText("", args)
		if err != nil {
			return err
		}
		size := text.ResolveChunkSize(splitChunk)
		w := cmd.OutOrStdout()
		fmt.Fprintln(w, dimStyle.Render(fmt.Sprintf("chunk size %d", size)))
		n := 0
		for frag := range text.Split(input, size) {
			fmt.Fprintf(w, "%s %s %s\n",
				labelStyle.Render(fmt.Sprintf("%3d", n)),
				frag,
				dimStyle.Render(fmt.Sprintf("(%d)", utf8.RuneCountInString(frag))))
			n++
		}
		if n == 0 {
			return text.ErrEmptyInput
		}
		return nil
	},
}

var symbolsCmd = &cobra.Command{
	Use:   "symbols",
	Short: "List the phone symbol table",
	RunE: func(cmd *cobra.Command, args []string) error {
		engine, err := openEngine(cmd.Context())
		if err != nil {
			return err
		}
		defer engine.Close()

		table := engine.Symbols()
		w := cmd.OutOrStdout()
		fmt.Fprintln(w, titleStyle.Render(fmt.Sprintf("%d symbols", table.Len())))
		for id, s := range table.Symbols() {
			fmt.Fprintf(w, "%s %q\n", dimStyle.Render(fmt.Sprintf("%4d", id)), s)
		}
		return nil
	},
}

// readText returns flagText, the joined args, or stdin when args is "-".
func readText(flagText string, args []string) (string, error) {
	switch {
	case flagText != "":
		return flagText, nil
	case len(args) == 1 && args[0] == "-":
		data, err := io.ReadAll(os.Stdin)
		return string(data), err
	case len(args) > 0:
		return strings.Join(args, " "), nil
	}
	return "", fmt.Errorf("no text given")
}

func init() {
	f := synthCmd.Flags()
	f.StringVarP(&synthOpts.speaker, "speaker", "s", "", "Speaker name (defaults to the model file name)")
	f.StringVarP(&synthOpts.pack, "pack", "p", "", "Voice pack directory holding a voice.yaml")
	f.StringVarP(&synthOpts.model, "model", "m", "", "Speaker model path")
	f.StringVarP(&synthOpts.ref, "ref", "r", "", "Reference WAV file")
	f.StringVar(&synthOpts.refText, "ref-text", "", "Transcript of the reference clip")
	f.StringVarP(&synthOpts.text, "text", "t", "", "Text to synthesize (or pass it as arguments)")
	f.IntVar(&synthOpts.chunk, "chunk", 0, "Maximum fragment size in runes (0 for the configured default)")
	f.BoolVar(&synthOpts.whole, "whole", false, "Synthesize in one pass without splitting")
	f.StringVarP(&synthOpts.output, "output", "o", "", "Output WAV file")

	splitCmd.Flags().IntVar(&splitChunk, "chunk", 0, "Maximum fragment size in runes")
}
