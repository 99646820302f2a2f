// velox-say is a minimal client bridge: it sends one utterance to a running
// veloxd, collects the audio stream, and writes it out as a WAV file. Useful
// for smoke-testing a deployment without a full voice agent.
package main

import (
	"context"
	"encoding/binary"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/go-audio/audio"
	"github.com/go-audio/wav"

	"github.com/veloxlabs/velox-tts/internal/client"
)

func main() {
	var (
		url     string
		voice   string
		out     string
		timeout time.Duration
	)

	flag.StringVar(&url, "url", client.ServerURLFromEnv(), "TTS server URL (or TTS_SERVER_URL)")
	flag.StringVar(&voice, "voice", "", "Voice profile")
	flag.StringVar(&out, "out", "out.wav", "Output WAV path")
	flag.DurationVar(&timeout, "timeout", 60*time.Second, "Overall deadline")
	flag.Parse()

	text := strings.Join(flag.Args(), " ")
	if strings.TrimSpace(text) == "" {
		fmt.Fprintln(os.Stderr, "usage: velox-say [flags] <text>")
		os.Exit(2)
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	if err := run(ctx, logger, url, voice, out, text); err != nil {
		logger.Error("synthesis failed", slog.String("error", err.Error()))
		os.Exit(1)
	}
}

func run(ctx context.Context, logger *slog.Logger, url, voice, out, text string) error {
	c, err := client.Dial(ctx, client.Options{URL: url, Logger: logger})
	if err != nil {
		return err
	}
	defer c.Close()

	pcm, sampleRate, channels, err := c.SynthesizeAll(ctx, text, voice)
	if err != nil {
		return err
	}
	if len(pcm) == 0 {
		return fmt.Errorf("server returned no audio")
	}

	if err := writeWAV(out, pcm, sampleRate, channels); err != nil {
		return err
	}
	logger.Info("wrote audio",
		slog.String("path", out),
		slog.Int("bytes", len(pcm)),
		slog.Int("sample_rate", sampleRate))
	return nil
}

func writeWAV(path string, pcm []byte, sampleRate, channels int) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()

	samples := make([]int, len(pcm)/2)
	for i := range samples {
		samples[i] = int(int16(binary.LittleEndian.Uint16(pcm[i*2:])))
	}

	enc := wav.NewEncoder(f, sampleRate, 16, channels, 1)
	buf := &audio.IntBuffer{
		Format:         &audio.Format{NumChannels: channels, SampleRate: sampleRate},
		Data:           samples,
		SourceBitDepth: 16,
	}
	if err := enc.Write(buf); err != nil {
		return err
	}
	return enc.Close()
}
