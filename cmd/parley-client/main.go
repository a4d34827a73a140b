// parley-client drives one speech session from the command line: a WAV file
// stands in for the microphone, the model's reply audio lands in another WAV,
// and the merged transcript prints on exit.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/parley-labs/parley-core/internal/audio"
	"github.com/parley-labs/parley-core/internal/bus"
	"github.com/parley-labs/parley-core/internal/client"
	"github.com/parley-labs/parley-core/internal/config"
	"github.com/parley-labs/parley-core/internal/protocol"
)

func main() {
	var (
		servers  string
		inPath   string
		outPath  string
		system   string
		modelID  string
		region   string
		holdSecs int
		logLevel string
	)

	flag.StringVar(&servers, "servers", "nats://localhost:4222", "Comma-separated NATS server URLs")
	flag.StringVar(&inPath, "in", "", "16-bit WAV file to speak into the session")
	flag.StringVar(&outPath, "out", "reply.wav", "WAV file for the model's reply audio")
	flag.StringVar(&system, "system", "You are a helpful voice assistant.", "System prompt")
	flag.StringVar(&modelID, "model", "", "Model id (bridge default when empty)")
	flag.StringVar(&region, "region", "", "Model region (bridge default when empty)")
	flag.IntVar(&holdSecs, "hold", 10, "Seconds to keep the session open before stopping")
	flag.StringVar(&logLevel, "log-level", "warn", "Log level: debug, info, warn, error")
	flag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: parseLevel(logLevel)}))

	if inPath == "" {
		fmt.Fprintln(os.Stderr, "usage: parley-client -in speech.wav [-out reply.wav]")
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	busCfg := config.Default().Bus
	busCfg.Embedded = false
	busCfg.Servers = strings.Split(servers, ",")
	busClient, err := bus.Connect(ctx, busCfg, logger)
	if err != nil {
		logger.Error("failed to connect to bus", slog.String("error", err.Error()))
		os.Exit(1)
	}
	defer busClient.Close()

	source := &audio.FileSource{Path: inPath, BlockSize: 1024}
	sink := &audio.FileSink{Path: outPath, SampleRate: config.Default().Model.OutputSampleRate}

	ctrl := client.NewController(busClient, busClient, source, sink, client.Options{
		SystemPrompt: system,
		Model:        protocol.ModelRef{ModelID: modelID, Region: region},
		OnNotice: func(msg string) {
			fmt.Fprintln(os.Stderr, msg)
		},
	}, logger)

	if err := ctrl.StartSession(ctx); err != nil {
		logger.Error("failed to start session", slog.String("error", err.Error()))
		os.Exit(1)
	}

	select {
	case <-time.After(time.Duration(holdSecs) * time.Second):
	case <-ctx.Done():
	case <-ctrl.Done():
	}

	closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := ctrl.CloseSession(closeCtx); err != nil {
		logger.Warn("failed to close session", slog.String("error", err.Error()))
	}

	select {
	case <-ctrl.Done():
	case <-time.After(10 * time.Second):
		logger.Warn("bridge did not confirm session end")
	}

	for _, turn := range ctrl.Transcript() {
		fmt.Printf("%s: %s\n", turn.Role, turn.Content)
	}
	fmt.Fprintln(os.Stderr, "reply audio written to "+outPath)
}

func parseLevel(name string) slog.Level {
	switch name {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "error":
		return slog.LevelError
	default:
		return slog.LevelWarn
	}
}
