package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/loqalabs/loqa-scribe/internal/audio"
	"github.com/loqalabs/loqa-scribe/internal/config"
	"github.com/loqalabs/loqa-scribe/internal/pipeline"
	"github.com/loqalabs/loqa-scribe/internal/runtime"
)

var version = "0.1.0-dev"

func main() {
	var (
		configPath  string
		showVersion bool
		listDevices bool
		filePath    string
	)

	flag.StringVar(&configPath, "config", "", "Path to configuration file (defaults apply when empty)")
	flag.BoolVar(&showVersion, "version", false, "Print version and exit")
	flag.BoolVar(&listDevices, "list-devices", false, "List capture devices and exit")
	flag.StringVar(&filePath, "file", "", "Transcribe one WAV file and exit")
	flag.Parse()

	if showVersion {
		fmt.Println(version)
		return
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: parseLogLevel(cfg.Telemetry.LogLevel),
	}))

	if listDevices {
		os.Exit(runListDevices(cfg))
	}
	if filePath != "" {
		os.Exit(runFile(cfg, logger, filePath))
	}

	rt := runtime.New(cfg, logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := rt.Start(ctx); err != nil {
		logger.Error("runtime exited with error", slog.String("error", err.Error()))
		time.Sleep(1 * time.Second)
		os.Exit(1)
	}

	logger.Info("shutdown complete")
}

func runListDevices(cfg config.Config) int {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	devices, err := audio.ListDevices(ctx, cfg.Audio.ListCommand)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to list devices: %v\n", err)
		return 1
	}
	if len(devices) == 0 {
		fmt.Println("no capture devices found")
		return 0
	}
	for _, d := range devices {
		fmt.Printf("%d: %s\n", d.Index, d.Name)
	}
	return 0
}

// runFile transcribes one WAV clip through the same session machinery the
// server uses and prints the finals to stdout.
func runFile(cfg config.Config, logger *slog.Logger, path string) int {
	f, err := os.Open(path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to open %s: %v\n", path, err)
		return 1
	}
	pcm, sampleRate, channels, err := audio.DecodeWAV(f)
	_ = f.Close()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to decode %s: %v\n", path, err)
		return 1
	}
	pcm = audio.DownmixToMono(pcm, channels)

	manager := pipeline.NewManager(cfg, logger)
	sessionCfg := manager.Defaults()
	sessionCfg.Source = pipeline.SourceBuffer
	sessionCfg.PCM = pcm
	sessionCfg.SampleRate = sampleRate
	sessionCfg.PartialResults = false

	sink := pipeline.NewCollectSink()
	session, err := manager.CreateSession(sessionCfg, []pipeline.Sink{sink})
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create session: %v\n", err)
		return 1
	}
	if err := session.Start(context.Background()); err != nil {
		fmt.Fprintf(os.Stderr, "failed to start session: %v\n", err)
		return 1
	}
	<-session.Done()

	finals := sink.Finals()
	if len(finals) == 0 {
		fmt.Fprintln(os.Stderr, "no transcript produced")
		return 1
	}
	code := 0
	for _, ev := range finals {
		if ev.Error != "" {
			fmt.Fprintf(os.Stderr, "utterance %d failed: %s\n", ev.UtteranceID, ev.Error)
			code = 1
			continue
		}
		fmt.Println(ev.Text)
	}
	return code
}

func parseLogLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
