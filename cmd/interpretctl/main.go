package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/loqalabs/loqa-interpreter/internal/bus"
	"github.com/loqalabs/loqa-interpreter/internal/config"
)

var version = "0.1.0-dev"

func main() {
	if len(os.Args) < 2 {
		fmt.Fprintln(os.Stderr, "expected 'validate', 'replay' or 'version'")
		os.Exit(2)
	}

	switch os.Args[1] {
	case "validate":
		var configPath string
		validateCmd := flag.NewFlagSet("validate", flag.ExitOnError)
		validateCmd.StringVar(&configPath, "config", "interpreter.yaml", "Path to configuration file")
		validateCmd.Parse(os.Args[2:])
		if _, err := config.Load(configPath); err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
		fmt.Println("config valid")
	case "replay":
		if err := runReplay(os.Args[2:]); err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
	case "version":
		fmt.Println(version)
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n", os.Args[1])
		os.Exit(2)
	}
}

func runReplay(args []string) error {
	var (
		file    string
		servers string
		opts    replayOptions
		frameMS int
		verbose bool
	)
	replayCmd := flag.NewFlagSet("replay", flag.ExitOnError)
	replayCmd.StringVar(&file, "file", "", "WAV file to replay (16-bit PCM)")
	replayCmd.StringVar(&servers, "bus", "nats://localhost:4222", "Comma separated NATS server URLs")
	replayCmd.StringVar(&opts.SourceLanguage, "source", "en", "Source language")
	replayCmd.StringVar(&opts.TargetLanguage, "target", "es", "Target language")
	replayCmd.IntVar(&frameMS, "frame-ms", 20, "Frame duration in milliseconds")
	replayCmd.BoolVar(&opts.Fast, "fast", false, "Publish frames without real-time pacing")
	replayCmd.BoolVar(&verbose, "v", false, "Log bus activity")
	replayCmd.Parse(args)
	if file == "" {
		return fmt.Errorf("replay: -file is required")
	}
	opts.Frame = time.Duration(frameMS) * time.Millisecond

	var out io.Writer = io.Discard
	if verbose {
		out = os.Stderr
	}
	logger := slog.New(slog.NewTextHandler(out, nil))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	client, err := bus.Connect(ctx, config.BusConfig{
		Servers:        strings.Split(servers, ","),
		ConnectTimeout: 2000,
	}, logger)
	if err != nil {
		return err
	}
	defer client.Close()

	result, err := replay(ctx, client, file, opts)
	if err != nil {
		return err
	}
	if err := client.Conn().Flush(); err != nil {
		return fmt.Errorf("flush bus: %w", err)
	}
	fmt.Printf("session %s: published %d frames (%s of audio)\n", result.SessionID, result.Frames, result.Duration.Round(time.Millisecond))
	return nil
}
