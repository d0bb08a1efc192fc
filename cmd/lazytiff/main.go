package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	"github.com/marmos91/lazytiff/internal/logger"
	"github.com/marmos91/lazytiff/pkg/cog"
	"github.com/marmos91/lazytiff/pkg/config"
)

func main() {
	configPath := flag.String("config", "", "Path to config file (default: $XDG_CONFIG_HOME/lazytiff/config.yaml)")
	initConfig := flag.Bool("init-config", false, "Write a default config file and exit")
	forceInit := flag.Bool("force", false, "Overwrite an existing config file with -init-config")
	logLevel := flag.String("log-level", "", "Log level (DEBUG, INFO, WARN, ERROR); overrides config")
	load := flag.String("load", "", "Comma-separated overview levels to load (e.g. \"0,2,3\")")
	chunk := flag.Int("chunk", -1, "Chunk index to decode (requires -level and -load)")
	level := flag.Int("level", 0, "Overview level for -chunk")
	out := flag.String("out", "", "File to write decoded chunk bytes to (default: discard, print size)")
	flag.Parse()

	if *initConfig {
		path, err := config.InitConfig(*forceInit)
		if err != nil {
			log.Fatalf("Failed to initialize config: %v", err)
		}
		fmt.Printf("Wrote default config to %s\n", path)
		return
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	// Positional argument overrides the configured source:
	// a local path or an s3://bucket/key URL.
	if flag.NArg() > 0 {
		if err := applySourceArg(cfg, flag.Arg(0)); err != nil {
			log.Fatalf("%v", err)
		}
	}

	if *logLevel != "" {
		cfg.Logging.Level = strings.ToUpper(*logLevel)
	}
	logger.SetLevel(cfg.Logging.Level)

	switch cfg.Logging.Output {
	case "", "stderr":
	case "stdout":
		logger.SetOutput(os.Stdout)
	default:
		logFile, err := os.OpenFile(cfg.Logging.Output, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			log.Fatalf("Failed to open log file: %v", err)
		}
		defer logFile.Close()
		logger.SetOutput(logFile)
	}

	// Cancel on Ctrl+C so slow remote fetches abort cleanly.
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigChan
		logger.Info("Interrupt received, aborting...")
		cancel()
	}()

	reader, closeReader, err := config.NewReader(ctx, cfg)
	if err != nil {
		log.Fatalf("Failed to open source: %v", err)
	}
	defer func() {
		if err := closeReader(); err != nil {
			logger.Warn("Close error: %v", err)
		}
	}()

	decoder, err := cog.Open(ctx, reader)
	if err != nil {
		log.Fatalf("Failed to open TIFF: %v", err)
	}

	if decoder.Header().BigTIFF {
		fmt.Println("Format: BigTIFF")
	} else {
		fmt.Println("Format: TIFF")
	}
	fmt.Printf("Overview levels: %d\n", decoder.Levels())

	levels, err := parseLevels(*load)
	if err != nil {
		log.Fatalf("Invalid -load: %v", err)
	}

	if len(levels) > 0 {
		report, err := decoder.LoadLevels(ctx, levels...)
		if report != nil {
			printReport(decoder, report)
		}
		if err != nil {
			logger.Warn("Load finished with errors: %v", err)
		}
	}

	if *chunk >= 0 {
		if err := decodeChunk(ctx, decoder, *chunk, *level, *out); err != nil {
			log.Fatalf("Failed to decode chunk: %v", err)
		}
	}
}

// applySourceArg maps a path or s3:// URL onto the source config section.
func applySourceArg(cfg *config.Config, arg string) error {
	if rest, ok := strings.CutPrefix(arg, "s3://"); ok {
		bucket, key, ok := strings.Cut(rest, "/")
		if !ok || bucket == "" || key == "" {
			return fmt.Errorf("invalid S3 URL %q (want s3://bucket/key)", arg)
		}
		cfg.Source.Type = "s3"
		cfg.Source.S3.Bucket = bucket
		cfg.Source.S3.Key = key
		return nil
	}

	cfg.Source.Type = "file"
	cfg.Source.File.Path = arg
	return nil
}

func parseLevels(s string) ([]int, error) {
	if s == "" {
		return nil, nil
	}
	parts := strings.Split(s, ",")
	levels := make([]int, 0, len(parts))
	for _, p := range parts {
		n, err := strconv.Atoi(strings.TrimSpace(p))
		if err != nil {
			return nil, fmt.Errorf("level %q is not a number", p)
		}
		levels = append(levels, n)
	}
	return levels, nil
}

func printReport(decoder *cog.Decoder, report *cog.LoadReport) {
	for _, lvl := range report.Loaded {
		img, ok := decoder.Image(lvl)
		if !ok {
			continue
		}
		fmt.Printf("Level %d: %dx%d, %d %s chunk(s), compression %d\n",
			lvl, img.Options.Width, img.Options.Height,
			img.Index.Count(), img.Options.Layout, img.Options.Compression)
	}
	for lvl, err := range report.Failed {
		fmt.Printf("Level %d: FAILED: %v\n", lvl, err)
	}
}

func decodeChunk(ctx context.Context, decoder *cog.Decoder, chunk, level int, out string) error {
	data, err := decoder.DecodeChunk(ctx, chunk, level)
	if err != nil {
		return err
	}

	if out == "" {
		fmt.Printf("Chunk %d of level %d: %d byte(s) decoded\n", chunk, level, len(data))
		return nil
	}

	if err := os.WriteFile(out, data, 0o644); err != nil {
		return fmt.Errorf("failed to write %s: %w", out, err)
	}
	fmt.Printf("Chunk %d of level %d: %d byte(s) written to %s\n", chunk, level, len(data), out)
	return nil
}
