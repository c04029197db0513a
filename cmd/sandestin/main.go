package main

import (
	"context"
	"errors"
	"flag"
	"io/fs"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/coreman2200/funtimes-sandestin/internal/app"
	"github.com/coreman2200/funtimes-sandestin/internal/config"
	"github.com/coreman2200/funtimes-sandestin/internal/geometry"
)

func main() {
	// ---- Flags (explicitly set ones override config.yaml) ----
	var (
		configPath  = flag.String("config", "config.yaml", "path to config.yaml")
		fps         = flag.Int("fps", 0, "target frames per second (default from config)")
		output      = flag.String("output", "", "output: e131 | spi | sim")
		receiver    = flag.String("receiver", "", "E1.31 receiver address")
		multicast   = flag.Bool("multicast", false, "send each universe to its multicast group")
		pattern     = flag.String("pattern", "", "pattern name")
		brightness  = flag.Float64("brightness", -1, "global brightness 0..1")
		capturePath = flag.String("capture", "", "also write sent packets to this pcap file")
		addr        = flag.String("addr", "", "preview HTTP listen address; \"off\" disables")
		simOnly     = flag.Bool("sim-only", false, "force simulation (no network or hardware output)")
		logLevel    = flag.String("log-level", "info", "log level: debug | info | warn | error")
		writeConfig = flag.Bool("write-config", false, "write the effective config to -config and exit")
	)
	flag.Parse()

	// ---- Logging ----
	zerolog.TimeFieldFormat = time.RFC3339
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.Kitchen})
	if lvl, err := zerolog.ParseLevel(*logLevel); err == nil {
		zerolog.SetGlobalLevel(lvl)
	} else {
		log.Warn().Str("level", *logLevel).Msg("unknown log level; using info")
	}

	// ---- Load config.yaml (optional) ----
	cfg := config.Default()
	if c, err := config.Load(*configPath); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			log.Info().Str("path", *configPath).Msg("no config file; using defaults and flags")
		} else {
			log.Fatal().Err(err).Str("path", *configPath).Msg("config load failed")
		}
	} else {
		cfg = c
	}

	// ---- Flags the user set explicitly win over the file ----
	if *fps > 0 {
		cfg.FPS = *fps
	}
	if *output != "" {
		cfg.Output = *output
	}
	if *receiver != "" {
		cfg.E131.Receiver = *receiver
	}
	if *multicast {
		cfg.E131.Multicast = true
	}
	if *pattern != "" {
		cfg.Pattern.Name = *pattern
	}
	if *brightness >= 0 {
		cfg.Brightness = *brightness
	}
	if *capturePath != "" {
		cfg.Capture.Path = *capturePath
	}
	switch *addr {
	case "":
	case "off":
		cfg.Preview.Addr = ""
	default:
		cfg.Preview.Addr = *addr
	}
	if *simOnly {
		cfg.Output = "sim"
	}

	if err := cfg.Validate(); err != nil {
		log.Fatal().Err(err).Msg("invalid config")
	}
	if *writeConfig {
		if err := config.Save(*configPath, cfg); err != nil {
			log.Fatal().Err(err).Str("path", *configPath).Msg("config save failed")
		}
		log.Info().Str("path", *configPath).Msg("config written")
		return
	}

	// ---- Build the show ----
	core, err := app.InitCore(cfg, app.Hardware{}, log.Logger)
	if err != nil {
		if errors.Is(err, geometry.ErrSlotCollision) {
			log.Fatal().Err(err).Msg("model has overlapping output slots")
		}
		log.Fatal().Err(err).Msg("startup failed")
	}
	log.Info().Msgf("model has %d nodes, %d edges and %d pixels",
		core.Model.NodeCount(), core.Model.EdgeCount(), core.Model.PixelCount())
	log.Info().
		Str("output", cfg.Output).
		Str("pattern", core.Pattern.Name()).
		Int("fps", cfg.FPS).
		Int("channels", core.Builder.Size()).
		Int("universes", core.Universes).
		Msg("show starting")

	// ---- Run until SIGINT/SIGTERM ----
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	if err := core.Run(ctx); err != nil {
		log.Fatal().Err(err).Msg("show stopped")
	}
	st := core.Sched.Stats()
	log.Info().
		Int64("frames", st.Frames).
		Int64("failures", st.Failures).
		Int64("skipped", st.Skipped).
		Msg("shutting down")
}
