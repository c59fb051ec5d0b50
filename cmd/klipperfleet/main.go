package main

import (
	"flag"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	log "github.com/sirupsen/logrus"

	"github.com/samsamfire/klipperfleet/internal/proc"
	"github.com/samsamfire/klipperfleet/pkg/batch"
	"github.com/samsamfire/klipperfleet/pkg/build"
	"github.com/samsamfire/klipperfleet/pkg/bus"
	"github.com/samsamfire/klipperfleet/pkg/discover"
	"github.com/samsamfire/klipperfleet/pkg/flash"
	"github.com/samsamfire/klipperfleet/pkg/fleet"
	gateway "github.com/samsamfire/klipperfleet/pkg/gateway/http"
	"github.com/samsamfire/klipperfleet/pkg/moonraker"
	"github.com/samsamfire/klipperfleet/pkg/services"
	"github.com/samsamfire/klipperfleet/pkg/task"
	"github.com/samsamfire/klipperfleet/pkg/transition"
)

var DEFAULT_HTTP_PORT = 8150
var DEFAULT_MOONRAKER_URL = "http://localhost:7125"

func main() {
	log.SetLevel(log.InfoLevel)
	// Command line arguments
	port := flag.Int("p", DEFAULT_HTTP_PORT, "http listen port")
	moonrakerURL := flag.String("m", DEFAULT_MOONRAKER_URL, "moonraker base url")
	debug := flag.Bool("d", false, "debug logging")
	flag.Parse()

	level := slog.LevelInfo
	if *debug {
		log.SetLevel(log.DebugLevel)
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: level}))

	klipperDir := mustDir("KLIPPER_DIR", "~/klipper")
	katapultDir := mustDir("KATAPULT_DIR", "~/katapult")
	dataDir := mustDir("DATA_DIR", "~/printer_data/klipperfleet")

	registry, err := fleet.NewStore(dataDir, logger)
	if err != nil {
		panic(err)
	}
	profilesDir := filepath.Join(dataDir, "profiles")
	artifactsDir := filepath.Join(dataDir, "artifacts")
	for _, dir := range []string{profilesDir, artifactsDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			panic(err)
		}
	}

	runner := proc.NewExecRunner()
	arbiter := bus.NewArbiter()
	printer := moonraker.NewClient(*moonrakerURL, logger)
	disc := discover.New(runner, printer, arbiter, klipperDir, katapultDir, logger)
	builder := build.New(runner, klipperDir, profilesDir, artifactsDir, logger)
	trans := transition.New(runner, disc, katapultDir, logger)
	flasher := flash.New(runner, disc, katapultDir, logger)
	units := services.New(runner, logger)
	tasks := task.NewStore()
	orchestrator := batch.New(tasks, registry, builder, units, trans, flasher, disc, logger)

	server := gateway.NewServer(registry, disc, tasks, orchestrator, builder, units, printer, logger)
	log.Infof("klipperfleet listening on :%d (data dir %s)", *port, dataDir)
	if err := server.ListenAndServe(fmt.Sprintf(":%d", *port)); err != nil {
		panic(err)
	}
}

// mustDir reads a directory from the environment, falling back to a
// default, and returns it absolute with ~ expanded.
func mustDir(env, fallback string) string {
	dir := os.Getenv(env)
	if dir == "" {
		dir = fallback
	}
	if len(dir) > 0 && dir[0] == '~' {
		home, err := os.UserHomeDir()
		if err != nil {
			panic(err)
		}
		dir = filepath.Join(home, dir[1:])
	}
	abs, err := filepath.Abs(dir)
	if err != nil {
		panic(err)
	}
	return abs
}
