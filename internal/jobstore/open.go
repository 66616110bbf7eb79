package jobstore

import (
	"fmt"
	"log/slog"
	"time"
)

// Options selects and configures the job store backend.
type Options struct {
	// Mode is "auto" (CLI with jobs.json fallback), "cli" or "disk".
	Mode           string
	Binary         string
	OpenClawDir    string
	CallTimeout    time.Duration
	TriggerTimeout time.Duration
	Logger         *slog.Logger
}

// Open builds the configured backend wrapped in a ResilientStore.
func Open(opts Options) (*ResilientStore, error) {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	logger := opts.Logger.With("component", "jobstore")
	disk := NewDiskStore(opts.OpenClawDir)
	cli := NewCLIStore(CLIConfig{Binary: opts.Binary, OpenClawDir: opts.OpenClawDir, Logger: logger})

	var inner Store
	switch opts.Mode {
	case "", "auto":
		inner = NewFallbackStore(cli, disk, logger)
	case "cli":
		inner = cli
	case "disk":
		inner = NewFallbackStore(nil, disk, logger)
	default:
		return nil, fmt.Errorf("unknown job store mode %q", opts.Mode)
	}
	return NewResilientStore(inner, ResilientConfig{
		CallTimeout:    opts.CallTimeout,
		TriggerTimeout: opts.TriggerTimeout,
		Logger:         logger,
	}), nil
}
