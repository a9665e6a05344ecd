package core

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/nodupelabs/nodupe/pkg/apply"
	"github.com/nodupelabs/nodupe/pkg/config"
	"github.com/nodupelabs/nodupe/pkg/log"
	"github.com/nodupelabs/nodupe/pkg/planner"
	"github.com/nodupelabs/nodupe/pkg/scan"
	"github.com/nodupelabs/nodupe/pkg/snapshot"
	"github.com/nodupelabs/nodupe/pkg/storage"
	"github.com/nodupelabs/nodupe/pkg/verify"
)

// Core wires the components together and owns the root cancellation
// token. Every command gets its dependencies from here; there are no
// process-wide singletons beyond the logger.
type Core struct {
	Config    *config.Config
	Catalog   storage.Catalog
	Snapshots snapshot.Store

	ctx    context.Context
	cancel context.CancelFunc
	logger zerolog.Logger
}

// Open loads configuration, opens the catalog and the snapshot store,
// and establishes the root cancellation context
func Open(configPath string) (*Core, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}

	catalog, err := storage.Open(cfg.Catalog.Path, storage.Options{
		GroupCommitWindow: time.Duration(cfg.Catalog.GroupCommitMS) * time.Millisecond,
	})
	if err != nil {
		return nil, err
	}

	snapshots, err := snapshot.NewDirStore(cfg.Snapshot.Root, cfg.Snapshot.HashAlgorithm)
	if err != nil {
		catalog.Close()
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Core{
		Config:    cfg,
		Catalog:   catalog,
		Snapshots: snapshots,
		ctx:       ctx,
		cancel:    cancel,
		logger:    log.WithComponent("core"),
	}, nil
}

// Context returns the root cancellation context; cancelling it cancels
// every running component
func (c *Core) Context() context.Context { return c.ctx }

// Cancel cancels the root context
func (c *Core) Cancel() { c.cancel() }

// Close releases the catalog
func (c *Core) Close() error {
	c.cancel()
	return c.Catalog.Close()
}

// Scanner builds a scan orchestrator with config defaults, letting opts
// override what the caller set explicitly
func (c *Core) Scanner(opts scan.Options) *scan.Orchestrator {
	if opts.Workers == 0 {
		opts.Workers = int(c.Config.Scan.Workers)
	}
	if opts.MediaProfile == "" {
		opts.MediaProfile = c.Config.Scan.MediaProfile
	}
	if opts.QuickHashBytes == 0 {
		opts.QuickHashBytes = c.Config.Scan.QuickHashBytes
	}
	if opts.CheckpointInterval == 0 {
		opts.CheckpointInterval = time.Duration(c.Config.Scan.CheckpointIntervalS) * time.Second
	}
	return scan.New(c.Catalog, opts)
}

// Planner builds a planner
func (c *Core) Planner() *planner.Planner {
	return planner.New(c.Catalog)
}

// Executor builds an apply executor; force overrides the configured
// missing-target policy to ignore
func (c *Core) Executor(dryRun, force bool) *apply.Executor {
	return apply.New(c.Catalog, c.Snapshots, apply.Options{
		RetryAttempts: c.Config.Apply.RetryAttempts,
		IgnoreMissing: force || c.Config.Apply.PolicyOnMissing == "ignore",
		DryRun:        dryRun,
	})
}

// Verifier builds a verifier
func (c *Core) Verifier() *verify.Verifier {
	return verify.New(c.Catalog, c.Snapshots)
}
