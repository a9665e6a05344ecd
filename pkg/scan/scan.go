package scan

import (
	"context"
	"errors"
	"fmt"
	"mime"
	"path/filepath"
	"runtime"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/nodupelabs/nodupe/pkg/errdefs"
	"github.com/nodupelabs/nodupe/pkg/hasher"
	"github.com/nodupelabs/nodupe/pkg/log"
	"github.com/nodupelabs/nodupe/pkg/metrics"
	"github.com/nodupelabs/nodupe/pkg/storage"
	"github.com/nodupelabs/nodupe/pkg/types"
	"github.com/nodupelabs/nodupe/pkg/walker"
)

const defaultBatchSize = 256

// Options configure one scan run
type Options struct {
	Workers            int
	MediaProfile       types.MediaProfile
	QuickHashBytes     uint32
	CheckpointInterval time.Duration
	BatchSize          int
	Embed              bool
	Resume             bool
	IgnorePatterns     []string
	FollowSymlinks     bool
	CrossDevice        bool
	// Progress, when set, receives the number of files committed so far
	// after every batch
	Progress func(files, bytes uint64)
}

// Result summarizes a completed (or cleanly cancelled) scan
type Result struct {
	Epoch       uint64
	HashAlgo    string
	FilesSeen   uint64
	FullHashed  uint64
	BytesHashed uint64
	EntryErrors uint64
}

// Orchestrator drives Walker → Hasher → Catalog as a bounded-concurrency
// pipeline with checkpointing and resume
type Orchestrator struct {
	catalog storage.Catalog
	hasher  *hasher.Hasher
	opts    Options
	logger  zerolog.Logger
}

// New creates a scan orchestrator
func New(catalog storage.Catalog, opts Options) *Orchestrator {
	if opts.BatchSize <= 0 {
		opts.BatchSize = defaultBatchSize
	}
	if opts.QuickHashBytes == 0 {
		opts.QuickHashBytes = 64 * 1024
	}
	if opts.CheckpointInterval <= 0 {
		opts.CheckpointInterval = 5 * time.Second
	}
	return &Orchestrator{
		catalog: catalog,
		hasher:  hasher.New(opts.QuickHashBytes),
		opts:    opts,
		logger:  log.WithComponent("scan"),
	}
}

// workerCount maps the media profile to parallelism. Rotational media is
// throttled hard to avoid seek thrash.
func (o *Orchestrator) workerCount() int {
	if o.opts.Workers > 0 {
		return o.opts.Workers
	}
	switch o.opts.MediaProfile {
	case types.MediaHDD:
		return 2
	case types.MediaNetwork:
		return 4
	default:
		return min(runtime.NumCPU(), 8)
	}
}

// Scan runs the full pipeline over the given roots: pass 1 stats and
// quick-hashes every candidate, pass 2 full-hashes quick-hash collision
// groups. A cancelled scan commits its in-flight batch, writes a final
// checkpoint and returns ErrCancelled.
func (o *Orchestrator) Scan(ctx context.Context, roots []string) (*Result, error) {
	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.ScanDuration)

	result := &Result{}

	for i, root := range roots {
		abs, err := filepath.Abs(root)
		if err != nil {
			return nil, fmt.Errorf("%w: root %q: %v", errdefs.ErrInvalidInput, root, err)
		}
		roots[i] = abs
	}

	for _, root := range roots {
		rec, err := o.catalog.EnsureRoot(root)
		if err != nil {
			return nil, err
		}

		epoch, resumeFrom, algo, err := o.epochFor(rec.ID)
		if err != nil {
			return nil, err
		}
		if algo == "" {
			// The catalog's previous pick, else a fresh autotune, so every
			// checkpoint of this scan records the algorithm
			if algo, err = o.catalog.GetSetting("hash_algo"); err != nil {
				return nil, err
			}
			if algo == "" {
				algo = hasher.Autotune(o.sampleWorkload())
				if err := o.catalog.PutSetting("hash_algo", algo); err != nil {
					return nil, err
				}
			}
		}
		result.HashAlgo = algo

		if err := o.scanRoot(ctx, root, rec.ID, epoch, resumeFrom, algo, result); err != nil {
			if errors.Is(err, errdefs.ErrCancelled) {
				return result, err
			}
			return nil, err
		}

		if _, err := o.catalog.MarkMissing(rec.ID, epoch); err != nil {
			return nil, err
		}
		if err := o.catalog.DeleteCheckpoint(rec.ID); err != nil && !errors.Is(err, errdefs.ErrNotFound) {
			return nil, err
		}
		result.Epoch = epoch
	}

	if err := o.fullHashPass(ctx, result); err != nil {
		return result, err
	}
	return result, nil
}

// epochFor picks the epoch and resume point for a root: a resumed scan
// continues its checkpoint's epoch and algorithm, a fresh one opens a new
// epoch.
func (o *Orchestrator) epochFor(rootID string) (uint64, string, string, error) {
	if o.opts.Resume {
		cp, err := o.catalog.GetCheckpoint(rootID)
		if err == nil {
			o.logger.Info().
				Str("root_id", rootID).
				Str("resume_from", cp.LastCompletedSubpath).
				Uint64("epoch", cp.Epoch).
				Msg("Resuming scan from checkpoint")
			return cp.Epoch, cp.LastCompletedSubpath, cp.HashAlgo, nil
		}
		if !errors.Is(err, errdefs.ErrNotFound) {
			return 0, "", "", err
		}
	}
	epoch, err := o.catalog.NextEpoch()
	return epoch, "", "", err
}

// sequenced pairs a walker entry with its position in traversal order so
// the checkpoint frontier can be computed from out-of-order completions
type sequenced struct {
	seq   uint64
	entry walker.Entry
}

// processed is a record ready for the catalog writer
type processed struct {
	seq    uint64
	rel    string
	record *types.FileRecord
	vector []float32
	model  string
}

func (o *Orchestrator) scanRoot(ctx context.Context, root, rootID string, epoch uint64, resumeFrom, algo string, result *Result) error {
	w, err := walker.New(root, rootID, walker.Options{
		IgnorePatterns: o.opts.IgnorePatterns,
		FollowSymlinks: o.opts.FollowSymlinks,
		CrossDevice:    o.opts.CrossDevice,
	})
	if err != nil {
		return err
	}

	workers := o.workerCount()
	entries := make(chan sequenced, 2*workers)
	records := make(chan processed, 2*workers)

	pipeCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	g, gctx := errgroup.WithContext(pipeCtx)

	// Feeder: sequence the walker output, skipping entries the
	// checkpoint already covers. Per-entry errors never enter the
	// pipeline — a failed entry must not hold back the checkpoint
	// frontier.
	var entryErrors atomic.Uint64
	g.Go(func() error {
		defer close(entries)
		var seq uint64
		for entry := range w.Walk(gctx) {
			if ctx.Err() != nil {
				return nil
			}
			if entry.Err != nil {
				entryErrors.Add(1)
				o.logger.Debug().Err(entry.Err).Str("path", entry.AbsolutePath).Msg("Walker entry error")
				continue
			}
			if resumeFrom != "" && walker.CompareRel(entry.RelativePath, resumeFrom) <= 0 {
				continue
			}
			select {
			case entries <- sequenced{seq: seq, entry: entry}:
				seq++
			case <-gctx.Done():
				return nil
			}
		}
		return nil
	})

	// Hash workers
	workerGroup, _ := errgroup.WithContext(gctx)
	for i := 0; i < workers; i++ {
		workerGroup.Go(func() error {
			for s := range entries {
				if ctx.Err() != nil {
					return nil
				}
				p := o.processEntry(ctx, s, epoch, &entryErrors)
				select {
				case records <- *p:
				case <-gctx.Done():
					return nil
				}
			}
			return nil
		})
	}
	g.Go(func() error {
		defer close(records)
		return workerGroup.Wait()
	})

	// Single catalog writer with checkpointing
	writer := &batchWriter{
		catalog:  o.catalog,
		rootID:   rootID,
		epoch:    epoch,
		algo:     algo,
		size:     o.opts.BatchSize,
		interval: o.opts.CheckpointInterval,
		frontier: newFrontier(resumeFrom),
		progress: o.opts.Progress,
		result:   result,
	}
	g.Go(func() error {
		return writer.run(ctx, records)
	})

	if err := g.Wait(); err != nil {
		return err
	}
	result.EntryErrors += entryErrors.Load()

	if ctx.Err() != nil {
		o.logger.Warn().Str("root", root).Msg("Scan cancelled, checkpoint written")
		return fmt.Errorf("%w: scan of %s", errdefs.ErrCancelled, root)
	}
	return nil
}

// processEntry stats, quick-hashes and optionally embeds one candidate.
// Unchanged files keep their fingerprints and only refresh epoch and
// state. Hash failures mark the record stale instead of failing the scan.
func (o *Orchestrator) processEntry(ctx context.Context, s sequenced, epoch uint64, entryErrors *atomic.Uint64) *processed {
	entry := s.entry
	record := &types.FileRecord{
		RootID:       entry.RootID,
		RelativePath: entry.RelativePath,
		Size:         entry.Stat.Size,
		MtimeNS:      entry.Stat.MtimeNS,
		Inode:        entry.Stat.Inode,
		Device:       entry.Stat.Device,
		Mode:         entry.Stat.Mode,
		MIME:         mimeFor(entry.AbsolutePath),
		ScanEpoch:    epoch,
		State:        types.FileStatePresent,
	}

	if prev, err := o.catalog.FindByKey(entry.RootID, entry.RelativePath); err == nil &&
		prev.Size == record.Size && prev.MtimeNS == record.MtimeNS && prev.Inode == record.Inode {
		record.QuickHash = prev.QuickHash
		record.FullHash = prev.FullHash
		record.HashAlgo = prev.HashAlgo
		record.EmbeddingID = prev.EmbeddingID
		return &processed{seq: s.seq, rel: entry.RelativePath, record: record}
	}

	quick, err := o.hasher.QuickHash(entry.AbsolutePath, entry.Stat.Size)
	if err != nil {
		record.State = types.FileStateStale
		record.ErrorCode = "hash_failed"
		entryErrors.Add(1)
		return &processed{seq: s.seq, rel: entry.RelativePath, record: record}
	}
	record.QuickHash = quick

	p := &processed{seq: s.seq, rel: entry.RelativePath, record: record}
	if o.opts.Embed {
		if vec, model, err := o.hasher.Embed(ctx, entry.AbsolutePath, record.MIME); err == nil && vec != nil {
			p.vector = vec
			p.model = model
		}
	}
	return p
}

func mimeFor(path string) string {
	if t := mime.TypeByExtension(filepath.Ext(path)); t != "" {
		return t
	}
	return "application/octet-stream"
}
