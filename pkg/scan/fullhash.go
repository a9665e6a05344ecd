package scan

import (
	"context"
	"encoding/hex"
	"fmt"

	"golang.org/x/sync/errgroup"

	"github.com/nodupelabs/nodupe/pkg/errdefs"
	"github.com/nodupelabs/nodupe/pkg/hasher"
	"github.com/nodupelabs/nodupe/pkg/storage"
	"github.com/nodupelabs/nodupe/pkg/types"
	"github.com/nodupelabs/nodupe/pkg/walker"
)

// fullHashPass is pass 2 of progressive hashing: within each size bucket
// of at least two present files, quick-hash collision groups of at least
// two members get full hashes. Files with a unique size are never read
// again — they cannot have content duplicates.
func (o *Orchestrator) fullHashPass(ctx context.Context, result *Result) error {
	// Algorithm preference: the resume checkpoint's pin, then the
	// catalog's previous pick (rescans must not churn content classes),
	// then a fresh autotune.
	algo := result.HashAlgo
	if algo == "" {
		stored, err := o.catalog.GetSetting("hash_algo")
		if err != nil {
			return err
		}
		algo = stored
	}
	if algo == "" {
		algo = hasher.Autotune(o.sampleWorkload())
	}
	result.HashAlgo = algo
	if err := o.catalog.PutSetting("hash_algo", algo); err != nil {
		return err
	}

	var candidates []*types.FileRecord
	err := o.catalog.IterSizeBuckets(2, func(bucket storage.SizeBucket) error {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("%w: full hash pass", errdefs.ErrCancelled)
		}

		groups := map[string][]*types.FileRecord{}
		for _, id := range bucket.FileIDs {
			rec, err := o.catalog.GetFile(id)
			if err != nil {
				return err
			}
			if rec.State != types.FileStatePresent || len(rec.QuickHash) == 0 {
				continue
			}
			key := hex.EncodeToString(rec.QuickHash)
			groups[key] = append(groups[key], rec)
		}

		for _, group := range groups {
			if len(group) < 2 {
				continue
			}
			for _, rec := range group {
				if len(rec.FullHash) > 0 && rec.HashAlgo == algo {
					continue
				}
				candidates = append(candidates, rec)
			}
		}
		return nil
	})
	if err != nil {
		return err
	}
	if len(candidates) == 0 {
		return nil
	}

	workers := o.workerCount()
	work := make(chan *types.FileRecord, 2*workers)
	done := make(chan *types.FileRecord, 2*workers)

	g, gctx := errgroup.WithContext(context.Background())
	g.Go(func() error {
		defer close(work)
		for _, rec := range candidates {
			select {
			case work <- rec:
			case <-gctx.Done():
				return nil
			}
		}
		return nil
	})

	hashGroup, _ := errgroup.WithContext(gctx)
	for i := 0; i < workers; i++ {
		hashGroup.Go(func() error {
			for rec := range work {
				if ctx.Err() != nil {
					return nil
				}
				root, err := o.catalog.GetRoot(rec.RootID)
				if err != nil {
					return err
				}
				path := root.Path + "/" + rec.RelativePath
				digest, err := o.hasher.FullHash(ctx, path, algo)
				if err != nil {
					rec.State = types.FileStateStale
					rec.ErrorCode = "hash_failed"
				} else {
					rec.FullHash = digest
					rec.HashAlgo = algo
				}
				select {
				case done <- rec:
				case <-gctx.Done():
					return nil
				}
			}
			return nil
		})
	}
	g.Go(func() error {
		defer close(done)
		return hashGroup.Wait()
	})

	g.Go(func() error {
		batch := make([]*types.FileRecord, 0, o.opts.BatchSize)
		flush := func() error {
			if len(batch) == 0 {
				return nil
			}
			if err := o.catalog.UpsertFiles(batch); err != nil {
				return err
			}
			result.FullHashed += uint64(len(batch))
			batch = batch[:0]
			return nil
		}
		for rec := range done {
			result.BytesHashed += rec.Size
			batch = append(batch, rec)
			if len(batch) >= o.opts.BatchSize {
				if err := flush(); err != nil {
					return err
				}
			}
		}
		return flush()
	})

	if err := g.Wait(); err != nil {
		return err
	}
	if ctx.Err() != nil {
		return fmt.Errorf("%w: full hash pass", errdefs.ErrCancelled)
	}
	return nil
}

// sampleWorkload collects a handful of file paths from the cataloged
// roots to feed the autotuner benchmark
func (o *Orchestrator) sampleWorkload() []string {
	const maxSamples = 8
	var paths []string

	roots, err := o.catalog.ListRoots()
	if err != nil {
		return nil
	}
	for _, root := range roots {
		if len(paths) >= maxSamples {
			break
		}
		w, err := walker.New(root.Path, root.ID, walker.Options{})
		if err != nil {
			continue
		}
		ctx, cancel := context.WithCancel(context.Background())
		for entry := range w.Walk(ctx) {
			if entry.Err != nil {
				continue
			}
			paths = append(paths, entry.AbsolutePath)
			if len(paths) >= maxSamples {
				break
			}
		}
		cancel()
	}
	return paths
}
