package scan

import (
	"context"
	"time"

	"github.com/nodupelabs/nodupe/pkg/metrics"
	"github.com/nodupelabs/nodupe/pkg/storage"
	"github.com/nodupelabs/nodupe/pkg/types"
)

// frontier tracks the highest traversal position for which every prior
// entry has been committed. Workers complete out of order; the frontier
// only advances over a contiguous committed prefix.
type frontier struct {
	next    uint64
	pending map[uint64]string
	last    string
	visited uint64
}

func newFrontier(resumeFrom string) *frontier {
	return &frontier{pending: map[uint64]string{}, last: resumeFrom}
}

func (f *frontier) commit(seq uint64, rel string) {
	f.pending[seq] = rel
	for {
		rel, ok := f.pending[f.next]
		if !ok {
			return
		}
		delete(f.pending, f.next)
		f.last = rel
		f.next++
		f.visited++
	}
}

// batchWriter is the single catalog writer at the end of the pipeline.
// It coalesces records into all-or-nothing batches and persists a
// checkpoint on a fixed interval and at shutdown.
type batchWriter struct {
	catalog  storage.Catalog
	rootID   string
	epoch    uint64
	algo     string
	size     int
	interval time.Duration
	frontier *frontier
	progress func(files, bytes uint64)
	result   *Result

	batch      []*processed
	bytesTotal uint64
}

func (w *batchWriter) run(ctx context.Context, records <-chan processed) error {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case p, ok := <-records:
			if !ok {
				if err := w.flush(); err != nil {
					return err
				}
				return w.checkpoint()
			}
			w.batch = append(w.batch, &p)
			if len(w.batch) >= w.size {
				if err := w.flush(); err != nil {
					return err
				}
			}
		case <-ticker.C:
			if err := w.flush(); err != nil {
				return err
			}
			if err := w.checkpoint(); err != nil {
				return err
			}
		case <-ctx.Done():
			// Drain what the workers already produced, commit, then
			// leave a final checkpoint behind
			for p := range records {
				w.batch = append(w.batch, &p)
			}
			if err := w.flush(); err != nil {
				return err
			}
			return w.checkpoint()
		}
	}
}

func (w *batchWriter) flush() error {
	if len(w.batch) == 0 {
		return nil
	}
	timer := metrics.NewTimer()

	recs := make([]*types.FileRecord, 0, len(w.batch))
	for _, p := range w.batch {
		if p.vector != nil && p.record.EmbeddingID == 0 {
			id, err := w.catalog.InsertEmbedding(p.vector, p.model)
			if err != nil {
				return err
			}
			p.record.EmbeddingID = id
		}
		recs = append(recs, p.record)
	}
	if err := w.catalog.UpsertFiles(recs); err != nil {
		return err
	}

	for _, p := range w.batch {
		w.frontier.commit(p.seq, p.rel)
		w.bytesTotal += p.record.Size
		metrics.FilesScannedTotal.WithLabelValues(string(p.record.State)).Inc()
	}
	w.result.FilesSeen += uint64(len(w.batch))
	w.batch = w.batch[:0]

	timer.ObserveDuration(metrics.CatalogBatchCommitDuration)
	if w.progress != nil {
		w.progress(w.result.FilesSeen, w.bytesTotal)
	}
	return nil
}

func (w *batchWriter) checkpoint() error {
	if w.frontier.last == "" {
		return nil
	}
	return w.catalog.SaveCheckpoint(&types.ScanCheckpoint{
		RootID:               w.rootID,
		LastCompletedSubpath: w.frontier.last,
		Epoch:                w.epoch,
		VisitedCount:         w.frontier.visited,
		BytesHashed:          w.bytesTotal,
		HashAlgo:             w.algo,
	})
}
