package apply

import (
	"bytes"
	"context"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nodupelabs/nodupe/pkg/errdefs"
	"github.com/nodupelabs/nodupe/pkg/planner"
	"github.com/nodupelabs/nodupe/pkg/scan"
	"github.com/nodupelabs/nodupe/pkg/snapshot"
	"github.com/nodupelabs/nodupe/pkg/storage"
	"github.com/nodupelabs/nodupe/pkg/types"
)

// env is a scanned working tree with a catalog and snapshot store
type env struct {
	dir       string
	catalog   storage.Catalog
	snapshots *snapshot.DirStore
}

func newEnv(t *testing.T) *env {
	t.Helper()
	catalog, err := storage.Open(filepath.Join(t.TempDir(), "catalog.db"), storage.Options{})
	require.NoError(t, err)
	t.Cleanup(func() { catalog.Close() })

	snapshots, err := snapshot.NewDirStore(t.TempDir(), "sha256")
	require.NoError(t, err)

	return &env{dir: t.TempDir(), catalog: catalog, snapshots: snapshots}
}

func (e *env) write(t *testing.T, name string, data []byte, mtime time.Time) string {
	t.Helper()
	path := filepath.Join(e.dir, name)
	require.NoError(t, os.WriteFile(path, data, 0o644))
	require.NoError(t, os.Chtimes(path, mtime, mtime))
	return path
}

func (e *env) scan(t *testing.T) {
	t.Helper()
	_, err := scan.New(e.catalog, scan.Options{Workers: 2}).Scan(context.Background(), []string{e.dir})
	require.NoError(t, err)
}

func (e *env) plan(t *testing.T, strategy string) *types.Plan {
	t.Helper()
	plan, err := planner.New(e.catalog).BuildPlan(planner.Options{
		Strategy: types.Strategy{Name: strategy, Params: map[string]string{}},
	})
	require.NoError(t, err)
	return plan
}

func (e *env) executor(opts Options) *Executor {
	return New(e.catalog, e.snapshots, opts)
}

func TestApplyDeleteAndSnapshot(t *testing.T) {
	e := newEnv(t)
	content := bytes.Repeat([]byte{0x41}, 1024)
	base := time.Now().Add(-time.Hour)
	loser := e.write(t, "a.bin", content, base)
	keeper := e.write(t, "b.bin", content, base.Add(time.Minute))
	other := e.write(t, "c.bin", bytes.Repeat([]byte{0x42}, 1024), base)

	e.scan(t)
	plan := e.plan(t, planner.KeepNewestMtime)
	require.Len(t, plan.Actions, 1)
	assert.Equal(t, types.ActionDelete, plan.Actions[0].Kind)
	assert.Equal(t, loser, plan.Actions[0].Path)

	result, err := e.executor(Options{}).Apply(context.Background(), plan)
	require.NoError(t, err)
	assert.Equal(t, types.TxnCommitted, result.Txn.State)

	// The loser is gone, the keeper and the unrelated file survive
	_, err = os.Stat(loser)
	assert.True(t, os.IsNotExist(err))
	_, err = os.Stat(keeper)
	assert.NoError(t, err)
	_, err = os.Stat(other)
	assert.NoError(t, err)

	// The pre-image is in the snapshot store and hashes to its ref
	require.Len(t, result.Entries, 1)
	entry := result.Entries[0]
	assert.Equal(t, types.PostDone, entry.PostState)

	r, err := e.snapshots.Get(entry.PreImageRef)
	require.NoError(t, err)
	defer r.Close()
	got, err := io.ReadAll(r)
	require.NoError(t, err)
	assert.Equal(t, content, got)

	count, err := e.catalog.SnapshotRefCount(entry.PreImageRef)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), count)
}

func TestSnapshotDeduplicatesIdenticalPreImages(t *testing.T) {
	e := newEnv(t)
	content := bytes.Repeat([]byte{0x5a}, 2048)
	base := time.Now().Add(-time.Hour)
	e.write(t, "k.bin", content, base.Add(time.Hour))
	e.write(t, "d1.bin", content, base)
	e.write(t, "d2.bin", content, base.Add(time.Minute))
	e.write(t, "d3.bin", content, base.Add(2*time.Minute))

	e.scan(t)
	plan := e.plan(t, planner.KeepNewestMtime)
	require.Len(t, plan.Actions, 3)

	result, err := e.executor(Options{}).Apply(context.Background(), plan)
	require.NoError(t, err)

	// One content object, referenced three times
	ref := result.Entries[0].PreImageRef
	for _, entry := range result.Entries {
		assert.Equal(t, ref, entry.PreImageRef)
	}
	count, err := e.catalog.SnapshotRefCount(ref)
	require.NoError(t, err)
	assert.Equal(t, uint64(3), count)
}

func TestDryRunMutatesNothing(t *testing.T) {
	e := newEnv(t)
	content := []byte("twin content here")
	base := time.Now().Add(-time.Hour)
	a := e.write(t, "a.bin", content, base)
	b := e.write(t, "b.bin", content, base.Add(time.Minute))

	e.scan(t)
	plan := e.plan(t, planner.KeepNewestMtime)

	result, err := e.executor(Options{DryRun: true}).Apply(context.Background(), plan)
	require.NoError(t, err)
	require.Len(t, result.Entries, 1)
	assert.Equal(t, types.PostSkipped, result.Entries[0].PostState)
	assert.NotEmpty(t, result.Entries[0].PreImageRef)

	// Both files intact, no transaction persisted, no snapshot object
	_, err = os.Stat(a)
	assert.NoError(t, err)
	_, err = os.Stat(b)
	assert.NoError(t, err)

	txns, err := e.catalog.ListTxns(storage.TxnFilter{})
	require.NoError(t, err)
	assert.Empty(t, txns)

	_, err = e.snapshots.Get(result.Entries[0].PreImageRef)
	assert.ErrorIs(t, err, errdefs.ErrNotFound)
}

func TestCommittedPlanNeverReruns(t *testing.T) {
	e := newEnv(t)
	content := []byte("run once only")
	base := time.Now().Add(-time.Hour)
	e.write(t, "a.bin", content, base)
	e.write(t, "b.bin", content, base.Add(time.Minute))

	e.scan(t)
	plan := e.plan(t, planner.KeepNewestMtime)

	_, err := e.executor(Options{}).Apply(context.Background(), plan)
	require.NoError(t, err)

	_, err = e.executor(Options{}).Apply(context.Background(), plan)
	assert.ErrorIs(t, err, errdefs.ErrInvalidInput)
}

func TestMissingTargetIsFatalByDefault(t *testing.T) {
	e := newEnv(t)
	content := []byte("will vanish before apply")
	base := time.Now().Add(-time.Hour)
	loser := e.write(t, "a.bin", content, base)
	e.write(t, "b.bin", content, base.Add(time.Minute))

	e.scan(t)
	plan := e.plan(t, planner.KeepNewestMtime)

	// Catalog drift: the target vanishes between plan and apply
	require.NoError(t, os.Remove(loser))

	result, err := e.executor(Options{}).Apply(context.Background(), plan)
	assert.ErrorIs(t, err, errdefs.ErrApplyFailed)
	assert.Equal(t, types.TxnPartial, result.Txn.State)
}

func TestMissingTargetSkippedWithIgnorePolicy(t *testing.T) {
	e := newEnv(t)
	content := []byte("will vanish before apply")
	base := time.Now().Add(-time.Hour)
	loser := e.write(t, "a.bin", content, base)
	e.write(t, "b.bin", content, base.Add(time.Minute))

	e.scan(t)
	plan := e.plan(t, planner.KeepNewestMtime)
	require.NoError(t, os.Remove(loser))

	result, err := e.executor(Options{IgnoreMissing: true}).Apply(context.Background(), plan)
	require.NoError(t, err)
	assert.Equal(t, types.TxnCommitted, result.Txn.State)
	require.Len(t, result.Entries, 1)
	assert.Equal(t, types.PostSkipped, result.Entries[0].PostState)
}

func TestCancelledApplyEndsPartial(t *testing.T) {
	e := newEnv(t)
	content := []byte("cancelled mid-flight")
	base := time.Now().Add(-time.Hour)
	e.write(t, "a.bin", content, base)
	e.write(t, "b.bin", content, base.Add(time.Minute))

	e.scan(t)
	plan := e.plan(t, planner.KeepNewestMtime)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	result, err := e.executor(Options{}).Apply(ctx, plan)
	assert.ErrorIs(t, err, errdefs.ErrCancelled)
	assert.Equal(t, types.TxnPartial, result.Txn.State)
}

func TestReplaceWithHardlink(t *testing.T) {
	e := newEnv(t)
	content := []byte("hard link me")
	base := time.Now().Add(-time.Hour)
	loser := e.write(t, "a.bin", content, base)
	keeper := e.write(t, "b.bin", content, base.Add(time.Minute))

	e.scan(t)
	plan, err := planner.New(e.catalog).BuildPlan(planner.Options{
		Strategy:    types.Strategy{Name: planner.KeepNewestMtime, Params: map[string]string{}},
		Constraints: types.Constraints{AllowHardlink: true},
		LinkKind:    types.LinkHard,
	})
	require.NoError(t, err)
	require.Len(t, plan.Actions, 1)
	require.Equal(t, types.ActionReplaceWithLink, plan.Actions[0].Kind)

	_, err = e.executor(Options{}).Apply(context.Background(), plan)
	require.NoError(t, err)

	// The loser path now shares an inode with the keeper
	fiLoser, err := os.Stat(loser)
	require.NoError(t, err)
	fiKeeper, err := os.Stat(keeper)
	require.NoError(t, err)
	assert.True(t, os.SameFile(fiLoser, fiKeeper))
}
