package planner

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/oklog/ulid/v2"
	"github.com/rs/zerolog"

	"github.com/nodupelabs/nodupe/pkg/errdefs"
	"github.com/nodupelabs/nodupe/pkg/log"
	"github.com/nodupelabs/nodupe/pkg/metrics"
	"github.com/nodupelabs/nodupe/pkg/storage"
	"github.com/nodupelabs/nodupe/pkg/types"
)

// Strategy names
const (
	KeepOldestMtime   = "keep_oldest_mtime"
	KeepNewestMtime   = "keep_newest_mtime"
	KeepShortestPath  = "keep_shortest_path"
	KeepLongestPath   = "keep_longest_path"
	KeepFirstRoot     = "keep_first_root_in_config_order"
	KeepByPathPattern = "keep_by_path_pattern"
)

// Options configure one planning run
type Options struct {
	Strategy     types.Strategy
	Constraints  types.Constraints
	ScopeRootIDs []string
	// RootOrder is the configured root precedence consumed by
	// keep_first_root_in_config_order
	RootOrder []string
	// LinkKind, when set, turns non-keeper actions into ReplaceWithLink
	// where device and config constraints allow
	LinkKind types.LinkKind
	// ExtraClasses are similarity clusters to resolve alongside the
	// content-hash classes
	ExtraClasses []types.DuplicateClass
}

// member is one candidate file inside a class, loaded with its absolute
// path for strategy evaluation
type member struct {
	record *types.FileRecord
	path   string
}

// Planner converts the catalog into ordered, validated plans
type Planner struct {
	catalog storage.Catalog
	logger  zerolog.Logger
}

// New creates a planner
func New(catalog storage.Catalog) *Planner {
	return &Planner{catalog: catalog, logger: log.WithComponent("planner")}
}

// BuildPlan enumerates duplicate classes, picks a keeper per class under
// the strategy, derives one action per non-keeper, validates against the
// constraints and linearizes. Planning touches no file on disk; its only
// write is saving the built plan to the catalog. It is deterministic
// given (catalog epoch, strategy, constraints): the plan
// id is a ULID derived from those inputs, with the catalog epoch as its
// timestamp.
func (p *Planner) BuildPlan(opts Options) (*types.Plan, error) {
	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.PlanDuration)

	if !validStrategy(opts.Strategy.Name) {
		return nil, fmt.Errorf("%w: unknown strategy %q", errdefs.ErrInvalidInput, opts.Strategy.Name)
	}

	epoch, err := p.catalog.CurrentEpoch()
	if err != nil {
		return nil, err
	}

	classes, err := p.enumerateClasses(opts)
	if err != nil {
		return nil, err
	}

	var deletes, moves, links []types.Action
	for _, class := range classes {
		members, err := p.loadMembers(class, opts.ScopeRootIDs)
		if err != nil {
			return nil, err
		}
		if len(members) < 2 {
			continue
		}

		keeper := pickKeeper(members, opts.Strategy, opts.RootOrder)
		for _, m := range members {
			if m.record.FileID == keeper.record.FileID {
				continue
			}
			if matchAny(opts.Constraints.KeepGlobs, m.path, m.record.RelativePath) {
				return nil, fmt.Errorf("%w: class (%s,%d): must-keep file %s would be removed",
					errdefs.ErrPlanConflict, hex.EncodeToString(class.FullHash), class.Size, m.path)
			}

			action, err := p.actionFor(m, keeper, opts)
			if err != nil {
				return nil, err
			}
			if action.Kind == types.ActionDelete &&
				matchAny(opts.Constraints.NoDeleteGlobs, m.path, m.record.RelativePath) {
				return nil, fmt.Errorf("%w: class (%s,%d): no-delete file %s would be deleted",
					errdefs.ErrPlanConflict, hex.EncodeToString(class.FullHash), class.Size, m.path)
			}

			switch action.Kind {
			case types.ActionDelete:
				deletes = append(deletes, action)
			case types.ActionMove:
				moves = append(moves, action)
			case types.ActionReplaceWithLink:
				links = append(links, action)
			}
		}
	}

	// Deletes and moves on non-keepers precede every link that
	// references a keeper; moves precede links that would traverse them
	actions := make([]types.Action, 0, len(deletes)+len(moves)+len(links))
	actions = append(actions, deletes...)
	actions = append(actions, moves...)
	actions = append(actions, links...)
	for i := range actions {
		actions[i].Seq = i
	}
	metrics.PlanActionsTotal.WithLabelValues(string(types.ActionDelete)).Set(float64(len(deletes)))
	metrics.PlanActionsTotal.WithLabelValues(string(types.ActionMove)).Set(float64(len(moves)))
	metrics.PlanActionsTotal.WithLabelValues(string(types.ActionReplaceWithLink)).Set(float64(len(links)))

	scope := append([]string(nil), opts.ScopeRootIDs...)
	sort.Strings(scope)

	plan := &types.Plan{
		PlanID:       deterministicPlanID(epoch, opts),
		CreatedAt:    time.UnixMilli(int64(epoch)).UTC(),
		CatalogEpoch: epoch,
		Strategy:     opts.Strategy,
		Constraints:  opts.Constraints,
		ScopeRootIDs: scope,
		Actions:      actions,
	}

	if err := p.catalog.SavePlan(plan); err != nil {
		return nil, err
	}
	p.logger.Info().
		Str("plan_id", plan.PlanID).
		Int("actions", len(actions)).
		Uint64("catalog_epoch", epoch).
		Msg("Plan built")
	return plan, nil
}

// enumerateClasses streams content-hash classes from the catalog and
// appends any similarity clusters the caller supplied
func (p *Planner) enumerateClasses(opts Options) ([]types.DuplicateClass, error) {
	var classes []types.DuplicateClass
	for _, algo := range hashAlgosInUse(p.catalog) {
		err := p.catalog.IterHashBuckets(algo, 2, func(bucket storage.HashBucket) error {
			classes = append(classes, types.DuplicateClass{
				FullHash: bucket.Hash,
				HashAlgo: bucket.HashAlgo,
				Size:     bucket.Size,
				FileIDs:  bucket.FileIDs,
			})
			return nil
		})
		if err != nil {
			return nil, err
		}
	}
	classes = append(classes, opts.ExtraClasses...)
	return classes, nil
}

// hashAlgosInUse lists registered algorithm names; iterating all of them
// keeps classes from a previous epoch's algorithm visible
func hashAlgosInUse(storage.Catalog) []string {
	return []string{"blake2b", "blake2s", "blake3", "sha256", "sha3_256", "sha512"}
}

func (p *Planner) loadMembers(class types.DuplicateClass, scope []string) ([]member, error) {
	inScope := func(rootID string) bool {
		if len(scope) == 0 {
			return true
		}
		for _, id := range scope {
			if id == rootID {
				return true
			}
		}
		return false
	}

	var members []member
	for _, id := range class.FileIDs {
		rec, err := p.catalog.GetFile(id)
		if err != nil {
			return nil, err
		}
		if rec.State != types.FileStatePresent || !inScope(rec.RootID) {
			continue
		}
		root, err := p.catalog.GetRoot(rec.RootID)
		if err != nil {
			return nil, err
		}
		members = append(members, member{
			record: rec,
			path:   root.Path + "/" + rec.RelativePath,
		})
	}
	// Stable member order: by file id
	sort.Slice(members, func(i, j int) bool {
		return members[i].record.FileID < members[j].record.FileID
	})
	return members, nil
}

// actionFor decides what happens to a non-keeper: a link when link mode
// is enabled and constraints allow, a move when a retention directory is
// configured, a delete otherwise.
func (p *Planner) actionFor(m, keeper member, opts Options) (types.Action, error) {
	base := types.Action{
		FileID: m.record.FileID,
		Path:   m.path,
	}

	if opts.LinkKind == types.LinkHard && opts.Constraints.AllowHardlink &&
		m.record.Device == keeper.record.Device {
		base.Kind = types.ActionReplaceWithLink
		base.KeeperFileID = keeper.record.FileID
		base.KeeperPath = keeper.path
		base.LinkKind = types.LinkHard
		return base, nil
	}
	if opts.LinkKind == types.LinkSymbolic && opts.Constraints.AllowSymlink {
		base.Kind = types.ActionReplaceWithLink
		base.KeeperFileID = keeper.record.FileID
		base.KeeperPath = keeper.path
		base.LinkKind = types.LinkSymbolic
		return base, nil
	}

	if opts.Constraints.RetentionDir != "" {
		dest, err := freeDest(opts.Constraints.RetentionDir, m.record.RelativePath)
		if err != nil {
			return types.Action{}, err
		}
		base.Kind = types.ActionMove
		base.Dest = dest
		return base, nil
	}

	base.Kind = types.ActionDelete
	return base, nil
}

// freeDest picks a retention destination that does not exist at
// plan-creation time
func freeDest(dir, rel string) (string, error) {
	dest := dir + "/" + rel
	for i := 0; ; i++ {
		candidate := dest
		if i > 0 {
			candidate = fmt.Sprintf("%s.dup%d", dest, i)
		}
		if _, err := os.Lstat(candidate); os.IsNotExist(err) {
			return candidate, nil
		} else if err != nil && !os.IsNotExist(err) {
			return "", fmt.Errorf("failed to probe retention destination %s: %w", candidate, err)
		}
	}
}

func matchAny(globs []string, paths ...string) bool {
	for _, g := range globs {
		for _, path := range paths {
			if ok, err := doublestar.Match(g, path); err == nil && ok {
				return true
			}
		}
	}
	return false
}

func validStrategy(name string) bool {
	switch name {
	case KeepOldestMtime, KeepNewestMtime, KeepShortestPath, KeepLongestPath,
		KeepFirstRoot, KeepByPathPattern:
		return true
	}
	return false
}

// pickKeeper applies the strategy to a class, tie-breaking by file id so
// the choice is stable
func pickKeeper(members []member, strategy types.Strategy, rootOrder []string) member {
	best := members[0]
	for _, m := range members[1:] {
		if prefer(m, best, strategy, rootOrder) {
			best = m
		}
	}
	return best
}

// prefer reports whether a should replace b as keeper. Members arrive in
// file-id order, so never preferring on equality keeps ties stable.
func prefer(a, b member, strategy types.Strategy, rootOrder []string) bool {
	switch strategy.Name {
	case KeepOldestMtime:
		return a.record.MtimeNS < b.record.MtimeNS
	case KeepNewestMtime:
		return a.record.MtimeNS > b.record.MtimeNS
	case KeepShortestPath:
		return len(a.path) < len(b.path)
	case KeepLongestPath:
		return len(a.path) > len(b.path)
	case KeepFirstRoot:
		return rootRank(a.record.RootID, rootOrder) < rootRank(b.record.RootID, rootOrder)
	case KeepByPathPattern:
		return patternRank(a, strategy) < patternRank(b, strategy)
	}
	return false
}

func rootRank(rootID string, order []string) int {
	for i, id := range order {
		if id == rootID {
			return i
		}
	}
	return len(order)
}

// patternRank is the index of the first priority glob matching the
// member's path; unmatched members rank last
func patternRank(m member, strategy types.Strategy) int {
	globs := strings.Split(strategy.Params["priority_globs"], ",")
	for i, g := range globs {
		g = strings.TrimSpace(g)
		if g == "" {
			continue
		}
		if ok, err := doublestar.Match(g, m.path); err == nil && ok {
			return i
		}
		if ok, err := doublestar.Match(g, m.record.RelativePath); err == nil && ok {
			return i
		}
	}
	return len(globs)
}

// deterministicPlanID derives the plan ULID from the planning inputs:
// the catalog epoch is the timestamp and a digest of strategy,
// constraints and scope seeds the entropy.
func deterministicPlanID(epoch uint64, opts Options) string {
	d := sha256.New()
	fmt.Fprintf(d, "%d|%s|%v|%v|%v|%s",
		epoch, opts.Strategy.Name, opts.Strategy.Params,
		opts.Constraints, opts.ScopeRootIDs, opts.LinkKind)
	sum := d.Sum(nil)

	var entropy [10]byte
	copy(entropy[:], sum)
	id := ulid.MustNew(epoch, bytes.NewReader(entropy[:]))
	return id.String()
}
