package walker

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"syscall"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/rs/zerolog"

	"github.com/nodupelabs/nodupe/pkg/errdefs"
	"github.com/nodupelabs/nodupe/pkg/log"
)

// Stat carries the lightweight metadata collected per candidate
type Stat struct {
	Size    uint64
	MtimeNS int64
	Inode   uint64
	Device  uint64
	Mode    uint32
}

// Entry is one walker result. Err is set for per-entry failures
// (access denied, stat failed, symlink cycle); such entries carry the
// path that failed and do not end the sequence.
type Entry struct {
	AbsolutePath string
	RelativePath string
	RootID       string
	Stat         Stat
	Err          error
}

// Options control traversal
type Options struct {
	IgnorePatterns []string
	FollowSymlinks bool
	CrossDevice    bool
}

type devIno struct {
	dev uint64
	ino uint64
}

// Walker enumerates candidate files under a single root
type Walker struct {
	root   string
	rootID string
	opts   Options
	logger zerolog.Logger
}

// New creates a walker for one root path. The root must be absolute.
func New(root, rootID string, opts Options) (*Walker, error) {
	if !filepath.IsAbs(root) {
		return nil, fmt.Errorf("%w: root %q is not absolute", errdefs.ErrInvalidInput, root)
	}
	return &Walker{
		root:   root,
		rootID: rootID,
		opts:   opts,
		logger: log.WithRoot(root),
	}, nil
}

// Walk lazily yields candidate entries on the returned channel. The
// channel closes when the root is exhausted, a fatal root error occurs,
// or ctx is cancelled. Order is depth-first with children sorted by name,
// stable for a given filesystem state.
func (w *Walker) Walk(ctx context.Context) <-chan Entry {
	out := make(chan Entry)
	go func() {
		defer close(out)
		w.run(ctx, out)
	}()
	return out
}

type frame struct {
	abs   string
	rel   string
	isDir bool
	stat  Stat
}

func (w *Walker) run(ctx context.Context, out chan<- Entry) {
	rootStat, err := statPath(w.root)
	if err != nil {
		w.emit(ctx, out, Entry{
			AbsolutePath: w.root,
			RootID:       w.rootID,
			Err:          fmt.Errorf("%w: root %s: %v", errdefs.ErrNotFound, w.root, err),
		})
		return
	}

	// Directories entered so far, keyed by (device, inode). Seeing one
	// again while following symlinks is a cycle.
	visited := map[devIno]bool{{rootStat.Device, rootStat.Inode}: true}

	stack := []frame{{abs: w.root, rel: "", isDir: true}}
	for len(stack) > 0 {
		if ctx.Err() != nil {
			return
		}
		f := stack[len(stack)-1]
		stack = stack[:len(stack)-1]

		if !f.isDir {
			if !w.emit(ctx, out, Entry{
				AbsolutePath: f.abs,
				RelativePath: f.rel,
				RootID:       w.rootID,
				Stat:         f.stat,
			}) {
				return
			}
			continue
		}

		dirents, err := os.ReadDir(f.abs)
		if err != nil {
			w.emit(ctx, out, Entry{
				AbsolutePath: f.abs,
				RelativePath: f.rel,
				RootID:       w.rootID,
				Err:          classifyErr(err, f.abs),
			})
			continue
		}
		sort.Slice(dirents, func(i, j int) bool { return dirents[i].Name() < dirents[j].Name() })

		// Children are pushed in reverse so the stack pops them in name
		// order, with subtrees expanded at their sorted position.
		var children []frame
		for _, d := range dirents {
			abs := filepath.Join(f.abs, d.Name())
			rel := d.Name()
			if f.rel != "" {
				rel = f.rel + "/" + d.Name()
			}
			if w.ignored(rel) {
				continue
			}

			isSymlink := d.Type()&os.ModeSymlink != 0
			if isSymlink && !w.opts.FollowSymlinks {
				continue
			}

			st, err := statPath(abs)
			if err != nil {
				w.emit(ctx, out, Entry{
					AbsolutePath: abs,
					RelativePath: rel,
					RootID:       w.rootID,
					Err:          classifyErr(err, abs),
				})
				continue
			}

			mode := os.FileMode(st.Mode)
			switch {
			case mode.IsDir():
				if !w.opts.CrossDevice && st.Device != rootStat.Device {
					w.logger.Debug().Str("path", abs).Msg("Skipping cross-device directory")
					continue
				}
				key := devIno{st.Device, st.Inode}
				if visited[key] {
					if isSymlink {
						w.emit(ctx, out, Entry{
							AbsolutePath: abs,
							RelativePath: rel,
							RootID:       w.rootID,
							Err:          fmt.Errorf("%w: symlink cycle at %s", errdefs.ErrInvalidInput, abs),
						})
					}
					continue
				}
				visited[key] = true
				children = append(children, frame{abs: abs, rel: rel, isDir: true})
			case mode.IsRegular():
				children = append(children, frame{abs: abs, rel: rel, stat: st})
			default:
				// Sockets, fifos, devices: not candidates
			}
		}
		for i := len(children) - 1; i >= 0; i-- {
			stack = append(stack, children[i])
		}
	}
}

func (w *Walker) emit(ctx context.Context, out chan<- Entry, e Entry) bool {
	select {
	case out <- e:
		return true
	case <-ctx.Done():
		return false
	}
}

// ignored applies the ignore patterns with first-match semantics against
// the relative path
func (w *Walker) ignored(rel string) bool {
	for _, pat := range w.opts.IgnorePatterns {
		if ok, err := doublestar.Match(pat, rel); err == nil && ok {
			return true
		}
	}
	return false
}

func classifyErr(err error, path string) error {
	if os.IsPermission(err) {
		return fmt.Errorf("%w: %s", errdefs.ErrAccessDenied, path)
	}
	if os.IsNotExist(err) {
		return fmt.Errorf("%w: %s", errdefs.ErrNotFound, path)
	}
	return fmt.Errorf("stat failed for %s: %w", path, err)
}

// statPath stats a path following symlinks
func statPath(path string) (Stat, error) {
	fi, err := os.Stat(path)
	if err != nil {
		return Stat{}, err
	}
	st, ok := fi.Sys().(*syscall.Stat_t)
	if !ok {
		return Stat{
			Size:    uint64(fi.Size()),
			MtimeNS: fi.ModTime().UnixNano(),
			Mode:    uint32(fi.Mode()),
		}, nil
	}
	return Stat{
		Size:    uint64(st.Size),
		MtimeNS: fi.ModTime().UnixNano(),
		Inode:   st.Ino,
		Device:  uint64(st.Dev),
		Mode:    uint32(fi.Mode()),
	}, nil
}

// CompareRel orders relative paths in traversal order: component-wise,
// parents before children. Used by scan resume to decide which entries a
// checkpoint already covers.
func CompareRel(a, b string) int {
	as := strings.Split(a, "/")
	bs := strings.Split(b, "/")
	for i := 0; i < len(as) && i < len(bs); i++ {
		if as[i] != bs[i] {
			if as[i] < bs[i] {
				return -1
			}
			return 1
		}
	}
	switch {
	case len(as) < len(bs):
		return -1
	case len(as) > len(bs):
		return 1
	default:
		return 0
	}
}
