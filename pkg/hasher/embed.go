package hasher

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/bmatcuk/doublestar/v4"

	"github.com/nodupelabs/nodupe/pkg/errdefs"
)

// EmbeddingModel produces feature vectors for similarity search.
// Implementations must be deterministic for equal inputs and return
// promptly when the context is cancelled.
type EmbeddingModel interface {
	ID() string
	MimePatterns() []string
	Dim() int
	Embed(ctx context.Context, r io.Reader) ([]float32, error)
}

var embeddingModels = map[string]EmbeddingModel{}

// RegisterEmbeddingModel adds a model to the compile-time registry.
// Called from init functions; duplicate ids abort.
func RegisterEmbeddingModel(m EmbeddingModel) {
	if _, dup := embeddingModels[m.ID()]; dup {
		errdefs.Invariant(false, "duplicate embedding model %s", m.ID())
	}
	embeddingModels[m.ID()] = m
}

// ModelForMime returns the first registered model whose mime patterns
// match, or nil when no model applies.
func ModelForMime(mime string) EmbeddingModel {
	for _, m := range embeddingModels {
		for _, pat := range m.MimePatterns() {
			if ok, err := doublestar.Match(pat, mime); err == nil && ok {
				return m
			}
		}
	}
	return nil
}

// Embed runs the matching model over the file, returning nil when no
// model matches the mime.
func (h *Hasher) Embed(ctx context.Context, path, mime string) ([]float32, string, error) {
	m := ModelForMime(mime)
	if m == nil {
		return nil, "", nil
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, "", fmt.Errorf("%w: %s: %v", errdefs.ErrHashFailed, path, err)
	}
	defer f.Close()
	vec, err := m.Embed(ctx, f)
	if err != nil {
		return nil, "", err
	}
	return vec, m.ID(), nil
}

// histogramModel is the reference embedding model: a 256-dimensional
// byte-frequency vector. It matches every mime type, which is enough to
// exercise embedding storage and the similarity index end to end.
type histogramModel struct{}

func (histogramModel) ID() string             { return "histogram256" }
func (histogramModel) MimePatterns() []string { return []string{"*"} }
func (histogramModel) Dim() int               { return 256 }

func (histogramModel) Embed(ctx context.Context, r io.Reader) ([]float32, error) {
	var counts [256]uint64
	var total uint64
	buf := make([]byte, 64<<10)
	for {
		if err := ctx.Err(); err != nil {
			return nil, fmt.Errorf("%w: embedding", errdefs.ErrCancelled)
		}
		n, err := r.Read(buf)
		for _, b := range buf[:n] {
			counts[b]++
		}
		total += uint64(n)
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("%w: %v", errdefs.ErrHashFailed, err)
		}
	}

	vec := make([]float32, 256)
	if total == 0 {
		return vec, nil
	}
	for i, c := range counts {
		vec[i] = float32(float64(c) / float64(total))
	}
	return vec, nil
}

func init() {
	RegisterEmbeddingModel(histogramModel{})
}
