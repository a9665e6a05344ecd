package main

import (
	"context"
	"fmt"
	"math"
	"os"

	"github.com/spf13/cobra"

	"github.com/nodupelabs/nodupe/pkg/errdefs"
	"github.com/nodupelabs/nodupe/pkg/hasher"
	"github.com/nodupelabs/nodupe/pkg/similarity"
	"github.com/nodupelabs/nodupe/pkg/types"
)

var similarityCmd = &cobra.Command{
	Use:   "similarity",
	Short: "Query or cluster embeddings",
	Long: `Similarity searches the embedding index built by scan --embed.
--query finds the nearest cataloged files to a path; --cluster groups
all embeddings into similarity clusters.

Examples:
  nodupe similarity --query ./photo.jpg --k 5
  nodupe similarity --cluster --threshold 0.98`,
	RunE: runSimilarity,
}

func init() {
	similarityCmd.Flags().String("query", "", "File to find neighbors for")
	similarityCmd.Flags().Bool("cluster", false, "Cluster all embeddings")
	similarityCmd.Flags().Int("k", 10, "Number of neighbors")
	similarityCmd.Flags().Float32("threshold", 0.9, "Minimum cosine similarity")
	similarityCmd.Flags().String("backend", "brute_force", "Similarity backend name")
	similarityCmd.Flags().String("index", "", "Persisted index to load instead of rebuilding")
	similarityCmd.Flags().String("persist", "", "Write the built index to this path")
}

func runSimilarity(cmd *cobra.Command, args []string) error {
	query, _ := cmd.Flags().GetString("query")
	cluster, _ := cmd.Flags().GetBool("cluster")
	if query == "" && !cluster {
		return fmt.Errorf("%w: --query or --cluster required\n\n%s", errdefs.ErrInvalidInput, cmd.UsageString())
	}

	c, err := openCore(cmd)
	if err != nil {
		return err
	}
	defer c.Close()

	k, _ := cmd.Flags().GetInt("k")
	threshold, _ := cmd.Flags().GetFloat32("threshold")
	backendName, _ := cmd.Flags().GetString("backend")
	indexPath, _ := cmd.Flags().GetString("index")
	persistPath, _ := cmd.Flags().GetString("persist")

	backend, err := similarity.Lookup(backendName)
	if err != nil {
		return err
	}

	if indexPath != "" {
		if err := backend.Load(indexPath); err != nil {
			return err
		}
	} else {
		count := 0
		err := c.Catalog.IterEmbeddings(func(emb *types.Embedding) error {
			count++
			return backend.Add(emb.ID, emb.Vector)
		})
		if err != nil {
			return err
		}
		if count == 0 {
			return fmt.Errorf("%w: no embeddings in the catalog; run scan --embed first", errdefs.ErrNotFound)
		}
	}

	if persistPath != "" {
		if err := backend.Persist(persistPath); err != nil {
			return err
		}
	}

	if query != "" {
		return runQuery(c.Context(), backend, query, k, threshold)
	}
	return runCluster(backend, threshold)
}

func runQuery(ctx context.Context, backend similarity.Backend, path string, k int, threshold float32) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("%w: %s", errdefs.ErrNotFound, path)
	}
	defer f.Close()

	model := hasher.ModelForMime("application/octet-stream")
	vec, err := model.Embed(ctx, f)
	if err != nil {
		return err
	}
	// Stored embeddings are L2-normalized on insert; normalize the query
	// the same way so scores are cosine similarities
	var norm float64
	for _, v := range vec {
		norm += float64(v) * float64(v)
	}
	norm = math.Sqrt(norm)
	for i, v := range vec {
		vec[i] = float32(float64(v) / (norm + 1e-12))
	}

	matches, err := backend.Query(vec, k, threshold)
	if err != nil {
		return err
	}
	if len(matches) == 0 {
		fmt.Println("No matches above threshold")
		return nil
	}
	for _, m := range matches {
		fmt.Printf("embedding %d  score %.4f\n", m.EmbeddingID, m.Score)
	}
	return nil
}

func runCluster(backend similarity.Backend, threshold float32) error {
	bf, ok := backend.(*similarity.BruteForce)
	if !ok {
		return fmt.Errorf("%w: clustering requires the brute_force backend", errdefs.ErrInvalidInput)
	}
	clusters := bf.Clusters(threshold)
	if len(clusters) == 0 {
		fmt.Println("No clusters above threshold")
		return nil
	}
	for i, members := range clusters {
		fmt.Printf("cluster %d: %d members %v\n", i, len(members), members)
	}
	return nil
}
