package hasher

import (
	"os"
	"time"

	"github.com/nodupelabs/nodupe/pkg/log"
	"github.com/nodupelabs/nodupe/pkg/metrics"
)

const (
	// benchSampleBytes bounds how much of each sample file the benchmark
	// reads into memory
	benchSampleBytes = 4 << 20
	// benchMaxSamples bounds how many workload files feed the benchmark
	benchMaxSamples = 8
	// digestLenFloor excludes algorithms whose digest is too short to
	// serve as a content class key
	digestLenFloor = 32
)

// Autotune benchmarks the registered algorithms over a sample of files
// from the actual workload and returns the name of the fastest one whose
// digest length meets the floor. With no readable samples it benchmarks
// a synthetic 1 MiB buffer instead. The result is cached by the caller
// for the scan epoch.
func Autotune(samplePaths []string) string {
	data := loadSamples(samplePaths)
	if len(data) == 0 {
		// Synthetic fallback gives the benchmark something to hash when
		// the workload has nothing readable yet
		data = make([]byte, 1<<20)
	}

	best := ""
	var bestThroughput float64
	for _, name := range Algorithms() {
		algo, _ := LookupAlgorithm(name)
		if algo.DigestLen < digestLenFloor {
			continue
		}

		start := time.Now()
		d := algo.New()
		_, _ = d.Write(data)
		d.Sum(nil)
		elapsed := time.Since(start)
		if elapsed <= 0 {
			elapsed = time.Nanosecond
		}

		throughput := float64(len(data)) / elapsed.Seconds()
		metrics.HashThroughput.WithLabelValues(name).Set(throughput)
		log.WithComponent("autotuner").Debug().
			Str("algorithm", name).
			Float64("bytes_per_second", throughput).
			Msg("Benchmarked hash algorithm")

		if throughput > bestThroughput {
			best = name
			bestThroughput = throughput
		}
	}

	if best == "" {
		best = "blake3"
	}
	log.WithComponent("autotuner").Info().
		Str("algorithm", best).
		Msg("Selected hash algorithm for scan epoch")
	return best
}

func loadSamples(paths []string) []byte {
	var data []byte
	samples := 0
	for _, path := range paths {
		if samples >= benchMaxSamples {
			break
		}
		f, err := os.Open(path)
		if err != nil {
			continue
		}
		buf := make([]byte, benchSampleBytes)
		n, _ := f.Read(buf)
		f.Close()
		if n > 0 {
			data = append(data, buf[:n]...)
			samples++
		}
	}
	return data
}
