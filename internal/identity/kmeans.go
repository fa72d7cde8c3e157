package identity

import (
	"context"
	"math/rand"
	"runtime"

	"golang.org/x/sync/errgroup"
)

const kmeansSeed = 42

// kmeans runs spherical k-means (cosine similarity, unit centroids) with
// k-means++ seeding. Used for corpora too large for the O(n^2) DBSCAN pass.
func kmeans(ctx context.Context, vectors [][]float32, k, maxIter int) []int {
	n := len(vectors)
	dim := len(vectors[0])
	if maxIter <= 0 {
		maxIter = 50
	}
	rng := rand.New(rand.NewSource(kmeansSeed))
	centroids := seedCentroids(vectors, k, rng)

	labels := make([]int, n)
	for i := range labels {
		labels[i] = -1
	}

	workers := runtime.GOMAXPROCS(0)
	chunk := (n + workers - 1) / workers
	for iter := 0; iter < maxIter; iter++ {
		if ctx.Err() != nil {
			break
		}
		changed := make([]int, workers)
		var g errgroup.Group
		for w := 0; w < workers; w++ {
			lo, hi := w*chunk, min((w+1)*chunk, n)
			if lo >= hi {
				continue
			}
			g.Go(func() error {
				for i := lo; i < hi; i++ {
					best, bestSim := 0, float32(-2)
					for c := range centroids {
						if s := dot(vectors[i], centroids[c]); s > bestSim {
							best, bestSim = c, s
						}
					}
					if labels[i] != best {
						labels[i] = best
						changed[w]++
					}
				}
				return nil
			})
		}
		_ = g.Wait()

		total := 0
		for _, c := range changed {
			total += c
		}
		if total == 0 {
			break
		}

		sums := make([][]float32, k)
		counts := make([]int, k)
		for c := range sums {
			sums[c] = make([]float32, dim)
		}
		for i, l := range labels {
			counts[l]++
			for d, x := range vectors[i] {
				sums[l][d] += x
			}
		}
		for c := range centroids {
			if counts[c] == 0 {
				// Reseed an empty cluster on a random point.
				centroids[c] = append([]float32(nil), vectors[rng.Intn(n)]...)
				continue
			}
			centroids[c] = normalized(sums[c])
		}
	}
	return labels
}

func seedCentroids(vectors [][]float32, k int, rng *rand.Rand) [][]float32 {
	n := len(vectors)
	centroids := make([][]float32, 0, k)
	centroids = append(centroids, vectors[rng.Intn(n)])

	dist := make([]float64, n)
	for i := range dist {
		dist[i] = 2
	}
	for len(centroids) < k {
		last := centroids[len(centroids)-1]
		var total float64
		for i, v := range vectors {
			d := float64(1 - dot(v, last))
			if d < 0 {
				d = 0
			}
			if d < dist[i] {
				dist[i] = d
			}
			total += dist[i] * dist[i]
		}
		if total == 0 {
			centroids = append(centroids, vectors[rng.Intn(n)])
			continue
		}
		r := rng.Float64() * total
		pick := n - 1
		for i, d := range dist {
			r -= d * d
			if r <= 0 {
				pick = i
				break
			}
		}
		centroids = append(centroids, vectors[pick])
	}

	out := make([][]float32, len(centroids))
	for i, c := range centroids {
		out[i] = append([]float32(nil), c...)
	}
	return out
}
