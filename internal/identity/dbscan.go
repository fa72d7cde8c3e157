package identity

import (
	"context"
	"runtime"

	"golang.org/x/sync/errgroup"
)

const noise = -1

// dbscan clusters unit vectors under cosine distance (1 - dot). A point is a
// core point when at least minSamples points, itself included, lie within eps.
// Non-core points not reachable from any core point are labeled noise.
func dbscan(ctx context.Context, vectors [][]float32, eps float64, minSamples int) ([]int, error) {
	n := len(vectors)
	minSim := float32(1 - eps)
	if minSamples < 1 {
		minSamples = 1
	}

	neighbors := make([][]int32, n)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(runtime.GOMAXPROCS(0))
	for i := 0; i < n; i++ {
		g.Go(func() error {
			if i%256 == 0 {
				if err := gctx.Err(); err != nil {
					return err
				}
			}
			var nb []int32
			for j := 0; j < n; j++ {
				if dot(vectors[i], vectors[j]) >= minSim {
					nb = append(nb, int32(j))
				}
			}
			neighbors[i] = nb
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	const unvisited = -2
	labels := make([]int, n)
	for i := range labels {
		labels[i] = unvisited
	}

	cluster := 0
	for i := 0; i < n; i++ {
		if labels[i] != unvisited {
			continue
		}
		if len(neighbors[i]) < minSamples {
			labels[i] = noise
			continue
		}
		labels[i] = cluster
		queue := append([]int32(nil), neighbors[i]...)
		for len(queue) > 0 {
			j := queue[0]
			queue = queue[1:]
			if labels[j] == noise {
				labels[j] = cluster
			}
			if labels[j] != unvisited {
				continue
			}
			labels[j] = cluster
			if len(neighbors[j]) >= minSamples {
				queue = append(queue, neighbors[j]...)
			}
		}
		cluster++
	}
	return labels, nil
}
