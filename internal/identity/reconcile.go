package identity

import (
	"sort"

	"github.com/your-org/mediaflow/internal/models"
)

// reconcile maps fresh cluster labels onto persistent identity ids. A label
// takes over the old id most of its faces already carried, largest overlaps
// first, and each old id is handed out once. Remaining labels get new ids
// above maxID.
func reconcile(labels []int, previous []int64, maxID int64) map[int]int64 {
	type pair struct {
		label int
		old   int64
	}
	overlap := make(map[pair]int)
	labelSet := make(map[int]struct{})
	for i, l := range labels {
		labelSet[l] = struct{}{}
		if previous[i] == models.UnassignedCluster {
			continue
		}
		overlap[pair{l, previous[i]}]++
	}

	type candidate struct {
		pair
		count int
	}
	candidates := make([]candidate, 0, len(overlap))
	for p, c := range overlap {
		candidates = append(candidates, candidate{p, c})
	}
	sort.Slice(candidates, func(i, j int) bool {
		a, b := candidates[i], candidates[j]
		if a.count != b.count {
			return a.count > b.count
		}
		if a.old != b.old {
			return a.old < b.old
		}
		return a.label < b.label
	})

	ids := make(map[int]int64, len(labelSet))
	taken := make(map[int64]bool)
	for _, c := range candidates {
		if _, ok := ids[c.label]; ok || taken[c.old] {
			continue
		}
		ids[c.label] = c.old
		taken[c.old] = true
	}

	remaining := make([]int, 0, len(labelSet))
	for l := range labelSet {
		if _, ok := ids[l]; !ok {
			remaining = append(remaining, l)
		}
	}
	sort.Ints(remaining)
	next := max(maxID, 0) + 1
	for _, l := range remaining {
		ids[l] = next
		next++
	}
	return ids
}
