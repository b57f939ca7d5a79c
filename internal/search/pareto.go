package search

import (
	"math"
	"slices"
	"sort"

	"github.com/haricheung/adas-falsify/internal/types"
)

// objectives is the minimisation vector of one evaluation.
func objectives(ev types.Evaluation) []float64 {
	return []float64{ev.Objective}
}

// dominates reports whether a is no worse than b on every objective and
// strictly better on at least one. Lower is better.
func dominates(a, b []float64) bool {
	strictly := false
	for i := range a {
		if a[i] > b[i] {
			return false
		}
		if a[i] < b[i] {
			strictly = true
		}
	}
	return strictly
}

// nonDominatedSort partitions indices of F into successive fronts.
// O(n^2) per front, fine for population-sized inputs.
func nonDominatedSort(F [][]float64) [][]int {
	n := len(F)
	dominatedBy := make([]int, n)
	dominating := make([][]int, n)
	var current []int
	for i := 0; i < n; i++ {
		for j := 0; j < n; j++ {
			if i == j {
				continue
			}
			switch {
			case dominates(F[i], F[j]):
				dominating[i] = append(dominating[i], j)
			case dominates(F[j], F[i]):
				dominatedBy[i]++
			}
		}
		if dominatedBy[i] == 0 {
			current = append(current, i)
		}
	}

	var fronts [][]int
	for len(current) > 0 {
		fronts = append(fronts, current)
		var next []int
		for _, i := range current {
			for _, j := range dominating[i] {
				dominatedBy[j]--
				if dominatedBy[j] == 0 {
					next = append(next, j)
				}
			}
		}
		slices.Sort(next)
		current = next
	}
	return fronts
}

// crowdingDistance returns the crowding distance of each member of front,
// indexed like front. Boundary points get +Inf.
func crowdingDistance(F [][]float64, front []int) []float64 {
	dist := make([]float64, len(front))
	if len(front) <= 2 {
		for i := range dist {
			dist[i] = math.Inf(1)
		}
		return dist
	}
	order := make([]int, len(front))
	for m := range F[front[0]] {
		for i := range order {
			order[i] = i
		}
		sort.SliceStable(order, func(a, b int) bool {
			return F[front[order[a]]][m] < F[front[order[b]]][m]
		})
		lo, hi := F[front[order[0]]][m], F[front[order[len(order)-1]]][m]
		dist[order[0]] = math.Inf(1)
		dist[order[len(order)-1]] = math.Inf(1)
		if hi == lo {
			continue
		}
		for k := 1; k < len(order)-1; k++ {
			dist[order[k]] += (F[front[order[k+1]]][m] - F[front[order[k-1]]][m]) / (hi - lo)
		}
	}
	return dist
}

// rankAndCrowd returns the front rank and crowding distance of every member of pop.
func rankAndCrowd(pop []types.Evaluation) (rank []int, crowd []float64) {
	F := make([][]float64, len(pop))
	for i, ev := range pop {
		F[i] = objectives(ev)
	}
	rank = make([]int, len(pop))
	crowd = make([]float64, len(pop))
	for r, front := range nonDominatedSort(F) {
		d := crowdingDistance(F, front)
		for k, i := range front {
			rank[i] = r
			crowd[i] = d[k]
		}
	}
	return rank, crowd
}

// survive keeps the n best of merged by (rank asc, crowding desc).
// Ties keep their merged order so the result is deterministic.
func survive(merged []types.Evaluation, n int) []types.Evaluation {
	rank, crowd := rankAndCrowd(merged)
	idx := make([]int, len(merged))
	for i := range idx {
		idx[i] = i
	}
	sort.SliceStable(idx, func(a, b int) bool {
		i, j := idx[a], idx[b]
		if rank[i] != rank[j] {
			return rank[i] < rank[j]
		}
		return crowd[i] > crowd[j]
	})
	if n > len(idx) {
		n = len(idx)
	}
	out := make([]types.Evaluation, n)
	for k := 0; k < n; k++ {
		out[k] = merged[idx[k]]
	}
	return out
}

// NonDominated returns the first front of evals, dropping repeated candidate
// vectors. Order follows the input.
//
// Expectations:
//   - Returns nil for empty input
//   - With a single objective returns every evaluation sharing the minimum
//   - Never returns two evaluations with the same X
func NonDominated(evals []types.Evaluation) []types.Evaluation {
	if len(evals) == 0 {
		return nil
	}
	F := make([][]float64, len(evals))
	for i, ev := range evals {
		F[i] = objectives(ev)
	}
	first := slices.Clone(nonDominatedSort(F)[0])
	slices.Sort(first)

	var out []types.Evaluation
	for _, i := range first {
		dup := slices.ContainsFunc(out, func(o types.Evaluation) bool {
			return slices.Equal(o.X, evals[i].X)
		})
		if !dup {
			out = append(out, evals[i])
		}
	}
	return out
}
