// Package scaling implements C3 (the scaling algorithm) and C4 (the
// scaling controller) from the design.
package scaling

import "sort"

// AppInfo is one application's current scaling inputs: the mean ELU
// across its workers over the rolling time window, rounded to 2
// decimals, and its current worker count.
type AppInfo struct {
	ApplicationID string
	ELU           float64
	WorkerCount   int
}

// Direction is the direction of a ScaleRecommendation.
type Direction string

const (
	Up   Direction = "up"
	Down Direction = "down"
)

// Recommendation is one ScaleRecommendation produced by Recommend.
type Recommendation struct {
	ApplicationID     string
	TargetWorkerCount int
	Direction         Direction
}

// Thresholds are the tunables Recommend evaluates against, sourced from
// the current config Snapshot.
type Thresholds struct {
	MaxWorkers   int
	ScaleUpELU   float64
	ScaleDownELU float64
	MinELUDiff   float64
}

// Recommend is the pure, deterministic C3 algorithm: recommend(appsInfo)
// -> []Recommendation. Feeding it the same ordered apps slice twice
// yields identical output (§8's round-trip property) — it reads only
// its arguments, holds no state, and performs no I/O.
//
// Procedure (order is observable, per §4.3):
//  1. Sort by elu ascending; tie-break by workerCount descending.
//  2. Scale-down pass: every app with elu < ScaleDownELU and
//     workerCount > 1 recommends workerCount-1, down. Multiple apps may
//     scale down in one cycle.
//  3. Scale-up candidate: the last entry after sorting (highest elu). If
//     its elu > ScaleUpELU:
//     - if the post-scale-down worker sum is < MaxWorkers: recommend
//     +1, up, for the candidate.
//     - else reallocate from the lowest-elu app if it has
//     workerCount > 1 and either (candidate.elu - lowest.elu) >=
//     MinELUDiff or (lowest.workerCount - candidate.workerCount) >= 2:
//     emit down for the donor, then up for the candidate.
//  4. Otherwise: no scale-up.
//
// Minimum worker count is 1; this function never recommends 0.
func Recommend(apps []AppInfo, th Thresholds) []Recommendation {
	if len(apps) == 0 {
		return nil
	}

	sorted := make([]AppInfo, len(apps))
	copy(sorted, apps)
	sort.SliceStable(sorted, func(i, j int) bool {
		if sorted[i].ELU != sorted[j].ELU {
			return sorted[i].ELU < sorted[j].ELU
		}
		return sorted[i].WorkerCount > sorted[j].WorkerCount
	})

	var recs []Recommendation

	// current tracks each app's effective worker count as the pass
	// proceeds, so the scale-up sum-check and reallocation donor check
	// see post-scale-down state.
	current := make(map[string]int, len(sorted))
	for _, a := range sorted {
		current[a.ApplicationID] = a.WorkerCount
	}

	// Step 2: scale-down pass, in ascending-elu order.
	for _, a := range sorted {
		if a.ELU < th.ScaleDownELU && a.WorkerCount > 1 {
			current[a.ApplicationID] = a.WorkerCount - 1
			recs = append(recs, Recommendation{
				ApplicationID:     a.ApplicationID,
				TargetWorkerCount: a.WorkerCount - 1,
				Direction:         Down,
			})
		}
	}

	// Step 3: scale-up candidate is the last entry after sorting.
	candidate := sorted[len(sorted)-1]
	if candidate.ELU <= th.ScaleUpELU {
		return dedupeByApp(recs)
	}

	sum := 0
	for _, v := range current {
		sum += v
	}

	if sum < th.MaxWorkers {
		recs = append(recs, Recommendation{
			ApplicationID:     candidate.ApplicationID,
			TargetWorkerCount: current[candidate.ApplicationID] + 1,
			Direction:         Up,
		})
		return dedupeByApp(recs)
	}

	// Reallocate from the lowest-elu app.
	donor := sorted[0]
	if donor.ApplicationID == candidate.ApplicationID {
		return dedupeByApp(recs)
	}
	donorCount := current[donor.ApplicationID]
	if donorCount <= 1 {
		return dedupeByApp(recs)
	}

	eluGap := candidate.ELU - donor.ELU
	workerGap := donorCount - current[candidate.ApplicationID]
	if eluGap >= th.MinELUDiff || workerGap >= 2 {
		recs = append(recs,
			Recommendation{
				ApplicationID:     donor.ApplicationID,
				TargetWorkerCount: donorCount - 1,
				Direction:         Down,
			},
			Recommendation{
				ApplicationID:     candidate.ApplicationID,
				TargetWorkerCount: current[candidate.ApplicationID] + 1,
				Direction:         Up,
			},
		)
	}
	return dedupeByApp(recs)
}

// dedupeByApp collapses recs to one entry per ApplicationID, keeping the
// position of its first occurrence but the value of its last: the donor
// in a step-3 reallocation can be the same app step 2 already scaled
// down, and the two recommendations must collapse to the single net
// target rather than reach the controller as two independent "down"s.
func dedupeByApp(recs []Recommendation) []Recommendation {
	index := make(map[string]int, len(recs))
	out := make([]Recommendation, 0, len(recs))
	for _, r := range recs {
		if i, ok := index[r.ApplicationID]; ok {
			out[i] = r
			continue
		}
		index[r.ApplicationID] = len(out)
		out = append(out, r)
	}
	return out
}
