package prices

import (
	"sort"
	"time"

	"github.com/battwise/battwise/pkg/types"
)

// FillGaps returns a contiguous hourly series over [start, end) built from
// the given prices. Missing hours carry the last known price forward and
// are marked Filled; leading gaps carry the first known price backward. A
// few missing points must never fail a whole fetch, so the only case with
// no result is an empty input.
func FillGaps(prices []types.Price, start, end time.Time) []types.Price {
	if len(prices) == 0 {
		return nil
	}

	sorted := make([]types.Price, len(prices))
	copy(sorted, prices)
	sort.Slice(sorted, func(i, j int) bool {
		return sorted[i].TSStart.Before(sorted[j].TSStart)
	})

	byHour := make(map[int64]types.Price, len(sorted))
	for _, p := range sorted {
		byHour[p.TSStart.Truncate(time.Hour).Unix()] = p
	}

	var out []types.Price
	last := sorted[0]
	for t := start.Truncate(time.Hour); t.Before(end); t = t.Add(time.Hour) {
		if p, ok := byHour[t.Unix()]; ok {
			last = p
			out = append(out, p)
			continue
		}
		out = append(out, types.Price{
			Provider:    last.Provider,
			TSStart:     t,
			TSEnd:       t.Add(time.Hour),
			EurosPerKWH: last.EurosPerKWH,
			Filled:      true,
		})
	}
	return out
}
