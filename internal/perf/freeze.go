package perf

import "mentiontrack/internal/domain"

// FreezePolicy decides how far a record's freeze level has advanced from the
// number of trading bars elapsed since its base bar.
type FreezePolicy struct {
	Level1Bars int
	Level2Bars int
	Level3Bars int
}

// DefaultFreezePolicy returns the standard elapsed-bar thresholds.
func DefaultFreezePolicy() FreezePolicy {
	return FreezePolicy{Level1Bars: 25, Level2Bars: 70, Level3Bars: 260}
}

// horizonFloor is the largest horizon already settled at each level.
var horizonFloor = [domain.MaxFreezeLevel + 1]int{0, 20, 60, 120}

// LevelFor returns the level implied by elapsed trading bars.
func (p FreezePolicy) LevelFor(elapsed int) int {
	switch {
	case elapsed > p.Level3Bars:
		return 3
	case elapsed > p.Level2Bars:
		return 2
	case elapsed > p.Level1Bars:
		return 1
	}
	return 0
}

// Advance returns the next level for a record currently at level. Levels
// never move backwards.
func (p FreezePolicy) Advance(level, elapsed int) int {
	return max(clampLevel(level), p.LevelFor(elapsed))
}

// HorizonsFor returns the horizons still recomputed at level. A terminal
// record has none.
func HorizonsFor(level int) []int {
	level = clampLevel(level)
	if level >= domain.MaxFreezeLevel {
		return nil
	}
	floor := horizonFloor[level]
	var out []int
	for _, h := range domain.Horizons {
		if h > floor {
			out = append(out, h)
		}
	}
	return out
}

// IsTerminal reports whether a record at level is never recomputed.
func IsTerminal(level int) bool {
	return level >= domain.MaxFreezeLevel
}

func clampLevel(level int) int {
	return min(max(level, 0), domain.MaxFreezeLevel)
}
