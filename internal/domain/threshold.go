package domain

import "sort"

// Threshold maps a minimum hit punish level to the action it triggers.
type Threshold struct {
	Level  int
	Action Action
}

// ThresholdTable is kept sorted ascending by level.
type ThresholdTable []Threshold

func NewThresholdTable(thresholds ...Threshold) ThresholdTable {
	t := make(ThresholdTable, len(thresholds))
	copy(t, thresholds)
	sort.SliceStable(t, func(i, j int) bool { return t[i].Level < t[j].Level })
	return t
}

// Suggest returns the action of the highest threshold not exceeding level,
// or ActionNone when level is below every threshold.
func (t ThresholdTable) Suggest(level int) Action {
	action := ActionNone
	for _, th := range t {
		if level < th.Level {
			break
		}
		action = th.Action
	}
	return action
}
