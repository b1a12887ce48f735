package synthesis

// Step merges items Left and Right of the previous round. Right is -1 when Left
// is carried into the next round unmerged.
type Step struct {
	Left  int `json:"left"`
	Right int `json:"right"`
}

func (s Step) Carried() bool {
	return s.Right < 0
}

// PlanRounds returns the pairwise reduce tree for n items. Round r pairs items
// (0,1), (2,3), ... of round r-1 and carries an odd trailing item. Output item i
// of a round is produced by step i. One item or fewer needs no rounds.
func PlanRounds(n int) [][]Step {
	rounds := make([][]Step, 0)
	for n > 1 {
		round := make([]Step, 0, (n+1)/2)
		for i := 0; i < n; i += 2 {
			if i+1 < n {
				round = append(round, Step{Left: i, Right: i + 1})
			} else {
				round = append(round, Step{Left: i, Right: -1})
			}
		}
		rounds = append(rounds, round)
		n = len(round)
	}
	return rounds
}

// MergeCount is the number of merge calls a plan for n items makes.
func MergeCount(n int) int {
	if n < 2 {
		return 0
	}
	return n - 1
}
