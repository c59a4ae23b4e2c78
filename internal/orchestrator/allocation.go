package orchestrator

import (
	"math"

	"github.com/clipscommerce/improvement/internal/agent"
)

const (
	maxPriority    = 10
	objectiveBoost = 2
)

// basePriority maps an agent's polled state to 1..10: error agents get
// everything, weak or saturated agents come next, healthy agents fall into a
// 1-5 band that grows as performance drops.
func basePriority(s snapshot) (int, string) {
	st := s.status
	switch {
	case s.failing():
		return 10, "agent in error"
	case st.Performance < 0.5:
		return 8, "low performance"
	case st.ResourceUtilization > 0.9:
		return 6, "high utilization"
	}
	p := int(math.Ceil((1 - st.Performance) * 5))
	return min(5, max(1, p)), "performance band"
}

// allocate computes one grant per agent. Shares are proportional to
// priority across the fleet.
func allocate(snaps []snapshot, objectives []Objective) []ResourceAllocation {
	out := make([]ResourceAllocation, 0, len(snaps))
	total := 0
	for _, s := range snaps {
		p, reason := basePriority(s)
		for _, obj := range objectives {
			if obj.Priority == PriorityHigh && obj.Missed() && obj.criticalFor(s.status.Type) {
				p = min(maxPriority, p+objectiveBoost)
				reason += ", critical to " + obj.Name
				break
			}
		}
		total += p
		out = append(out, ResourceAllocation{
			AgentID:    s.agent.ID(),
			AgentType:  s.agent.Type(),
			Allocation: agent.Allocation{Priority: p},
			Reason:     reason,
		})
	}

	for i := range out {
		share := float64(out[i].Priority) / float64(total)
		out[i].CPUShare = share
		out[i].MemoryShare = share
	}
	return out
}
