package scheduler

import (
	"context"
	"fmt"

	"fleet/pkg/store"
)

// EventLaneThrottled is appended whenever a cycle admits nothing, or a lane
// with available work produced zero admissions.
const EventLaneThrottled = "dispatcher.lane_throttled"

// Fallback order when every lane is capped: deadlock-avoidance valve only.
var laneFallbackOrder = []store.Lane{
	store.LaneFeature,
	store.LaneResearch,
	store.LaneDocser,
	store.LaneConflictRecovery,
}

// laneCap returns the concurrency cap for a lane, or -1 when unconstrained.
func (s *Scheduler) laneCap(lane store.Lane) int {
	switch lane {
	case store.LaneConflictRecovery:
		if s.cfg.ConflictMaxSlots > 0 {
			return s.cfg.ConflictMaxSlots
		}
	case store.LaneDocser:
		if s.cfg.DocserMaxSlots > 0 {
			return s.cfg.DocserMaxSlots
		}
	}
	return -1
}

func isFeatureOrResearch(lane store.Lane) bool {
	return lane == store.LaneFeature || lane == store.LaneResearch
}

// SelectForDispatch partitions admission across lanes. The available list
// must already be ranked (output of Available). activeByLane is the count
// of currently running tasks per lane; slots is this cycle's budget.
//
// Admission order: a feature-lane deficit pre-pass guarantees forward
// progress for the primary work class, then a general scan in score order
// respecting lane caps and per-cycle targetArea de-duplication. If normal
// admission stalls completely while candidates exist, one task is admitted
// via the lane fallback order, bypassing caps.
func (s *Scheduler) SelectForDispatch(ctx context.Context, available []*store.Task, slots int, activeByLane map[store.Lane]int) ([]*store.Task, error) {
	if slots <= 0 || len(available) == 0 {
		if len(available) > 0 {
			if err := s.emitThrottled(ctx, "no slots"); err != nil {
				return nil, err
			}
		}
		return nil, nil
	}

	var selected []*store.Task
	admittedByLane := map[store.Lane]int{}
	claimedAreas := map[string]bool{}
	picked := map[string]bool{}

	admit := func(t *store.Task) {
		selected = append(selected, t)
		admittedByLane[t.EffectiveLane()]++
		if t.TargetArea != "" {
			claimedAreas[t.TargetArea] = true
		}
		picked[t.ID] = true
	}

	// Feature-deficit pre-pass: admit feature/research work until the
	// configured minimum concurrency is met.
	activeFeature := activeByLane[store.LaneFeature] + activeByLane[store.LaneResearch]
	deficit := s.cfg.FeatureMinSlots - activeFeature
	for _, t := range available {
		if deficit <= 0 || len(selected) >= slots {
			break
		}
		if !isFeatureOrResearch(t.EffectiveLane()) {
			continue
		}
		if t.TargetArea != "" && claimedAreas[t.TargetArea] {
			continue
		}
		admit(t)
		deficit--
	}

	// General admission in score order.
	for _, t := range available {
		if len(selected) >= slots {
			break
		}
		if picked[t.ID] {
			continue
		}
		lane := t.EffectiveLane()
		if limit := s.laneCap(lane); limit >= 0 && activeByLane[lane]+admittedByLane[lane] >= limit {
			continue
		}
		if t.TargetArea != "" && claimedAreas[t.TargetArea] {
			continue
		}
		admit(t)
	}

	// Fallback override: all lanes capped but work exists. Admit exactly
	// one task so the fleet cannot wedge.
	if len(selected) == 0 {
		for _, lane := range laneFallbackOrder {
			for _, t := range available {
				if t.EffectiveLane() == lane {
					admit(t)
					s.log.Warn("lane fallback override", "task", t.ID, "lane", lane)
					break
				}
			}
			if len(selected) > 0 {
				break
			}
		}
	}

	if err := s.emitThrottleSignals(ctx, available, selected, admittedByLane); err != nil {
		return nil, err
	}
	return selected, nil
}

func (s *Scheduler) emitThrottleSignals(ctx context.Context, available, selected []*store.Task, admittedByLane map[store.Lane]int) error {
	if len(selected) == 0 {
		return s.emitThrottled(ctx, "empty selection")
	}
	candidatesByLane := map[store.Lane]int{}
	for _, t := range available {
		candidatesByLane[t.EffectiveLane()]++
	}
	for lane, n := range candidatesByLane {
		if n > 0 && admittedByLane[lane] == 0 {
			if err := s.emitThrottled(ctx, string(lane)); err != nil {
				return err
			}
		}
	}
	return nil
}

func (s *Scheduler) emitThrottled(ctx context.Context, detail string) error {
	if err := s.st.AppendEvent(ctx, EventLaneThrottled, "dispatcher", "", detail); err != nil {
		return fmt.Errorf("emit lane_throttled: %w", err)
	}
	return nil
}
