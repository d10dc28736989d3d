package llms

import "log/slog"

// ToolPlan is the provider-ready view of the caller's tool set: definitions
// with steering metadata stripped, the ordered queue of forced tools, and
// the opening steering decision.
type ToolPlan struct {
	Tools    []ToolDefinition
	Queue    ForcedQueue
	Steering Steering
}

// PlanTools filters tools marked "none", builds the forced queue in
// declaration order, and picks the initial steering. Providers that ignore
// tool_choice (supportsControl false) get forced tools downgraded to auto
// with a warning so the request still goes through.
func PlanTools(providerID string, supportsControl bool, tools []Tool) ToolPlan {
	plan := ToolPlan{Steering: Steering{Mode: SteerAuto}}

	seen := make(map[string]bool, len(tools))
	for _, t := range tools {
		if t.UsageControl == UsageNone {
			slog.Debug("tool excluded from model visibility", "tool", t.ID)
			continue
		}
		plan.Tools = append(plan.Tools, ToolDefinition{
			Name:        t.ID,
			Description: t.Description,
			Parameters:  t.Parameters,
		})
		if t.UsageControl == UsageForce && !seen[t.ID] {
			seen[t.ID] = true
			plan.Queue.Pending = append(plan.Queue.Pending, t.ID)
		}
	}

	if len(plan.Queue.Pending) > 0 {
		if supportsControl {
			plan.Steering = Steering{Mode: SteerForce, Tool: plan.Queue.Pending[0]}
		} else {
			slog.Warn("provider ignores forced tool selection, downgrading to auto",
				"provider", providerID, "tool", plan.Queue.Pending[0])
			plan.Queue = ForcedQueue{}
		}
	}
	return plan
}

// ForcedQueue tracks tools that must be called, in order. A tool is marked
// used the first time it appears in a model response and is never revisited.
// Values are treated as immutable; Advance returns a new queue.
type ForcedQueue struct {
	Pending []string
	Used    []string
}

// Empty reports whether every forced tool has been observed.
func (q ForcedQueue) Empty() bool { return len(q.Pending) == 0 }

// Advance marks queue entries that appear among the observed tool names as
// used and returns the steering for the next model call: force the new head
// while the queue is non-empty, otherwise auto.
func (q ForcedQueue) Advance(observed []string) (ForcedQueue, Steering) {
	called := make(map[string]bool, len(observed))
	for _, name := range observed {
		called[name] = true
	}

	next := ForcedQueue{Used: append([]string(nil), q.Used...)}
	for _, name := range q.Pending {
		if called[name] {
			next.Used = append(next.Used, name)
			continue
		}
		next.Pending = append(next.Pending, name)
	}

	if len(next.Pending) > 0 {
		return next, Steering{Mode: SteerForce, Tool: next.Pending[0]}
	}
	return next, Steering{Mode: SteerAuto}
}
