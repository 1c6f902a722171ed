package registry

import (
	"context"
	"math"

	"github.com/vinayprograms/taskmesh/errors"
)

// Health summarizes the agent pool.
type Health struct {
	TotalAgents    int               `json:"totalAgents"`
	ActiveAgents   int               `json:"activeAgents"`
	AverageLoad    float64           `json:"averageLoad"`
	HealthScore    int               `json:"healthScore"`
	AgentsByStatus map[Status]int    `json:"agentsByStatus"`
	AgentsByType   map[AgentType]int `json:"agentsByType"`
}

// SystemHealth computes pool-wide health.
//
// Active agents are those that can take work (active, idle, busy). The
// score weighs the healthy fraction of agents at 70% and spare capacity at
// 30%; an empty pool scores 0.
func (r *Registry) SystemHealth(ctx context.Context) (*Health, error) {
	agents, err := r.agents.List(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "system health")
	}
	return ComputeHealth(agents), nil
}

// ComputeHealth derives Health from a snapshot of agents.
func ComputeHealth(agents []*Agent) *Health {
	h := &Health{
		TotalAgents:    len(agents),
		AgentsByStatus: make(map[Status]int),
		AgentsByType:   make(map[AgentType]int),
	}
	if len(agents) == 0 {
		return h
	}

	healthy, load := 0, 0
	for _, a := range agents {
		h.AgentsByStatus[a.Status]++
		h.AgentsByType[a.Type]++
		if a.Status.Assignable() {
			h.ActiveAgents++
		}
		if a.Status.Healthy() {
			healthy++
		}
		load += a.CurrentLoad
	}

	h.AverageLoad = float64(load) / float64(len(agents))
	healthyFraction := float64(healthy) / float64(len(agents))
	spare := 1 - h.AverageLoad/100
	if spare < 0 {
		spare = 0
	}
	h.HealthScore = int(math.Round(100 * (0.7*healthyFraction + 0.3*spare)))
	return h
}
