// Package selector picks the best agent for a task.
//
// Candidates must be available (active or idle), below full load, and either
// specialize in the task type or hold every required capability. Each
// candidate is scored:
//
//	load        = (100 - currentLoad) / 100
//	performance = 0.3*successRate + 0.3*qualityScore + 0.2*efficiencyRating + 0.2*userSatisfactionScore
//	experience  = 1.0 if specialized, else 0.5
//	response    = max(0, 1 - averageResponseTime/10000ms)
//	total       = 0.25*load + 0.4*performance + 0.25*experience + 0.10*response
//
// The highest total wins; equal totals go to the lowest agent id.
package selector

import (
	"context"
	"sort"

	"github.com/vinayprograms/taskmesh/errors"
	"github.com/vinayprograms/taskmesh/registry"
)

// Scoring weights.
const (
	WeightLoad        = 0.25
	WeightPerformance = 0.4
	WeightExperience  = 0.25
	WeightResponse    = 0.10

	// ResponseTimeCeiling is the average response time (ms) that scores 0.
	ResponseTimeCeiling = 10000.0
)

// Source lists agents with their performance snapshots.
type Source interface {
	ListAgents(ctx context.Context, filter registry.Filter) ([]*registry.Agent, error)
}

// Candidate is a scored agent.
type Candidate struct {
	Agent *registry.Agent `json:"agent"`
	Score float64         `json:"score"`
}

// Selector scores agents from a Source.
type Selector struct {
	source    Source
	allowBusy bool
}

// Option configures a Selector.
type Option func(*Selector)

// AllowBusy lets agents that are busy but below capacity compete.
func AllowBusy(allow bool) Option {
	return func(s *Selector) { s.allowBusy = allow }
}

// New creates a selector over source.
func New(source Source, opts ...Option) *Selector {
	s := &Selector{source: source}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// FindBestAgent returns the highest scoring eligible agent, or nil when no
// agent qualifies.
func (s *Selector) FindBestAgent(ctx context.Context, taskType string, required []string) (*registry.Agent, error) {
	ranked, err := s.Rank(ctx, taskType, required)
	if err != nil {
		return nil, err
	}
	if len(ranked) == 0 {
		return nil, nil
	}
	return ranked[0].Agent, nil
}

// Rank returns every eligible agent, best first.
func (s *Selector) Rank(ctx context.Context, taskType string, required []string) ([]Candidate, error) {
	agents, err := s.source.ListAgents(ctx, registry.Filter{})
	if err != nil {
		return nil, errors.Wrap(err, "list candidate agents")
	}
	var out []Candidate
	for _, a := range agents {
		if !s.eligible(a, taskType, required) {
			continue
		}
		out = append(out, Candidate{Agent: a, Score: Score(a, taskType)})
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Score != out[j].Score {
			return out[i].Score > out[j].Score
		}
		return out[i].Agent.ID < out[j].Agent.ID
	})
	return out, nil
}

func (s *Selector) eligible(a *registry.Agent, taskType string, required []string) bool {
	available := a.Status.Available() || (s.allowBusy && a.Status == registry.StatusBusy)
	if !available || a.CurrentLoad >= 100 {
		return false
	}
	return a.SpecializesIn(taskType) || a.HasAllCapabilities(required)
}

// Score computes an agent's total score for taskType.
func Score(a *registry.Agent, taskType string) float64 {
	p := a.Performance
	if p == nil {
		p = registry.NewPerformance(a.ID, a.CreatedAt)
	}

	load := float64(100-a.CurrentLoad) / 100
	performance := 0.3*p.SuccessRate + 0.3*p.QualityScore + 0.2*p.EfficiencyRating + 0.2*p.UserSatisfactionScore
	experience := 0.5
	if a.SpecializesIn(taskType) {
		experience = 1.0
	}
	response := 1 - p.AverageResponseTime/ResponseTimeCeiling
	if response < 0 {
		response = 0
	}
	return WeightLoad*load + WeightPerformance*performance + WeightExperience*experience + WeightResponse*response
}
