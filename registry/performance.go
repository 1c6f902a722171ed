package registry

import "time"

// MaxTrendPoints bounds the rolling trend series kept per agent.
const MaxTrendPoints = 50

// responseTimeWeight is the weight of a new sample in the response time
// moving average.
const responseTimeWeight = 0.2

// Performance is the per-agent quality snapshot read by the selector.
// Scores are in [0, 1]; AverageResponseTime is in milliseconds.
type Performance struct {
	AgentID               string       `json:"agentId"`
	SuccessRate           float64      `json:"successRate"`
	QualityScore          float64      `json:"qualityScore"`
	EfficiencyRating      float64      `json:"efficiencyRating"`
	UserSatisfactionScore float64      `json:"userSatisfactionScore"`
	AverageResponseTime   float64      `json:"averageResponseTime"`
	Trends                []TrendPoint `json:"trends"`
	UpdatedAt             time.Time    `json:"updatedAt"`
}

// TrendPoint is one sample in the rolling trend series.
type TrendPoint struct {
	Timestamp    time.Time `json:"timestamp"`
	SuccessRate  float64   `json:"successRate"`
	QualityScore float64   `json:"qualityScore"`
	ResponseTime float64   `json:"responseTime"`
}

// NewPerformance returns the neutral snapshot given to new agents.
func NewPerformance(agentID string, now time.Time) *Performance {
	return &Performance{
		AgentID:               agentID,
		SuccessRate:           0.5,
		QualityScore:          0.5,
		EfficiencyRating:      0.5,
		UserSatisfactionScore: 0.5,
		Trends:                []TrendPoint{},
		UpdatedAt:             now,
	}
}

// Clone returns a deep copy.
func (p *Performance) Clone() *Performance {
	if p == nil {
		return nil
	}
	c := *p
	c.Trends = append([]TrendPoint(nil), p.Trends...)
	return &c
}

// PerformanceUpdate carries scores from an external evaluator. Nil fields
// are left unchanged.
type PerformanceUpdate struct {
	SuccessRate           *float64 `json:"successRate,omitempty"`
	QualityScore          *float64 `json:"qualityScore,omitempty"`
	EfficiencyRating      *float64 `json:"efficiencyRating,omitempty"`
	UserSatisfactionScore *float64 `json:"userSatisfactionScore,omitempty"`
	AverageResponseTime   *float64 `json:"averageResponseTime,omitempty"`
}

func (u PerformanceUpdate) validate() error {
	for _, v := range []*float64{u.SuccessRate, u.QualityScore, u.EfficiencyRating, u.UserSatisfactionScore} {
		if v != nil && (*v < 0 || *v > 1) {
			return errScoreRange
		}
	}
	if u.AverageResponseTime != nil && *u.AverageResponseTime < 0 {
		return errScoreRange
	}
	return nil
}

func (p *Performance) apply(u PerformanceUpdate, now time.Time) {
	if u.SuccessRate != nil {
		p.SuccessRate = *u.SuccessRate
	}
	if u.QualityScore != nil {
		p.QualityScore = *u.QualityScore
	}
	if u.EfficiencyRating != nil {
		p.EfficiencyRating = *u.EfficiencyRating
	}
	if u.UserSatisfactionScore != nil {
		p.UserSatisfactionScore = *u.UserSatisfactionScore
	}
	if u.AverageResponseTime != nil {
		p.AverageResponseTime = *u.AverageResponseTime
	}
	p.addTrend(now)
}

// recordOutcome folds a finished task into the snapshot. completed and
// failed are the agent's lifetime counters after the outcome was counted.
func (p *Performance) recordOutcome(completed, failed int, elapsed time.Duration, now time.Time) {
	if total := completed + failed; total > 0 {
		p.SuccessRate = float64(completed) / float64(total)
	}
	if elapsed > 0 {
		ms := float64(elapsed) / float64(time.Millisecond)
		if p.AverageResponseTime == 0 {
			p.AverageResponseTime = ms
		} else {
			p.AverageResponseTime = (1-responseTimeWeight)*p.AverageResponseTime + responseTimeWeight*ms
		}
	}
	p.addTrend(now)
}

func (p *Performance) addTrend(now time.Time) {
	p.UpdatedAt = now
	p.Trends = append(p.Trends, TrendPoint{
		Timestamp:    now,
		SuccessRate:  p.SuccessRate,
		QualityScore: p.QualityScore,
		ResponseTime: p.AverageResponseTime,
	})
	if n := len(p.Trends); n > MaxTrendPoints {
		p.Trends = append([]TrendPoint(nil), p.Trends[n-MaxTrendPoints:]...)
	}
}
