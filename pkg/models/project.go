package models

// Default sentiment thresholds written to a project the first time it is analysed
const (
	DefaultSentimentScoreThreshold     = 0.3
	DefaultSentimentMagnitudeThreshold = 0.6
)

// SentimentThreshold holds the per-project classification thresholds.
// Nil fields have not been initialised yet.
type SentimentThreshold struct {
	Score     *float64 `json:"score,omitempty"`
	Magnitude *float64 `json:"magnitude,omitempty"`
}

// ProjectSettings carries the analysis configuration of a project
type ProjectSettings struct {
	Events             map[string]EventDefinition `json:"events"`
	SentimentThreshold *SentimentThreshold         `json:"sentiment_threshold,omitempty"`
}

// Project groups tasks and their analysis settings
type Project struct {
	ID       string           `json:"id"`
	OrgID    string           `json:"org_id"`
	Name     string           `json:"name,omitempty"`
	Settings *ProjectSettings `json:"settings,omitempty"`
}

// EventCount returns the number of configured event definitions
func (p *Project) EventCount() int {
	if p == nil || p.Settings == nil {
		return 0
	}
	return len(p.Settings.Events)
}
