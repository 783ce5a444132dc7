package models

// SentimentLabel is the categorical sentiment of a text
type SentimentLabel string

const (
	SentimentPositive SentimentLabel = "positive"
	SentimentNegative SentimentLabel = "negative"
	SentimentNeutral  SentimentLabel = "neutral"
	SentimentMixed    SentimentLabel = "mixed"
)

// SentimentObject is a score/magnitude pair with its thresholded label
type SentimentObject struct {
	Score     float64        `json:"score"`
	Magnitude float64        `json:"magnitude"`
	Label     SentimentLabel `json:"label"`
}

// ToMap is the dict form stored in JobResult.Value
func (s SentimentObject) ToMap() map[string]interface{} {
	return map[string]interface{}{
		"score":     s.Score,
		"magnitude": s.Magnitude,
		"label":     string(s.Label),
	}
}
