package ml

import "context"

// Selection names the strategy the selector expects to close in profit.
type Selection struct {
	Strategy    string  `json:"strategy"`
	Probability float64 `json:"probability"`
	Available   bool    `json:"available"`
	Reason      string  `json:"reason,omitempty"`
}

// Selector ranks candidate strategies for the current market.
type Selector interface {
	PredictBestStrategy(ctx context.Context, rows []SelectorRow) Selection
}

// NoSelector is used when no selector model is configured.
type NoSelector struct{}

func (NoSelector) PredictBestStrategy(context.Context, []SelectorRow) Selection {
	return Selection{Reason: "selector not configured"}
}

// pickBest returns the row with the highest win probability; ties keep the earlier row.
func pickBest(rows []SelectorRow, probs []float64) Selection {
	if len(rows) == 0 || len(rows) != len(probs) {
		return Selection{Reason: "no candidate rows"}
	}
	best := 0
	for i := 1; i < len(probs); i++ {
		if probs[i] > probs[best] {
			best = i
		}
	}
	return Selection{Strategy: rows[best].Strategy, Probability: probs[best], Available: true}
}
