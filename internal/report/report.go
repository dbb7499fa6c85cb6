// Package report turns a probability vector into the human-readable
// confidence breakdown the UI renders.
package report

import (
	"fmt"

	"github.com/osteovision/koa-api/internal/model"
)

// Entry pairs a class name with its confidence percentage.
type Entry struct {
	Class   string  `json:"class"`
	Percent float64 `json:"percent"`
}

// Ranking is the full per-class breakdown. Entries keep the original
// class-index order so the UI can render a stable bar chart; Top is
// the arg-max entry.
type Ranking struct {
	Top     Entry   `json:"top"`
	Entries []Entry `json:"entries"`
}

// Make converts a probability vector into a Ranking. The vector must
// align with the model's class list.
func Make(probs []float32) (*Ranking, error) {
	if len(probs) != len(model.ClassNames) {
		return nil, fmt.Errorf("probability vector has %d entries, expected %d", len(probs), len(model.ClassNames))
	}

	r := &Ranking{Entries: make([]Entry, len(probs))}
	best := model.Argmax(probs)
	for i, p := range probs {
		r.Entries[i] = Entry{
			Class:   model.ClassNames[i],
			Percent: float64(p) * 100,
		}
	}
	r.Top = r.Entries[best]
	return r, nil
}
