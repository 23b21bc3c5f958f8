// Package trace persists completed debate traces in an embedded SQLite
// store: one file plus its WAL sidecar, single writer, atomic saves.
package trace

import (
	"errors"
	"time"
)

// Store-level failure sentinels, mapped to HTTP statuses by the server.
var (
	ErrNotFound  = errors.New("trace not found")
	ErrDuplicate = errors.New("trace id already exists")
	ErrInvalid   = errors.New("invalid value")
)

// Round is one completed Proposer/Skeptic exchange. Never mutated after
// creation.
type Round struct {
	Round              int    `json:"round"`
	ProposerText       string `json:"proposerText"`
	SkepticText        string `json:"skepticText"`
	ProposerDurationMs int64  `json:"proposerDurationMs"`
	SkepticDurationMs  int64  `json:"skepticDurationMs"`
}

// Models records which model served each role of a debate.
type Models struct {
	Proposer    string `json:"proposer"`
	Skeptic     string `json:"skeptic"`
	Synthesizer string `json:"synthesizer"`
	Embedding   string `json:"embedding"`
}

// Timing holds the wall-clock measurements of a debate.
type Timing struct {
	TotalMs     int64   `json:"totalMs"`
	RAGMs       int64   `json:"ragMs"`
	RoundsMs    []int64 `json:"roundsMs"`
	SynthesisMs int64   `json:"synthesisMs"`
}

// Trace is the durable record of one completed debate. UserRating is the
// only field mutable after persistence.
type Trace struct {
	ID            string    `json:"id"`
	CreatedAt     time.Time `json:"createdAt"`
	Query         string    `json:"query"`
	TemplatesUsed []string  `json:"templatesUsed"`
	Rounds        []Round   `json:"rounds,omitempty"`
	FinalAnswer   string    `json:"finalAnswer"`
	TotalRounds   int       `json:"totalRounds"`
	EarlyStopped  bool      `json:"earlyStopped"`
	AutoScore     *int      `json:"autoScore"`
	UserRating    *int      `json:"userRating"`
	Models        Models    `json:"models"`
	Timing        Timing    `json:"timing"`
}

// Quality is the fine-tune selection score: max of user rating and auto
// score, or nil when neither is set.
func (t *Trace) Quality() *int {
	best := t.AutoScore
	if t.UserRating != nil && (best == nil || *t.UserRating > *best) {
		best = t.UserRating
	}
	return best
}

// Validate enforces the structural invariants the store refuses to persist
// without: contiguous round numbering, timing arity and usable references.
func (t *Trace) Validate() error {
	if t.ID == "" {
		return errors.New("trace id is empty")
	}
	if t.TotalRounds != len(t.Rounds) {
		return errors.New("totalRounds does not match rounds")
	}
	for i, r := range t.Rounds {
		if r.Round != i+1 {
			return errors.New("round numbers are not contiguous from 1")
		}
	}
	if len(t.Timing.RoundsMs) != t.TotalRounds {
		return errors.New("timing.roundsMs arity does not match rounds")
	}
	for _, id := range t.TemplatesUsed {
		if id == "" {
			return errors.New("empty template reference")
		}
	}
	if t.AutoScore != nil && (*t.AutoScore < 1 || *t.AutoScore > 10) {
		return errors.New("autoScore outside [1,10]")
	}
	if t.UserRating != nil && (*t.UserRating < 1 || *t.UserRating > 10) {
		return errors.New("userRating outside [1,10]")
	}
	return nil
}

// ListOptions selects a trace page.
type ListOptions struct {
	Limit      int
	Offset     int
	MinQuality *int
	SearchText string
}

// Stats summarizes the stored corpus.
type Stats struct {
	Count           int64    `json:"count"`
	MeanQuality     *float64 `json:"meanQuality"`
	CandidatesCount int64    `json:"candidatesCount"`
}
