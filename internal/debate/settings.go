package debate

import (
	"fmt"
	"time"

	"dev.helix.reason/internal/config"
)

// Settings is the effective configuration of one debate run: the service
// defaults with any per-request overrides already applied.
type Settings struct {
	MinRounds        int           `json:"minRounds"`
	MaxRounds        int           `json:"maxRounds"`
	EarlyStopScore   int           `json:"earlyStopScore"`
	ProposerModel    string        `json:"proposerModel"`
	SkepticModel     string        `json:"skepticModel"`
	SynthesizerModel string        `json:"synthesizerModel"`
	ProposerTemp     float64       `json:"proposerTemp"`
	SkepticTemp      float64       `json:"skepticTemp"`
	SynthesizerTemp  float64       `json:"synthesizerTemp"`
	TopK             int           `json:"ragTopK"`
	PerCallTimeout   time.Duration `json:"-"`
	EmbedModel       string        `json:"-"`
}

// SettingsFrom builds the default run settings from the service config.
func SettingsFrom(cfg *config.Config) Settings {
	return Settings{
		MinRounds:        cfg.Debate.MinRounds,
		MaxRounds:        cfg.Debate.MaxRounds,
		EarlyStopScore:   cfg.Debate.EarlyStopScore,
		ProposerModel:    cfg.Debate.ProposerModel,
		SkepticModel:     cfg.Debate.SkepticModel,
		SynthesizerModel: cfg.Debate.SynthesizerModel,
		ProposerTemp:     cfg.Debate.ProposerTemp,
		SkepticTemp:      cfg.Debate.SkepticTemp,
		SynthesizerTemp:  cfg.Debate.SynthesizerTemp,
		TopK:             cfg.Retrieval.TopK,
		PerCallTimeout:   cfg.Debate.PerCallTimeout,
		EmbedModel:       cfg.Backend.EmbedModel,
	}
}

// Validate rejects settings a run could not honor.
func (s Settings) Validate() error {
	if s.MinRounds < 1 {
		return fmt.Errorf("minRounds must be >= 1, got %d", s.MinRounds)
	}
	if s.MaxRounds < s.MinRounds {
		return fmt.Errorf("maxRounds (%d) must be >= minRounds (%d)", s.MaxRounds, s.MinRounds)
	}
	if s.TopK < 1 {
		return fmt.Errorf("ragTopK must be >= 1, got %d", s.TopK)
	}
	if s.EarlyStopScore < 1 || s.EarlyStopScore > 10 {
		return fmt.Errorf("earlyStopScore must be in [1,10], got %d", s.EarlyStopScore)
	}
	for role, temp := range map[string]float64{
		"proposerTemp":    s.ProposerTemp,
		"skepticTemp":     s.SkepticTemp,
		"synthesizerTemp": s.SynthesizerTemp,
	} {
		if temp < 0 || temp > 2 {
			return fmt.Errorf("%s must be in [0,2], got %f", role, temp)
		}
	}
	if s.ProposerModel == "" || s.SkepticModel == "" || s.SynthesizerModel == "" {
		return fmt.Errorf("all role models must be set")
	}
	return nil
}
