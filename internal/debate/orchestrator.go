package debate

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"dev.helix.reason/internal/inference"
	"dev.helix.reason/internal/prompt"
	"dev.helix.reason/internal/templates"
	"dev.helix.reason/internal/trace"
)

// scorerTimeout bounds the single non-streaming auto-score call. Scoring is
// best effort and must not hold a finished debate open for long.
const scorerTimeout = 60 * time.Second

// Orchestrator runs debates. It owns no per-debate state; every Run call is
// an independent pipeline writing to its own event channel.
type Orchestrator struct {
	client  *inference.Client
	catalog *templates.Store
	traces  *trace.Store
	prompts *prompt.Loader
	logger  *logrus.Logger
}

// NewOrchestrator wires the pipeline's collaborators together.
func NewOrchestrator(client *inference.Client, catalog *templates.Store, traces *trace.Store, prompts *prompt.Loader, logger *logrus.Logger) *Orchestrator {
	if logger == nil {
		logger = logrus.New()
	}
	return &Orchestrator{
		client:  client,
		catalog: catalog,
		traces:  traces,
		prompts: prompts,
		logger:  logger,
	}
}

// Run executes one debate and returns its ordered event stream. The channel
// always ends with exactly one terminal event (completed or failed) and is
// closed after it. Cancelling ctx aborts the run between and within model
// calls; a cancelled run persists nothing.
func (o *Orchestrator) Run(ctx context.Context, id, query string, s Settings) <-chan Event {
	events := make(chan Event)
	go func() {
		defer close(events)
		o.run(ctx, id, query, s, events)
	}()
	return events
}

func (o *Orchestrator) run(ctx context.Context, id, query string, s Settings, events chan<- Event) {
	start := time.Now()
	log := o.logger.WithFields(logrus.Fields{"debate": id, "maxRounds": s.MaxRounds})
	log.WithField("query_len", len(query)).Info("Debate started")

	// Retrieval.
	events <- Event{Type: EventRAGStarted}
	ragStart := time.Now()
	matches, err := o.catalog.Search(ctx, query, s.TopK)
	if err != nil {
		o.fail(ctx, events, log, err, 0)
		return
	}
	ragMs := time.Since(ragStart).Milliseconds()
	templateIDs := make([]string, 0, len(matches))
	for _, m := range matches {
		templateIDs = append(templateIDs, m.ID)
		o.catalog.RecordUse(m.ID)
	}
	events <- Event{Type: EventRAGCompleted, Templates: matches, DurationMs: ragMs}

	// Debate rounds.
	var (
		rounds       []trace.Round
		roundsMs     []int64
		earlyStopped bool
	)
	for round := 1; round <= s.MaxRounds; round++ {
		if ctx.Err() != nil {
			o.fail(ctx, events, log, ctx.Err(), round)
			return
		}
		roundStart := time.Now()
		events <- Event{Type: EventRoundStarted, Round: round}

		in := o.prompts.Proposer(query, matches, rounds, round)
		proposerText, proposerMs, err := o.streamRole(ctx, s.ProposerModel, in, s.ProposerTemp, s.PerCallTimeout,
			events, round, EventProposerStarted, EventProposerDelta, EventProposerCompleted)
		if err != nil {
			o.fail(ctx, events, log, err, round)
			return
		}

		in = o.prompts.Skeptic(query, proposerText, rounds, round, s.MaxRounds)
		skepticText, skepticMs, err := o.streamRole(ctx, s.SkepticModel, in, s.SkepticTemp, s.PerCallTimeout,
			events, round, EventSkepticStarted, EventSkepticDelta, EventSkepticCompleted)
		if err != nil {
			o.fail(ctx, events, log, err, round)
			return
		}

		rounds = append(rounds, trace.Round{
			Round:              round,
			ProposerText:       proposerText,
			SkepticText:        skepticText,
			ProposerDurationMs: proposerMs,
			SkepticDurationMs:  skepticMs,
		})
		roundsMs = append(roundsMs, time.Since(roundStart).Milliseconds())

		// Termination: an explicit readiness verdict stops immediately; past
		// the minimum, a critique without critical findings stops as well.
		if strings.Contains(skepticText, prompt.ReadySentinel) {
			earlyStopped = true
		} else if round >= s.MinRounds && round < s.MaxRounds && !strings.Contains(skepticText, prompt.CriticalSentinel) {
			earlyStopped = true
		}
		if earlyStopped {
			log.WithField("round", round).Info("Debate stopped early")
			events <- Event{Type: EventEarlyStop, Round: round}
			break
		}
	}

	// Synthesis.
	if ctx.Err() != nil {
		o.fail(ctx, events, log, ctx.Err(), len(rounds))
		return
	}
	in := o.prompts.Synthesizer(query, rounds)
	finalAnswer, synthesisMs, err := o.streamRole(ctx, s.SynthesizerModel, in, s.SynthesizerTemp, s.PerCallTimeout,
		events, 0, EventSynthesisStarted, EventSynthesisDelta, EventSynthesisCompleted)
	if err != nil {
		o.fail(ctx, events, log, err, len(rounds))
		return
	}

	autoScore := o.autoScore(ctx, query, finalAnswer, s, log)

	t := &trace.Trace{
		ID:            id,
		CreatedAt:     time.Now().UTC(),
		Query:         query,
		TemplatesUsed: templateIDs,
		Rounds:        rounds,
		FinalAnswer:   finalAnswer,
		TotalRounds:   len(rounds),
		EarlyStopped:  earlyStopped,
		AutoScore:     autoScore,
		Models: trace.Models{
			Proposer:    s.ProposerModel,
			Skeptic:     s.SkepticModel,
			Synthesizer: s.SynthesizerModel,
			Embedding:   s.EmbedModel,
		},
		Timing: trace.Timing{
			RAGMs:       ragMs,
			RoundsMs:    roundsMs,
			SynthesisMs: synthesisMs,
		},
	}
	t.Timing.TotalMs = time.Since(start).Milliseconds()

	// Persist before announcing completion so a consumer that reacts to the
	// terminal event can immediately fetch the trace.
	if err := o.traces.Save(context.WithoutCancel(ctx), t); err != nil {
		o.fail(ctx, events, log, err, len(rounds))
		return
	}

	log.WithFields(logrus.Fields{
		"rounds":  t.TotalRounds,
		"early":   t.EarlyStopped,
		"totalMs": t.Timing.TotalMs,
	}).Info("Debate completed")
	events <- Event{Type: EventCompleted, Trace: t}
}

// streamRole runs one streaming model call, forwarding each chunk as a delta
// event. Returns the concatenated text and the call's wall-clock duration.
func (o *Orchestrator) streamRole(ctx context.Context, model string, in prompt.Input, temperature float64, timeout time.Duration, events chan<- Event, round int, started, delta, completed EventType) (string, int64, error) {
	events <- Event{Type: started, Round: round}
	callStart := time.Now()

	messages := []inference.Message{
		{Role: "system", Content: in.System},
		{Role: "user", Content: in.User},
	}

	var text strings.Builder
	for d := range o.client.StreamChat(ctx, model, messages, temperature, timeout) {
		if d.Err != nil {
			return "", 0, d.Err
		}
		text.WriteString(d.Text)
		events <- Event{Type: delta, Round: round, Text: d.Text}
	}

	durationMs := time.Since(callStart).Milliseconds()
	events <- Event{Type: completed, Round: round, Text: text.String(), DurationMs: durationMs}
	return text.String(), durationMs, nil
}

// autoScore asks the scorer model to grade the final answer. Failures are
// never fatal: an unreachable scorer leaves the score unset, an unparseable
// reply records the neutral score.
func (o *Orchestrator) autoScore(ctx context.Context, query, finalAnswer string, s Settings, log *logrus.Entry) *int {
	if ctx.Err() != nil {
		return nil
	}
	in := o.prompts.Scorer(query, finalAnswer)
	messages := []inference.Message{
		{Role: "system", Content: in.System},
		{Role: "user", Content: in.User},
	}

	reply, err := o.client.Chat(ctx, s.SynthesizerModel, messages, 0, scorerTimeout)
	if err != nil {
		log.WithError(err).Warn("Auto-score call failed, leaving score unset")
		return nil
	}

	score, parsed := parseScore(reply)
	if !parsed {
		log.WithField("reply_len", len(reply)).Warn("Auto-score reply unparseable, recording neutral score")
	}
	return &score
}

// fail emits the single terminal failed event for err.
func (o *Orchestrator) fail(ctx context.Context, events chan<- Event, log *logrus.Entry, err error, round int) {
	kind := "internal"
	var infErr *inference.Error
	switch {
	case errors.Is(ctx.Err(), context.Canceled):
		kind = "cancelled"
	case errors.As(err, &infErr):
		kind = string(infErr.Kind)
	}

	log.WithError(err).WithFields(logrus.Fields{"kind": kind, "round": round}).Error("Debate failed")
	ev := Event{Type: EventFailed, Message: err.Error(), Kind: kind}
	if round > 0 {
		ev.Round = round
	}
	events <- ev
}
