package prompt

import (
	"fmt"
	"strings"

	"dev.helix.reason/internal/templates"
	"dev.helix.reason/internal/trace"
)

// Input is one assembled model call: an opaque system prompt plus the
// user-turn content composed from debate state.
type Input struct {
	System string
	User   string
}

// Proposer builds the Proposer input. Round 1 carries the retrieved
// templates and the query; later rounds carry a digest of prior rounds and
// the Skeptic's latest critique.
func (l *Loader) Proposer(query string, matches []templates.Match, rounds []trace.Round, round int) Input {
	var b strings.Builder

	if round == 1 {
		if len(matches) > 0 {
			b.WriteString("Reasoning templates that may structure your answer:\n\n")
			for _, m := range matches {
				fmt.Fprintf(&b, "### %s (relevance %.2f)\n", m.Name, m.Score)
				if m.Description != "" {
					b.WriteString(m.Description)
					b.WriteString("\n")
				}
				b.WriteString(m.Body)
				b.WriteString("\n\n")
			}
		}
		b.WriteString("Question:\n")
		b.WriteString(query)
	} else {
		b.WriteString("Question:\n")
		b.WriteString(query)
		b.WriteString("\n\n")
		writeRoundDigest(&b, rounds[:len(rounds)-1])
		last := rounds[len(rounds)-1]
		fmt.Fprintf(&b, "Your previous answer (round %d):\n%s\n\n", last.Round, last.ProposerText)
		fmt.Fprintf(&b, "The Skeptic's critique of it:\n%s\n\n", last.SkepticText)
		b.WriteString("Revise your answer. Address each numbered point of the critique directly, then restate the full improved answer.")
	}

	return Input{System: l.System(RoleProposer), User: b.String()}
}

// Skeptic builds the Skeptic input for the given round. The instructions
// escalate: full critique in round 1, unresolved items in later rounds,
// final-verdict framing in the last round.
func (l *Loader) Skeptic(query, proposerText string, prior []trace.Round, round, maxRounds int) Input {
	var b strings.Builder

	b.WriteString("Question:\n")
	b.WriteString(query)
	b.WriteString("\n\n")
	writeRoundDigest(&b, prior)
	fmt.Fprintf(&b, "Proposer's answer (round %d of %d):\n%s\n\n", round, maxRounds, proposerText)

	switch {
	case round == 1:
		b.WriteString("Produce your full critique of this answer.")
	case round >= maxRounds:
		b.WriteString("This is the final round. Only flag issues that make the answer unusable; otherwise declare it ready.")
	default:
		b.WriteString("Focus on the items from your earlier critique that remain unresolved. Do not repeat points the Proposer has already addressed.")
	}

	return Input{System: l.System(RoleSkeptic), User: b.String()}
}

// Synthesizer builds the final-answer input from the query and the full
// round-by-round transcript.
func (l *Loader) Synthesizer(query string, rounds []trace.Round) Input {
	var b strings.Builder

	b.WriteString("Question:\n")
	b.WriteString(query)
	b.WriteString("\n\nDebate transcript:\n\n")
	for _, r := range rounds {
		fmt.Fprintf(&b, "--- Round %d ---\nProposer:\n%s\n\nSkeptic:\n%s\n\n",
			r.Round, r.ProposerText, r.SkepticText)
	}
	b.WriteString("Write the final answer.")

	return Input{System: l.System(RoleSynthesizer), User: b.String()}
}

// Scorer builds the auto-scoring input.
func (l *Loader) Scorer(query, finalAnswer string) Input {
	var b strings.Builder
	b.WriteString("Question:\n")
	b.WriteString(query)
	b.WriteString("\n\nAnswer:\n")
	b.WriteString(finalAnswer)
	return Input{System: l.System(RoleScorer), User: b.String()}
}

const digestLimit = 400

// writeRoundDigest summarizes completed rounds, truncating each side so the
// context stays bounded as rounds accumulate.
func writeRoundDigest(b *strings.Builder, rounds []trace.Round) {
	if len(rounds) == 0 {
		return
	}
	b.WriteString("Summary of earlier rounds:\n")
	for _, r := range rounds {
		fmt.Fprintf(b, "Round %d proposer: %s\n", r.Round, truncate(r.ProposerText, digestLimit))
		fmt.Fprintf(b, "Round %d skeptic: %s\n", r.Round, truncate(r.SkepticText, digestLimit))
	}
	b.WriteString("\n")
}

func truncate(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	cut := s[:limit]
	// Do not split a multi-byte rune.
	for len(cut) > 0 && (cut[len(cut)-1]&0xC0) == 0x80 {
		cut = cut[:len(cut)-1]
	}
	return cut + "…"
}
