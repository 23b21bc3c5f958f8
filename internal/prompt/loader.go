// Package prompt loads role system prompts and assembles the per-turn
// inputs for each debate role. Assembly is pure: no I/O after Load.
package prompt

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/sirupsen/logrus"
)

// Role names a debate participant prompt.
type Role string

const (
	RoleProposer    Role = "proposer"
	RoleSkeptic     Role = "skeptic"
	RoleSynthesizer Role = "synthesizer"
	RoleScorer      Role = "scorer"
)

// Sentinels the Skeptic is instructed to emit. These are wire-level byte
// sequences: the orchestrator's termination predicate matches them exactly,
// so changing one requires changing the prompt text in the same release.
const (
	ReadySentinel    = "VERDICT: READY"
	CriticalSentinel = "[CRITICAL]"
)

// Loader resolves role system prompts: files named {role}.txt in an optional
// prompt directory override the compiled-in defaults.
type Loader struct {
	prompts map[Role]string
}

// NewLoader builds a loader. dir may be empty to use only the defaults.
func NewLoader(dir string, logger *logrus.Logger) (*Loader, error) {
	prompts := map[Role]string{
		RoleProposer:    defaultProposerPrompt,
		RoleSkeptic:     defaultSkepticPrompt,
		RoleSynthesizer: defaultSynthesizerPrompt,
		RoleScorer:      defaultScorerPrompt,
	}

	if dir != "" {
		for role := range prompts {
			path := filepath.Join(dir, string(role)+".txt")
			raw, err := os.ReadFile(path)
			if err != nil {
				if os.IsNotExist(err) {
					continue
				}
				return nil, fmt.Errorf("read prompt %s: %w", path, err)
			}
			if len(raw) == 0 {
				if logger != nil {
					logger.WithField("path", path).Warn("Ignoring empty prompt override")
				}
				continue
			}
			prompts[role] = string(raw)
		}
	}

	return &Loader{prompts: prompts}, nil
}

// System returns the system prompt for a role.
func (l *Loader) System(role Role) string {
	return l.prompts[role]
}

const defaultProposerPrompt = `You are the Proposer in a structured adversarial debate. Your task is to
construct the strongest possible answer to the user's question, using the
provided reasoning templates as structural scaffolding where they apply.
Lay out your reasoning step by step, state your assumptions explicitly, and
commit to a concrete answer. When responding to critique, address every
numbered point directly before restating your improved answer.`

const defaultSkepticPrompt = `You are the Skeptic in a structured adversarial debate. Examine the
Proposer's answer for flaws: logical gaps, unstated assumptions, factual
errors, and unaddressed edge cases. Number each issue and prefix its
severity with one of [CRITICAL], [MAJOR] or [MINOR]. Be rigorous but fair:
do not invent objections. If the answer is sound and complete, reply with
the single line VERDICT: READY instead of a critique.`

const defaultSynthesizerPrompt = `You are the Synthesizer. You receive a question and the full transcript of
an adversarial debate about it. Produce the final polished answer: integrate
the Proposer's strongest reasoning with every valid correction the Skeptic
raised. Do not mention the debate, the participants, or the process. Answer
the question directly and completely.`

const defaultScorerPrompt = `You are a strict evaluator of answer quality. Given a question and an
answer, reply with a single JSON object and nothing else:
{"score": <integer 1-10>, "reasoning": "<one sentence>"}
Score 1-3 for wrong or unusable answers, 4-6 for partially correct ones,
7-8 for solid answers, 9-10 only for complete, rigorous, well-structured
answers.`
