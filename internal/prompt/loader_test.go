package prompt

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dev.helix.reason/internal/templates"
	"dev.helix.reason/internal/trace"
)

func TestLoaderDefaults(t *testing.T) {
	l, err := NewLoader("", nil)
	require.NoError(t, err)

	assert.Contains(t, l.System(RoleSkeptic), CriticalSentinel)
	assert.Contains(t, l.System(RoleSkeptic), ReadySentinel)
	assert.Contains(t, l.System(RoleScorer), `"score"`)
	assert.NotEmpty(t, l.System(RoleProposer))
	assert.NotEmpty(t, l.System(RoleSynthesizer))
}

func TestLoaderFileOverride(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "proposer.txt"), []byte("custom proposer"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "skeptic.txt"), nil, 0o644))

	l, err := NewLoader(dir, nil)
	require.NoError(t, err)

	assert.Equal(t, "custom proposer", l.System(RoleProposer))
	// Empty override files are ignored.
	assert.Equal(t, defaultSkepticPrompt, l.System(RoleSkeptic))
	assert.Equal(t, defaultSynthesizerPrompt, l.System(RoleSynthesizer))
}

func testRounds() []trace.Round {
	return []trace.Round{
		{Round: 1, ProposerText: "answer one", SkepticText: "critique one"},
		{Round: 2, ProposerText: "answer two", SkepticText: "critique two"},
	}
}

func TestProposerFirstRound(t *testing.T) {
	l, err := NewLoader("", nil)
	require.NoError(t, err)

	matches := []templates.Match{
		{ID: "first-principles", Name: "First Principles", Score: 0.82, Body: "decompose the problem"},
	}
	in := l.Proposer("why is the sky blue", matches, nil, 1)

	assert.Equal(t, l.System(RoleProposer), in.System)
	assert.Contains(t, in.User, "First Principles")
	assert.Contains(t, in.User, "decompose the problem")
	assert.Contains(t, in.User, "why is the sky blue")
	assert.NotContains(t, in.User, "previous answer")
}

func TestProposerRevisionRound(t *testing.T) {
	l, err := NewLoader("", nil)
	require.NoError(t, err)

	in := l.Proposer("the question", nil, testRounds(), 3)

	// The last round appears in full, earlier rounds only as digest.
	assert.Contains(t, in.User, "answer two")
	assert.Contains(t, in.User, "critique two")
	assert.Contains(t, in.User, "Summary of earlier rounds")
	assert.Contains(t, in.User, "answer one")
	assert.Contains(t, in.User, "Revise your answer")
}

func TestSkepticEscalation(t *testing.T) {
	l, err := NewLoader("", nil)
	require.NoError(t, err)

	first := l.Skeptic("q", "proposed", nil, 1, 3)
	assert.Contains(t, first.User, "full critique")

	mid := l.Skeptic("q", "proposed", testRounds()[:1], 2, 3)
	assert.Contains(t, mid.User, "remain unresolved")

	last := l.Skeptic("q", "proposed", testRounds(), 3, 3)
	assert.Contains(t, last.User, "final round")
}

func TestSynthesizerCarriesFullTranscript(t *testing.T) {
	l, err := NewLoader("", nil)
	require.NoError(t, err)

	in := l.Synthesizer("the question", testRounds())
	assert.Contains(t, in.User, "Round 1")
	assert.Contains(t, in.User, "Round 2")
	assert.Contains(t, in.User, "answer two")
	assert.Contains(t, in.User, "critique one")
}

func TestDigestTruncation(t *testing.T) {
	long := strings.Repeat("é", 600) // multi-byte runes
	rounds := []trace.Round{
		{Round: 1, ProposerText: long, SkepticText: "short"},
		{Round: 2, ProposerText: "p2", SkepticText: "s2"},
	}

	l, err := NewLoader("", nil)
	require.NoError(t, err)
	in := l.Proposer("q", nil, rounds, 3)

	assert.True(t, len(in.User) < 2*len(long), "digest should truncate long round text")
	// Truncation must not split a rune.
	assert.True(t, strings.Contains(in.User, "…"))
	assert.True(t, utf8.ValidString(in.User))
}
