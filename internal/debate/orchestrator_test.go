package debate

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dev.helix.reason/internal/inference"
	"dev.helix.reason/internal/prompt"
	"dev.helix.reason/internal/templates"
	"dev.helix.reason/internal/trace"
)

func testLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

type chatCall struct {
	Model    string `json:"model"`
	Stream   bool   `json:"stream"`
	Messages []struct {
		Role    string `json:"role"`
		Content string `json:"content"`
	} `json:"messages"`
}

// scriptedBackend answers streaming chat calls from a fixed script, one
// reply per call in order, and non-streaming calls with scorerReply.
type scriptedBackend struct {
	mu          sync.Mutex
	script      [][]string // per streaming call: chunks to emit
	calls       int
	scorerReply string
	scorerFails bool
	stall       int // 1-based streaming call index that stalls after its chunks
	release     chan struct{}
}

func (b *scriptedBackend) handler(t *testing.T) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req chatCall
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))

		if !req.Stream {
			if b.scorerFails {
				http.Error(w, "scorer down", http.StatusInternalServerError)
				return
			}
			fmt.Fprintf(w, `{"message":{"content":%s},"done":true}`+"\n", mustJSON(b.scorerReply))
			return
		}

		b.mu.Lock()
		call := b.calls
		b.calls++
		var chunks []string
		if call < len(b.script) {
			chunks = b.script[call]
		} else {
			chunks = []string{"unscripted"}
		}
		stall := b.stall > 0 && call == b.stall-1
		b.mu.Unlock()

		flusher := w.(http.Flusher)
		for _, chunk := range chunks {
			fmt.Fprintf(w, `{"message":{"content":%s},"done":false}`+"\n", mustJSON(chunk))
			flusher.Flush()
		}
		if stall {
			<-b.release
			return
		}
		fmt.Fprintln(w, `{"done":true}`)
	}
}

func mustJSON(s string) string {
	raw, _ := json.Marshal(s)
	return string(raw)
}

type fixedEmbedder struct{}

func (fixedEmbedder) Embed(context.Context, string, string) ([]float64, error) {
	return []float64{1, 0}, nil
}

type testRig struct {
	orch   *Orchestrator
	traces *trace.Store
}

func newRig(t *testing.T, backendURL string) *testRig {
	t.Helper()

	dir := t.TempDir()
	source := "---\nname: First Principles\ndescription: decompose\n---\nbody\n"
	require.NoError(t, os.WriteFile(filepath.Join(dir, "first-principles.md"), []byte(source), 0o644))

	catalog := templates.NewStore(fixedEmbedder{}, "embed", 0.3, testLogger())
	_, err := catalog.Reindex(context.Background(), []string{dir})
	require.NoError(t, err)

	traces, err := trace.Open(filepath.Join(t.TempDir(), "traces.db"), time.Second, testLogger())
	require.NoError(t, err)
	t.Cleanup(func() { traces.Close() })

	prompts, err := prompt.NewLoader("", testLogger())
	require.NoError(t, err)

	client := inference.NewClient(backendURL, time.Minute, testLogger())
	return &testRig{
		orch:   NewOrchestrator(client, catalog, traces, prompts, testLogger()),
		traces: traces,
	}
}

func testSettings() Settings {
	return Settings{
		MinRounds:        1,
		MaxRounds:        3,
		EarlyStopScore:   8,
		ProposerModel:    "prop-model",
		SkepticModel:     "skep-model",
		SynthesizerModel: "synth-model",
		TopK:             3,
		PerCallTimeout:   time.Second,
		EmbedModel:       "embed",
	}
}

func drain(t *testing.T, events <-chan Event) []Event {
	t.Helper()
	var out []Event
	deadline := time.After(10 * time.Second)
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				return out
			}
			out = append(out, ev)
		case <-deadline:
			t.Fatalf("event stream did not finish; got %d events", len(out))
		}
	}
}

func eventTypes(events []Event) []EventType {
	out := make([]EventType, len(events))
	for i, ev := range events {
		out[i] = ev.Type
	}
	return out
}

func concatDeltas(events []Event, typ EventType, round int) string {
	var b strings.Builder
	for _, ev := range events {
		if ev.Type == typ && ev.Round == round {
			b.WriteString(ev.Text)
		}
	}
	return b.String()
}

func completedText(t *testing.T, events []Event, typ EventType, round int) string {
	t.Helper()
	for _, ev := range events {
		if ev.Type == typ && ev.Round == round {
			return ev.Text
		}
	}
	t.Fatalf("no %s event for round %d", typ, round)
	return ""
}

func TestRunFastConvergence(t *testing.T) {
	backend := &scriptedBackend{
		script: [][]string{
			{"first ", "answer"},
			{"[CRITICAL] missing rigor"},
			{"second ", "answer"},
			{"looks good. ", prompt.ReadySentinel},
			{"final ", "answer"},
		},
		scorerReply: `{"score": 8, "reasoning": "good"}`,
	}
	srv := httptest.NewServer(backend.handler(t))
	defer srv.Close()

	rig := newRig(t, srv.URL)
	events := drain(t, rig.orch.Run(context.Background(), "fast", "the question", testSettings()))

	assert.Equal(t, []EventType{
		EventRAGStarted, EventRAGCompleted,
		EventRoundStarted,
		EventProposerStarted, EventProposerDelta, EventProposerDelta, EventProposerCompleted,
		EventSkepticStarted, EventSkepticDelta, EventSkepticCompleted,
		EventRoundStarted,
		EventProposerStarted, EventProposerDelta, EventProposerDelta, EventProposerCompleted,
		EventSkepticStarted, EventSkepticDelta, EventSkepticDelta, EventSkepticCompleted,
		EventEarlyStop,
		EventSynthesisStarted, EventSynthesisDelta, EventSynthesisDelta, EventSynthesisCompleted,
		EventCompleted,
	}, eventTypes(events))

	// Delta concatenation equals the completed text for every role.
	assert.Equal(t, completedText(t, events, EventProposerCompleted, 1), concatDeltas(events, EventProposerDelta, 1))
	assert.Equal(t, completedText(t, events, EventSkepticCompleted, 2), concatDeltas(events, EventSkepticDelta, 2))
	assert.Equal(t, completedText(t, events, EventSynthesisCompleted, 0), concatDeltas(events, EventSynthesisDelta, 0))

	terminal := events[len(events)-1]
	require.NotNil(t, terminal.Trace)
	assert.Equal(t, 2, terminal.Trace.TotalRounds)
	assert.True(t, terminal.Trace.EarlyStopped)
	assert.Contains(t, terminal.Trace.Rounds[1].SkepticText, prompt.ReadySentinel)
	assert.Equal(t, "final answer", terminal.Trace.FinalAnswer)
	require.NotNil(t, terminal.Trace.AutoScore)
	assert.Equal(t, 8, *terminal.Trace.AutoScore)
	assert.Equal(t, []string{"first-principles"}, terminal.Trace.TemplatesUsed)

	// Persisted and readable after the terminal event.
	got, err := rig.traces.Get(context.Background(), "fast")
	require.NoError(t, err)
	assert.Equal(t, terminal.Trace.FinalAnswer, got.FinalAnswer)
	assert.Len(t, got.Timing.RoundsMs, 2)
}

func TestRunMaxRoundsWithoutEarlyStop(t *testing.T) {
	backend := &scriptedBackend{
		script: [][]string{
			{"p1"}, {"[CRITICAL] one"},
			{"p2"}, {"[CRITICAL] two"},
			{"synthesis"},
		},
		scorerReply: `{"score": 4}`,
	}
	srv := httptest.NewServer(backend.handler(t))
	defer srv.Close()

	settings := testSettings()
	settings.MinRounds = 2
	settings.MaxRounds = 2

	rig := newRig(t, srv.URL)
	events := drain(t, rig.orch.Run(context.Background(), "maxed", "q", settings))

	types := eventTypes(events)
	assert.NotContains(t, types, EventEarlyStop)
	assert.Equal(t, EventCompleted, types[len(types)-1])

	terminal := events[len(events)-1]
	require.NotNil(t, terminal.Trace)
	assert.Equal(t, 2, terminal.Trace.TotalRounds)
	assert.False(t, terminal.Trace.EarlyStopped)
}

func TestRunEarlyStopWithoutCriticalFindings(t *testing.T) {
	backend := &scriptedBackend{
		script: [][]string{
			{"p1"}, {"[MINOR] nitpick only"},
			{"synthesis"},
		},
		scorerReply: `{"score": 9}`,
	}
	srv := httptest.NewServer(backend.handler(t))
	defer srv.Close()

	rig := newRig(t, srv.URL)
	events := drain(t, rig.orch.Run(context.Background(), "calm", "q", testSettings()))

	types := eventTypes(events)
	assert.Contains(t, types, EventEarlyStop)
	terminal := events[len(events)-1]
	require.Equal(t, EventCompleted, terminal.Type)
	assert.Equal(t, 1, terminal.Trace.TotalRounds)
	assert.True(t, terminal.Trace.EarlyStopped)
}

func TestRunMinRoundsHoldsOffEarlyStop(t *testing.T) {
	backend := &scriptedBackend{
		script: [][]string{
			{"p1"}, {"[MINOR] fine"},
			{"p2"}, {"[MINOR] still fine"},
			{"synthesis"},
		},
		scorerReply: `{"score": 7}`,
	}
	srv := httptest.NewServer(backend.handler(t))
	defer srv.Close()

	settings := testSettings()
	settings.MinRounds = 2

	rig := newRig(t, srv.URL)
	events := drain(t, rig.orch.Run(context.Background(), "held", "q", settings))

	terminal := events[len(events)-1]
	require.Equal(t, EventCompleted, terminal.Type)
	assert.Equal(t, 2, terminal.Trace.TotalRounds)
	assert.True(t, terminal.Trace.EarlyStopped)
}

func TestRunTimeoutMidDebateFailsWithoutPersisting(t *testing.T) {
	backend := &scriptedBackend{
		script: [][]string{
			{"p1"}, {"[CRITICAL] go on"},
			{"p2 partial"}, // round 2 proposer stalls after this delta
		},
		stall:   3,
		release: make(chan struct{}),
	}
	srv := httptest.NewServer(backend.handler(t))
	defer srv.Close()
	// Unblock the stalled handler before the server drains connections.
	defer close(backend.release)

	settings := testSettings()
	settings.PerCallTimeout = 100 * time.Millisecond

	rig := newRig(t, srv.URL)
	events := drain(t, rig.orch.Run(context.Background(), "stalled", "q", settings))

	terminal := events[len(events)-1]
	require.Equal(t, EventFailed, terminal.Type)
	assert.Equal(t, "timeout", terminal.Kind)
	assert.Equal(t, 2, terminal.Round)
	assert.NotContains(t, eventTypes(events), EventCompleted)

	// The partial delta was observed but nothing was persisted.
	assert.Equal(t, "p2 partial", concatDeltas(events, EventProposerDelta, 2))
	_, err := rig.traces.Get(context.Background(), "stalled")
	assert.ErrorIs(t, err, trace.ErrNotFound)
}

func TestRunCancellation(t *testing.T) {
	backend := &scriptedBackend{
		script:  [][]string{{"thinking"}},
		stall:   1,
		release: make(chan struct{}),
	}
	srv := httptest.NewServer(backend.handler(t))
	defer srv.Close()
	defer close(backend.release)

	rig := newRig(t, srv.URL)
	ctx, cancel := context.WithCancel(context.Background())

	events := rig.orch.Run(ctx, "cancelled", "q", testSettings())
	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()
	collected := drain(t, events)

	terminal := collected[len(collected)-1]
	require.Equal(t, EventFailed, terminal.Type)
	assert.Equal(t, "cancelled", terminal.Kind)

	_, err := rig.traces.Get(context.Background(), "cancelled")
	assert.ErrorIs(t, err, trace.ErrNotFound)
}

func TestRunScorerFailureIsNotFatal(t *testing.T) {
	backend := &scriptedBackend{
		script: [][]string{
			{"p1"}, {prompt.ReadySentinel},
			{"synthesis"},
		},
		scorerFails: true,
	}
	srv := httptest.NewServer(backend.handler(t))
	defer srv.Close()

	rig := newRig(t, srv.URL)
	events := drain(t, rig.orch.Run(context.Background(), "unscored", "q", testSettings()))

	terminal := events[len(events)-1]
	require.Equal(t, EventCompleted, terminal.Type)
	assert.Nil(t, terminal.Trace.AutoScore)
}

func TestRunUnparseableScoreRecordsNeutral(t *testing.T) {
	backend := &scriptedBackend{
		script: [][]string{
			{"p1"}, {prompt.ReadySentinel},
			{"synthesis"},
		},
		scorerReply: "a very thorough but entirely prose judgement",
	}
	srv := httptest.NewServer(backend.handler(t))
	defer srv.Close()

	rig := newRig(t, srv.URL)
	events := drain(t, rig.orch.Run(context.Background(), "neutral", "q", testSettings()))

	terminal := events[len(events)-1]
	require.Equal(t, EventCompleted, terminal.Type)
	require.NotNil(t, terminal.Trace.AutoScore)
	assert.Equal(t, 5, *terminal.Trace.AutoScore)
}

func TestRunRoleModelsAndRoundNumbers(t *testing.T) {
	var mu sync.Mutex
	var streamedModels []string
	backend := &scriptedBackend{
		script: [][]string{
			{"p1"}, {prompt.ReadySentinel},
			{"synthesis"},
		},
		scorerReply: `{"score": 8}`,
	}
	base := backend.handler(t)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		var req chatCall
		require.NoError(t, json.Unmarshal(body, &req))
		if req.Stream {
			mu.Lock()
			streamedModels = append(streamedModels, req.Model)
			mu.Unlock()
		}
		r.Body = io.NopCloser(strings.NewReader(string(body)))
		base(w, r)
	}))
	defer srv.Close()

	rig := newRig(t, srv.URL)
	events := drain(t, rig.orch.Run(context.Background(), "models", "q", testSettings()))

	terminal := events[len(events)-1]
	require.Equal(t, EventCompleted, terminal.Type)
	assert.Equal(t, []string{"prop-model", "skep-model", "synth-model"}, streamedModels)
	assert.Equal(t, trace.Models{
		Proposer:    "prop-model",
		Skeptic:     "skep-model",
		Synthesizer: "synth-model",
		Embedding:   "embed",
	}, terminal.Trace.Models)

	for _, ev := range events {
		switch ev.Type {
		case EventSynthesisStarted, EventSynthesisDelta, EventSynthesisCompleted,
			EventRAGStarted, EventRAGCompleted, EventCompleted:
			assert.Zero(t, ev.Round)
		}
	}
}

func TestRunSaveFailureEmitsFailed(t *testing.T) {
	backend := &scriptedBackend{
		script: [][]string{
			{"p1"}, {prompt.ReadySentinel},
			{"synthesis"},
		},
		scorerReply: `{"score": 8}`,
	}
	srv := httptest.NewServer(backend.handler(t))
	defer srv.Close()

	rig := newRig(t, srv.URL)
	require.NoError(t, rig.traces.Close())

	events := drain(t, rig.orch.Run(context.Background(), "nostore", "q", testSettings()))
	terminal := events[len(events)-1]
	require.Equal(t, EventFailed, terminal.Type)
	assert.Equal(t, "internal", terminal.Kind)
	assert.NotContains(t, eventTypes(events), EventCompleted)
}
