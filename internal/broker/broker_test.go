package broker

import (
	"fmt"
	"io"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dev.helix.reason/internal/debate"
)

func testLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

func newTestBroker(buffer int) *Broker {
	return New(time.Minute, buffer, testLogger())
}

func deltaEvent(n int) debate.Event {
	return debate.Event{Type: debate.EventProposerDelta, Round: 1, Text: fmt.Sprintf("chunk %d", n)}
}

func collect(t *testing.T, sub *Subscription, want int) []debate.Event {
	t.Helper()
	var out []debate.Event
	deadline := time.After(5 * time.Second)
	for len(out) < want {
		select {
		case ev, ok := <-sub.Events:
			if !ok {
				return out
			}
			out = append(out, ev)
		case <-deadline:
			t.Fatalf("timed out after %d of %d events", len(out), want)
		}
	}
	return out
}

func TestRegisterDuplicate(t *testing.T) {
	b := newTestBroker(64)
	require.NoError(t, b.Register("d1"))
	assert.ErrorIs(t, b.Register("d1"), ErrDuplicateID)
}

func TestSubscribeUnknown(t *testing.T) {
	b := newTestBroker(64)
	_, err := b.Subscribe("ghost")
	assert.ErrorIs(t, err, ErrUnknownDebate)
}

func TestSubscribeReplaysFromStart(t *testing.T) {
	b := newTestBroker(64)
	require.NoError(t, b.Register("d1"))

	for i := 0; i < 5; i++ {
		b.Publish("d1", deltaEvent(i))
	}

	sub, err := b.Subscribe("d1")
	require.NoError(t, err)
	defer sub.Cancel()

	got := collect(t, sub, 5)
	for i, ev := range got {
		assert.Equal(t, fmt.Sprintf("chunk %d", i), ev.Text)
	}
	assert.Zero(t, sub.Truncated)
}

func TestSubscribeFollowsLiveAfterReplay(t *testing.T) {
	b := newTestBroker(64)
	require.NoError(t, b.Register("d1"))
	b.Publish("d1", deltaEvent(0))

	sub, err := b.Subscribe("d1")
	require.NoError(t, err)
	defer sub.Cancel()

	first := collect(t, sub, 1)
	assert.Equal(t, "chunk 0", first[0].Text)

	b.Publish("d1", deltaEvent(1))
	b.Publish("d1", debate.Event{Type: debate.EventCompleted})

	rest := collect(t, sub, 2)
	assert.Equal(t, "chunk 1", rest[0].Text)
	assert.Equal(t, debate.EventCompleted, rest[1].Type)

	// Channel closes after the terminal event.
	_, open := <-sub.Events
	assert.False(t, open)
}

func TestSubscribeAfterCompletionReplaysAndCloses(t *testing.T) {
	b := newTestBroker(64)
	require.NoError(t, b.Register("d1"))
	b.Publish("d1", deltaEvent(0))
	b.Publish("d1", debate.Event{Type: debate.EventCompleted})

	sub, err := b.Subscribe("d1")
	require.NoError(t, err)
	defer sub.Cancel()

	got := collect(t, sub, 2)
	assert.Equal(t, debate.EventCompleted, got[1].Type)
	_, open := <-sub.Events
	assert.False(t, open)
}

func TestSecondSubscriberRejectedWhileAttached(t *testing.T) {
	b := newTestBroker(64)
	require.NoError(t, b.Register("d1"))

	sub, err := b.Subscribe("d1")
	require.NoError(t, err)

	_, err = b.Subscribe("d1")
	assert.ErrorIs(t, err, ErrBusy)

	sub.Cancel()
	// The slot frees once the subscriber goroutine exits.
	require.Eventually(t, func() bool {
		s2, err := b.Subscribe("d1")
		if err != nil {
			return false
		}
		s2.Cancel()
		return true
	}, time.Second, 10*time.Millisecond)
}

func TestCancelDoesNotStopProducer(t *testing.T) {
	b := newTestBroker(64)
	require.NoError(t, b.Register("d1"))

	sub, err := b.Subscribe("d1")
	require.NoError(t, err)
	sub.Cancel()

	// Publishing after the subscriber left must not block or panic.
	done := make(chan struct{})
	go func() {
		for i := 0; i < 100; i++ {
			b.Publish("d1", deltaEvent(i))
		}
		b.Publish("d1", debate.Event{Type: debate.EventCompleted})
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("producer blocked after subscriber cancel")
	}
}

func TestBufferPressureKeepsCriticalEvents(t *testing.T) {
	b := newTestBroker(16)
	require.NoError(t, b.Register("d1"))

	b.Publish("d1", debate.Event{Type: debate.EventEarlyStop, Round: 1})
	for i := 0; i < 40; i++ {
		b.Publish("d1", deltaEvent(i))
	}
	b.Publish("d1", debate.Event{Type: debate.EventCompleted})

	sub, err := b.Subscribe("d1")
	require.NoError(t, err)
	defer sub.Cancel()
	assert.Positive(t, sub.Truncated)

	var sawEarlyStop, sawCompleted bool
	for ev := range sub.Events {
		switch ev.Type {
		case debate.EventEarlyStop:
			sawEarlyStop = true
		case debate.EventCompleted:
			sawCompleted = true
		}
	}
	assert.True(t, sawEarlyStop, "early_stop must survive buffer pressure")
	assert.True(t, sawCompleted)
}

func TestRetentionEvictsFinishedDebates(t *testing.T) {
	b := New(30*time.Millisecond, 64, testLogger())
	require.NoError(t, b.Register("d1"))
	b.Publish("d1", debate.Event{Type: debate.EventCompleted})

	require.True(t, b.Has("d1"))
	require.Eventually(t, func() bool { return !b.Has("d1") }, time.Second, 10*time.Millisecond)

	_, err := b.Subscribe("d1")
	assert.ErrorIs(t, err, ErrUnknownDebate)
}

func TestRunDrainsProducerChannel(t *testing.T) {
	b := newTestBroker(64)
	require.NoError(t, b.Register("d1"))

	events := make(chan debate.Event)
	go func() {
		events <- deltaEvent(0)
		events <- debate.Event{Type: debate.EventCompleted}
		close(events)
	}()
	b.Run("d1", events)

	sub, err := b.Subscribe("d1")
	require.NoError(t, err)
	defer sub.Cancel()
	got := collect(t, sub, 2)
	assert.Equal(t, debate.EventCompleted, got[1].Type)
}

func TestActiveCount(t *testing.T) {
	b := newTestBroker(64)
	require.NoError(t, b.Register("a"))
	require.NoError(t, b.Register("b"))
	assert.Equal(t, 2, b.Active())

	b.Publish("a", debate.Event{Type: debate.EventFailed, Kind: "timeout"})
	assert.Equal(t, 1, b.Active())
}
