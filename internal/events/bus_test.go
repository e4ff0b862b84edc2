package events

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// recv reads one event or fails the test after a bounded wait.
func recv(t *testing.T, ch <-chan AgentEvent) AgentEvent {
	t.Helper()
	select {
	case evt, ok := <-ch:
		require.True(t, ok, "channel closed early")
		return evt
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event")
		return AgentEvent{}
	}
}

// recvClosed asserts the channel closes without another event.
func recvClosed(t *testing.T, ch <-chan AgentEvent) {
	t.Helper()
	select {
	case evt, ok := <-ch:
		require.False(t, ok, "expected close, got event seq %d", evt.Seq)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for close")
	}
}

func TestPublishAssignsSequence(t *testing.T) {
	b := NewBus(WithPingInterval(0))
	defer b.Close()

	e1 := b.Publish(New(TypeStatus, "docker", map[string]any{"phase": "cloning"}))
	e2 := b.Publish(New(TypeOutput, "docker", nil))
	e3 := b.Publish(New(TypeOutput, "modal", nil))

	assert.Equal(t, uint64(1), e1.Seq)
	assert.Equal(t, uint64(2), e2.Seq)
	assert.Equal(t, uint64(3), e3.Seq)
	assert.NotEmpty(t, e1.ID)
	assert.NotEqual(t, e1.ID, e2.ID)
	assert.NotZero(t, e1.Timestamp)
	assert.JSONEq(t, `{"phase": "cloning"}`, string(e1.Data))
	assert.Equal(t, 3, b.Len())
}

func TestSubscribeReplaysThenLive(t *testing.T) {
	b := NewBus(WithPingInterval(0))
	defer b.Close()

	for i := 0; i < 3; i++ {
		b.Publish(New(TypeOutput, "docker", nil))
	}

	ch := b.Subscribe(context.Background())

	b.Publish(New(TypeOutput, "docker", nil))
	b.Publish(New(TypeComplete, "", nil))

	var seqs []uint64
	for i := 0; i < 5; i++ {
		seqs = append(seqs, recv(t, ch).Seq)
	}
	assert.Equal(t, []uint64{1, 2, 3, 4, 5}, seqs)
}

func TestSlowSubscriberDropped(t *testing.T) {
	b := NewBus(WithPingInterval(0), WithQueueSize(1))
	defer b.Close()

	slow := b.Subscribe(context.Background())
	fast := b.Subscribe(context.Background())

	// fast drains between publishes; slow never reads, so its
	// single-slot queue overflows on the second event.
	b.Publish(New(TypeOutput, "docker", nil))
	assert.Equal(t, uint64(1), recv(t, fast).Seq)
	b.Publish(New(TypeOutput, "docker", nil))
	assert.Equal(t, uint64(2), recv(t, fast).Seq)

	assert.Equal(t, uint64(1), recv(t, slow).Seq)
	recvClosed(t, slow)

	// The survivor keeps receiving.
	b.Publish(New(TypeOutput, "docker", nil))
	assert.Equal(t, uint64(3), recv(t, fast).Seq)
}

func TestCloseWithBroadcastsFinalFrame(t *testing.T) {
	b := NewBus(WithPingInterval(0))

	ch := b.Subscribe(context.Background())
	b.Publish(New(TypeOutput, "docker", nil))
	b.CloseWith(New(TypeComplete, "", map[string]any{"status": "completed"}))

	assert.Equal(t, TypeOutput, recv(t, ch).Type)
	final := recv(t, ch)
	assert.Equal(t, TypeComplete, final.Type)
	assert.Equal(t, uint64(2), final.Seq)
	recvClosed(t, ch)

	// Publishing after close is a no-op.
	assert.Zero(t, b.Publish(New(TypeOutput, "docker", nil)).Seq)
	assert.Equal(t, 2, b.Len())
}

func TestSubscribeAfterCloseReplays(t *testing.T) {
	b := NewBus(WithPingInterval(0))
	b.Publish(New(TypeOutput, "docker", nil))
	b.Publish(New(TypeOutput, "docker", nil))
	b.CloseWith(New(TypeComplete, "", nil))

	ch := b.Subscribe(context.Background())
	assert.Equal(t, uint64(1), recv(t, ch).Seq)
	assert.Equal(t, uint64(2), recv(t, ch).Seq)
	assert.Equal(t, TypeComplete, recv(t, ch).Type)
	recvClosed(t, ch)
}

func TestPingOnIdle(t *testing.T) {
	b := NewBus(WithPingInterval(20 * time.Millisecond))
	defer b.Close()

	ch := b.Subscribe(context.Background())

	ping := recv(t, ch)
	assert.Equal(t, TypePing, ping.Type)
	assert.Zero(t, ping.Seq)
	assert.NotZero(t, ping.Timestamp)

	// Pings do not consume sequence numbers or land in the log.
	evt := b.Publish(New(TypeOutput, "docker", nil))
	assert.Equal(t, uint64(1), evt.Seq)
	assert.Equal(t, 1, b.Len())
}

func TestContextCancelUnsubscribes(t *testing.T) {
	b := NewBus(WithPingInterval(0))
	defer b.Close()

	ctx, cancel := context.WithCancel(context.Background())
	ch := b.Subscribe(ctx)
	keep := b.Subscribe(context.Background())

	cancel()
	recvClosed(t, ch)

	b.Publish(New(TypeOutput, "docker", nil))
	assert.Equal(t, uint64(1), recv(t, keep).Seq)
}

func TestEventsSnapshotIsCopy(t *testing.T) {
	b := NewBus(WithPingInterval(0))
	defer b.Close()

	b.Publish(New(TypeOutput, "docker", nil))
	snap := b.Events()
	require.Len(t, snap, 1)

	snap[0].Provider = "mutated"
	assert.Equal(t, "docker", b.Events()[0].Provider)
}

func TestNewEventPayload(t *testing.T) {
	evt := New(TypeError, "e2b", map[string]any{"kind": "timeout", "message": "deadline exceeded"})
	assert.Equal(t, "e2b", evt.Provider)

	var payload map[string]string
	require.NoError(t, json.Unmarshal(evt.Data, &payload))
	assert.Equal(t, "timeout", payload["kind"])

	empty := New(TypeOutput, "", nil)
	assert.Nil(t, empty.Data)
}
