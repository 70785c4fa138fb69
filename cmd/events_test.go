package cmd

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"testing"

	"github.com/Laisky/errors/v2"
	"github.com/stretchr/testify/require"

	"github.com/Laisky/repo-snapshot/library/db/redis"
)

type fakePopper struct {
	events []*redis.QueuedEvent
	err    error
	cancel context.CancelFunc
	queues []string
}

func (f *fakePopper) PopEvent(ctx context.Context, queues ...string) (*redis.QueuedEvent, error) {
	f.queues = append(f.queues, queues...)
	if len(f.events) > 0 {
		evt := f.events[0]
		f.events = f.events[1:]
		return evt, nil
	}
	if f.err != nil {
		return nil, f.err
	}
	f.cancel()
	<-ctx.Done()
	return nil, ctx.Err()
}

// TestDrainEventsWritesJSONLines verifies each popped event becomes one JSON
// line and draining stops cleanly once the context is cancelled.
func TestDrainEventsWritesJSONLines(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	src := &fakePopper{
		cancel: cancel,
		events: []*redis.QueuedEvent{
			{EventID: "e1", Kind: "run.started"},
			{EventID: "e2", Kind: "run.finished"},
		},
	}
	var out bytes.Buffer
	require.NoError(t, drainEvents(ctx, src, "runs", &out))

	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	require.Len(t, lines, 2)
	got := new(redis.QueuedEvent)
	require.NoError(t, json.Unmarshal([]byte(lines[1]), got))
	require.Equal(t, "e2", got.EventID)
	require.Equal(t, "run.finished", got.Kind)
	require.Equal(t, []string{"runs", "runs", "runs"}, src.queues)
}

// TestDrainEventsReturnsPopError verifies redis failures surface to the caller.
func TestDrainEventsReturnsPopError(t *testing.T) {
	src := &fakePopper{err: errors.New("connection refused")}
	err := drainEvents(context.Background(), src, "runs", &bytes.Buffer{})
	require.Error(t, err)
	require.Contains(t, err.Error(), "connection refused")
}
