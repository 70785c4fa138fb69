package redis

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/Laisky/errors/v2"
	gutils "github.com/Laisky/go-utils/v6"
)

// EventQueueKey returns the list key used for the named queue
func EventQueueKey(queue string) string {
	return keyPrefixEvents + strings.Trim(queue, "/")
}

// newQueuedEvent builds the envelope and its JSON encoding.
func newQueuedEvent(kind string, payload any, now time.Time) (*QueuedEvent, []byte, error) {
	evt := &QueuedEvent{
		EventID:    gutils.UUID7(),
		Kind:       kind,
		Payload:    payload,
		EnqueuedAt: now.UTC(),
	}

	body, err := json.Marshal(evt)
	if err != nil {
		return evt, nil, errors.Wrapf(err, "marshal event %q", kind)
	}
	return evt, body, nil
}

// PushEvent appends an event to the named queue. The list is never trimmed,
// consumers drain it with PopEvent.
func (db *DB) PushEvent(ctx context.Context,
	queue string,
	kind string,
	payload any,
) (eventID string, err error) {
	evt, body, err := newQueuedEvent(kind, payload, time.Now())
	if err != nil {
		return evt.EventID, err
	}

	if err = db.rdb.RPush(ctx, EventQueueKey(queue), body).Err(); err != nil {
		return evt.EventID, errors.Wrap(err, "rpush")
	}

	return evt.EventID, nil
}

// decodeQueuedEvent parses a list item written by PushEvent.
func decodeQueuedEvent(raw string) (*QueuedEvent, error) {
	evt := new(QueuedEvent)
	if err := json.Unmarshal([]byte(raw), evt); err != nil {
		return nil, errors.Wrap(err, "unmarshal event")
	}
	return evt, nil
}

// PopEvent blocks until one of the named queues has an event or ctx is done.
func (db *DB) PopEvent(ctx context.Context, queues ...string) (*QueuedEvent, error) {
	if len(queues) == 0 {
		return nil, errors.New("no queue to pop from")
	}

	keys := make([]string, 0, len(queues))
	for _, q := range queues {
		keys = append(keys, EventQueueKey(q))
	}

	_, raw, err := db.db.LPopKeysBlocking(ctx, keys...)
	if err != nil {
		return nil, errors.Wrap(err, "lpop event")
	}
	return decodeQueuedEvent(raw)
}
