// Package retryq persists the outbox of notifications that failed to send.
// The queue file is rewritten in full on every mutation and is owned by a
// single dispatcher task; it is not designed for multi-writer access.
package retryq

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Payload is the serializable subset of a notification. Transient UI
// handles (inline keyboards, button labels) are stripped before persisting.
type Payload struct {
	Project string `json:"project"`
	File    string `json:"file"`
	Text    string `json:"text"`
}

// Item is one queued redelivery. Attempts is monotonically non-decreasing.
// SentChunks records how many leading chunks of the split message already
// reached the channel, so a redrive resumes instead of resending them.
type Item struct {
	Payload     Payload   `json:"payload"`
	Attempts    int       `json:"attempts"`
	SentChunks  int       `json:"sent_chunks,omitempty"`
	FirstQueued time.Time `json:"first_queued"`
}

// Queue is the persisted retry outbox.
type Queue struct {
	mu     sync.Mutex
	path   string
	items  []Item
	logger zerolog.Logger
}

// Load reads the queue file at path. Missing or corrupt files yield an
// empty queue, never an error.
func Load(path string, logger zerolog.Logger) *Queue {
	q := &Queue{
		path:   path,
		logger: logger.With().Str("component", "retryq").Logger(),
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			q.logger.Warn().Err(err).Str("path", path).Msg("cannot read retry queue, starting empty")
		}
		return q
	}
	if err := json.Unmarshal(data, &q.items); err != nil {
		q.logger.Warn().Err(err).Str("path", path).Msg("corrupt retry queue, starting empty")
		q.items = nil
	}
	return q
}

// Enqueue appends an item and rewrites the queue file.
func (q *Queue) Enqueue(item Item) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if item.FirstQueued.IsZero() {
		item.FirstQueued = time.Now().UTC()
	}
	q.items = append(q.items, item)
	return q.save()
}

// DequeueFront removes and returns the oldest item.
func (q *Queue) DequeueFront() (Item, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return Item{}, false
	}
	item := q.items[0]
	q.items = q.items[1:]
	if err := q.save(); err != nil {
		q.logger.Error().Err(err).Msg("persisting retry queue after dequeue")
	}
	return item, true
}

// Items returns a copy of the queued items in order.
func (q *Queue) Items() []Item {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]Item, len(q.items))
	copy(out, q.items)
	return out
}

// Len returns the number of queued items.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// save rewrites the queue file. Caller holds the lock.
func (q *Queue) save() error {
	if err := os.MkdirAll(filepath.Dir(q.path), 0o755); err != nil {
		return fmt.Errorf("creating retry queue dir: %w", err)
	}
	items := q.items
	if items == nil {
		items = []Item{}
	}
	data, err := json.MarshalIndent(items, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling retry queue: %w", err)
	}
	if err := os.WriteFile(q.path, data, 0o644); err != nil {
		return fmt.Errorf("writing retry queue: %w", err)
	}
	return nil
}
