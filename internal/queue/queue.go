// Package queue implements the durable submission queue backing the bot.
//
// The queue is a single JSON document on disk, written atomically
// (temp file + rename) and guarded by an advisory file lock so the
// Telegram handler goroutines and the processor worker never observe
// partial writes. A corrupt or unreadable backing file degrades to an
// empty queue rather than taking the process down; losing queued work
// is preferred over total unavailability.
package queue

import (
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/gofrs/flock"
	"github.com/google/uuid"

	"github.com/sandunsahiru/turnitin-bot/internal/schemas"
	"github.com/sandunsahiru/turnitin-bot/internal/types"
)

const (
	// ioRetries is how many times a load or save is retried on
	// transient I/O or lock contention before giving up.
	ioRetries = 3
	// ioRetryDelay is the fixed backoff between I/O retries.
	ioRetryDelay = 100 * time.Millisecond
)

// document is the on-disk shape of the queue file.
type document struct {
	Queue []types.QueueItem `json:"queue"`
}

// Store is the durable submission queue. All methods are safe for
// concurrent use from multiple goroutines: every load-mutate-save
// sequence runs under both the in-process mutex (goroutines share one
// *Flock, which gives no exclusion between them) and the file lock.
type Store struct {
	path string
	mu   sync.Mutex
	lock *flock.Flock
}

// NewStore creates a queue store backed by the given file path. The
// file does not need to exist yet.
func NewStore(path string) *Store {
	// Lock a sidecar file, not the data file: the atomic rename on
	// save replaces the data file's inode, which would silently
	// detach any lock held on it.
	return &Store{
		path: path,
		lock: flock.New(path + ".lock"),
	}
}

// Enqueue appends a new pending item for the given upload and persists
// it immediately. Returns the new item's ID.
func (s *Store) Enqueue(filePath, userID string, chatID int64) (string, error) {
	item := types.QueueItem{
		ID:         uuid.NewString(),
		FilePath:   filePath,
		UserID:     userID,
		ChatID:     chatID,
		EnqueuedAt: time.Now(),
		Status:     types.StatusPending,
	}

	err := s.withExclusive(func() error {
		doc := s.load()
		doc.Queue = append(doc.Queue, item)
		return s.save(doc)
	})
	if err != nil {
		return "", fmt.Errorf("failed to persist enqueued item: %w", err)
	}
	log.Printf("[QUEUE] Enqueued %s for user %s (%s)", item.ID, userID, filepath.Base(filePath))
	return item.ID, nil
}

// ListPending returns up to limit items with status pending, in queue order.
func (s *Store) ListPending(limit int) []types.QueueItem {
	return s.listByFilter(limit, func(it *types.QueueItem) bool {
		return it.Status == types.StatusPending
	})
}

// ListSubmittedAwaitingReport returns up to limit items that have been
// submitted but whose reports have not been delivered yet.
func (s *Store) ListSubmittedAwaitingReport(limit int) []types.QueueItem {
	return s.listByFilter(limit, func(it *types.QueueItem) bool {
		return it.Status == types.StatusSubmitted && !it.ReportDownloaded
	})
}

// All returns a copy of every item currently in the queue.
func (s *Store) All() []types.QueueItem {
	return s.listByFilter(0, func(*types.QueueItem) bool { return true })
}

// Get returns the item with the given ID, if present.
func (s *Store) Get(id string) (types.QueueItem, bool) {
	var got types.QueueItem
	var ok bool
	s.withShared(func() {
		doc := s.load()
		for _, it := range doc.Queue {
			if it.ID == id {
				got, ok = it, true
				return
			}
		}
	})
	return got, ok
}

// Position returns the 1-based position of the oldest non-terminal item
// belonging to userID, and the total number of non-terminal items. A
// position of 0 means the user has nothing queued.
func (s *Store) Position(userID string) (pos, total int) {
	s.withShared(func() {
		doc := s.load()
		for _, it := range doc.Queue {
			if it.Terminal() {
				continue
			}
			total++
			if pos == 0 && it.UserID == userID {
				pos = total
			}
		}
	})
	return pos, total
}

// Update applies mutate to the stored item with the given ID and
// persists the result. Status changes are checked against the forward
// transition chain; an illegal transition fails the update without
// touching the store.
func (s *Store) Update(id string, mutate func(*types.QueueItem)) error {
	return s.withExclusive(func() error {
		doc := s.load()
		for i := range doc.Queue {
			if doc.Queue[i].ID != id {
				continue
			}
			before := doc.Queue[i].Status
			mutate(&doc.Queue[i])
			after := doc.Queue[i].Status
			if !before.CanTransitionTo(after) {
				return fmt.Errorf("illegal status transition %s -> %s for item %s", before, after, id)
			}
			if err := s.save(doc); err != nil {
				return fmt.Errorf("failed to persist update for item %s: %w", id, err)
			}
			return nil
		}
		return fmt.Errorf("queue item %s not found", id)
	})
}

// WriteBack persists the mutated fields of batch copies into the
// durable queue. The batch submitter works on copies of queue items, so
// assignment, identity, title and status must be written back here
// explicitly after a batch pass.
func (s *Store) WriteBack(items []types.QueueItem) error {
	return s.withExclusive(func() error {
		doc := s.load()
		updated := 0
		for _, batch := range items {
			for i := range doc.Queue {
				if doc.Queue[i].ID != batch.ID {
					continue
				}
				if !doc.Queue[i].Status.CanTransitionTo(batch.Status) {
					log.Printf("[QUEUE] Skipping write-back for %s: illegal transition %s -> %s",
						batch.ID, doc.Queue[i].Status, batch.Status)
					break
				}
				doc.Queue[i] = batch
				updated++
				break
			}
		}
		if updated == 0 {
			return nil
		}
		if err := s.save(doc); err != nil {
			return fmt.Errorf("failed to persist batch write-back: %w", err)
		}
		log.Printf("[QUEUE] Wrote back %d batch item(s)", updated)
		return nil
	})
}

// RemoveCompleted garbage-collects terminal completed items whose
// reports have been delivered, to bound the queue file's size. Returns
// how many items were removed.
func (s *Store) RemoveCompleted() int {
	removed := 0
	_ = s.withExclusive(func() error {
		doc := s.load()
		kept := doc.Queue[:0]
		for _, it := range doc.Queue {
			if it.Status == types.StatusCompleted && it.ReportDownloaded {
				continue
			}
			kept = append(kept, it)
		}
		removed = len(doc.Queue) - len(kept)
		if removed == 0 {
			return nil
		}
		doc.Queue = kept
		if err := s.save(doc); err != nil {
			log.Printf("[QUEUE] Failed to persist completed-item removal: %v", err)
			removed = 0
			return nil
		}
		log.Printf("[QUEUE] Removed %d completed item(s)", removed)
		return nil
	})
	return removed
}

func (s *Store) listByFilter(limit int, keep func(*types.QueueItem) bool) []types.QueueItem {
	var out []types.QueueItem
	s.withShared(func() {
		doc := s.load()
		for i := range doc.Queue {
			if !keep(&doc.Queue[i]) {
				continue
			}
			out = append(out, doc.Queue[i])
			if limit > 0 && len(out) == limit {
				break
			}
		}
	})
	return out
}

// withExclusive runs fn with the in-process mutex and the exclusive
// file lock both held, so the whole load-mutate-save sequence is atomic
// against other goroutines and other processes.
func (s *Store) withExclusive(fn func() error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.lock.Lock(); err != nil {
		return fmt.Errorf("failed to acquire exclusive queue lock: %w", err)
	}
	defer s.unlockFile()
	return fn()
}

// withShared runs fn with the in-process mutex and a shared file lock
// held. A failed file lock only degrades cross-process isolation, so
// the read proceeds either way.
func (s *Store) withShared(fn func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.lock.RLock(); err != nil {
		log.Printf("[QUEUE] Could not acquire shared queue lock, reading anyway: %v", err)
		fn()
		return
	}
	defer s.unlockFile()
	fn()
}

func (s *Store) unlockFile() {
	if err := s.lock.Unlock(); err != nil {
		log.Printf("[QUEUE] Failed to release queue lock: %v", err)
	}
}

// load reads the queue document. Callers hold the store lock. Any
// failure mode — missing file, unreadable file, invalid JSON, schema
// violation — degrades to an empty queue with a loud log line.
func (s *Store) load() document {
	empty := document{Queue: []types.QueueItem{}}

	var data []byte
	var lastErr error
	for attempt := 1; attempt <= ioRetries; attempt++ {
		data, lastErr = os.ReadFile(s.path)
		if lastErr == nil {
			break
		}
		if os.IsNotExist(lastErr) {
			return empty
		}
		if attempt < ioRetries {
			log.Printf("[QUEUE] Load attempt %d failed, retrying: %v", attempt, lastErr)
			time.Sleep(ioRetryDelay)
		}
	}
	if lastErr != nil {
		log.Printf("[QUEUE] DATA LOSS: could not read queue file %s after %d attempts, continuing with empty queue: %v",
			s.path, ioRetries, lastErr)
		return empty
	}

	if len(data) == 0 {
		return empty
	}
	if err := schemas.ValidateQueueDocument(data); err != nil {
		log.Printf("[QUEUE] DATA LOSS: queue file %s failed schema validation, continuing with empty queue: %v", s.path, err)
		return empty
	}
	var doc document
	if err := json.Unmarshal(data, &doc); err != nil {
		log.Printf("[QUEUE] DATA LOSS: queue file %s is corrupt, continuing with empty queue: %v", s.path, err)
		return empty
	}
	if doc.Queue == nil {
		doc.Queue = []types.QueueItem{}
	}
	return doc
}

// save writes the document atomically: marshal to a temp file in the
// same directory, fsync, then rename over the target. Callers hold the
// store lock.
func (s *Store) save(doc document) error {
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal queue document: %w", err)
	}

	var lastErr error
	for attempt := 1; attempt <= ioRetries; attempt++ {
		lastErr = s.writeAtomic(data)
		if lastErr == nil {
			return nil
		}
		if attempt < ioRetries {
			log.Printf("[QUEUE] Save attempt %d failed, retrying: %v", attempt, lastErr)
			time.Sleep(ioRetryDelay)
		}
	}
	return fmt.Errorf("failed to save queue after %d attempts: %w", ioRetries, lastErr)
}

func (s *Store) writeAtomic(data []byte) error {
	dir := filepath.Dir(s.path)
	tmp, err := os.CreateTemp(dir, "queue_*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create temp queue file: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName) // no-op after successful rename

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write temp queue file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to sync temp queue file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close temp queue file: %w", err)
	}
	if err := os.Rename(tmpName, s.path); err != nil {
		return fmt.Errorf("failed to replace queue file: %w", err)
	}
	return nil
}
