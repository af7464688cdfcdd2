package queue

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sandunsahiru/turnitin-bot/internal/types"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	return NewStore(filepath.Join(t.TempDir(), "submission_queue.json"))
}

func TestEnqueue_CreatesPendingItems(t *testing.T) {
	s := newTestStore(t)

	id1, err := s.Enqueue("/tmp/a.docx", "111", 1001)
	require.NoError(t, err)
	id2, err := s.Enqueue("/tmp/b.docx", "222", 1002)
	require.NoError(t, err)
	assert.NotEqual(t, id1, id2)

	pending := s.ListPending(10)
	require.Len(t, pending, 2)
	assert.Equal(t, types.StatusPending, pending[0].Status)
	assert.Equal(t, "111", pending[0].UserID)
	assert.Equal(t, int64(1001), pending[0].ChatID)
	assert.False(t, pending[0].EnqueuedAt.IsZero())
}

func TestEnqueue_SurvivesReload(t *testing.T) {
	path := filepath.Join(t.TempDir(), "submission_queue.json")
	s := NewStore(path)

	id, err := s.Enqueue("/tmp/a.docx", "111", 1001)
	require.NoError(t, err)

	// A fresh store over the same file must reproduce identical items.
	reloaded := NewStore(path)
	items := reloaded.All()
	require.Len(t, items, 1)
	assert.Equal(t, id, items[0].ID)
	assert.Equal(t, "/tmp/a.docx", items[0].FilePath)
	assert.Equal(t, types.StatusPending, items[0].Status)
}

func TestEnqueue_ConcurrentCallsAllPersist(t *testing.T) {
	s := newTestStore(t)

	const n = 50
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := s.Enqueue(fmt.Sprintf("/tmp/doc-%d.docx", i), fmt.Sprintf("%d", i), int64(i))
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	assert.Len(t, s.All(), n)
}

func TestConcurrentEnqueueAndWriteBack_LoseNothing(t *testing.T) {
	s := newTestStore(t)
	id, err := s.Enqueue("/tmp/first.docx", "111", 1001)
	require.NoError(t, err)

	batch := s.ListPending(1)
	require.Len(t, batch, 1)
	batch[0].Status = types.StatusSubmitted
	batch[0].SubmissionTitle = "1111222233aabb"

	const n = 20
	var wg sync.WaitGroup
	wg.Add(n + 1)
	go func() {
		defer wg.Done()
		assert.NoError(t, s.WriteBack(batch))
	}()
	for i := 0; i < n; i++ {
		go func(i int) {
			defer wg.Done()
			_, err := s.Enqueue(fmt.Sprintf("/tmp/doc-%d.docx", i), "222", 1002)
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	assert.Len(t, s.All(), n+1)
	got, ok := s.Get(id)
	require.True(t, ok)
	assert.Equal(t, types.StatusSubmitted, got.Status)
}

func TestListPending_RespectsLimit(t *testing.T) {
	s := newTestStore(t)
	for i := 0; i < 5; i++ {
		_, err := s.Enqueue("/tmp/f.docx", "111", 1001)
		require.NoError(t, err)
	}
	assert.Len(t, s.ListPending(3), 3)
	assert.Len(t, s.ListPending(0), 5)
}

func TestUpdate_ForwardTransitions(t *testing.T) {
	s := newTestStore(t)
	id, err := s.Enqueue("/tmp/a.docx", "111", 1001)
	require.NoError(t, err)

	require.NoError(t, s.Update(id, func(it *types.QueueItem) {
		it.Status = types.StatusProcessing
	}))
	require.NoError(t, s.Update(id, func(it *types.QueueItem) {
		it.Status = types.StatusSubmitted
		it.SubmissionTitle = "1234abcd"
	}))

	got, ok := s.Get(id)
	require.True(t, ok)
	assert.Equal(t, types.StatusSubmitted, got.Status)
	assert.Equal(t, "1234abcd", got.SubmissionTitle)
}

func TestUpdate_RejectsRegression(t *testing.T) {
	s := newTestStore(t)
	id, err := s.Enqueue("/tmp/a.docx", "111", 1001)
	require.NoError(t, err)

	require.NoError(t, s.Update(id, func(it *types.QueueItem) {
		it.Status = types.StatusSubmitted
	}))

	err = s.Update(id, func(it *types.QueueItem) {
		it.Status = types.StatusPending
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "illegal status transition")

	// Store must be untouched after the rejected update.
	got, _ := s.Get(id)
	assert.Equal(t, types.StatusSubmitted, got.Status)
}

func TestUpdate_FailedIsTerminal(t *testing.T) {
	s := newTestStore(t)
	id, err := s.Enqueue("/tmp/a.docx", "111", 1001)
	require.NoError(t, err)

	require.NoError(t, s.Update(id, func(it *types.QueueItem) {
		it.Status = types.StatusFailed
		it.Error = "field not found"
	}))
	err = s.Update(id, func(it *types.QueueItem) {
		it.Status = types.StatusSubmitted
	})
	require.Error(t, err)
}

func TestWriteBack_CopiesBatchFields(t *testing.T) {
	s := newTestStore(t)
	id, err := s.Enqueue("/tmp/a.docx", "111", 1001)
	require.NoError(t, err)

	// Simulate the batch submitter mutating a copy.
	batch := s.ListPending(1)
	require.Len(t, batch, 1)
	batch[0].Status = types.StatusSubmitted
	batch[0].StudentID = "s42"
	batch[0].StudentName = "Jordan Smith"
	batch[0].SubmissionTitle = "1111222233aabb"
	batch[0].Assignment = "ass01"

	require.NoError(t, s.WriteBack(batch))

	got, ok := s.Get(id)
	require.True(t, ok)
	assert.Equal(t, types.StatusSubmitted, got.Status)
	assert.Equal(t, "s42", got.StudentID)
	assert.Equal(t, "1111222233aabb", got.SubmissionTitle)
	assert.Equal(t, "ass01", got.Assignment)
}

func TestWriteBack_RevertedItemStaysRetryable(t *testing.T) {
	s := newTestStore(t)
	id, err := s.Enqueue("/tmp/a.docx", "111", 1001)
	require.NoError(t, err)

	// A batch that died before the final submit writes its copies back
	// as pending again; the item must remain visible to the next drain.
	batch := s.ListPending(1)
	require.Len(t, batch, 1)
	batch[0].StudentID = "s42"
	batch[0].SubmissionTitle = "1111222233aabb"
	batch[0].Status = types.StatusPending

	require.NoError(t, s.WriteBack(batch))

	pending := s.ListPending(10)
	require.Len(t, pending, 1)
	assert.Equal(t, id, pending[0].ID)
}

func TestListSubmittedAwaitingReport(t *testing.T) {
	s := newTestStore(t)
	id1, _ := s.Enqueue("/tmp/a.docx", "111", 1001)
	id2, _ := s.Enqueue("/tmp/b.docx", "222", 1002)

	require.NoError(t, s.Update(id1, func(it *types.QueueItem) {
		it.Status = types.StatusSubmitted
	}))
	require.NoError(t, s.Update(id2, func(it *types.QueueItem) {
		it.Status = types.StatusSubmitted
		it.ReportDownloaded = true
		it.Status = types.StatusCompleted
	}))

	awaiting := s.ListSubmittedAwaitingReport(10)
	require.Len(t, awaiting, 1)
	assert.Equal(t, id1, awaiting[0].ID)
}

func TestRemoveCompleted(t *testing.T) {
	s := newTestStore(t)
	id1, _ := s.Enqueue("/tmp/a.docx", "111", 1001)
	id2, _ := s.Enqueue("/tmp/b.docx", "222", 1002)

	require.NoError(t, s.Update(id1, func(it *types.QueueItem) {
		it.Status = types.StatusCompleted
		it.ReportDownloaded = true
	}))

	removed := s.RemoveCompleted()
	assert.Equal(t, 1, removed)

	items := s.All()
	require.Len(t, items, 1)
	assert.Equal(t, id2, items[0].ID)

	// Nothing left to remove.
	assert.Equal(t, 0, s.RemoveCompleted())
}

func TestLoad_CorruptFileDegradesToEmpty(t *testing.T) {
	path := filepath.Join(t.TempDir(), "submission_queue.json")
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0644))

	s := NewStore(path)
	assert.Empty(t, s.ListPending(10))
}

func TestLoad_SchemaViolationDegradesToEmpty(t *testing.T) {
	path := filepath.Join(t.TempDir(), "submission_queue.json")
	// Valid JSON, wrong shape: status outside the enum.
	doc := `{"queue":[{"id":"x","file_path":"/tmp/a","user_id":"1","chat_id":1,"status":"exploded"}]}`
	require.NoError(t, os.WriteFile(path, []byte(doc), 0644))

	s := NewStore(path)
	assert.Empty(t, s.All())
}

func TestLoad_DeletedFileMidRunReturnsEmpty(t *testing.T) {
	path := filepath.Join(t.TempDir(), "submission_queue.json")
	s := NewStore(path)
	_, err := s.Enqueue("/tmp/a.docx", "111", 1001)
	require.NoError(t, err)

	require.NoError(t, os.Remove(path))

	// Must not panic or error — just an empty listing.
	assert.Empty(t, s.ListPending(10))
}

func TestPosition(t *testing.T) {
	s := newTestStore(t)
	_, err := s.Enqueue("/tmp/a.docx", "111", 1001)
	require.NoError(t, err)
	_, err = s.Enqueue("/tmp/b.docx", "222", 1002)
	require.NoError(t, err)

	pos, total := s.Position("222")
	assert.Equal(t, 2, pos)
	assert.Equal(t, 2, total)

	pos, _ = s.Position("999")
	assert.Equal(t, 0, pos)
}
