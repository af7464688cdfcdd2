package processor

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sandunsahiru/turnitin-bot/internal/browser"
	"github.com/sandunsahiru/turnitin-bot/internal/config"
	"github.com/sandunsahiru/turnitin-bot/internal/identity"
	"github.com/sandunsahiru/turnitin-bot/internal/queue"
	"github.com/sandunsahiru/turnitin-bot/internal/turnitin"
)

type fakeNotifier struct {
	mu       sync.Mutex
	messages []string
}

func (f *fakeNotifier) SendMessage(chatID int64, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.messages = append(f.messages, text)
	return nil
}

func (f *fakeNotifier) SendFile(chatID int64, path, caption string) error { return nil }

func newTestProcessor(t *testing.T) (*Processor, *time.Time) {
	t.Helper()
	dir := t.TempDir()
	cfg := &config.Config{
		TurnitinBaseURL:  "https://example.invalid",
		ClassName:        "Business Administration",
		MaxBatchSize:     8,
		ScoreWait:        time.Minute,
		BreakerThreshold: 5,
		BreakerCooldown:  time.Minute,
	}
	store := queue.NewStore(filepath.Join(dir, "queue.json"))
	tracker := identity.NewTracker(filepath.Join(dir, "tracking.json"))
	sessions := browser.NewManager(browser.Config{MaxAge: 30 * time.Minute, MaxUses: 25})
	n := &fakeNotifier{}
	client := turnitin.NewClient(cfg, tracker, n)

	p := New(cfg, store, tracker, sessions, client, n)
	now := time.Now()
	p.now = func() time.Time { return now }
	return p, &now
}

func waitForDrainDone(t *testing.T, p *Processor) {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		p.runMu.Lock()
		p.runMu.Unlock()
		p.mu.Lock()
		running := p.running
		p.mu.Unlock()
		if !running {
			return
		}
		select {
		case <-deadline:
			t.Fatal("drain never finished")
		case <-time.After(10 * time.Millisecond):
		}
	}
}

func TestTrigger_EmptyQueueFinishesCleanly(t *testing.T) {
	p, _ := newTestProcessor(t)
	require.True(t, p.Trigger(context.Background()))
	waitForDrainDone(t, p)
	assert.Equal(t, 0, p.Status().FailureCount)
}

func TestTrigger_RefusedWhileStopped(t *testing.T) {
	p, _ := newTestProcessor(t)
	p.ForceStop()
	assert.False(t, p.Trigger(context.Background()))
	p.Start()
	require.True(t, p.Trigger(context.Background()))
	waitForDrainDone(t, p)
}

func TestTrigger_SingleFlight(t *testing.T) {
	p, _ := newTestProcessor(t)
	p.runMu.Lock()
	defer p.runMu.Unlock()
	assert.False(t, p.Trigger(context.Background()))
}

func TestBreaker_OpensAtThresholdAndCoolsDown(t *testing.T) {
	p, now := newTestProcessor(t)

	for i := 0; i < p.cfg.BreakerThreshold; i++ {
		p.recordOutcome(errors.New("site down"))
	}
	assert.False(t, p.Trigger(context.Background()))
	assert.True(t, p.Status().BreakerActive)

	// After the cooldown the breaker closes on its own.
	*now = now.Add(p.cfg.BreakerCooldown + time.Second)
	require.True(t, p.Trigger(context.Background()))
	waitForDrainDone(t, p)
	assert.Equal(t, 0, p.Status().FailureCount)
}

func TestBreaker_SuccessClearsFailures(t *testing.T) {
	p, _ := newTestProcessor(t)
	p.recordOutcome(errors.New("flaky"))
	p.recordOutcome(errors.New("flaky"))
	assert.Equal(t, 2, p.Status().FailureCount)
	p.recordOutcome(nil)
	assert.Equal(t, 0, p.Status().FailureCount)
}

func TestResetBreaker_ClearsCount(t *testing.T) {
	p, _ := newTestProcessor(t)
	for i := 0; i < p.cfg.BreakerThreshold; i++ {
		p.recordOutcome(errors.New("site down"))
	}
	assert.Equal(t, p.cfg.BreakerThreshold, p.ResetBreaker())
	assert.False(t, p.Status().BreakerActive)
	require.True(t, p.Trigger(context.Background()))
	waitForDrainDone(t, p)
}

func TestStatus_ReportsQueueTotal(t *testing.T) {
	p, _ := newTestProcessor(t)
	_, err := p.store.Enqueue("/tmp/a.docx", "user-1", 100)
	require.NoError(t, err)
	_, err = p.store.Enqueue("/tmp/b.docx", "user-2", 200)
	require.NoError(t, err)
	assert.Equal(t, 2, p.Status().QueueTotal)
}
