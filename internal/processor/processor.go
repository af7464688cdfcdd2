// Package processor orchestrates queue draining: one batch transaction
// at a time through the shared browser session, with a circuit breaker
// guarding against repeated site failures.
package processor

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/sandunsahiru/turnitin-bot/internal/browser"
	"github.com/sandunsahiru/turnitin-bot/internal/config"
	"github.com/sandunsahiru/turnitin-bot/internal/identity"
	"github.com/sandunsahiru/turnitin-bot/internal/queue"
	"github.com/sandunsahiru/turnitin-bot/internal/turnitin"
	"github.com/sandunsahiru/turnitin-bot/internal/types"
)

const (
	// maxDrainPasses bounds the drain loop so a queue that keeps
	// refilling cannot pin the processor forever.
	maxDrainPasses = 20
	// acquireRetries covers the window where a previous pass is still
	// winding down and holds the session.
	acquireRetries    = 3
	acquireRetryDelay = 5 * time.Second
)

// Status is the admin-facing snapshot of processor state.
type Status struct {
	Running       bool
	Stopped       bool
	FailureCount  int
	BreakerActive bool
	QueueTotal    int
}

// Processor drains the submission queue. Exactly one drain runs at a
// time; concurrent triggers are coalesced because a running drain
// re-checks the queue before exiting.
type Processor struct {
	cfg      *config.Config
	store    *queue.Store
	tracker  *identity.Tracker
	sessions *browser.Manager
	client   *turnitin.Client
	notify   turnitin.Notifier

	runMu sync.Mutex // held for the whole drain; TryLock gives single-flight

	mu          sync.Mutex
	running     bool
	stopped     bool
	failures    int
	lastFailure time.Time
	now         func() time.Time
}

func New(cfg *config.Config, store *queue.Store, tracker *identity.Tracker, sessions *browser.Manager, client *turnitin.Client, n turnitin.Notifier) *Processor {
	return &Processor{
		cfg:      cfg,
		store:    store,
		tracker:  tracker,
		sessions: sessions,
		client:   client,
		notify:   n,
		now:      time.Now,
	}
}

// Trigger starts a drain in the background unless one is already
// running, the admin stopped the processor, or the circuit breaker is
// open. Returns whether a drain was started.
func (p *Processor) Trigger(ctx context.Context) bool {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		log.Printf("[PROCESSOR] Stopped by admin, not starting")
		return false
	}
	if open, remaining := p.breakerOpenLocked(); open {
		p.mu.Unlock()
		log.Printf("[PROCESSOR] Circuit breaker open (%d failures), %s of cooldown left", p.failures, remaining.Round(time.Second))
		return false
	}
	p.mu.Unlock()

	if !p.runMu.TryLock() {
		log.Printf("[PROCESSOR] Drain already running, new items will be picked up automatically")
		return false
	}

	go func() {
		defer p.runMu.Unlock()
		p.setRunning(true)
		defer p.setRunning(false)
		p.drain(ctx)
	}()
	return true
}

// drain alternates report delivery and batch submission until the
// queue offers no more work or the pass budget runs out.
func (p *Processor) drain(ctx context.Context) {
	log.Printf("[PROCESSOR] Drain started")
	for pass := 1; pass <= maxDrainPasses; pass++ {
		if p.isStopped() || ctx.Err() != nil {
			log.Printf("[PROCESSOR] Drain interrupted on pass %d", pass)
			return
		}

		if removed := p.store.RemoveCompleted(); removed > 0 {
			log.Printf("[PROCESSOR] Cleared %d completed item(s)", removed)
		}

		// Submitted work outranks new uploads: users with papers on the
		// site are closest to their reports.
		awaiting := p.store.ListSubmittedAwaitingReport(p.cfg.MaxBatchSize)
		if len(awaiting) > 0 {
			log.Printf("[PROCESSOR] Pass %d: %d item(s) awaiting reports", pass, len(awaiting))
			p.recordOutcome(p.runReportPass(ctx, awaiting))
			if p.breakerTripped() {
				return
			}
			continue
		}

		pending := p.store.ListPending(p.cfg.MaxBatchSize)
		if len(pending) > 0 {
			log.Printf("[PROCESSOR] Pass %d: %d pending item(s)", pass, len(pending))
			p.recordOutcome(p.runBatchPass(ctx, pending))
			if p.breakerTripped() {
				return
			}
			continue
		}

		log.Printf("[PROCESSOR] Queue empty after %d pass(es)", pass-1)
		return
	}
	log.Printf("[PROCESSOR] Pass budget exhausted, remaining work deferred to next trigger")
}

// runBatchPass submits one batch: navigate to the upload form, fill
// it, submit, wait for scores, then deliver reports for whatever
// scored in time.
func (p *Processor) runBatchPass(ctx context.Context, pending []types.QueueItem) error {
	owner := uuid.NewString()
	page, err := p.acquireSession(ctx, owner)
	if err != nil {
		return err
	}
	defer p.sessions.Release(owner)

	assignment := p.tracker.CurrentAssignment()
	log.Printf("[PROCESSOR] Using assignment %s", assignment)

	if err := p.client.OpenUploadForm(ctx, page, assignment); err != nil {
		return p.handleSessionError(fmt.Errorf("open upload form: %w", err))
	}

	result, err := p.client.SubmitBatch(ctx, page, pending, assignment, func(exclude map[string]bool) []types.QueueItem {
		fresh := p.store.ListPending(p.cfg.MaxBatchSize)
		out := fresh[:0]
		for _, it := range fresh {
			if !exclude[it.ID] {
				out = append(out, it)
			}
		}
		return out
	})
	if result != nil && len(result.Items) > 0 {
		if wbErr := p.store.WriteBack(result.Items); wbErr != nil {
			log.Printf("[PROCESSOR] CRITICAL: could not persist batch outcome: %v", wbErr)
		}
		// Outcomes are messaged even when the batch as a whole failed;
		// items reverted to pending stay quiet until their retry.
		for _, it := range result.Items {
			switch it.Status {
			case types.StatusSubmitted:
				_ = p.notify.SendMessage(it.ChatID, "Your document has been submitted. Reports are usually ready within a few minutes.")
			case types.StatusFailed:
				_ = p.notify.SendMessage(it.ChatID, fmt.Sprintf("Your document could not be submitted: %s", it.Error))
			}
		}
	}
	if err != nil {
		return p.handleSessionError(fmt.Errorf("submit batch: %w", err))
	}
	if result.Submitted == 0 {
		return errors.New("batch submitted nothing")
	}
	p.tracker.IncrementAssignmentCount(assignment, result.Submitted)

	if err := p.client.OpenAssignmentInbox(ctx, page, assignment); err != nil {
		return p.handleSessionError(fmt.Errorf("open inbox: %w", err))
	}

	submitted := submittedOnly(result.Items)
	if p.client.WaitForScores(ctx, page, submitted, p.cfg.ScoreWait) {
		if wbErr := p.store.WriteBack(submitted); wbErr != nil {
			log.Printf("[PROCESSOR] CRITICAL: could not persist scores: %v", wbErr)
		}
		p.notifyScores(submitted)
		p.client.DeliverReports(ctx, page, submitted, p.store.Update)
		return nil
	}

	// Partial scores still get persisted; the rest stays submitted and
	// is retried by a later report pass.
	if wbErr := p.store.WriteBack(submitted); wbErr != nil {
		log.Printf("[PROCESSOR] CRITICAL: could not persist partial scores: %v", wbErr)
	}
	p.notifyScores(submitted)
	log.Printf("[PROCESSOR] Not all scores arrived in %s, deferring report delivery", p.cfg.ScoreWait)
	return nil
}

// runReportPass retries score extraction and report delivery for items
// submitted in an earlier pass.
func (p *Processor) runReportPass(ctx context.Context, items []types.QueueItem) error {
	owner := uuid.NewString()
	page, err := p.acquireSession(ctx, owner)
	if err != nil {
		return err
	}
	defer p.sessions.Release(owner)

	// Items may span assignments when rotation moved on mid-queue.
	byAssignment := map[string][]types.QueueItem{}
	for _, it := range items {
		byAssignment[it.Assignment] = append(byAssignment[it.Assignment], it)
	}

	delivered := 0
	for assignment, group := range byAssignment {
		if assignment == "" {
			for _, it := range group {
				log.Printf("[PROCESSOR] %s submitted without assignment record, marking failed", it.ID)
				_ = p.store.Update(it.ID, func(q *types.QueueItem) {
					q.Status = types.StatusFailed
					q.Error = "assignment record lost after submission"
				})
			}
			continue
		}
		if err := p.client.OpenAssignmentInbox(ctx, page, assignment); err != nil {
			return p.handleSessionError(fmt.Errorf("open inbox for %s: %w", assignment, err))
		}
		if p.client.WaitForScores(ctx, page, group, p.cfg.ScoreWait) {
			if wbErr := p.store.WriteBack(group); wbErr != nil {
				log.Printf("[PROCESSOR] CRITICAL: could not persist scores: %v", wbErr)
			}
			p.notifyScores(group)
		}
		delivered += p.client.DeliverReports(ctx, page, group, p.store.Update)
	}
	if delivered == 0 {
		// Counts toward the breaker so a site that never serves reports
		// does not spin the drain loop.
		return errors.New("no reports could be delivered")
	}
	return nil
}

// acquireSession borrows the shared browser session, waiting out a
// short busy window left by a finishing pass.
func (p *Processor) acquireSession(ctx context.Context, owner string) (*browser.Page, error) {
	var lastErr error
	for attempt := 1; attempt <= acquireRetries; attempt++ {
		page, err := p.sessions.Acquire(ctx, owner)
		if err == nil {
			return page, nil
		}
		lastErr = err
		if !errors.Is(err, browser.ErrSessionBusy) {
			return nil, err
		}
		log.Printf("[PROCESSOR] Session busy (attempt %d/%d), retrying in %s", attempt, acquireRetries, acquireRetryDelay)
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(acquireRetryDelay):
		}
	}
	return nil, fmt.Errorf("session unavailable after %d attempts: %w", acquireRetries, lastErr)
}

// handleSessionError resets the session manager when the browser
// itself is gone, so the next pass starts from a fresh session.
func (p *Processor) handleSessionError(err error) error {
	if browser.IsSessionError(err) {
		log.Printf("[PROCESSOR] Browser session lost, forcing reset: %v", err)
		p.sessions.ForceReset()
	}
	return err
}

func (p *Processor) notifyScores(items []types.QueueItem) {
	for _, it := range items {
		if it.SimilarityScore == "" {
			continue
		}
		_ = p.notify.SendMessage(it.ChatID,
			fmt.Sprintf("Similarity score for your document: %s\nReports are on their way.", it.SimilarityScore))
	}
}

func submittedOnly(items []types.QueueItem) []types.QueueItem {
	out := make([]types.QueueItem, 0, len(items))
	for _, it := range items {
		if it.Status == types.StatusSubmitted {
			out = append(out, it)
		}
	}
	return out
}

// recordOutcome feeds the circuit breaker: failures accumulate,
// success clears the count.
func (p *Processor) recordOutcome(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err != nil {
		p.failures++
		p.lastFailure = p.now()
		log.Printf("[PROCESSOR] Pass failed (%d consecutive): %v", p.failures, err)
		return
	}
	if p.failures > 0 {
		log.Printf("[PROCESSOR] Pass succeeded, clearing %d failure(s)", p.failures)
	}
	p.failures = 0
}

// breakerOpenLocked reports whether the breaker blocks new drains and
// how much cooldown remains. Callers hold p.mu. A cooldown that has
// fully elapsed closes the breaker and clears the count.
func (p *Processor) breakerOpenLocked() (bool, time.Duration) {
	if p.failures < p.cfg.BreakerThreshold {
		return false, 0
	}
	elapsed := p.now().Sub(p.lastFailure)
	if elapsed >= p.cfg.BreakerCooldown {
		log.Printf("[PROCESSOR] Circuit breaker reset after cooldown")
		p.failures = 0
		return false, 0
	}
	return true, p.cfg.BreakerCooldown - elapsed
}

// breakerTripped ends the current drain early once failures reach the
// threshold; the cooldown then runs before the next trigger.
func (p *Processor) breakerTripped() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.failures >= p.cfg.BreakerThreshold {
		log.Printf("[PROCESSOR] Circuit breaker tripped mid-drain, stopping")
		return true
	}
	return false
}

func (p *Processor) setRunning(v bool) {
	p.mu.Lock()
	p.running = v
	p.mu.Unlock()
}

func (p *Processor) isStopped() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.stopped
}

// ForceStop halts drains until Start. The current pass finishes its
// in-flight browser work but no further pass begins.
func (p *Processor) ForceStop() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	was := p.running
	p.stopped = true
	log.Printf("[PROCESSOR] Force stopped by admin")
	return was
}

// Start re-enables drains after ForceStop.
func (p *Processor) Start() {
	p.mu.Lock()
	p.stopped = false
	p.mu.Unlock()
	log.Printf("[PROCESSOR] Re-enabled by admin")
}

// ResetBreaker clears the failure count, returning the old value.
func (p *Processor) ResetBreaker() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	old := p.failures
	p.failures = 0
	p.lastFailure = time.Time{}
	log.Printf("[PROCESSOR] Circuit breaker reset by admin, cleared %d failure(s)", old)
	return old
}

// Status snapshots processor state for the admin surface.
func (p *Processor) Status() Status {
	p.mu.Lock()
	defer p.mu.Unlock()
	open := p.failures >= p.cfg.BreakerThreshold && p.now().Sub(p.lastFailure) < p.cfg.BreakerCooldown
	return Status{
		Running:       p.running,
		Stopped:       p.stopped,
		FailureCount:  p.failures,
		BreakerActive: open,
		QueueTotal:    len(p.store.All()),
	}
}
