// Package identity tracks the external site's student slots: which
// identities exist per assignment bucket, how recently each one has
// been used, and which bucket submissions should currently target.
//
// Availability is a sliding-window rate limit — an identity with three
// submissions inside the trailing 24 hours is unavailable until its
// oldest qualifying submission ages out. There is no fixed daily reset.
package identity

import (
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/sandunsahiru/turnitin-bot/internal/types"
)

const (
	// submissionCap is the maximum submissions per identity inside
	// the sliding window.
	submissionCap = 3
	// submissionWindow is the trailing window for the cap.
	submissionWindow = 24 * time.Hour
	// maxRotationLookups bounds the search for a bucket with free
	// identities before giving up and leaving items queued.
	maxRotationLookups = 10
	// defaultAssignment is the first bucket used on a fresh install.
	defaultAssignment = "ass01"
)

// trackingDoc is the on-disk shape of the tracking file.
type trackingDoc struct {
	Assignments map[string]types.AssignmentData `json:"assignments"`
	Rotation    types.AssignmentTracking        `json:"rotation"`
}

// Tracker owns the persisted identity and rotation state.
type Tracker struct {
	mu   sync.Mutex
	path string
	now  func() time.Time
}

// NewTracker creates a tracker backed by the given file path.
func NewTracker(path string) *Tracker {
	return &Tracker{path: path, now: time.Now}
}

// NewTrackerWithClock creates a tracker with an injectable clock, used
// by tests to exercise the sliding window deterministically.
func NewTrackerWithClock(path string, now func() time.Time) *Tracker {
	return &Tracker{path: path, now: now}
}

// ErrNeedsExtraction signals that a bucket has no roster yet and the
// submitter should extract students from the upload form on first use.
var ErrNeedsExtraction = fmt.Errorf("assignment has no student roster yet")

// AvailableStudents returns the identities in the given bucket that are
// under the sliding-window cap. Returns ErrNeedsExtraction when the
// bucket has never had its roster extracted from the live form.
func (t *Tracker) AvailableStudents(assignment string) ([]types.Student, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	doc := t.load()
	data, ok := doc.Assignments[assignment]
	if !ok || len(data.Students) == 0 {
		return nil, ErrNeedsExtraction
	}

	cutoff := t.now().Add(-submissionWindow)
	var available []types.Student
	for _, st := range data.Students {
		recent := 0
		for _, sub := range data.Submissions[st.ID] {
			if sub.Timestamp.After(cutoff) {
				recent++
			}
		}
		if recent < submissionCap {
			available = append(available, st)
		}
	}
	return available, nil
}

// CurrentAssignment returns the bucket new submissions should target.
// When the current bucket is exhausted it rotates forward through up to
// maxRotationLookups subsequent buckets looking for free identities (or
// a bucket that still needs extraction); if every candidate is
// exhausted it stays put and lets items queue.
func (t *Tracker) CurrentAssignment() string {
	current := t.rotationState().CurrentAssignment
	if current == "" {
		current = defaultAssignment
	}

	if t.assignmentUsable(current) {
		return current
	}
	log.Printf("[IDENTITY] Assignment %s has no available students, rotating...", current)

	base := assignmentNumber(current)
	for i := 1; i <= maxRotationLookups; i++ {
		candidate := assignmentName(base + i)
		if t.assignmentUsable(candidate) {
			t.setCurrentAssignment(candidate)
			log.Printf("[IDENTITY] Rotated to assignment %s", candidate)
			return candidate
		}
	}

	log.Printf("[IDENTITY] Tried %d assignments, all exhausted; staying on %s until identities free up",
		maxRotationLookups, current)
	return current
}

// SaveRoster stores the student list extracted from the upload form for
// an assignment bucket.
func (t *Tracker) SaveRoster(assignment string, students []types.Student) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	doc := t.load()
	data := doc.Assignments[assignment]
	data.Students = students
	if data.Submissions == nil {
		data.Submissions = map[string][]types.SubmissionRecord{}
	}
	doc.Assignments[assignment] = data
	if err := t.save(doc); err != nil {
		return err
	}
	log.Printf("[IDENTITY] Saved roster of %d students for %s", len(students), assignment)
	return nil
}

// RecordSubmission records one submission made under a student identity
// so the sliding-window cap counts it.
func (t *Tracker) RecordSubmission(assignment, studentID, title string) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	doc := t.load()
	data := doc.Assignments[assignment]
	if data.Submissions == nil {
		data.Submissions = map[string][]types.SubmissionRecord{}
	}
	data.Submissions[studentID] = append(data.Submissions[studentID], types.SubmissionRecord{
		Timestamp: t.now(),
		Title:     title,
	})
	doc.Assignments[assignment] = data
	return t.save(doc)
}

// IncrementAssignmentCount bumps the per-bucket submission counter.
func (t *Tracker) IncrementAssignmentCount(assignment string, n int) {
	t.mu.Lock()
	defer t.mu.Unlock()

	doc := t.load()
	if doc.Rotation.SubmissionCounts == nil {
		doc.Rotation.SubmissionCounts = map[string]int{}
	}
	doc.Rotation.SubmissionCounts[assignment] += n
	if err := t.save(doc); err != nil {
		log.Printf("[IDENTITY] Failed to persist assignment count: %v", err)
	}
}

// SetClassHomeURL caches the class home URL captured during navigation.
func (t *Tracker) SetClassHomeURL(url string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	doc := t.load()
	doc.Rotation.ClassHomeURL = url
	if err := t.save(doc); err != nil {
		log.Printf("[IDENTITY] Failed to persist class home URL: %v", err)
	}
}

// ClassHomeURL returns the cached class home URL, if any.
func (t *Tracker) ClassHomeURL() string {
	return t.rotationState().ClassHomeURL
}

// SetInboxURL caches an assignment's inbox URL for direct navigation on
// later passes.
func (t *Tracker) SetInboxURL(assignment, url string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	doc := t.load()
	if doc.Rotation.AssignmentInboxURLs == nil {
		doc.Rotation.AssignmentInboxURLs = map[string]string{}
	}
	doc.Rotation.AssignmentInboxURLs[assignment] = url
	if err := t.save(doc); err != nil {
		log.Printf("[IDENTITY] Failed to persist inbox URL: %v", err)
	}
}

// InboxURL returns the cached inbox URL for an assignment, if any.
func (t *Tracker) InboxURL(assignment string) string {
	return t.rotationState().AssignmentInboxURLs[assignment]
}

// assignmentUsable reports whether a bucket can accept submissions: it
// either has identities under the cap, or has no roster yet (first use
// extracts one).
func (t *Tracker) assignmentUsable(assignment string) bool {
	students, err := t.AvailableStudents(assignment)
	if err == ErrNeedsExtraction {
		return true
	}
	return len(students) > 0
}

func (t *Tracker) rotationState() types.AssignmentTracking {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.load().Rotation
}

func (t *Tracker) setCurrentAssignment(assignment string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	doc := t.load()
	doc.Rotation.CurrentAssignment = assignment
	if err := t.save(doc); err != nil {
		log.Printf("[IDENTITY] Failed to persist rotation: %v", err)
	}
}

// load reads the tracking file; any failure degrades to a fresh
// document (the roster can be re-extracted from the live form).
func (t *Tracker) load() trackingDoc {
	doc := trackingDoc{
		Assignments: map[string]types.AssignmentData{},
		Rotation: types.AssignmentTracking{
			CurrentAssignment: defaultAssignment,
			SubmissionCounts:  map[string]int{},
		},
	}
	data, err := os.ReadFile(t.path)
	if err != nil {
		if !os.IsNotExist(err) {
			log.Printf("[IDENTITY] Could not read tracking file %s, starting fresh: %v", t.path, err)
		}
		return doc
	}
	if err := json.Unmarshal(data, &doc); err != nil {
		log.Printf("[IDENTITY] Tracking file %s is corrupt, starting fresh: %v", t.path, err)
		return trackingDoc{
			Assignments: map[string]types.AssignmentData{},
			Rotation: types.AssignmentTracking{
				CurrentAssignment: defaultAssignment,
				SubmissionCounts:  map[string]int{},
			},
		}
	}
	if doc.Assignments == nil {
		doc.Assignments = map[string]types.AssignmentData{}
	}
	return doc
}

// save writes the tracking file atomically (temp + rename), matching
// the queue store's crash behavior.
func (t *Tracker) save(doc trackingDoc) error {
	doc.Rotation.LastUpdated = t.now()
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal tracking data: %w", err)
	}
	dir := filepath.Dir(t.path)
	tmp, err := os.CreateTemp(dir, "tracking_*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create temp tracking file: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write temp tracking file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close temp tracking file: %w", err)
	}
	if err := os.Rename(tmpName, t.path); err != nil {
		return fmt.Errorf("failed to replace tracking file: %w", err)
	}
	return nil
}

// assignmentNumber parses the numeric suffix of names like "ass07".
func assignmentNumber(name string) int {
	digits := strings.TrimLeft(strings.TrimPrefix(name, "ass"), "0")
	if digits == "" {
		return 1
	}
	n, err := strconv.Atoi(digits)
	if err != nil {
		return 1
	}
	return n
}

// assignmentName formats a bucket name like "ass07".
func assignmentName(n int) string {
	return fmt.Sprintf("ass%02d", n)
}
