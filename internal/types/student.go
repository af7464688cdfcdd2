//nolint:revive // types is a standard Go package name pattern
package types

import "time"

// Student is one identity slot on the external site that can own a
// submission, subject to the sliding-window rate limit.
type Student struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// SubmissionRecord is one tracked submission made under a student identity.
type SubmissionRecord struct {
	Timestamp time.Time `json:"timestamp"`
	Title     string    `json:"title"`
}

// AssignmentData holds the extracted student roster and per-student
// submission history for one assignment bucket.
type AssignmentData struct {
	Students    []Student                     `json:"students"`
	Submissions map[string][]SubmissionRecord `json:"submissions"`
}

// AssignmentTracking is the persisted rotation state: which bucket is
// current, how many submissions each bucket has received, and cached
// navigation URLs captured from the live site.
type AssignmentTracking struct {
	CurrentAssignment   string            `json:"current_assignment"`
	SubmissionCounts    map[string]int    `json:"submission_counts"`
	ClassHomeURL        string            `json:"class_home_url,omitempty"`
	AssignmentInboxURLs map[string]string `json:"assignment_inbox_urls,omitempty"`
	LastUpdated         time.Time         `json:"last_updated"`
}
