// Package turnitin drives the external site's multi-page workflow:
// class/assignment navigation, the multi-file upload form, the results
// listing, and the per-submission report viewer. Selectors here are
// inherently fragile glue against markup the operator does not control;
// they are expected to need ongoing maintenance.
package turnitin

import (
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"log"
	"time"
)

// titleMaxLen is the external site's submission title ceiling. The
// generated format stays one character under it.
const titleMaxLen = 15

// GenerateSubmissionTitle derives a unique, length-constrained title
// from the submitting user and enqueue time: the last 4 characters of
// the user ID, the last 6 digits of the compact timestamp, and 4 hash
// characters for uniqueness — 14 characters, under the site's 15-char
// limit.
func GenerateSubmissionTitle(userID string, enqueuedAt time.Time) string {
	userPart := userID
	if len(userPart) > 4 {
		userPart = userPart[len(userPart)-4:]
	}

	compact := enqueuedAt.Format("20060102150405")
	timePart := compact[len(compact)-6:]

	sum := md5.Sum([]byte(userID + enqueuedAt.Format(time.RFC3339Nano)))
	hashPart := hex.EncodeToString(sum[:])[:4]

	title := userPart + timePart + hashPart
	if len(title) > titleMaxLen {
		title = title[:titleMaxLen]
	}
	log.Printf("[BATCH] Generated submission title %s (length %d)", title, len(title))
	return title
}

// reportFileName names a downloaded report by recipient and enqueue
// time so concurrent users never collide.
func reportFileName(chatID int64, enqueuedAt time.Time, kind string) string {
	return fmt.Sprintf("%d_%s_%s.pdf", chatID, enqueuedAt.Format("20060102150405"), kind)
}
