package turnitin

import (
	"context"
	"log"
	"regexp"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/chromedp/chromedp"

	"github.com/sandunsahiru/turnitin-bot/internal/browser"
	"github.com/sandunsahiru/turnitin-bot/internal/poll"
	"github.com/sandunsahiru/turnitin-bot/internal/types"
)

// scorePollInterval is the fixed cadence for checking the results listing.
const scorePollInterval = 10 * time.Second

var percentPattern = regexp.MustCompile(`\b(\d{1,3})%`)

// RowResult is what score extraction finds for one submission row.
type RowResult struct {
	SimilarityScore string
	PaperID         string
}

// FindSubmissionRow locates the results-listing row whose title cell
// matches the generated submission title. Rows without a paper ID
// attribute are placeholders ("not yet submitted") and are skipped.
func FindSubmissionRow(doc *goquery.Document, title string) *goquery.Selection {
	var found *goquery.Selection
	doc.Find("tr[data-paper-id]").EachWithBreak(func(_ int, row *goquery.Selection) bool {
		cell := row.Find(`td.paper-title-column, td[data-title="Submission Title"]`)
		if cell.Length() > 0 && strings.Contains(cell.Text(), title) {
			found = row
			return false
		}
		return true
	})
	return found
}

// ExtractRowResult pulls a similarity percentage out of a submission
// row using a small ordered set of strategies: the dedicated score
// cell first, then any percentage token in the row text. The first
// strategy yielding a plausible value wins.
func ExtractRowResult(row *goquery.Selection) RowResult {
	res := RowResult{}
	if row == nil {
		return res
	}
	res.PaperID, _ = row.Attr("data-paper-id")

	// Strategy 1: the dedicated similarity cell.
	for _, sel := range []string{".or-score-column .similarity-text", ".similarity-score", ".or-percentage"} {
		text := strings.TrimSpace(row.Find(sel).First().Text())
		if text != "" && strings.Contains(text, "%") {
			res.SimilarityScore = text
			return res
		}
	}

	// Strategy 2: any percentage token anywhere in the row.
	if m := percentPattern.FindString(row.Text()); m != "" {
		res.SimilarityScore = m
	}
	return res
}

// WaitForScores polls the results listing until every item in the
// batch has a similarity score or maxWait elapses. Items that gain a
// score have their SimilarityScore and PaperID fields filled in place
// (on the batch copies — callers write back). Returns true only when
// every item scored; false leaves the batch queued for a later pass.
func (c *Client) WaitForScores(ctx context.Context, page *browser.Page, items []types.QueueItem, maxWait time.Duration) bool {
	maxAttempts := int(maxWait / scorePollInterval)
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	log.Printf("[SCORES] Waiting for %d submission(s), polling every %s up to %d attempts",
		len(items), scorePollInterval, maxAttempts)

	err := poll.Until(ctx, scorePollInterval, maxAttempts, func(attempt int) (bool, error) {
		log.Printf("[SCORES] Poll attempt %d/%d", attempt, maxAttempts)

		html, err := c.reloadListing(page)
		if err != nil {
			// Transient: the next attempt reloads again.
			log.Printf("[SCORES] Listing reload failed: %v", err)
			return false, nil
		}
		doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
		if err != nil {
			log.Printf("[SCORES] Could not parse listing: %v", err)
			return false, nil
		}

		allReady := true
		for i := range items {
			if items[i].SimilarityScore != "" {
				continue
			}
			title := items[i].SubmissionTitle
			if title == "" {
				continue
			}
			row := FindSubmissionRow(doc, title)
			if row == nil {
				log.Printf("[SCORES] %s: submission not visible yet", title)
				allReady = false
				continue
			}
			res := ExtractRowResult(row)
			if res.SimilarityScore == "" {
				log.Printf("[SCORES] %s: score not ready yet", title)
				allReady = false
				continue
			}
			items[i].SimilarityScore = res.SimilarityScore
			items[i].PaperID = res.PaperID
			log.Printf("[SCORES] %s: similarity %s (paper %s)", title, res.SimilarityScore, res.PaperID)
		}
		return allReady, nil
	})

	if err != nil {
		log.Printf("[SCORES] Timed out waiting for scores: %v", err)
		return false
	}
	log.Printf("[SCORES] All similarity scores ready")
	return true
}

// reloadListing refreshes the results page and snapshots its HTML for
// parsing off the live DOM.
func (c *Client) reloadListing(page *browser.Page) (string, error) {
	tctx, cancel := context.WithTimeout(page.Context(), 30*time.Second)
	defer cancel()

	var html string
	err := chromedp.Run(tctx,
		chromedp.Reload(),
		chromedp.WaitReady("body"),
		chromedp.Sleep(2*time.Second),
		chromedp.OuterHTML("html", &html),
	)
	return html, err
}
