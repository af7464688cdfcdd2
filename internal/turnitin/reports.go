package turnitin

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/chromedp/cdproto/target"
	"github.com/chromedp/chromedp"

	"github.com/sandunsahiru/turnitin-bot/internal/browser"
	"github.com/sandunsahiru/turnitin-bot/internal/poll"
	"github.com/sandunsahiru/turnitin-bot/internal/types"
)

const (
	// viewerLoadTimeout caps the wait for the report viewer's tab
	// navigator, the page never reaches network idle so that element is
	// the readiness signal.
	viewerLoadTimeout = 2 * time.Minute
	// downloadClickRetries is how many times a download control is
	// re-tried before that report is skipped.
	downloadClickRetries = 3
	sendRetries          = 3
	sendRetryDelay       = 5 * time.Second
)

// reportKind names the two downloadable report types in menu order.
type reportKind struct {
	key      string
	label    string
	selector string
}

var reportKinds = []reportKind{
	{key: "similarity", label: "Similarity Report", selector: `button[data-px="SimReportDownloadClicked"], li.download-menu-item button`},
	{key: "ai", label: "AI Writing Report", selector: `button[data-px="AIWritingReportDownload"], li.download-menu-item:nth-child(2) button`},
}

// DeliverReports walks every submitted item that has a score but no
// reports yet: opens its report viewer in a fresh tab, downloads both
// report types, sends whatever succeeded to the user, and marks the
// item completed through update. Per-item failures are isolated; the
// item stays submitted for a later pass.
//
// The page must already be on the assignment's results listing.
func (c *Client) DeliverReports(ctx context.Context, page *browser.Page, items []types.QueueItem, update func(id string, mutate func(*types.QueueItem)) error) int {
	completed := 0
	for i := range items {
		item := items[i]
		if item.SubmissionTitle == "" {
			log.Printf("[REPORTS] %s has no submission title, marking failed", item.ID)
			_ = update(item.ID, func(q *types.QueueItem) {
				q.Status = types.StatusFailed
				q.Error = "submission title missing after upload"
			})
			continue
		}
		if item.SimilarityScore == "" || item.ReportDownloaded {
			continue
		}

		simFile, aiFile, err := c.downloadReportPair(ctx, page, &item)
		if err != nil {
			log.Printf("[REPORTS] %s: %v", item.SubmissionTitle, err)
			continue
		}
		if simFile == "" && aiFile == "" {
			log.Printf("[REPORTS] %s: no report could be downloaded, will retry later", item.SubmissionTitle)
			continue
		}

		c.sendReports(item, simFile, aiFile)
		cleanupFiles(simFile, aiFile, item.FilePath)

		if err := update(item.ID, func(q *types.QueueItem) {
			q.ReportDownloaded = true
			q.Status = types.StatusCompleted
		}); err != nil {
			log.Printf("[REPORTS] Could not mark %s completed: %v", item.ID, err)
			continue
		}
		completed++
	}
	log.Printf("[REPORTS] Delivered reports for %d item(s)", completed)
	return completed
}

// downloadReportPair opens the item's report viewer in a new tab and
// pulls both report types, reopening the download menu between them
// because the first download closes it.
func (c *Client) downloadReportPair(ctx context.Context, page *browser.Page, item *types.QueueItem) (simFile, aiFile string, err error) {
	tabCtx, cancel, err := c.openReportTab(page, item)
	if err != nil {
		return "", "", err
	}
	defer cancel()

	if err := c.waitForViewer(tabCtx); err != nil {
		log.Printf("[REPORTS] Viewer readiness signal missing for %s, trying downloads anyway: %v", item.SubmissionTitle, err)
	}

	files := make(map[string]string, len(reportKinds))
	for _, kind := range reportKinds {
		path, err := c.downloadOneReport(ctx, tabCtx, item, kind)
		if err != nil {
			log.Printf("[REPORTS] %s: %s failed: %v", item.SubmissionTitle, kind.label, err)
			continue
		}
		files[kind.key] = path
	}
	return files["similarity"], files["ai"], nil
}

// openReportTab clicks the item's row link and attaches to the viewer
// tab it spawns.
func (c *Client) openReportTab(page *browser.Page, item *types.QueueItem) (context.Context, context.CancelFunc, error) {
	if item.PaperID == "" {
		return nil, nil, errors.New("no paper ID recorded")
	}

	ch := chromedp.WaitNewTarget(page.Context(), func(info *target.Info) bool {
		return info.URL != "" && info.Type == "page"
	})

	rowLink := fmt.Sprintf(
		`//tr[@data-paper-id=%q]//a[contains(@class,"similarity-open")] | //tr[@data-paper-id=%q]//a[contains(@class,"btn-link")]`,
		item.PaperID, item.PaperID)

	tctx, cancel := context.WithTimeout(page.Context(), 60*time.Second)
	defer cancel()
	if err := chromedp.Run(tctx, chromedp.Click(rowLink, chromedp.BySearch)); err != nil {
		return nil, nil, fmt.Errorf("open report viewer: %w", err)
	}

	select {
	case id := <-ch:
		tabCtx, tabCancel := chromedp.NewContext(page.Context(), chromedp.WithTargetID(id))
		log.Printf("[REPORTS] Viewer tab open for %s", item.SubmissionTitle)
		return tabCtx, tabCancel, nil
	case <-time.After(60 * time.Second):
		return nil, nil, errors.New("viewer tab never appeared")
	}
}

// waitForViewer blocks until the viewer's tab navigator renders.
func (c *Client) waitForViewer(tabCtx context.Context) error {
	tctx, cancel := context.WithTimeout(tabCtx, viewerLoadTimeout)
	defer cancel()
	return chromedp.Run(tctx,
		chromedp.WaitVisible("div.tab-navigator-container", chromedp.ByQuery),
		chromedp.Sleep(2*time.Second),
	)
}

// downloadOneReport opens the download menu, clicks the report entry,
// waits for the file to land in the download directory, and renames it
// to a per-recipient name. Each click gets a few retries since the
// viewer's controls render lazily.
func (c *Client) downloadOneReport(ctx context.Context, tabCtx context.Context, item *types.QueueItem, kind reportKind) (string, error) {
	before, err := snapshotDir(c.downloadsDir)
	if err != nil {
		return "", err
	}

	menuSelector := `tii-sws-download-btn-mfe, #sws-download-btn-mfe, [data-px="DownloadMenuClicked"]`
	if err := clickWithRetries(tabCtx, menuSelector, downloadClickRetries); err != nil {
		return "", fmt.Errorf("open download menu: %w", err)
	}
	// The menu animates open; clicking the entry too early misses.
	if err := chromedp.Run(tabCtx, chromedp.Sleep(3*time.Second)); err != nil {
		return "", err
	}

	if err := clickWithRetries(tabCtx, kind.selector, downloadClickRetries); err != nil {
		return "", fmt.Errorf("click %s entry: %w", kind.label, err)
	}
	log.Printf("[REPORTS] %s download started for %s", kind.label, item.SubmissionTitle)

	got, err := c.waitForDownload(ctx, before)
	if err != nil {
		return "", err
	}

	final := filepath.Join(c.downloadsDir, reportFileName(item.ChatID, item.EnqueuedAt, kind.key))
	if err := os.Rename(got, final); err != nil {
		return "", fmt.Errorf("rename downloaded report: %w", err)
	}
	log.Printf("[REPORTS] Saved %s: %s", kind.label, final)
	return final, nil
}

// clickWithRetries clicks the first visible match, retrying on a short
// delay for lazily rendered controls.
func clickWithRetries(tabCtx context.Context, selector string, retries int) error {
	var lastErr error
	for attempt := 1; attempt <= retries; attempt++ {
		tctx, cancel := context.WithTimeout(tabCtx, 15*time.Second)
		lastErr = chromedp.Run(tctx, chromedp.Click(selector, chromedp.ByQuery))
		cancel()
		if lastErr == nil {
			return nil
		}
		log.Printf("[REPORTS] Click attempt %d/%d failed: %v", attempt, retries, lastErr)
		time.Sleep(2 * time.Second)
	}
	return lastErr
}

// waitForDownload polls the download directory until a new, fully
// written file appears. Chrome writes *.crdownload while in flight.
func (c *Client) waitForDownload(ctx context.Context, before map[string]bool) (string, error) {
	var found string
	err := poll.Until(ctx, 5*time.Second, 12, func(attempt int) (bool, error) {
		entries, err := os.ReadDir(c.downloadsDir)
		if err != nil {
			return false, err
		}
		for _, e := range entries {
			name := e.Name()
			if e.IsDir() || before[name] || strings.HasSuffix(name, ".crdownload") {
				continue
			}
			found = filepath.Join(c.downloadsDir, name)
			return true, nil
		}
		return false, nil
	})
	if err != nil {
		return "", fmt.Errorf("download did not complete: %w", err)
	}
	return found, nil
}

// sendReports delivers whatever was downloaded and a summary message,
// each with retries so a flaky network does not drop a finished report.
func (c *Client) sendReports(item types.QueueItem, simFile, aiFile string) {
	if simFile != "" {
		caption := fmt.Sprintf("Similarity Report\nTitle: %s\nScore: %s", item.SubmissionTitle, item.SimilarityScore)
		sendWithRetries(func() error { return c.notify.SendFile(item.ChatID, simFile, caption) },
			"similarity report", item.ChatID)
	}
	if aiFile != "" {
		caption := fmt.Sprintf("AI Writing Report\nTitle: %s", item.SubmissionTitle)
		sendWithRetries(func() error { return c.notify.SendFile(item.ChatID, aiFile, caption) },
			"AI report", item.ChatID)
	}

	switch {
	case simFile != "" && aiFile != "":
		sendWithRetries(func() error {
			return c.notify.SendMessage(item.ChatID, "Reports delivered: both reports sent successfully.")
		}, "completion message", item.ChatID)
	case simFile != "" || aiFile != "":
		sendWithRetries(func() error {
			return c.notify.SendMessage(item.ChatID, "One report could not be retrieved; the other has been sent.")
		}, "partial-delivery message", item.ChatID)
	}
}

func sendWithRetries(send func() error, what string, chatID int64) {
	for attempt := 1; attempt <= sendRetries; attempt++ {
		if err := send(); err != nil {
			log.Printf("[REPORTS] Sending %s to %d failed (attempt %d/%d): %v", what, chatID, attempt, sendRetries, err)
			if attempt < sendRetries {
				time.Sleep(sendRetryDelay)
			}
			continue
		}
		return
	}
	log.Printf("[REPORTS] Giving up on %s for %d", what, chatID)
}

// cleanupFiles removes delivered reports and the original upload.
func cleanupFiles(paths ...string) {
	for _, p := range paths {
		if p == "" {
			continue
		}
		if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
			log.Printf("[REPORTS] Could not remove %s: %v", p, err)
		}
	}
}

func snapshotDir(dir string) (map[string]bool, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	seen := make(map[string]bool, len(entries))
	for _, e := range entries {
		seen[e.Name()] = true
	}
	return seen, nil
}
