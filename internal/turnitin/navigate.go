package turnitin

import (
	"context"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/chromedp/chromedp"

	"github.com/sandunsahiru/turnitin-bot/internal/browser"
	"github.com/sandunsahiru/turnitin-bot/internal/config"
	"github.com/sandunsahiru/turnitin-bot/internal/identity"
)

// Notifier delivers outcomes to the user who submitted a document.
// Implementations must tolerate unreachable recipients without failing
// the batch.
type Notifier interface {
	SendMessage(chatID int64, text string) error
	SendFile(chatID int64, path, caption string) error
}

// Client drives the site workflow for one configured class. It holds
// no browser state of its own; every operation borrows a page from the
// session manager.
type Client struct {
	baseURL      string
	className    string
	downloadsDir string
	tracker      *identity.Tracker
	notify       Notifier
}

// NewClient wires the site driver to its identity tracker and
// notification sink.
func NewClient(cfg *config.Config, tracker *identity.Tracker, n Notifier) *Client {
	return &Client{
		baseURL:      strings.TrimRight(cfg.TurnitinBaseURL, "/"),
		className:    cfg.ClassName,
		downloadsDir: cfg.DownloadsDir,
		tracker:      tracker,
		notify:       n,
	}
}

// OpenUploadForm lands the page on the assignment's multi-file upload
// form. The fast path replays the cached inbox URL; the slow path
// walks home -> class -> assignment -> submit and caches the URLs it
// discovers along the way.
func (c *Client) OpenUploadForm(ctx context.Context, page *browser.Page, assignment string) error {
	if c.hasUploadForm(page) {
		log.Printf("[NAV] Already on multiple file upload form")
		return nil
	}

	if inbox := c.tracker.InboxURL(assignment); inbox != "" {
		log.Printf("[NAV] Using cached inbox URL for %s", assignment)
		if err := c.openUploadFormFromInbox(page, inbox); err == nil {
			return nil
		} else {
			log.Printf("[NAV] Cached inbox path failed, falling back to full navigation: %v", err)
		}
	}

	if err := c.navigateToClass(page); err != nil {
		return err
	}
	if err := c.navigateToAssignment(page, assignment); err != nil {
		return err
	}
	return c.switchToMultipleFileUpload(page)
}

// OpenAssignmentInbox lands the page on the assignment's results
// listing, preferring the inbox URL captured after a submission.
func (c *Client) OpenAssignmentInbox(ctx context.Context, page *browser.Page, assignment string) error {
	inbox := c.tracker.InboxURL(assignment)
	if inbox == "" {
		return fmt.Errorf("no inbox URL recorded for %s", assignment)
	}
	tctx, cancel := context.WithTimeout(page.Context(), 45*time.Second)
	defer cancel()

	err := chromedp.Run(tctx,
		chromedp.Navigate(inbox),
		chromedp.WaitReady("body"),
		chromedp.Sleep(2*time.Second),
	)
	if err != nil {
		return fmt.Errorf("open inbox for %s: %w", assignment, err)
	}
	log.Printf("[NAV] On results listing for %s", assignment)
	return nil
}

// CaptureInboxURL records the page's current location as the
// assignment's inbox, called right after the post-submit redirect.
func (c *Client) CaptureInboxURL(page *browser.Page, assignment string) {
	tctx, cancel := context.WithTimeout(page.Context(), 10*time.Second)
	defer cancel()

	var loc string
	if err := chromedp.Run(tctx, chromedp.Location(&loc)); err != nil {
		log.Printf("[NAV] Could not read inbox location: %v", err)
		return
	}
	if !strings.Contains(strings.ToLower(loc), "inbox") && !strings.Contains(strings.ToLower(loc), "paper") {
		log.Printf("[NAV] Post-submit location does not look like an inbox, not caching: %s", loc)
		return
	}
	c.tracker.SetInboxURL(assignment, loc)
	log.Printf("[NAV] Cached inbox URL for %s", assignment)
}

// navigateToClass opens the configured class's instructor home, from
// the cached URL when one exists, otherwise from the account homepage
// class listing.
func (c *Client) navigateToClass(page *browser.Page) error {
	tctx, cancel := context.WithTimeout(page.Context(), 60*time.Second)
	defer cancel()

	if cached := c.tracker.ClassHomeURL(); cached != "" {
		log.Printf("[NAV] Using cached class home URL")
		err := chromedp.Run(tctx,
			chromedp.Navigate(cached),
			chromedp.WaitReady("body"),
			chromedp.Sleep(2*time.Second),
		)
		if err == nil {
			return nil
		}
		log.Printf("[NAV] Cached class home failed, re-discovering: %v", err)
	}

	log.Printf("[NAV] Navigating to class %q from homepage", c.className)
	classLink := fmt.Sprintf(`//td[contains(@class,"class_name")]//a[contains(text(),%q)] | //a[@title=%q] | //a[contains(text(),%q)]`,
		c.className, c.className, c.className)

	var href string
	err := chromedp.Run(tctx,
		chromedp.Navigate(c.baseURL+"/t_home.asp"),
		chromedp.WaitVisible("table", chromedp.ByQuery),
		chromedp.AttributeValue(classLink, "href", &href, nil, chromedp.BySearch),
		chromedp.Click(classLink, chromedp.BySearch),
		chromedp.WaitReady("body"),
		chromedp.Sleep(2*time.Second),
	)
	if err != nil {
		return fmt.Errorf("navigate to class %q: %w", c.className, err)
	}
	if href != "" {
		c.tracker.SetClassHomeURL(c.absoluteURL(href))
	}
	return nil
}

// navigateToAssignment clicks through to the assignment's View page
// from the class instructor home.
func (c *Client) navigateToAssignment(page *browser.Page, assignment string) error {
	tctx, cancel := context.WithTimeout(page.Context(), 60*time.Second)
	defer cancel()

	log.Printf("[NAV] Opening assignment %s", assignment)
	viewLink := fmt.Sprintf(
		`//tr[@data-assignment-title=%q]//a[contains(text(),"View")] | //span[contains(@class,"assignment-title") and contains(text(),%q)]/ancestor::tr//a[contains(text(),"View")]`,
		assignment, assignment)

	err := chromedp.Run(tctx,
		chromedp.Click(viewLink, chromedp.BySearch),
		chromedp.WaitReady("body"),
		chromedp.Sleep(2*time.Second),
	)
	if err != nil {
		return fmt.Errorf("open assignment %s: %w", assignment, err)
	}
	return nil
}

// switchToMultipleFileUpload goes from the assignment inbox to the
// multi-file upload form via the Submit button and its upload-type
// dropdown.
func (c *Client) switchToMultipleFileUpload(page *browser.Page) error {
	tctx, cancel := context.WithTimeout(page.Context(), 60*time.Second)
	defer cancel()

	err := chromedp.Run(tctx,
		chromedp.Click(`a[href*="t_submit.asp"] button.btn-primary, .cms-submit a`, chromedp.ByQuery),
		chromedp.WaitReady("body"),
		chromedp.Sleep(2*time.Second),
		// The submit page defaults to single-file; switch modes.
		chromedp.ActionFunc(func(ctx context.Context) error {
			if err := chromedp.Click("#submit_type", chromedp.ByQuery).Do(ctx); err != nil {
				log.Printf("[NAV] Submit-type dropdown not clickable, trying link directly: %v", err)
			}
			return nil
		}),
		chromedp.Sleep(1*time.Second),
		chromedp.Click(`a[href*="t_submit_bulk.asp"]`, chromedp.ByQuery),
		chromedp.WaitReady("body"),
		chromedp.Sleep(2*time.Second),
	)
	if err != nil {
		return fmt.Errorf("switch to multiple file upload: %w", err)
	}
	log.Printf("[NAV] On multiple file upload form")
	return nil
}

// openUploadFormFromInbox replays a cached inbox URL and jumps to the
// upload form from there.
func (c *Client) openUploadFormFromInbox(page *browser.Page, inboxURL string) error {
	tctx, cancel := context.WithTimeout(page.Context(), 60*time.Second)
	defer cancel()

	err := chromedp.Run(tctx,
		chromedp.Navigate(inboxURL),
		chromedp.WaitReady("body"),
		chromedp.Sleep(2*time.Second),
	)
	if err != nil {
		return fmt.Errorf("replay inbox URL: %w", err)
	}
	return c.switchToMultipleFileUpload(page)
}

// absoluteURL resolves site-relative hrefs against the configured base.
func (c *Client) absoluteURL(href string) string {
	if strings.HasPrefix(href, "http") {
		return href
	}
	if !strings.HasPrefix(href, "/") {
		href = "/" + href
	}
	return c.baseURL + href
}
