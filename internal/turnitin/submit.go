package turnitin

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/chromedp/chromedp"

	"github.com/sandunsahiru/turnitin-bot/internal/browser"
	"github.com/sandunsahiru/turnitin-bot/internal/identity"
	"github.com/sandunsahiru/turnitin-bot/internal/poll"
	"github.com/sandunsahiru/turnitin-bot/internal/types"
)

const (
	// uploadPollInterval paces every wait on the upload form: first-file
	// ingest, per-file top-up ingest, and both submit-stage buttons.
	uploadPollInterval = 10 * time.Second
	// uploadPollAttempts bounds file-ingest waits at two minutes.
	uploadPollAttempts = 12
	// buttonPollAttempts bounds submit-button waits at one minute.
	buttonPollAttempts = 6
)

// BatchResult reports what a single batch transaction accomplished.
// Items carries the mutated copies for the caller to write back.
type BatchResult struct {
	Items     []types.QueueItem
	Submitted int
}

// SubmitBatch runs one batch transaction against the upload form:
// upload the first file to wake the student dropdown, extract and save
// the roster, plan capacity, fill every slot, top up from the live
// queue, then drive the two-stage submit. Per-item failures mark that
// item failed and continue; only form-level failures abort the batch.
//
// moreItems is consulted after the initial plan fills, so documents
// that arrived mid-batch ride along when slack capacity exists.
func (c *Client) SubmitBatch(ctx context.Context, page *browser.Page, items []types.QueueItem, assignment string, moreItems func(exclude map[string]bool) []types.QueueItem) (*BatchResult, error) {
	if len(items) == 0 {
		return &BatchResult{}, nil
	}
	log.Printf("[BATCH] Starting batch of %d file(s) for %s", len(items), assignment)

	// First file goes in before the roster exists: the student dropdown
	// only renders once the form has a file.
	if err := c.uploadFileToSlot(page, 0, items[0].FilePath); err != nil {
		return nil, fmt.Errorf("first file upload: %w", err)
	}
	if err := c.waitForSlotReady(ctx, page, 0); err != nil {
		return nil, fmt.Errorf("first file never became ready: %w", err)
	}

	roster, err := c.extractRoster(page)
	if err != nil {
		return nil, fmt.Errorf("roster extraction: %w", err)
	}
	if len(roster) == 0 {
		return nil, errors.New("upload form exposed no student roster")
	}
	if err := c.tracker.SaveRoster(assignment, roster); err != nil {
		log.Printf("[BATCH] Could not persist roster: %v", err)
	}

	students, err := c.tracker.AvailableStudents(assignment)
	if err != nil && !errors.Is(err, identity.ErrNeedsExtraction) {
		return nil, err
	}
	if len(students) == 0 {
		return nil, errors.New("no identities under the submission limit")
	}

	formSlots, err := c.countFormSlots(page)
	if err != nil {
		return nil, fmt.Errorf("form slot detection: %w", err)
	}
	plan := PlanBatch(items, students, formSlots)
	log.Printf("[BATCH] Capacity %d (form slots %d, identities %d, queued %d)",
		len(plan), formSlots, len(students), len(items))
	if len(plan) == 0 {
		return nil, errors.New("zero batch capacity")
	}

	fill := func(sa SlotAssignment, item *types.QueueItem) error {
		return c.fillSlot(ctx, page, sa.Slot, item, sa.Student, assignment, sa.Slot > 0)
	}
	batchItems, filled := fillPlannedSlots(plan, fill)
	result := &BatchResult{Items: batchItems}
	if filled == 0 {
		return result, errors.New("no slots filled")
	}

	// Dynamic top-up: slack capacity absorbs documents that arrived
	// while the form was being filled. A failed slot still occupies its
	// form fields and its planned identity, so slack starts past the
	// whole plan, not past the successes.
	slotsUsed := len(plan)
	if moreItems != nil && slotsUsed < formSlots {
		exclude := make(map[string]bool, len(result.Items))
		for _, it := range result.Items {
			exclude[it.ID] = true
		}
		fresh := moreItems(exclude)
		topUp := PlanTopUp(fresh, students, formSlots, slotsUsed)
		if len(topUp) > 0 {
			log.Printf("[BATCH] Topping up with %d mid-batch arrival(s)", len(topUp))
		}
		more, n := fillPlannedSlots(topUp, fill)
		result.Items = append(result.Items, more...)
		filled += n
	}

	if err := c.clickThroughSubmit(ctx, page); err != nil {
		// The form never went through; processing copies return to
		// pending so a later drain retries them instead of stranding
		// them in a status no listing picks up.
		revertUnsubmitted(result.Items)
		return result, err
	}
	c.CaptureInboxURL(page, assignment)

	for i := range result.Items {
		if result.Items[i].Status == types.StatusProcessing {
			result.Items[i].Status = types.StatusSubmitted
			result.Items[i].SubmittedAt = time.Now().UTC()
			result.Submitted++
		}
	}
	log.Printf("[BATCH] Batch complete: %d submitted, %d failed",
		result.Submitted, len(result.Items)-result.Submitted)
	return result, nil
}

// fillPlannedSlots executes a plan one slot at a time through fill.
// A slot whose fill fails marks its item failed and the loop moves on;
// the slot and its identity stay consumed either way. Returns the
// mutated item copies and how many slots filled successfully.
func fillPlannedSlots(plan []SlotAssignment, fill func(sa SlotAssignment, item *types.QueueItem) error) ([]types.QueueItem, int) {
	items := make([]types.QueueItem, 0, len(plan))
	filled := 0
	for _, sa := range plan {
		item := sa.Item
		if err := fill(sa, &item); err != nil {
			log.Printf("[BATCH] Slot %d failed for %s: %v", sa.Slot, item.ID, err)
			item.Status = types.StatusFailed
			item.Error = err.Error()
			items = append(items, item)
			continue
		}
		filled++
		items = append(items, item)
	}
	return items, filled
}

// revertUnsubmitted returns still-processing copies to pending after a
// form-level failure. Failed and submitted copies keep their status.
func revertUnsubmitted(items []types.QueueItem) {
	for i := range items {
		if items[i].Status == types.StatusProcessing {
			items[i].Status = types.StatusPending
		}
	}
}

// fillSlot binds one document to one form slot: upload (unless the
// file is already in place), wait for ingest, pick the student, verify
// the auto-filled name, and set the generated title. The item copy is
// mutated to processing on success.
func (c *Client) fillSlot(ctx context.Context, page *browser.Page, slot int, item *types.QueueItem, student types.Student, assignment string, needsUpload bool) error {
	if needsUpload {
		if err := c.uploadFileToSlot(page, slot, item.FilePath); err != nil {
			return err
		}
		if err := c.waitForSlotReady(ctx, page, slot); err != nil {
			return err
		}
	}

	if err := c.selectStudent(page, slot, student); err != nil {
		return fmt.Errorf("select student: %w", err)
	}

	title := GenerateSubmissionTitle(item.UserID, item.EnqueuedAt)
	if err := c.fillTitle(page, slot, title); err != nil {
		return fmt.Errorf("fill title: %w", err)
	}

	if err := c.tracker.RecordSubmission(assignment, student.ID, title); err != nil {
		log.Printf("[BATCH] Could not record identity usage: %v", err)
	}

	item.StudentID = student.ID
	item.StudentName = student.Name
	item.SubmissionTitle = title
	item.Assignment = assignment
	item.Status = types.StatusProcessing
	log.Printf("[BATCH] Slot %d ready: %s as %s (%s)", slot, item.ID, student.Name, title)
	return nil
}

// uploadFileToSlot sets the slot's file input to the local path.
func (c *Client) uploadFileToSlot(page *browser.Page, slot int, path string) error {
	tctx, cancel := context.WithTimeout(page.Context(), 30*time.Second)
	defer cancel()

	sel := fmt.Sprintf(`input[type="file"][name="userfile_%d"]`, slot)
	err := chromedp.Run(tctx, chromedp.SetUploadFiles(sel, []string{path}, chromedp.ByQuery))
	if err != nil {
		// Older form markup uses unnumbered inputs in document order.
		err = chromedp.Run(tctx, chromedp.SetUploadFiles(
			fmt.Sprintf(`.file_browse_container:nth-of-type(%d) input[type="file"], input[type="file"]`, slot+1),
			[]string{path}, chromedp.ByQuery))
	}
	if err != nil {
		return fmt.Errorf("set file for slot %d: %w", slot, err)
	}
	log.Printf("[BATCH] Uploading %s into slot %d", path, slot)
	return nil
}

// waitForSlotReady polls until the slot's file row is listed and its
// student dropdown is populated, up to two minutes.
func (c *Client) waitForSlotReady(ctx context.Context, page *browser.Page, slot int) error {
	return poll.Until(ctx, uploadPollInterval, uploadPollAttempts, func(attempt int) (bool, error) {
		log.Printf("[BATCH] Waiting for slot %d ingest (attempt %d/%d)", slot, attempt, uploadPollAttempts)

		tctx, cancel := context.WithTimeout(page.Context(), 15*time.Second)
		defer cancel()

		var rows int
		var options int
		err := chromedp.Run(tctx,
			chromedp.Evaluate(`document.querySelectorAll('#attached_files_table_body tr.file_row, tr.file_row').length`, &rows),
			chromedp.Evaluate(fmt.Sprintf(
				`(function(){var s=document.querySelector('select[name="userID_%d"], select.constrain_dropdown');return s?s.options.length:0})()`, slot), &options),
		)
		if err != nil {
			if browser.IsSessionError(err) {
				return false, browser.ErrSessionLost
			}
			log.Printf("[BATCH] Slot %d readiness check failed: %v", slot, err)
			return false, nil
		}
		return rows > slot && options > 1, nil
	})
}

// extractRoster reads every student option out of the first populated
// dropdown, skipping the placeholder entry.
func (c *Client) extractRoster(page *browser.Page) ([]types.Student, error) {
	tctx, cancel := context.WithTimeout(page.Context(), 20*time.Second)
	defer cancel()

	var raw []map[string]string
	err := chromedp.Run(tctx, chromedp.Evaluate(`(function(){
		var sel = document.querySelector('select.constrain_dropdown, select[name="userID_0"], select[name*="userID"]');
		if (!sel) return [];
		var out = [];
		for (var i = 0; i < sel.options.length; i++) {
			var o = sel.options[i];
			if (o.value && o.text.trim()) out.push({id: o.value, name: o.text.trim()});
		}
		return out;
	})()`, &raw))
	if err != nil {
		return nil, err
	}

	students := make([]types.Student, 0, len(raw))
	for _, r := range raw {
		students = append(students, types.Student{ID: r["id"], Name: r["name"]})
	}
	log.Printf("[BATCH] Extracted %d student(s) from upload form", len(students))
	return students, nil
}

// countFormSlots counts the usable slot triples (file input, numbered
// student dropdown, numbered title input), excluding the hidden
// template row whose field names carry no index.
func (c *Client) countFormSlots(page *browser.Page) (int, error) {
	tctx, cancel := context.WithTimeout(page.Context(), 20*time.Second)
	defer cancel()

	var counts map[string]int
	err := chromedp.Run(tctx, chromedp.Evaluate(`(function(){
		var numbered = function(prefix) {
			var n = 0;
			document.querySelectorAll('[name^="'+prefix+'"]').forEach(function(el){
				var name = el.getAttribute('name');
				if (name !== prefix && /\d$/.test(name)) n++;
			});
			return n;
		};
		return {
			files: document.querySelectorAll('input[type="file"]').length,
			students: numbered('userID_'),
			titles: numbered('title_')
		};
	})()`, &counts))
	if err != nil {
		return 0, err
	}

	slots := counts["files"]
	if counts["students"] < slots {
		slots = counts["students"]
	}
	if counts["titles"] < slots {
		slots = counts["titles"]
	}
	log.Printf("[BATCH] Form offers %d slot(s) (files %d, dropdowns %d, titles %d)",
		slots, counts["files"], counts["students"], counts["titles"])
	return slots, nil
}

// selectStudent picks the identity in the slot's dropdown and verifies
// the site's onchange auto-fill populated the author name fields.
func (c *Client) selectStudent(page *browser.Page, slot int, student types.Student) error {
	tctx, cancel := context.WithTimeout(page.Context(), 20*time.Second)
	defer cancel()

	sel := fmt.Sprintf(`select[name="userID_%d"]`, slot)
	var first, last string
	err := chromedp.Run(tctx,
		chromedp.SetValue(sel, student.ID, chromedp.ByQuery),
		// Selecting fires the form's fill_name onchange handler.
		chromedp.Evaluate(fmt.Sprintf(
			`(function(){var s=document.querySelector('select[name="userID_%d"]');if(s)s.dispatchEvent(new Event('change',{bubbles:true}))})()`, slot), nil),
		chromedp.Sleep(2*time.Second),
		chromedp.Value(fmt.Sprintf(`input[name="author_first_%d"]`, slot), &first, chromedp.ByQuery),
		chromedp.Value(fmt.Sprintf(`input[name="author_last_%d"]`, slot), &last, chromedp.ByQuery),
	)
	if err != nil {
		return err
	}
	if first == "" && last == "" {
		log.Printf("[BATCH] Slot %d author fields empty after selecting %s; auto-fill may not have fired", slot, student.Name)
	} else {
		log.Printf("[BATCH] Slot %d author auto-filled: %s %s", slot, first, last)
	}
	return nil
}

// fillTitle writes the generated title into the slot's title input.
func (c *Client) fillTitle(page *browser.Page, slot int, title string) error {
	tctx, cancel := context.WithTimeout(page.Context(), 15*time.Second)
	defer cancel()

	sel := fmt.Sprintf(`input[name="title_%d"]`, slot)
	return chromedp.Run(tctx,
		chromedp.Clear(sel, chromedp.ByQuery),
		chromedp.SendKeys(sel, title, chromedp.ByQuery),
	)
}

// clickThroughSubmit drives both submit stages: Upload All, then the
// confirmation page's final Submit. Each button is polled for up to a
// minute before the batch is declared failed.
func (c *Client) clickThroughSubmit(ctx context.Context, page *browser.Page) error {
	if err := c.pollAndClick(ctx, page, "Upload All",
		`#submit-button, button#submit-button, input[type="submit"][value*="Upload"], input[name="submit"]`); err != nil {
		return fmt.Errorf("upload all: %w", err)
	}

	// Confirmation page renders a review table before the final button.
	err := poll.Until(ctx, uploadPollInterval, buttonPollAttempts, func(attempt int) (bool, error) {
		log.Printf("[BATCH] Waiting for confirmation page (attempt %d/%d)", attempt, buttonPollAttempts)
		tctx, cancel := context.WithTimeout(page.Context(), 15*time.Second)
		defer cancel()
		var tables int
		if err := chromedp.Run(tctx, chromedp.Evaluate(`document.querySelectorAll('table').length`, &tables)); err != nil {
			if browser.IsSessionError(err) {
				return false, browser.ErrSessionLost
			}
			return false, nil
		}
		return tables > 0, nil
	})
	if err != nil {
		log.Printf("[BATCH] Confirmation page not detected, attempting final submit anyway: %v", err)
	}

	if err := c.pollAndClick(ctx, page, "Submit",
		`#upload_submit_button, button#upload_submit_button, input[type="submit"][value*="Submit"], input[name="submit"]`); err != nil {
		return fmt.Errorf("final submit: %w", err)
	}
	return nil
}

// pollAndClick retries a visible-button click on a 10s cadence.
func (c *Client) pollAndClick(ctx context.Context, page *browser.Page, label, selector string) error {
	return poll.Until(ctx, uploadPollInterval, buttonPollAttempts, func(attempt int) (bool, error) {
		log.Printf("[BATCH] Looking for %s button (attempt %d/%d)", label, attempt, buttonPollAttempts)

		tctx, cancel := context.WithTimeout(page.Context(), 45*time.Second)
		defer cancel()

		err := chromedp.Run(tctx,
			chromedp.Click(selector, chromedp.ByQuery, chromedp.NodeVisible),
			chromedp.WaitReady("body"),
			chromedp.Sleep(3*time.Second),
		)
		if err != nil {
			if browser.IsSessionError(err) {
				return false, browser.ErrSessionLost
			}
			log.Printf("[BATCH] %s button not clickable yet: %v", label, err)
			return false, nil
		}
		log.Printf("[BATCH] %s clicked", label)
		return true, nil
	})
}

// hasUploadForm reports whether the page is already on the multi-file
// upload form, which lets retries skip re-navigation.
func (c *Client) hasUploadForm(page *browser.Page) bool {
	tctx, cancel := context.WithTimeout(page.Context(), 10*time.Second)
	defer cancel()

	var loc string
	if err := chromedp.Run(tctx, chromedp.Location(&loc)); err != nil {
		return false
	}
	return strings.Contains(loc, "t_submit_bulk")
}
