// Package bot runs the Telegram front end: document intake, queue
// position replies, and the admin control surface.
package bot

import (
	"context"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/sandunsahiru/turnitin-bot/internal/config"
	"github.com/sandunsahiru/turnitin-bot/internal/entitlement"
	"github.com/sandunsahiru/turnitin-bot/internal/notify"
	"github.com/sandunsahiru/turnitin-bot/internal/processor"
	"github.com/sandunsahiru/turnitin-bot/internal/queue"
)

// allowedExtensions are the document types the site accepts for
// similarity checking.
var allowedExtensions = map[string]bool{
	".doc":  true,
	".docx": true,
	".pdf":  true,
	".txt":  true,
	".rtf":  true,
	".odt":  true,
}

// Bot wires Telegram updates to the queue and the processor.
type Bot struct {
	api          *tgbotapi.BotAPI
	cfg          *config.Config
	store        *queue.Store
	proc         *processor.Processor
	sink         *notify.Telegram
	entitlements *entitlement.Store // nil when no database is configured
}

func New(api *tgbotapi.BotAPI, cfg *config.Config, store *queue.Store, proc *processor.Processor, sink *notify.Telegram, ent *entitlement.Store) *Bot {
	return &Bot{api: api, cfg: cfg, store: store, proc: proc, sink: sink, entitlements: ent}
}

// Run consumes updates until the context is cancelled.
func (b *Bot) Run(ctx context.Context) error {
	u := tgbotapi.NewUpdate(0)
	u.Timeout = 60
	updates := b.api.GetUpdatesChan(u)
	log.Printf("[BOT] Listening for updates as @%s", b.api.Self.UserName)

	for {
		select {
		case <-ctx.Done():
			b.api.StopReceivingUpdates()
			return ctx.Err()
		case update, ok := <-updates:
			if !ok {
				return nil
			}
			if update.Message == nil {
				continue
			}
			b.handleMessage(ctx, update.Message)
		}
	}
}

func (b *Bot) handleMessage(ctx context.Context, msg *tgbotapi.Message) {
	switch {
	case msg.IsCommand():
		b.handleCommand(ctx, msg)
	case msg.Document != nil:
		b.handleDocument(ctx, msg)
	}
}

func (b *Bot) handleCommand(ctx context.Context, msg *tgbotapi.Message) {
	switch msg.Command() {
	case "start":
		b.reply(msg, "Send me a document (.doc, .docx, .pdf, .txt, .rtf, .odt) and I will run a plagiarism check and send back the reports.")
	case "queue":
		pos, total := b.store.Position(fmt.Sprintf("%d", msg.From.ID))
		if pos == 0 {
			b.reply(msg, fmt.Sprintf("You have no documents waiting. Queue length: %d.", total))
			return
		}
		b.reply(msg, fmt.Sprintf("Your next document is at position %d of %d.", pos, total))
	case "status":
		if !b.requireAdmin(msg) {
			return
		}
		st := b.proc.Status()
		b.reply(msg, fmt.Sprintf(
			"Processor running: %v\nStopped by admin: %v\nConsecutive failures: %d\nBreaker open: %v\nItems in queue: %d",
			st.Running, st.Stopped, st.FailureCount, st.BreakerActive, st.QueueTotal))
	case "stop":
		if !b.requireAdmin(msg) {
			return
		}
		was := b.proc.ForceStop()
		b.reply(msg, fmt.Sprintf("Processor stopped (was running: %v).", was))
	case "resume":
		if !b.requireAdmin(msg) {
			return
		}
		b.proc.Start()
		started := b.proc.Trigger(ctx)
		b.reply(msg, fmt.Sprintf("Processor re-enabled (drain started: %v).", started))
	case "resetbreaker":
		if !b.requireAdmin(msg) {
			return
		}
		cleared := b.proc.ResetBreaker()
		b.reply(msg, fmt.Sprintf("Circuit breaker reset, cleared %d failure(s).", cleared))
	case "grant":
		if !b.requireAdmin(msg) {
			return
		}
		b.handleGrant(ctx, msg)
	default:
		b.reply(msg, "Unknown command. Send a document to check it, or /queue to see your position.")
	}
}

// handleGrant implements "/grant <userID> monthly <days>" and
// "/grant <userID> docs <count>".
func (b *Bot) handleGrant(ctx context.Context, msg *tgbotapi.Message) {
	if b.entitlements == nil {
		b.reply(msg, "No subscription database configured; all users are allowed.")
		return
	}
	var userID int64
	var kind string
	var amount int
	if _, err := fmt.Sscanf(msg.CommandArguments(), "%d %s %d", &userID, &kind, &amount); err != nil {
		b.reply(msg, "Usage: /grant <userID> monthly <days> | /grant <userID> docs <count>")
		return
	}
	var err error
	switch kind {
	case "monthly":
		err = b.entitlements.GrantMonthly(ctx, userID, amount)
	case "docs":
		err = b.entitlements.GrantDocuments(ctx, userID, amount)
	default:
		b.reply(msg, "Plan must be 'monthly' or 'docs'.")
		return
	}
	if err != nil {
		log.Printf("[BOT] Grant failed: %v", err)
		b.reply(msg, "Grant failed, check the logs.")
		return
	}
	b.reply(msg, fmt.Sprintf("Granted %s %d to user %d.", kind, amount, userID))
}

func (b *Bot) handleDocument(ctx context.Context, msg *tgbotapi.Message) {
	userID := msg.From.ID
	doc := msg.Document
	log.Printf("[BOT] Document from %d: %s (%d bytes)", userID, doc.FileName, doc.FileSize)

	ext := strings.ToLower(filepath.Ext(doc.FileName))
	if !allowedExtensions[ext] {
		b.reply(msg, fmt.Sprintf("Unsupported file type %q. Accepted: .doc, .docx, .pdf, .txt, .rtf, .odt.", ext))
		return
	}

	// Admins bypass entitlement; everyone else needs an active plan.
	if !b.cfg.IsAdmin(userID) && b.entitlements != nil {
		ok, plan, err := b.entitlements.IsEntitled(ctx, userID)
		if err != nil {
			log.Printf("[BOT] Entitlement check failed for %d: %v", userID, err)
			b.reply(msg, "Could not verify your subscription right now, please try again shortly.")
			return
		}
		if !ok {
			b.reply(msg, "No active subscription. Please purchase a plan to use this service.")
			return
		}
		if plan == entitlement.PlanDocument {
			if err := b.entitlements.ConsumeDocument(ctx, userID); err != nil {
				log.Printf("[BOT] Could not consume allowance for %d: %v", userID, err)
			}
		}
	}

	statusID, err := b.sink.SendStatus(msg.Chat.ID, "Receiving your document...")
	if err != nil {
		log.Printf("[BOT] Status message failed for %d: %v", userID, err)
	}

	path, err := b.downloadDocument(msg)
	if err != nil {
		log.Printf("[BOT] Download failed for %d: %v", userID, err)
		b.sink.DeleteMessage(msg.Chat.ID, statusID)
		b.reply(msg, "Could not receive your file, please try sending it again.")
		return
	}

	if _, err := b.store.Enqueue(path, fmt.Sprintf("%d", userID), msg.Chat.ID); err != nil {
		log.Printf("[BOT] Enqueue failed for %d: %v", userID, err)
		b.sink.DeleteMessage(msg.Chat.ID, statusID)
		b.reply(msg, "Could not queue your document, please try again.")
		return
	}
	b.sink.DeleteMessage(msg.Chat.ID, statusID)

	pos, total := b.store.Position(fmt.Sprintf("%d", userID))
	if pos <= 1 && total <= 1 {
		b.reply(msg, "Document added to the processing queue. It will be processed next.")
	} else {
		b.reply(msg, fmt.Sprintf("Document added to the processing queue.\nPosition: %d of %d.", pos, total))
	}

	b.proc.Trigger(ctx)
}

// downloadDocument fetches the file from Telegram and stores it under
// the uploads directory, named by user and timestamp so concurrent
// uploads never collide.
func (b *Bot) downloadDocument(msg *tgbotapi.Message) (string, error) {
	file, err := b.api.GetFile(tgbotapi.FileConfig{FileID: msg.Document.FileID})
	if err != nil {
		return "", fmt.Errorf("get file: %w", err)
	}

	resp, err := http.Get(file.Link(b.api.Token))
	if err != nil {
		return "", fmt.Errorf("fetch file: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("fetch file: unexpected status %s", resp.Status)
	}

	if err := os.MkdirAll(b.cfg.UploadsDir, 0o755); err != nil {
		return "", err
	}
	name := fmt.Sprintf("%d_%s_%s", msg.From.ID, time.Now().UTC().Format("20060102150405"), sanitizeFileName(msg.Document.FileName))
	path := filepath.Join(b.cfg.UploadsDir, name)

	out, err := os.Create(path)
	if err != nil {
		return "", err
	}
	defer out.Close()
	if _, err := io.Copy(out, resp.Body); err != nil {
		os.Remove(path)
		return "", fmt.Errorf("write file: %w", err)
	}
	log.Printf("[BOT] Saved document to %s", path)
	return path, nil
}

// sanitizeFileName strips path separators and control characters from
// a client-supplied file name.
func sanitizeFileName(name string) string {
	name = filepath.Base(name)
	return strings.Map(func(r rune) rune {
		if r < 32 || r == '/' || r == '\\' {
			return '_'
		}
		return r
	}, name)
}

func (b *Bot) requireAdmin(msg *tgbotapi.Message) bool {
	if b.cfg.IsAdmin(msg.From.ID) {
		return true
	}
	b.reply(msg, "This command is restricted to administrators.")
	return false
}

func (b *Bot) reply(msg *tgbotapi.Message, text string) {
	out := tgbotapi.NewMessage(msg.Chat.ID, text)
	out.ReplyToMessageID = msg.MessageID
	if _, err := b.api.Send(out); err != nil {
		log.Printf("[BOT] Reply to %d failed: %v", msg.Chat.ID, err)
	}
}
