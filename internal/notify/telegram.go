// Package notify delivers bot output to Telegram users. Send failures
// for individual recipients (blocked bot, deleted chat) are logged and
// swallowed so one unreachable user never stalls a batch.
package notify

import (
	"fmt"
	"log"
	"strings"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
)

const telegramMessageLimit = 4096

// Telegram sends messages and documents through the Bot API.
type Telegram struct {
	bot *tgbotapi.BotAPI
}

func NewTelegram(bot *tgbotapi.BotAPI) *Telegram {
	return &Telegram{bot: bot}
}

// SendMessage delivers a plain-text message, truncated to the API's
// message size limit.
func (t *Telegram) SendMessage(chatID int64, text string) error {
	msg := tgbotapi.NewMessage(chatID, truncate(text))
	if _, err := t.bot.Send(msg); err != nil {
		if isRecipientGone(err) {
			log.Printf("[NOTIFY] Recipient %d unreachable, dropping message: %v", chatID, err)
			return nil
		}
		return fmt.Errorf("send message to %d: %w", chatID, err)
	}
	return nil
}

// SendFile delivers a local file as a document with a caption.
func (t *Telegram) SendFile(chatID int64, path, caption string) error {
	doc := tgbotapi.NewDocument(chatID, tgbotapi.FilePath(path))
	doc.Caption = truncate(caption)
	if _, err := t.bot.Send(doc); err != nil {
		if isRecipientGone(err) {
			log.Printf("[NOTIFY] Recipient %d unreachable, dropping file %s: %v", chatID, path, err)
			return nil
		}
		return fmt.Errorf("send file to %d: %w", chatID, err)
	}
	return nil
}

// SendStatus delivers a transient status message and returns its
// message ID so the caller can delete it once the status no longer
// applies.
func (t *Telegram) SendStatus(chatID int64, text string) (int, error) {
	msg := tgbotapi.NewMessage(chatID, truncate(text))
	sent, err := t.bot.Send(msg)
	if err != nil {
		if isRecipientGone(err) {
			log.Printf("[NOTIFY] Recipient %d unreachable, dropping status: %v", chatID, err)
			return 0, nil
		}
		return 0, fmt.Errorf("send status to %d: %w", chatID, err)
	}
	return sent.MessageID, nil
}

// DeleteMessage removes a previously sent message. Failures are
// logged, not returned: a leftover status message is cosmetic.
func (t *Telegram) DeleteMessage(chatID int64, messageID int) {
	if messageID == 0 {
		return
	}
	if _, err := t.bot.Request(tgbotapi.NewDeleteMessage(chatID, messageID)); err != nil {
		log.Printf("[NOTIFY] Could not delete message %d in chat %d: %v", messageID, chatID, err)
	}
}

func truncate(text string) string {
	if len(text) <= telegramMessageLimit {
		return text
	}
	return text[:telegramMessageLimit-3] + "..."
}

// isRecipientGone matches the Bot API errors that mean the chat can
// never be reached again, as opposed to transient delivery failures.
func isRecipientGone(err error) bool {
	s := strings.ToLower(err.Error())
	return strings.Contains(s, "bot was blocked") ||
		strings.Contains(s, "chat not found") ||
		strings.Contains(s, "user is deactivated")
}
