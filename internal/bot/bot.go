// Package bot delivers feed entries to a Telegram chat.
package bot

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"
	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"rssbot/internal/model"
)

const (
	httpTimeout = 15 * time.Second
	// The HTTP client gives up before an attempt does, so an attempt rarely
	// has to abandon a call that is still on the wire.
	defaultSendTimeout = httpTimeout + 5*time.Second
	maxRetryAfter      = 30 * time.Second
)

var (
	// ErrPermanentDelivery is returned when Telegram rejects a message for a
	// reason that retrying cannot fix.
	ErrPermanentDelivery = errors.New("permanent delivery error")
	// ErrTransientDelivery is returned when every retry failed transiently.
	ErrTransientDelivery = errors.New("transient delivery error")
)

type telegramAPI interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
}

// RetryPolicy bounds the exponential backoff used between attempts.
type RetryPolicy struct {
	MaxRetries      uint64
	InitialInterval time.Duration
	MaxInterval     time.Duration
}

// DefaultRetryPolicy allows three retries starting at half a second.
var DefaultRetryPolicy = RetryPolicy{
	MaxRetries:      3,
	InitialInterval: 500 * time.Millisecond,
	MaxInterval:     10 * time.Second,
}

// Bot sends entries to a single chat. Deliver must not be called
// concurrently.
type Bot struct {
	api     telegramAPI
	chatID  int64
	timeout time.Duration
	retry   RetryPolicy
	log     *slog.Logger

	// pending carries the result of a call whose attempt timed out. The next
	// call waits for it, so two sends are never on the wire at once.
	pending chan error
}

// New creates a Bot for the given token and chat. The token is checked
// against the Telegram API, so an invalid credential fails here.
func New(token string, chatID int64, log *slog.Logger) (*Bot, error) {
	client := &http.Client{Timeout: httpTimeout}
	api, err := tgbotapi.NewBotAPIWithClient(token, tgbotapi.APIEndpoint, client)
	if err != nil {
		return nil, fmt.Errorf("create bot api: %w", err)
	}
	log.Info("telegram bot authorized", "username", api.Self.UserName, "chat_id", chatID)

	return newWithAPI(api, chatID, log), nil
}

func newWithAPI(api telegramAPI, chatID int64, log *slog.Logger) *Bot {
	return &Bot{
		api:     api,
		chatID:  chatID,
		timeout: defaultSendTimeout,
		retry:   DefaultRetryPolicy,
		log:     log,
	}
}

// SetRetryPolicy overrides the default retry policy.
func (b *Bot) SetRetryPolicy(p RetryPolicy) {
	b.retry = p
}

// Deliver sends entry to the chat. It returns nil only once Telegram has
// accepted the message.
func (b *Bot) Deliver(ctx context.Context, entry model.Entry) error {
	msg := tgbotapi.NewMessage(b.chatID, FormatNotification(entry))
	msg.DisableWebPagePreview = true

	attempt := 0
	op := func() error {
		attempt++
		sendCtx, cancel := context.WithTimeout(ctx, b.timeout)
		defer cancel()

		err := b.send(sendCtx, msg)
		if err == nil {
			return nil
		}
		if !isTransient(err) {
			return backoff.Permanent(fmt.Errorf("%w: %w", ErrPermanentDelivery, err))
		}
		if wait := retryAfter(err); wait > 0 {
			if werr := sleepCtx(ctx, wait); werr != nil {
				return backoff.Permanent(fmt.Errorf("%w: %w", ErrTransientDelivery, err))
			}
		}
		return err
	}

	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = b.retry.InitialInterval
	eb.MaxInterval = b.retry.MaxInterval
	eb.MaxElapsedTime = 0
	eb.Reset()
	policy := backoff.WithContext(backoff.WithMaxRetries(eb, b.retry.MaxRetries), ctx)

	notify := func(err error, next time.Duration) {
		b.log.Warn("delivery attempt failed, retrying",
			"entry_id", entry.ID, "attempt", attempt, "next_in", next, "error", err)
	}

	err := backoff.RetryNotify(op, policy, notify)
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrPermanentDelivery) || errors.Is(err, ErrTransientDelivery) {
		return err
	}
	return fmt.Errorf("%w: gave up after %d attempts: %w", ErrTransientDelivery, attempt, err)
}

// send runs the blocking API call, giving up when ctx ends. The underlying
// HTTP client carries its own timeout, so an abandoned call still finishes;
// until it does, later calls wait instead of sending a second copy.
func (b *Bot) send(ctx context.Context, msg tgbotapi.MessageConfig) error {
	if b.pending != nil {
		select {
		case <-b.pending:
			b.pending = nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	done := make(chan error, 1)
	go func() {
		_, err := b.api.Send(msg)
		done <- err
	}()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		b.pending = done
		return ctx.Err()
	}
}

func isTransient(err error) bool {
	var apiErr *tgbotapi.Error
	if errors.As(err, &apiErr) {
		return apiErr.Code == http.StatusTooManyRequests || apiErr.Code >= 500
	}
	// Anything that is not an API verdict happened on the way there or back.
	return true
}

func retryAfter(err error) time.Duration {
	var apiErr *tgbotapi.Error
	if !errors.As(err, &apiErr) || apiErr.RetryAfter <= 0 {
		return 0
	}
	return min(time.Duration(apiErr.RetryAfter)*time.Second, maxRetryAfter)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
