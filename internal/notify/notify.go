// Package notify tells users about decisions on their bookings and superuser
// requests, and delivers reports to supervisors.
package notify

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"labbook/internal/events"
)

// Sender delivers messages to a chat.
type Sender interface {
	SendText(ctx context.Context, chatID int64, text string) error
	SendDocument(ctx context.Context, chatID int64, filename string, data []byte, caption string) error
}

// RetryConfig holds configuration for retry logic.
type RetryConfig struct {
	MaxRetries  int
	RetryDelays []time.Duration
}

// DefaultRetryConfig returns the default retry configuration.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries: 3,
		RetryDelays: []time.Duration{
			1 * time.Second,
			5 * time.Second,
			30 * time.Second,
		},
	}
}

type message struct {
	userID   string
	chatID   int64
	text     string
	filename string
	document []byte
}

// Notifier routes domain events to users through a Sender. Messages are
// queued and delivered by Run; a full queue drops the message.
type Notifier struct {
	sender      Sender
	chatIDs     map[string]int64
	supervisors []string
	limiter     *rate.Limiter
	retry       RetryConfig
	queue       chan message
	logger      zerolog.Logger
}

// Option configures a Notifier.
type Option func(*Notifier)

// WithRetry overrides the retry schedule.
func WithRetry(cfg RetryConfig) Option {
	return func(n *Notifier) { n.retry = cfg }
}

// WithRateLimit bounds outgoing messages per second.
func WithRateLimit(perSecond float64, burst int) Option {
	return func(n *Notifier) { n.limiter = rate.NewLimiter(rate.Limit(perSecond), burst) }
}

// NewNotifier creates a notifier. chatIDs maps user ids to chats; users
// without a mapping are only logged.
func NewNotifier(sender Sender, chatIDs map[string]int64, supervisors []string, logger *zerolog.Logger, opts ...Option) *Notifier {
	n := &Notifier{
		sender:      sender,
		chatIDs:     chatIDs,
		supervisors: supervisors,
		limiter:     rate.NewLimiter(rate.Limit(20), 30),
		retry:       DefaultRetryConfig(),
		queue:       make(chan message, 256),
		logger:      logger.With().Str("component", "notify").Logger(),
	}
	for _, opt := range opts {
		opt(n)
	}
	return n
}

// Run delivers queued messages until ctx is done.
func (n *Notifier) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case m := <-n.queue:
			if err := n.deliver(ctx, m); err != nil {
				n.logger.Error().Err(err).Str("user_id", m.userID).Int64("chat_id", m.chatID).Msg("notification not delivered")
			}
		}
	}
}

// NotifyUser queues text for userID.
func (n *Notifier) NotifyUser(userID, text string) {
	chatID, ok := n.chatIDs[userID]
	if !ok {
		n.logger.Info().Str("user_id", userID).Str("text", text).Msg("no chat for user, notification logged only")
		return
	}
	n.enqueue(message{userID: userID, chatID: chatID, text: text})
}

// NotifySupervisors queues text for every supervisor with a chat.
func (n *Notifier) NotifySupervisors(text string) {
	for _, id := range n.supervisors {
		n.NotifyUser(id, text)
	}
}

// SendDocument queues a document for every supervisor with a chat.
func (n *Notifier) SendDocument(_ context.Context, filename string, data io.Reader, caption string) error {
	buf, err := io.ReadAll(data)
	if err != nil {
		return fmt.Errorf("read document: %w", err)
	}
	sent := 0
	for _, id := range n.supervisors {
		chatID, ok := n.chatIDs[id]
		if !ok {
			continue
		}
		n.enqueue(message{userID: id, chatID: chatID, text: caption, filename: filename, document: bytes.Clone(buf)})
		sent++
	}
	if sent == 0 {
		n.logger.Warn().Str("filename", filename).Msg("no supervisor chat configured, document not sent")
	}
	return nil
}

func (n *Notifier) enqueue(m message) {
	select {
	case n.queue <- m:
	default:
		n.logger.Warn().Str("user_id", m.userID).Msg("notification queue full, dropping message")
	}
}

func (n *Notifier) deliver(ctx context.Context, m message) error {
	var lastErr error
	for attempt := 0; attempt <= n.retry.MaxRetries; attempt++ {
		if err := n.limiter.Wait(ctx); err != nil {
			return fmt.Errorf("rate limiter: %w", err)
		}

		var err error
		if m.document != nil {
			err = n.sender.SendDocument(ctx, m.chatID, m.filename, m.document, m.text)
		} else {
			err = n.sender.SendText(ctx, m.chatID, m.text)
		}
		if err == nil {
			return nil
		}
		lastErr = err

		wait, retry := n.backoff(err, attempt)
		if !retry || attempt == n.retry.MaxRetries {
			break
		}
		n.logger.Info().Err(err).Int("attempt", attempt+1).Dur("delay", wait).Msg("retrying notification")
		select {
		case <-time.After(wait):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return lastErr
}

func (n *Notifier) backoff(err error, attempt int) (time.Duration, bool) {
	var wait time.Duration
	if attempt < len(n.retry.RetryDelays) {
		wait = n.retry.RetryDelays[attempt]
	}
	if sendErr, ok := IsSendError(err); ok {
		switch sendErr.Code {
		case 429:
			if sendErr.RetryAfter > 0 {
				wait = time.Duration(sendErr.RetryAfter) * time.Second
			}
			return wait, true
		case 400, 403:
			return 0, false
		}
	}
	return wait, true
}

// Subscribe turns domain events into user notifications.
func (n *Notifier) Subscribe(bus *events.EventBus) {
	bus.Subscribe(events.BookingCreated, func(e events.Event) error {
		var p events.BookingPayload
		if err := e.Decode(&p); err != nil {
			return err
		}
		n.NotifySupervisors(fmt.Sprintf("New booking request for %s on %s (%d slot(s)).", p.FacilityID, p.Date, len(p.SlotIDs)))
		return nil
	})
	bus.Subscribe(events.BookingTransitioned, func(e events.Event) error {
		var p events.BookingPayload
		if err := e.Decode(&p); err != nil {
			return err
		}
		if p.ActorID == p.UserID {
			return nil
		}
		text := fmt.Sprintf("Your booking of %s on %s is now %s.", p.FacilityID, p.Date, p.To)
		if p.Comment != "" {
			text += " Comment: " + p.Comment
		}
		n.NotifyUser(p.UserID, text)
		return nil
	})
	bus.Subscribe(events.SuperuserRequested, func(e events.Event) error {
		var p events.SuperuserPayload
		if err := e.Decode(&p); err != nil {
			return err
		}
		n.NotifySupervisors(fmt.Sprintf("User %s asks to administer %s.", p.UserID, p.FacilityID))
		return nil
	})
	bus.Subscribe(events.SuperuserDecided, func(e events.Event) error {
		var p events.SuperuserPayload
		if err := e.Decode(&p); err != nil {
			return err
		}
		text := fmt.Sprintf("Your request to administer %s was %s.", p.FacilityID, p.Status)
		if p.Note != "" {
			text += " Note: " + p.Note
		}
		n.NotifyUser(p.UserID, text)
		return nil
	})
	bus.Subscribe(events.SuperuserRevoked, func(e events.Event) error {
		var p events.SuperuserPayload
		if err := e.Decode(&p); err != nil {
			return err
		}
		n.NotifyUser(p.UserID, fmt.Sprintf("Your administration rights for %s were revoked.", p.FacilityID))
		return nil
	})
}
