package events

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Event types published by the booking and superuser services.
const (
	BookingCreated      = "booking.created"
	BookingTransitioned = "booking.transitioned"
	SuperuserRequested  = "superuser.requested"
	SuperuserDecided    = "superuser.decided"
	SuperuserRevoked    = "superuser.revoked"
)

// Event represents a lightweight domain event.
type Event struct {
	ID        string
	Type      string
	Payload   []byte
	CreatedAt time.Time
}

// BookingPayload describes a booking change.
type BookingPayload struct {
	BookingID  string   `json:"booking_id"`
	FacilityID string   `json:"facility_id"`
	UserID     string   `json:"user_id"`
	Date       string   `json:"date"`
	SlotIDs    []string `json:"slot_ids"`
	From       string   `json:"from,omitempty"`
	To         string   `json:"to"`
	Action     string   `json:"action,omitempty"`
	ActorID    string   `json:"actor_id"`
	Comment    string   `json:"comment,omitempty"`
}

// SuperuserPayload describes a superuser request or grant change.
type SuperuserPayload struct {
	RequestID  string `json:"request_id,omitempty"`
	UserID     string `json:"user_id"`
	FacilityID string `json:"facility_id"`
	Status     string `json:"status"`
	ActorID    string `json:"actor_id"`
	Note       string `json:"note,omitempty"`
}

// New builds an event with a JSON payload.
func New(eventType string, payload any) (Event, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return Event{}, err
	}
	return Event{
		ID:        uuid.NewString(),
		Type:      eventType,
		Payload:   data,
		CreatedAt: time.Now(),
	}, nil
}

// Decode unmarshals the payload into v.
func (e Event) Decode(v any) error {
	return json.Unmarshal(e.Payload, v)
}

// EventHandler reacts to an event.
type EventHandler func(event Event) error

// EventBus provides in-process pub/sub for events.
type EventBus struct {
	subscribers map[string][]EventHandler
	mu          sync.RWMutex
	logger      zerolog.Logger
}

// NewEventBus constructs an empty bus.
func NewEventBus(logger *zerolog.Logger) *EventBus {
	return &EventBus{
		subscribers: make(map[string][]EventHandler),
		logger:      logger.With().Str("component", "events").Logger(),
	}
}

// Subscribe registers a handler for a given event type.
func (b *EventBus) Subscribe(eventType string, handler EventHandler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subscribers[eventType] = append(b.subscribers[eventType], handler)
}

// Publish notifies subscribers of the event type. Handler errors are logged
// and never reach the publisher.
func (b *EventBus) Publish(event Event) {
	b.mu.RLock()
	handlers := append([]EventHandler(nil), b.subscribers[event.Type]...)
	b.mu.RUnlock()

	if event.CreatedAt.IsZero() {
		event.CreatedAt = time.Now()
	}

	for _, handler := range handlers {
		if err := handler(event); err != nil {
			b.logger.Warn().Err(err).Str("event_type", event.Type).Str("event_id", event.ID).Msg("Event handler failed")
		}
	}
}

// Emit builds and publishes an event, logging payload encoding failures.
func (b *EventBus) Emit(eventType string, payload any) {
	if b == nil {
		return
	}
	ev, err := New(eventType, payload)
	if err != nil {
		b.logger.Error().Err(err).Str("event_type", eventType).Msg("Failed to encode event")
		return
	}
	b.Publish(ev)
}
