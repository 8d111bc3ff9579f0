package validation

import (
	"strings"
	"unicode"

	"github.com/growingio/tracker-go/internal/errors"
	"github.com/growingio/tracker-go/internal/model"
)

const (
	// MaxEventTypeSize bounds the event-type tag.
	MaxEventTypeSize = 128
	// MaxPayloadSize bounds a single serialized event body.
	MaxPayloadSize = 1024 * 1024 // 1 MB
)

// Validator checks events before they enter the durable store. Producers are
// fire-and-forget, so a failed check drops the event; the caller only logs.
type Validator struct {
	maxEventTypeSize int
	maxPayloadSize   int
}

// NewValidator creates a validator with default limits
func NewValidator() *Validator {
	return &Validator{
		maxEventTypeSize: MaxEventTypeSize,
		maxPayloadSize:   MaxPayloadSize,
	}
}

// NewValidatorWithLimits creates a validator with custom limits
func NewValidatorWithLimits(maxEventTypeSize, maxPayloadSize int) *Validator {
	return &Validator{
		maxEventTypeSize: maxEventTypeSize,
		maxPayloadSize:   maxPayloadSize,
	}
}

// ValidateEvent validates a produced event
func (v *Validator) ValidateEvent(evt *model.Event) error {
	if evt == nil {
		return errors.InvalidEvent("event is nil")
	}
	if err := v.ValidateEventType(evt.Type); err != nil {
		return err
	}
	if !evt.Policy.Valid() {
		return errors.InvalidEvent("unknown send policy")
	}
	return v.ValidatePayload(evt.Payload)
}

// ValidateEventType validates the event-type tag
func (v *Validator) ValidateEventType(eventType string) error {
	if eventType == "" {
		return errors.InvalidEvent("event type cannot be empty")
	}
	if len(eventType) > v.maxEventTypeSize {
		return errors.New(errors.ErrCodeEventTypeTooLarge, "event type exceeds maximum size", nil)
	}
	if strings.Contains(eventType, "\x00") {
		return errors.InvalidEvent("event type cannot contain null bytes")
	}
	for _, r := range eventType {
		if unicode.IsControl(r) {
			return errors.InvalidEvent("event type cannot contain control characters")
		}
	}
	return nil
}

// ValidatePayload validates the serialized event body
func (v *Validator) ValidatePayload(payload []byte) error {
	if len(payload) == 0 {
		return errors.InvalidEvent("payload cannot be empty")
	}
	if len(payload) > v.maxPayloadSize {
		return errors.New(errors.ErrCodePayloadTooLarge, "payload exceeds maximum size", nil)
	}
	return nil
}
