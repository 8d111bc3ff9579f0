package validation

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/growingio/tracker-go/internal/errors"
	"github.com/growingio/tracker-go/internal/model"
)

func validEvent() *model.Event {
	return &model.Event{
		Type:      "CUSTOM",
		Policy:    model.PolicyMobileData,
		Payload:   []byte(`{"eventType":"CUSTOM"}`),
		Timestamp: time.Now().UnixMilli(),
	}
}

func TestValidateEvent(t *testing.T) {
	v := NewValidator()

	tests := []struct {
		name     string
		mutate   func(*model.Event)
		wantCode errors.ErrorCode
	}{
		{"valid", func(e *model.Event) {}, errors.ErrCodeOK},
		{"empty type", func(e *model.Event) { e.Type = "" }, errors.ErrCodeInvalidEvent},
		{"type too long", func(e *model.Event) { e.Type = strings.Repeat("a", MaxEventTypeSize+1) }, errors.ErrCodeEventTypeTooLarge},
		{"type with null byte", func(e *model.Event) { e.Type = "VIS\x00IT" }, errors.ErrCodeInvalidEvent},
		{"type with control char", func(e *model.Event) { e.Type = "VIS\tIT" }, errors.ErrCodeInvalidEvent},
		{"invalid policy", func(e *model.Event) { e.Policy = model.SendPolicy(99) }, errors.ErrCodeInvalidEvent},
		{"empty payload", func(e *model.Event) { e.Payload = nil }, errors.ErrCodeInvalidEvent},
		{"payload too large", func(e *model.Event) { e.Payload = make([]byte, MaxPayloadSize+1) }, errors.ErrCodePayloadTooLarge},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			evt := validEvent()
			tt.mutate(evt)
			err := v.ValidateEvent(evt)
			if tt.wantCode == errors.ErrCodeOK {
				require.NoError(t, err)
				return
			}
			require.Error(t, err)
			require.Equal(t, tt.wantCode, errors.CodeOf(err))
		})
	}
}

func TestValidateNilEvent(t *testing.T) {
	err := NewValidator().ValidateEvent(nil)
	require.Error(t, err)
	require.Equal(t, errors.ErrCodeInvalidEvent, errors.CodeOf(err))
}

func TestValidateEventTypeBoundary(t *testing.T) {
	v := NewValidator()
	require.NoError(t, v.ValidateEventType(strings.Repeat("a", MaxEventTypeSize)))
	require.Error(t, v.ValidateEventType(strings.Repeat("a", MaxEventTypeSize+1)))
}

func TestCustomLimits(t *testing.T) {
	v := NewValidatorWithLimits(4, 8)
	require.NoError(t, v.ValidateEventType("PAGE"))
	require.Error(t, v.ValidateEventType("CUSTOM"))
	require.NoError(t, v.ValidatePayload([]byte(`{"a":1}`)))
	require.Error(t, v.ValidatePayload([]byte(`{"abc":1}`)))
}
