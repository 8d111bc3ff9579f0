package tracker

import (
	"context"

	"github.com/growingio/tracker-go/internal/dispatch"
	"github.com/growingio/tracker-go/internal/model"
	"github.com/growingio/tracker-go/internal/transport"
)

// SendPolicy controls when an event becomes eligible for delivery.
type SendPolicy int

const (
	// SendPolicyInstant events are delivered as soon as possible, on any
	// network, and are never gated by the cellular quota.
	SendPolicyInstant SendPolicy = SendPolicy(model.PolicyInstant)
	// SendPolicyMobileData events are batched and delivered on cellular or
	// WiFi, subject to the daily cellular quota.
	SendPolicyMobileData SendPolicy = SendPolicy(model.PolicyMobileData)
	// SendPolicyWiFi events are batched and delivered only on WiFi.
	SendPolicyWiFi SendPolicy = SendPolicy(model.PolicyWiFi)
)

// NetworkType describes current connectivity as reported by the host
// application.
type NetworkType int

const (
	NetworkUnknown  NetworkType = NetworkType(model.NetworkUnknown)
	NetworkNone     NetworkType = NetworkType(model.NetworkNone)
	NetworkCellular NetworkType = NetworkType(model.NetworkCellular)
	NetworkWiFi     NetworkType = NetworkType(model.NetworkWiFi)
)

// Event is the unit producers hand to the pipeline. Payload must be a
// serialized JSON event body; the pipeline treats it as opaque beyond that.
type Event struct {
	Type      string
	Policy    SendPolicy
	Payload   []byte
	Timestamp int64
}

// NetworkDetector reports connectivity to the dispatch engine. The host
// application registers one with WithNetworkDetector; without it the
// pipeline delivers only instant events.
type NetworkDetector interface {
	NetworkType() NetworkType
}

// SendResponse is the outcome of one upload attempt.
type SendResponse struct {
	Code      int
	BytesUsed int64
}

// Sender uploads one serialized batch. Implementations must not return an
// error for ordinary HTTP error statuses; those come back as codes. The
// default sender posts to the configured collector URL.
type Sender interface {
	Send(ctx context.Context, payload []byte, mediaType string) (SendResponse, error)
}

// networkAdapter bridges the public detector to the dispatch engine.
type networkAdapter struct {
	d NetworkDetector
}

func (a networkAdapter) NetworkType() model.NetworkType {
	return model.NetworkType(a.d.NetworkType())
}

var _ dispatch.NetworkDetector = networkAdapter{}

// senderAdapter bridges a public Sender to the engine's transport contract.
type senderAdapter struct {
	s Sender
}

func (a senderAdapter) Send(ctx context.Context, payload []byte, mediaType string) (transport.Response, error) {
	resp, err := a.s.Send(ctx, payload, mediaType)
	return transport.Response{Code: resp.Code, BytesUsed: resp.BytesUsed}, err
}

var _ transport.Sender = senderAdapter{}
