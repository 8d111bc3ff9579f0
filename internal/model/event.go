package model

import "fmt"

// SendPolicy controls when an event becomes eligible for delivery.
type SendPolicy int

const (
	// PolicyInstant events are delivered as soon as possible, on any network.
	PolicyInstant SendPolicy = iota
	// PolicyMobileData events are delivered in batches on cellular or WiFi,
	// subject to the daily cellular quota.
	PolicyMobileData
	// PolicyWiFi events are delivered in batches only while on WiFi.
	PolicyWiFi
)

// String returns the policy name used in logs and metric labels.
func (p SendPolicy) String() string {
	switch p {
	case PolicyInstant:
		return "instant"
	case PolicyMobileData:
		return "mobile_data"
	case PolicyWiFi:
		return "wifi"
	default:
		return fmt.Sprintf("policy(%d)", int(p))
	}
}

// Valid reports whether p is one of the known policies.
func (p SendPolicy) Valid() bool {
	return p >= PolicyInstant && p <= PolicyWiFi
}

// NetworkType describes the current connectivity as seen by the host
// application. The dispatch engine uses it to decide which policy tiers are
// eligible in a delivery pass.
type NetworkType int

const (
	// NetworkUnknown means the host registered no connectivity source. Only
	// instant events are delivered in this mode.
	NetworkUnknown NetworkType = iota
	// NetworkNone means no connectivity; delivery passes are skipped.
	NetworkNone
	// NetworkCellular is a metered connection.
	NetworkCellular
	// NetworkWiFi is an unmetered connection.
	NetworkWiFi
)

// String returns the network type name used in logs and metric labels.
func (n NetworkType) String() string {
	switch n {
	case NetworkNone:
		return "none"
	case NetworkCellular:
		return "cellular"
	case NetworkWiFi:
		return "wifi"
	default:
		return "unknown"
	}
}

// Event is the unit handed to the pipeline by producers. The payload is an
// opaque serialized event body; the pipeline never inspects it beyond
// checking that it is well-formed JSON.
type Event struct {
	// Type is the event-type tag, e.g. "PAGE", "VIEW_CLICK", "CUSTOM".
	Type string
	// Policy decides the delivery tier.
	Policy SendPolicy
	// Payload is the serialized event body.
	Payload []byte
	// Timestamp is the creation time in milliseconds since the epoch. Zero
	// means "now" and is filled in by the store on insert.
	Timestamp int64
}

// StoredEvent is an event row read back from the durable store. ID is the
// autoincrement row id and doubles as the delivery cursor.
type StoredEvent struct {
	ID       int64
	Created  int64
	Modified int64
	Data     []byte
	Type     string
	Policy   SendPolicy
}
