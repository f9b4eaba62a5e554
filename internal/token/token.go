package token

import (
	"encoding/json"
	"fmt"
)

// Token is the unit of schedulable state exchanged with the execution tier.
// Data carries an opaque payload envelope; the engine only ever constructs
// and consumes it through Wrap/Unwrap.
type Token struct {
	Name           string  `json:"name"`
	Data           []byte  `json:"data"`
	Owner          string  `json:"owner,omitempty"`
	ExpirationTime int64   `json:"expiration_time,omitempty"`
	Priority       float64 `json:"priority,omitempty"`
}

// Payload kinds carried inside the envelope.
const (
	KindJob       = "job"
	KindCondition = "condition"
	KindSchedule  = "schedule"
	KindEvent     = "event"
)

const envelopeVersion = 1

type envelope struct {
	Version int             `json:"v"`
	Kind    string          `json:"kind"`
	Data    json.RawMessage `json:"data"`
}

// Wrap serializes v into a versioned payload envelope of the given kind.
func Wrap(kind string, v any) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("token: marshal %s payload: %w", kind, err)
	}
	return json.Marshal(envelope{Version: envelopeVersion, Kind: kind, Data: data})
}

// Unwrap decodes a payload envelope into v, checking the expected kind.
func Unwrap(payload []byte, kind string, v any) error {
	var e envelope
	if err := json.Unmarshal(payload, &e); err != nil {
		return fmt.Errorf("token: decode envelope: %w", err)
	}
	if e.Version != envelopeVersion {
		return fmt.Errorf("token: unsupported payload version %d", e.Version)
	}
	if e.Kind != kind {
		return fmt.Errorf("token: payload kind %q, want %q", e.Kind, kind)
	}
	return json.Unmarshal(e.Data, v)
}

// Kind reports the kind tag of a payload envelope without decoding its data.
func Kind(payload []byte) (string, error) {
	var e envelope
	if err := json.Unmarshal(payload, &e); err != nil {
		return "", fmt.Errorf("token: decode envelope: %w", err)
	}
	return e.Kind, nil
}
