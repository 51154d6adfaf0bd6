// Package payload defines the versioned envelope wrapped around every
// record data blob stored in the outbox and the syncable entity tables.
//
// The blob stays opaque bytes at the storage layer; producers wrap their
// table-specific fields in an Envelope so the wire format can evolve
// without guessing what an old blob means. Unknown versions and malformed
// envelopes are validation errors and are never retried.
package payload

import (
	"encoding/json"
	"fmt"

	"github.com/Sykios/JobManager-sub002/internal/syncerr"
)

// Version is the envelope version written by this build.
const Version = 1

// Envelope wraps the table-specific fields of a record snapshot.
type Envelope struct {
	Version int             `json:"v"`
	Fields  json.RawMessage `json:"fields"`
}

// Wrap serializes fields into a current-version envelope.
func Wrap(fields any) ([]byte, error) {
	raw, err := json.Marshal(fields)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal fields: %w", err)
	}
	data, err := json.Marshal(Envelope{Version: Version, Fields: raw})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal envelope: %w", err)
	}
	return data, nil
}

// Open parses and validates an envelope. It returns a validation error
// (syncerr.KindValidation) for malformed JSON, a missing fields object,
// or a version this build does not understand.
func Open(data []byte) (*Envelope, error) {
	if len(data) == 0 {
		return nil, syncerr.Validation("open payload", fmt.Errorf("empty payload"))
	}

	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, syncerr.Validation("open payload", fmt.Errorf("malformed envelope: %w", err))
	}
	if env.Version != Version {
		return nil, syncerr.Validation("open payload", fmt.Errorf("unsupported payload version %d", env.Version))
	}
	if len(env.Fields) == 0 {
		return nil, syncerr.Validation("open payload", fmt.Errorf("envelope has no fields"))
	}
	return &env, nil
}

// Decode unmarshals the envelope fields into out.
func (e *Envelope) Decode(out any) error {
	if err := json.Unmarshal(e.Fields, out); err != nil {
		return syncerr.Validation("decode payload", err)
	}
	return nil
}
