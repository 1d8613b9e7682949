// Package event defines the movement event record: the unit of truth that is
// hashed, persisted, and anchored.
package event

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/gatelog/gatelog/pkg/canonicalize"
)

// MovementType is the direction of a vehicle movement through a gate.
type MovementType string

const (
	Entry MovementType = "ENTRY"
	Exit  MovementType = "EXIT"
)

// Valid reports whether m is one of the two known movement types.
func (m MovementType) Valid() bool {
	return m == Entry || m == Exit
}

// Record is a persisted movement event. Records are immutable once stored.
type Record struct {
	ID           string       `json:"id"`
	VehiclePlate string       `json:"vehiclePlate"`
	MovementType MovementType `json:"movementType"`
	Location     string       `json:"location"`
	Timestamp    time.Time    `json:"timestamp"`
	Digest       string       `json:"digest"`
}

// Submission is caller input for a new event. Timestamp is optional.
type Submission struct {
	VehiclePlate string     `json:"vehiclePlate"`
	MovementType string     `json:"movementType"`
	Location     string     `json:"location"`
	Timestamp    *time.Time `json:"timestamp,omitempty"`
}

// UnmarshalJSON decodes a submission from the wire. A timestamp that is not
// an RFC 3339 string is dropped so that New falls back to the current time.
func (s *Submission) UnmarshalJSON(data []byte) error {
	var wire struct {
		VehiclePlate string          `json:"vehiclePlate"`
		MovementType string          `json:"movementType"`
		Location     string          `json:"location"`
		Timestamp    json.RawMessage `json:"timestamp"`
	}
	if err := json.Unmarshal(data, &wire); err != nil {
		return err
	}
	*s = Submission{
		VehiclePlate: wire.VehiclePlate,
		MovementType: wire.MovementType,
		Location:     wire.Location,
		Timestamp:    parseTimestamp(wire.Timestamp),
	}
	return nil
}

func parseTimestamp(raw json.RawMessage) *time.Time {
	var text string
	if len(raw) == 0 || json.Unmarshal(raw, &text) != nil {
		return nil
	}
	ts, err := time.Parse(time.RFC3339Nano, strings.TrimSpace(text))
	if err != nil {
		return nil
	}
	return &ts
}

// ValidationError reports caller input that cannot become a Record.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Reason
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Reason)
}

// Validate checks the required fields of a submission. Plates and
// locations must be valid UTF-8, and a caller timestamp must fall within
// years 0000-9999 once converted to UTC.
func Validate(s Submission) error {
	if strings.TrimSpace(s.VehiclePlate) == "" {
		return &ValidationError{Field: "vehiclePlate", Reason: "vehicle plate is required"}
	}
	if !utf8.ValidString(s.VehiclePlate) {
		return &ValidationError{Field: "vehiclePlate", Reason: "vehicle plate is not valid UTF-8"}
	}
	if !MovementType(s.MovementType).Valid() {
		return &ValidationError{Field: "movementType", Reason: fmt.Sprintf("invalid movement type %q, want ENTRY or EXIT", s.MovementType)}
	}
	if strings.TrimSpace(s.Location) == "" {
		return &ValidationError{Field: "location", Reason: "location is required"}
	}
	if !utf8.ValidString(s.Location) {
		return &ValidationError{Field: "location", Reason: "location is not valid UTF-8"}
	}
	if s.Timestamp != nil && !s.Timestamp.IsZero() {
		if y := canonicalize.NormalizeTime(*s.Timestamp).Year(); y < 0 || y > 9999 {
			return &ValidationError{Field: "timestamp", Reason: fmt.Sprintf("timestamp year %d in UTC is outside 0000-9999", y)}
		}
	}
	return nil
}

// New builds an unsaved Record from a validated submission. The timestamp is
// taken from the submission when present, otherwise from now, and is
// normalized to UTC millisecond precision so the stored value equals the
// hashed value.
func New(s Submission, now time.Time) Record {
	ts := now
	if s.Timestamp != nil && !s.Timestamp.IsZero() {
		ts = *s.Timestamp
	}
	ts = canonicalize.NormalizeTime(ts)

	r := Record{
		VehiclePlate: s.VehiclePlate,
		MovementType: MovementType(s.MovementType),
		Location:     s.Location,
		Timestamp:    ts,
	}
	r.Digest = r.ComputeDigest()
	return r
}

// ComputeDigest recomputes the content digest from the identity fields.
func (r Record) ComputeDigest() string {
	return canonicalize.EventDigest(r.VehiclePlate, string(r.MovementType), r.Location, r.Timestamp)
}

// Verify reports whether the stored digest matches the identity fields.
func (r Record) Verify() bool {
	return r.Digest == r.ComputeDigest()
}
