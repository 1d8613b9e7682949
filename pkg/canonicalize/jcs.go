// Package canonicalize provides RFC 8785 (JSON Canonicalization Scheme)
// serialization and SHA-256 digests for movement events.
package canonicalize

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/gowebpki/jcs"
	"golang.org/x/text/unicode/norm"
)

// TimestampLayout is the ISO-8601 form used in canonical events: UTC with
// millisecond precision.
const TimestampLayout = "2006-01-02T15:04:05.000Z"

// JCS returns the RFC 8785 canonical JSON representation of v.
//
// v is marshaled with encoding/json first so struct tags apply, then
// transformed: object keys sorted, no insignificant whitespace, strings and
// numbers in their canonical forms, no HTML escaping.
func JCS(v any) ([]byte, error) {
	intermediate, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("jcs: pre-marshal failed: %w", err)
	}
	out, err := jcs.Transform(intermediate)
	if err != nil {
		return nil, fmt.Errorf("jcs: transform failed: %w", err)
	}
	return out, nil
}

// CanonicalHash returns the SHA-256 hex digest of the canonical JSON of v.
func CanonicalHash(v any) (string, error) {
	b, err := JCS(v)
	if err != nil {
		return "", err
	}
	return HashBytes(b), nil
}

// HashBytes computes the SHA-256 of data as lowercase hex.
func HashBytes(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// canonicalEvent fixes the identity fields of an event. Key order in the
// output is decided by JCS, not by field order here:
// location, movementType, timestamp, vehiclePlate.
type canonicalEvent struct {
	VehiclePlate string `json:"vehiclePlate"`
	MovementType string `json:"movementType"`
	Location     string `json:"location"`
	Timestamp    string `json:"timestamp"`
}

// NormalizeTime converts t to UTC truncated to milliseconds, the precision
// carried by the canonical form.
func NormalizeTime(t time.Time) time.Time {
	return t.UTC().Truncate(time.Millisecond)
}

// FormatTimestamp renders t in TimestampLayout.
func FormatTimestamp(t time.Time) string {
	return NormalizeTime(t).Format(TimestampLayout)
}

// EventBytes returns the canonical byte form of an event's identity fields.
// String values are NFC-normalized so visually identical plates and locations
// entered with different Unicode compositions hash the same.
func EventBytes(vehiclePlate, movementType, location string, timestamp time.Time) []byte {
	b, err := JCS(canonicalEvent{
		VehiclePlate: norm.NFC.String(vehiclePlate),
		MovementType: movementType,
		Location:     norm.NFC.String(location),
		Timestamp:    FormatTimestamp(timestamp),
	})
	if err != nil {
		// A struct of strings always marshals. Invalid UTF-8 would be replaced
		// with U+FFFD here, so event.Validate rejects it first.
		panic(fmt.Sprintf("canonicalize: event encoding failed: %v", err))
	}
	return b
}

// EventDigest returns the lowercase hex SHA-256 of EventBytes.
func EventDigest(vehiclePlate, movementType, location string, timestamp time.Time) string {
	return HashBytes(EventBytes(vehiclePlate, movementType, location, timestamp))
}
