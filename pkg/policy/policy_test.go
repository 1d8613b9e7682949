package policy

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gatelog/gatelog/pkg/event"
)

var now = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

func sub(plate, mt, loc string) event.Submission {
	return event.Submission{VehiclePlate: plate, MovementType: mt, Location: loc}
}

func TestAdmit_NoRules(t *testing.T) {
	e, err := New(nil)
	require.NoError(t, err)
	assert.NoError(t, e.Admit(context.Background(), sub("ABC", "ENTRY", "Gate 1"), now))

	var nilEval *Evaluator
	assert.NoError(t, nilEval.Admit(context.Background(), sub("ABC", "ENTRY", "Gate 1"), now))
}

func TestAdmit_Rules(t *testing.T) {
	e, err := New([]Rule{
		{Name: "known-gates", Expr: `event.location.startsWith("Gate ")`, Field: "location", Message: "unknown gate"},
		{Name: "plate-format", Expr: `event.vehiclePlate.matches("^[A-Z]{3}-?[0-9][A-Z0-9][0-9]{2}$")`, Field: "vehiclePlate"},
		{Name: "no-future", Expr: `event.timestamp <= now + duration("5m")`, Field: "timestamp", Message: "timestamp is in the future"},
	})
	require.NoError(t, err)
	assert.Equal(t, 3, e.Len())

	tests := []struct {
		name   string
		sub    event.Submission
		field  string
		reason string
	}{
		{"admitted", sub("ABC-1234", "ENTRY", "Gate 1"), "", ""},
		{"mercosul plate", sub("ABC1D23", "EXIT", "Gate 2"), "", ""},
		{"unknown gate", sub("ABC-1234", "ENTRY", "Dock 4"), "location", "unknown gate"},
		{"bad plate", sub("1234", "ENTRY", "Gate 1"), "vehiclePlate", "rejected by policy plate-format"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := e.Admit(context.Background(), tt.sub, now)
			if tt.field == "" {
				assert.NoError(t, err)
				return
			}
			var verr *event.ValidationError
			require.True(t, errors.As(err, &verr), "expected ValidationError, got %v", err)
			assert.Equal(t, tt.field, verr.Field)
			assert.Equal(t, tt.reason, verr.Reason)
		})
	}

	future := now.Add(time.Hour)
	s := sub("ABC-1234", "ENTRY", "Gate 1")
	s.Timestamp = &future
	err = e.Admit(context.Background(), s, now)
	var verr *event.ValidationError
	require.True(t, errors.As(err, &verr))
	assert.Equal(t, "timestamp", verr.Field)

	backdated := now.Add(-72 * time.Hour)
	s.Timestamp = &backdated
	assert.NoError(t, e.Admit(context.Background(), s, now))
}

func TestNew_RejectsBadRules(t *testing.T) {
	_, err := New([]Rule{{Name: "syntax", Expr: `event.location ==`}})
	assert.ErrorContains(t, err, "compile")

	_, err = New([]Rule{{Name: "not-bool", Expr: `event.location`}})
	assert.ErrorContains(t, err, "bool")

	_, err = New([]Rule{{Name: "empty", Expr: "  "}})
	assert.ErrorContains(t, err, "empty")
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "policy.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`rules:
  - name: exit-only-at-gate-2
    expr: 'event.movementType != "EXIT" || event.location == "Gate 2"'
    field: location
    message: exits are only recorded at Gate 2
`), 0o600))

	e, err := LoadFile(path)
	require.NoError(t, err)
	require.Equal(t, 1, e.Len())

	assert.NoError(t, e.Admit(context.Background(), sub("ABC", "ENTRY", "Gate 1"), now))
	assert.NoError(t, e.Admit(context.Background(), sub("ABC", "EXIT", "Gate 2"), now))
	assert.Error(t, e.Admit(context.Background(), sub("ABC", "EXIT", "Gate 1"), now))

	_, err = LoadFile(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}
