package state

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestPrinterErrorClassification(t *testing.T) {
	tests := []struct {
		name string
		code *int
		want ErrorKind
	}{
		{"absent", nil, ErrorNone},
		{"zero", intp(0), ErrorNone},
		{"filament runout ams slot 1", intp(117473297), ErrorFilamentRunOut},
		{"filament runout ams slot 2", intp(117539089), ErrorFilamentRunOut},
		{"filament runout ams slot 3", intp(117604881), ErrorFilamentRunOut},
		{"filament runout ams slot 4", intp(117670673), ErrorFilamentRunOut},
		{"filament runout external", intp(134184977), ErrorFilamentRunOut},
		{"informational 83918896", intp(83918896), ErrorNone},
		{"informational 50364434", intp(50364434), ErrorNone},
		{"informational 83935249", intp(83935249), ErrorNone},
		{"informational 134184967", intp(134184967), ErrorNone},
		{"anything else", intp(12345), ErrorUnknown},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			c := NewCache()
			if tc.code != nil {
				c.OnUpdate(map[string]any{"print_error": float64(*tc.code)})
			}
			assert.Equal(t, tc.want, c.PrinterError())
		})
	}
}

func intp(v int) *int { return &v }
