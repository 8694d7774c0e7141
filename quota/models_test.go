package quota_test

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/xraph/tollgate/quota"
)

func TestNewUsage(t *testing.T) {
	tests := []struct {
		name      string
		usage     int64
		quota     int64
		remaining int64
		exhausted bool
	}{
		{"fresh", 0, 10, 10, false},
		{"partial", 4, 10, 6, false},
		{"at limit", 10, 10, 0, true},
		{"over limit", 12, 10, 0, true},
		{"no quota", 0, 0, 0, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			u := quota.NewUsage("forms", tt.usage, tt.quota)
			assert.Equal(t, tt.remaining, u.Remaining)
			assert.Equal(t, tt.exhausted, u.Exhausted())
		})
	}
}

func TestValidResource(t *testing.T) {
	for _, ok := range []string{"forms", "api_calls", "Staff2"} {
		assert.True(t, quota.ValidResource(ok), ok)
	}
	for _, bad := range []string{"", "1forms", "api-calls", "a.b", "x y", "$forms"} {
		assert.False(t, quota.ValidResource(bad), bad)
	}
}
