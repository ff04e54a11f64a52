package models

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDeviceRequirementsCompatibleWith(t *testing.T) {
	tests := []struct {
		name string
		a, b DeviceRequirements
		want bool
	}{
		{
			name: "both empty are compatible",
			want: true,
		},
		{
			name: "wildcard matches concrete platform",
			a:    DeviceRequirements{Platform: "android"},
			b:    DeviceRequirements{},
			want: true,
		},
		{
			name: "different platforms are incompatible",
			a:    DeviceRequirements{Platform: "android"},
			b:    DeviceRequirements{Platform: "ios"},
			want: false,
		},
		{
			name: "overlapping version ranges",
			a:    DeviceRequirements{MinOSVersion: "12", MaxOSVersion: "14"},
			b:    DeviceRequirements{MinOSVersion: "13"},
			want: true,
		},
		{
			name: "disjoint version ranges",
			a:    DeviceRequirements{MaxOSVersion: "12"},
			b:    DeviceRequirements{MinOSVersion: "13"},
			want: false,
		},
		{
			name: "device type mismatch",
			a:    DeviceRequirements{DeviceType: "phone"},
			b:    DeviceRequirements{DeviceType: "tablet"},
			want: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.a.CompatibleWith(tt.b))
			assert.Equal(t, tt.want, tt.b.CompatibleWith(tt.a), "compatibility must be symmetric")
		})
	}
}

func TestDeviceRequirementsIntersect(t *testing.T) {
	a := DeviceRequirements{Platform: "android", MinOSVersion: "12"}
	b := DeviceRequirements{DeviceType: "phone", MaxOSVersion: "14"}

	got := a.Intersect(b)
	assert.Equal(t, "android", got.Platform)
	assert.Equal(t, "phone", got.DeviceType)
	assert.Equal(t, "12", got.MinOSVersion)
	assert.Equal(t, "14", got.MaxOSVersion)
}

func TestDeviceRequirementsSatisfiedBy(t *testing.T) {
	caps := AgentCapabilities{
		Target:     TargetEmulator,
		Platform:   "android",
		DeviceType: "phone",
		OSVersion:  "13.1",
	}

	t.Run("matching requirement", func(t *testing.T) {
		req := DeviceRequirements{Platform: "android", MinOSVersion: "13", MaxOSVersion: "14"}
		assert.True(t, req.SatisfiedBy(caps, TargetEmulator))
	})

	t.Run("wrong target", func(t *testing.T) {
		req := DeviceRequirements{Platform: "android"}
		assert.False(t, req.SatisfiedBy(caps, TargetDevice))
	})

	t.Run("os version below minimum", func(t *testing.T) {
		req := DeviceRequirements{MinOSVersion: "14"}
		assert.False(t, req.SatisfiedBy(caps, TargetEmulator))
	})

	t.Run("browserstack matches trivially", func(t *testing.T) {
		bsCaps := AgentCapabilities{Target: TargetBrowserStack}
		req := DeviceRequirements{Platform: "ios", DeviceType: "tablet", MinOSVersion: "99"}
		assert.True(t, req.SatisfiedBy(bsCaps, TargetBrowserStack))
	})
}

func TestVersionLess(t *testing.T) {
	assert.True(t, versionLess("12", "13"))
	assert.True(t, versionLess("13", "13.1"))
	assert.True(t, versionLess("13.0.2", "13.1"))
	assert.False(t, versionLess("13.1", "13.1"))
	assert.False(t, versionLess("14", "13.9"))
}
