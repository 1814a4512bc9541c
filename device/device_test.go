package device

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestParse(t *testing.T) {
	tests := []struct {
		raw   string
		want  Class
		known bool
	}{
		{"android", Android, true},
		{"ios", IOS, true},
		{"web", Web, true},
		{"mac", Mac, true},
		{"win", Windows, true},
		{"linux", Linux, true},
		{"ANDROID", Android, true},
		{"  iOS  ", IOS, true},
		{"", "", false},
		{"toaster", "", false},
	}

	for _, tt := range tests {
		t.Run(tt.raw, func(t *testing.T) {
			got, ok := Parse(tt.raw)
			assert.Equal(t, tt.known, ok)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestParseOrDefault(t *testing.T) {
	assert.Equal(t, Android, ParseOrDefault("android", Web))
	assert.Equal(t, Web, ParseOrDefault("", Web))
	assert.Equal(t, Web, ParseOrDefault("toaster", Web))
}

func TestGroups(t *testing.T) {
	assert.Equal(t, GroupMobile, Android.Group())
	assert.Equal(t, GroupMobile, IOS.Group())
	assert.Equal(t, GroupWeb, Web.Group())
	assert.Equal(t, GroupDesktop, Mac.Group())
	assert.Equal(t, GroupDesktop, Windows.Group())
	assert.Equal(t, GroupDesktop, Linux.Group())
	assert.Equal(t, Group(""), Class("toaster").Group())
}

func TestConflictMatrix(t *testing.T) {
	policy := NewConflictPolicy()

	tests := []struct {
		a, b     Class
		conflict bool
	}{
		{Android, IOS, true},
		{Android, Android, true},
		{Mac, Windows, true},
		{Mac, Linux, true},
		{Windows, Linux, true},
		{Web, Web, true},
		{Android, Mac, false},
		{Android, Web, false},
		{IOS, Linux, false},
		{Web, Windows, false},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.conflict, policy.Conflicts(tt.a, tt.b),
			"%s vs %s", tt.a, tt.b)
	}
}

func TestConflictSymmetryAndTotality(t *testing.T) {
	policy := NewConflictPolicy()

	for _, a := range Classes() {
		for _, b := range Classes() {
			assert.Equal(t, policy.Conflicts(a, b), policy.Conflicts(b, a),
				"conflict must be symmetric for %s/%s", a, b)
		}
		// Every class conflicts with itself
		assert.True(t, policy.Conflicts(a, a))
	}
}

func TestUnknownClassesNeverConflict(t *testing.T) {
	policy := NewConflictPolicy()

	assert.False(t, policy.Conflicts("toaster", "toaster"))
	assert.False(t, policy.Conflicts("toaster", Android))
	assert.False(t, policy.Conflicts(Web, "toaster"))
}

func TestSingleSessionPolicy(t *testing.T) {
	policy := SingleSessionPolicy()

	for _, a := range Classes() {
		for _, b := range Classes() {
			assert.True(t, policy.Conflicts(a, b))
		}
	}
	assert.True(t, policy.Conflicts("toaster", Web))
}
