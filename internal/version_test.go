package internal

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestParseVersion(t *testing.T) {
	testCases := []struct {
		name        string
		versionStr  string
		expected    *Semver
		expectError bool
	}{
		{"Valid Full Version", "1.2.3-alpha+build123", &Semver{major: 1, minor: 2, patch: 3, preRelease: "alpha"}, false},
		{"Valid No Pre-release", "1.2.3+build123", &Semver{major: 1, minor: 2, patch: 3, preRelease: ""}, false},
		{"Valid No Build", "1.2.3-beta", &Semver{major: 1, minor: 2, patch: 3, preRelease: "beta"}, false},
		{"Valid Major Minor", "1.2", &Semver{major: 1, minor: 2, patch: 0, preRelease: ""}, false},
		{"Valid Major Only", "1", &Semver{major: 1, minor: 0, patch: 0, preRelease: ""}, false},
		{"Invalid String", "abc", nil, true},
		{"Invalid Too Many Parts", "1.2.3.4", nil, true},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			parsed := Parse(tc.versionStr)
			if tc.expectError {
				assert.Nil(t, parsed)
			} else {
				assert.NotNil(t, parsed)
				// We only compare the parsed parts, not the build string which is ignored
				assert.Equal(t, tc.expected.major, parsed.major)
				assert.Equal(t, tc.expected.minor, parsed.minor)
				assert.Equal(t, tc.expected.patch, parsed.patch)
				assert.Equal(t, tc.expected.preRelease, parsed.preRelease)
			}
		})
	}
}
