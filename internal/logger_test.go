package internal

import (
	"strings"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
)

func TestMethodName(t *testing.T) {
	testCases := []struct {
		name     string
		input    string
		expected string
	}{
		{"Standard function", "github.com/zhengshuai-xiao/binsync/pkg/manifest.Build", "Build"},
		{"Method with pointer receiver", "github.com/zhengshuai-xiao/binsync/pkg/provider.(*ReadAhead).acquire", "acquire"},
		{"Anonymous function", "github.com/zhengshuai-xiao/binsync/pkg/syncer.(*Syncer).reconcile.func1", "reconcile"},
		{"Simple function", "main.main", "main"},
		{"No package path", "MyFunction", "MyFunction"},
		{"Empty string", "", ""},
		{"Just a dot", ".", "."},
		{"Trailing dot", "some.package.", "package"},
		{"Leading dot", ".some.package", "package"},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			result := MethodName(tc.input)
			assert.Equal(t, tc.expected, result)
		})
	}
}

func TestSetLogLevelString(t *testing.T) {
	l := GetLogger("binsync_test_level")
	assert.NoError(t, SetLogLevelString("debug"))
	assert.Equal(t, logrus.DebugLevel, l.Level)
	assert.ErrorIs(t, SetLogLevelString("loud"), ErrInvalidConfig)
	assert.NoError(t, SetLogLevelString("info"))
}

func TestFormat(t *testing.T) {
	l := GetLogger("binsync_test_format")
	l.colorful = false
	out, err := l.Format(&logrus.Entry{Level: logrus.WarnLevel, Message: "hello\n"})
	assert.NoError(t, err)
	s := string(out)
	assert.Contains(t, s, "binsync_test_format[")
	assert.Contains(t, s, "<WARNING>: hello [???@???:0]")
	assert.True(t, strings.HasSuffix(s, "\n"))
}
