package internal

import (
	"fmt"
	"strconv"
	"strings"
)

var (
	version      = "0.3.0-dev"
	revision     = "$Format:%h$"
	revisionDate = "$Format:%as$"
	ver          = Parse(version)
)

// Semver is a parsed major.minor.patch[-pre][+build] version.
type Semver struct {
	major, minor, patch uint64
	preRelease, build   string
}

// Version returns the full version string of the binary.
func Version() string {
	if ver == nil {
		return version
	}
	return fmt.Sprintf("%d.%d.%d%s+%s", ver.major, ver.minor, ver.patch, ver.pre(), buildInfo())
}

func buildInfo() string {
	if strings.HasPrefix(revision, "$Format") {
		return "unknown"
	}
	return revisionDate + "." + revision
}

func (s *Semver) pre() string {
	if s.preRelease == "" {
		return ""
	}
	return "-" + s.preRelease
}

func (s *Semver) String() string {
	str := fmt.Sprintf("%d.%d.%d%s", s.major, s.minor, s.patch, s.pre())
	if s.build != "" {
		str += "+" + s.build
	}
	return str
}

// Parse returns nil if vs is not a version.
func Parse(vs string) *Semver {
	s := &Semver{}
	if i := strings.Index(vs, "+"); i >= 0 {
		s.build = vs[i+1:]
		vs = vs[:i]
	}
	if i := strings.Index(vs, "-"); i >= 0 {
		s.preRelease = vs[i+1:]
		vs = vs[:i]
	}
	parts := strings.Split(vs, ".")
	if len(parts) > 3 {
		return nil
	}
	nums := []*uint64{&s.major, &s.minor, &s.patch}
	for i, p := range parts {
		n, err := strconv.ParseUint(p, 10, 64)
		if err != nil {
			return nil
		}
		*nums[i] = n
	}
	return s
}
