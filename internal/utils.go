package internal

import (
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"
)

var logger = GetLogger("binsync_internal")

// RemovePassword masks the password of a url or user:pass@host string.
func RemovePassword(uri string) string {
	if u, err := url.Parse(uri); err == nil && u.User != nil {
		if _, ok := u.User.Password(); ok {
			return strings.Replace(uri, u.User.String()+"@", u.User.Username()+":****@", 1)
		}
		return uri
	}
	at := strings.LastIndex(uri, "@")
	if at < 0 {
		return uri
	}
	colon := strings.Index(uri[:at], ":")
	if colon < 0 {
		return uri
	}
	return uri[:colon+1] + "****" + uri[at:]
}

// FormatBytes renders n as "1.50 KiB (1536 Bytes)".
func FormatBytes(n uint64) string {
	if n < 1024 {
		return fmt.Sprintf("%d Bytes", n)
	}
	units := []string{"KiB", "MiB", "GiB", "TiB", "PiB", "EiB"}
	v := float64(n)
	i := -1
	for v >= 1024 && i < len(units)-1 {
		v /= 1024
		i++
	}
	return fmt.Sprintf("%.2f %s (%d Bytes)", v, units[i], n)
}

// Duration parses "5s", "1d2h" or a plain number of seconds. Invalid input yields 0.
func Duration(s string) time.Duration {
	if s == "" {
		return 0
	}
	if v, err := strconv.ParseFloat(s, 64); err == nil {
		return time.Duration(v * float64(time.Second))
	}
	var days time.Duration
	if i := strings.Index(s, "d"); i > 0 {
		n, err := strconv.Atoi(s[:i])
		if err != nil {
			logger.Warnf("Invalid duration %q: %v", s, err)
			return 0
		}
		days = time.Duration(n) * 24 * time.Hour
		s = s[i+1:]
		if s == "" {
			return days
		}
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		logger.Warnf("Invalid duration %q: %v", s, err)
		return 0
	}
	return days + d
}

func StringContains(s []string, e string) bool {
	for _, item := range s {
		if item == e {
			return true
		}
	}
	return false
}

// Exists reports whether path can be stat'ed.
func Exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
