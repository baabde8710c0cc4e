package model

import (
	"regexp"
	"strconv"
	"strings"
)

var proxyPattern = regexp.MustCompile(`^(\d{1,3})\.(\d{1,3})\.(\d{1,3})\.(\d{1,3}):(\d{1,5})$`)

// IsValidProxy reports whether s is a well-formed "IPv4:port" key. Records
// failing this check are deleted outright, never retried.
func IsValidProxy(s string) bool {
	// Shortest valid form is "1.1.1.1:80" (10), longest "255.255.255.255:65535" (21).
	if len(s) < 10 || len(s) > 21 {
		return false
	}
	if strings.Contains(s, "..") {
		return false
	}
	m := proxyPattern.FindStringSubmatch(s)
	if m == nil {
		return false
	}
	for _, octet := range m[1:5] {
		n, err := strconv.Atoi(octet)
		if err != nil || n > 255 {
			return false
		}
	}
	port, err := strconv.Atoi(m[5])
	if err != nil || port < 1 || port > 65535 {
		return false
	}
	return true
}
