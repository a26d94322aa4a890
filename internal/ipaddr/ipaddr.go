package ipaddr

import (
	"errors"
	"fmt"
	"net"
	"regexp"
	"strings"
)

// ErrInvalid is returned for anything that is not a dotted-quad IPv4
// host address. IPv6 is deliberately rejected at every boundary.
var ErrInvalid = errors.New("invalid IPv4 address")

var v4Shaped = regexp.MustCompile(`(?:\d{1,3}\.){3}\d{1,3}`)

// Parse validates s as a dotted-quad IPv4 host address and returns its
// canonical form.
func Parse(s string) (string, error) {
	s = strings.TrimSpace(s)
	if strings.Count(s, ".") != 3 || strings.Contains(s, ":") {
		return "", fmt.Errorf("%w: %q", ErrInvalid, s)
	}
	ip := net.ParseIP(s)
	if ip == nil || ip.To4() == nil {
		return "", fmt.Errorf("%w: %q", ErrInvalid, s)
	}
	return ip.String(), nil
}

// Extract returns the first IPv4-shaped substring of line that survives
// octet validation. Shapes like 999.1.1.1 are skipped, not errors.
func Extract(line string) (string, bool) {
	for _, cand := range v4Shaped.FindAllString(line, -1) {
		if addr, err := Parse(cand); err == nil {
			return addr, true
		}
	}
	return "", false
}
