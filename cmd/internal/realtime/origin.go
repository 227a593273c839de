package realtime

import (
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"sort"
	"strings"
)

// checkOrigin applies the allowlist before the upgrade. websocket.Accept runs
// its own same-host check afterwards, fed by originPatterns.
func checkOrigin(r *http.Request, required bool, allowed []string) error {
	origin := strings.TrimSpace(r.Header.Get("Origin"))
	if origin == "" {
		if required {
			return errors.New("missing origin")
		}
		return nil
	}
	if len(allowed) == 0 {
		return errors.New("origin not allowed (no allowlist)")
	}

	host := originHost(origin)
	for _, a := range allowed {
		if a == "*" || a == origin {
			return nil
		}
		// Host match ignores scheme and port.
		if host != "" && host == originHost(a) {
			return nil
		}
	}
	return fmt.Errorf("origin not allowed: %s", origin)
}

// originHost lowercases the host of a full origin or a host[:port] string.
func originHost(s string) string {
	s = strings.TrimSpace(s)
	if strings.Contains(s, "://") {
		u, err := url.Parse(s)
		if err != nil {
			return ""
		}
		s = u.Host
	}
	if s == "" {
		return ""
	}
	if h, _, err := net.SplitHostPort(s); err == nil {
		s = h
	}
	return strings.ToLower(s)
}

// originPatterns derives websocket.AcceptOptions.OriginPatterns from the
// allowlist so cross-origin handshakes the allowlist accepts are not refused
// by the library.
func originPatterns(allowed []string) []string {
	seen := make(map[string]struct{}, len(allowed))
	for _, a := range allowed {
		h := originHost(a)
		if h == "*" {
			return []string{"*"}
		}
		if h == "" {
			continue
		}
		seen[h] = struct{}{}
	}
	out := make([]string, 0, len(seen))
	for h := range seen {
		out = append(out, h)
	}
	sort.Strings(out)
	return out
}
