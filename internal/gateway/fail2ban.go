package gateway

import (
	"net"
	"net/http"
	"strings"
	"sync"
	"time"
)

const (
	defaultMaxLoginFailures = 10
	defaultLoginBanDuration = time.Hour
)

// ipBanTable is a coarse per-source-IP circuit breaker sitting in front of
// the upgrade's constant-time token compare: after maxFailures consecutive
// bad-token upgrades from the same IP, that IP is rejected outright for
// banDuration; the compare still runs on that path, but its result is
// ignored.
type ipBanTable struct {
	mu          sync.Mutex
	failures    map[string]int
	bannedUntil map[string]time.Time
	maxFailures int
	banDuration time.Duration
}

func newIPBanTable(maxFailures int, banDuration time.Duration) *ipBanTable {
	if maxFailures <= 0 {
		maxFailures = defaultMaxLoginFailures
	}
	if banDuration <= 0 {
		banDuration = defaultLoginBanDuration
	}

	return &ipBanTable{
		failures:    make(map[string]int),
		bannedUntil: make(map[string]time.Time),
		maxFailures: maxFailures,
		banDuration: banDuration,
	}
}

// IsBanned reports whether ip is currently serving out a ban, clearing it
// if it has expired.
func (b *ipBanTable) IsBanned(ip string, now time.Time) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	until, ok := b.bannedUntil[ip]
	if !ok {
		return false
	}
	if !now.Before(until) {
		delete(b.bannedUntil, ip)
		delete(b.failures, ip)
		return false
	}
	return true
}

// RecordFailure increments ip's failure count, banning it once the
// threshold is reached.
func (b *ipBanTable) RecordFailure(ip string, now time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if until, ok := b.bannedUntil[ip]; ok && now.Before(until) {
		return
	}

	failures := b.failures[ip] + 1
	if failures >= b.maxFailures {
		b.bannedUntil[ip] = now.Add(b.banDuration)
		delete(b.failures, ip)
		return
	}
	b.failures[ip] = failures
}

// Reset clears ip's failure count, called after a successful upgrade.
func (b *ipBanTable) Reset(ip string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.failures, ip)
	delete(b.bannedUntil, ip)
}

// extractClientIP prefers the first X-Forwarded-For entry that parses as
// an IP, then falls back to RemoteAddr.
func extractClientIP(r *http.Request) string {
	if forwardedFor := r.Header.Get("X-Forwarded-For"); forwardedFor != "" {
		for _, part := range strings.Split(forwardedFor, ",") {
			if ip := parseIPCandidate(part); ip != "" {
				return ip
			}
		}
	}

	if ip := parseIPCandidate(r.RemoteAddr); ip != "" {
		return ip
	}

	return strings.TrimSpace(r.RemoteAddr)
}

func parseIPCandidate(candidate string) string {
	candidate = strings.TrimSpace(candidate)
	if candidate == "" {
		return ""
	}

	if ip := net.ParseIP(candidate); ip != nil {
		return ip.String()
	}

	host, _, err := net.SplitHostPort(candidate)
	if err != nil {
		return ""
	}
	if ip := net.ParseIP(strings.TrimSpace(host)); ip != nil {
		return ip.String()
	}

	return ""
}
