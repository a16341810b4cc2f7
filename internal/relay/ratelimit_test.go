package relay

import (
	"fmt"
	"net/http/httptest"
	"net/netip"
	"testing"
	"time"
)

func TestRateLimiterSweepsIdleIPs(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	rl := newRateLimiter(2, time.Minute)
	rl.now = func() time.Time { return now }

	for i := 0; i < 100; i++ {
		if !rl.allow(fmt.Sprintf("10.0.0.%d", i)) {
			t.Fatalf("first attempt from ip %d denied", i)
		}
	}
	if got := rl.size(); got != 100 {
		t.Fatalf("size = %d, want 100", got)
	}

	now = now.Add(time.Minute + time.Second)
	if !rl.allow("10.1.0.1") {
		t.Fatal("fresh ip denied")
	}
	if got := rl.size(); got != 1 {
		t.Errorf("size after window = %d, want 1", got)
	}
}

func TestRateLimiterWindow(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	rl := newRateLimiter(2, time.Minute)
	rl.now = func() time.Time { return now }

	if !rl.allow("a") || !rl.allow("a") {
		t.Fatal("attempts under the limit denied")
	}
	if rl.allow("a") {
		t.Fatal("third attempt allowed")
	}
	now = now.Add(61 * time.Second)
	if !rl.allow("a") {
		t.Fatal("attempt after the window denied")
	}
}

func TestRemoteIP(t *testing.T) {
	trusted := []netip.Prefix{netip.MustParsePrefix("10.0.0.0/8")}
	cases := []struct {
		name    string
		remote  string
		xff     []string
		trusted []netip.Prefix
		want    string
	}{
		{"no proxies ignores header", "203.0.113.5:4000", []string{"1.2.3.4"}, nil, "203.0.113.5"},
		{"untrusted peer ignores header", "203.0.113.5:4000", []string{"1.2.3.4"}, trusted, "203.0.113.5"},
		{"trusted peer uses header", "10.0.0.2:4000", []string{"1.2.3.4"}, trusted, "1.2.3.4"},
		{"rightmost untrusted hop", "10.0.0.2:4000", []string{"6.6.6.6, 1.2.3.4, 10.0.0.9"}, trusted, "1.2.3.4"},
		{"multiple header lines", "10.0.0.2:4000", []string{"6.6.6.6", "1.2.3.4"}, trusted, "1.2.3.4"},
		{"all hops trusted", "10.0.0.2:4000", []string{"10.0.0.3"}, trusted, "10.0.0.2"},
		{"trusted peer without header", "10.0.0.2:4000", nil, trusted, "10.0.0.2"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			r := httptest.NewRequest("GET", "/", nil)
			r.RemoteAddr = tc.remote
			for _, v := range tc.xff {
				r.Header.Add("X-Forwarded-For", v)
			}
			if got := remoteIP(r, tc.trusted); got != tc.want {
				t.Errorf("remoteIP = %q, want %q", got, tc.want)
			}
		})
	}
}
