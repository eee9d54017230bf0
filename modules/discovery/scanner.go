// Package discovery finds a printer that moved to a new DHCP lease. Bambu
// printers always expose their MQTT listener on 8883, so probing the /24
// around the last-known address for that port narrows the candidates down;
// the caller only trusts the result when exactly one host answers.
package discovery

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
)

const (
	probeTimeout    = 500 * time.Millisecond
	maxParallel     = 32
	probesPerSecond = 128
)

type Scanner struct {
	port    int
	limiter *rate.Limiter

	// dial is swapped out in tests.
	dial func(ctx context.Context, addr string) error
}

func NewScanner(port int) *Scanner {
	return &Scanner{
		port:    port,
		limiter: rate.NewLimiter(rate.Limit(probesPerSecond), maxParallel),
		dial:    dialProbe,
	}
}

// Scan probes the /24 subnet of lastKnownIP for hosts listening on the MQTT
// port. It returns a new IP only when exactly one host (other than
// lastKnownIP itself, which is known dead) responds; anything else is too
// ambiguous to act on.
func (s *Scanner) Scan(ctx context.Context, lastKnownIP string) (string, error) {
	ip := net.ParseIP(lastKnownIP).To4()
	if ip == nil {
		return "", fmt.Errorf("cannot rediscover from non-IPv4 address %q", lastKnownIP)
	}

	var mu sync.Mutex
	var hits []string

	grp, ctx := errgroup.WithContext(ctx)
	grp.SetLimit(maxParallel)
	for host := 1; host < 255; host++ {
		candidate := net.IPv4(ip[0], ip[1], ip[2], byte(host)).String()
		if candidate == lastKnownIP {
			continue
		}
		grp.Go(func() error {
			if err := s.limiter.Wait(ctx); err != nil {
				return err
			}
			addr := net.JoinHostPort(candidate, strconv.Itoa(s.port))
			if err := s.dial(ctx, addr); err != nil {
				return nil // closed port or unreachable host, not an error
			}
			mu.Lock()
			hits = append(hits, candidate)
			mu.Unlock()
			return nil
		})
	}
	if err := grp.Wait(); err != nil {
		return "", err
	}

	if len(hits) != 1 {
		return "", fmt.Errorf("expected exactly one candidate printer, found %d", len(hits))
	}
	return hits[0], nil
}

func dialProbe(ctx context.Context, addr string) error {
	d := net.Dialer{Timeout: probeTimeout}
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return err
	}
	conn.Close()
	return nil
}
