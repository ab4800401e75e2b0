// Package ports hands out host ports to deployments from a fixed range.
package ports

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"net"
	"strconv"
	"sync"
)

var (
	// ErrExhausted is returned when every port in the range is reserved or busy.
	ErrExhausted = errors.New("ports: no free port in range")
	// ErrInvalidRange rejects ranges outside 1-65535 or with start > end.
	ErrInvalidRange = errors.New("ports: invalid range")
)

// Prober reports whether something outside the allocator already holds port.
type Prober interface {
	PortInUse(ctx context.Context, port int) (bool, error)
}

// ProberFunc adapts a function to Prober.
type ProberFunc func(ctx context.Context, port int) (bool, error)

// PortInUse implements Prober.
func (f ProberFunc) PortInUse(ctx context.Context, port int) (bool, error) {
	return f(ctx, port)
}

// MultiProber reports a port busy when any member does.
type MultiProber []Prober

// PortInUse implements Prober.
func (m MultiProber) PortInUse(ctx context.Context, port int) (bool, error) {
	var errs []error
	for _, p := range m {
		if p == nil {
			continue
		}
		busy, err := p.PortInUse(ctx, port)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if busy {
			return true, nil
		}
	}
	return false, errors.Join(errs...)
}

// HostProber checks whether a TCP listener can bind the port on Host.
type HostProber struct {
	Host string
}

// PortInUse implements Prober.
func (h HostProber) PortInUse(_ context.Context, port int) (bool, error) {
	host := h.Host
	if host == "" {
		host = "0.0.0.0"
	}
	l, err := net.Listen("tcp", net.JoinHostPort(host, strconv.Itoa(port)))
	if err != nil {
		return true, nil
	}
	_ = l.Close()
	return false, nil
}

// Allocator reserves ports in [start, end]. A reserved port is never handed
// out again until Release is called for it.
type Allocator struct {
	mu       sync.Mutex
	start    int
	end      int
	reserved map[int]string
	prober   Prober
	intn     func(n int) int
}

// New builds an Allocator over [start, end]. prober may be nil.
func New(start, end int, prober Prober) (*Allocator, error) {
	if start <= 0 || end > 65535 || start > end {
		return nil, fmt.Errorf("%w: %d-%d", ErrInvalidRange, start, end)
	}
	return &Allocator{
		start:    start,
		end:      end,
		reserved: make(map[int]string),
		prober:   prober,
		intn:     rand.IntN,
	}, nil
}

// Reserve picks a free port for owner. The scan starts at a random offset so
// restarts do not pile onto the low end of the range.
func (a *Allocator) Reserve(ctx context.Context, owner string) (int, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	size := a.end - a.start + 1
	offset := a.intn(size)
	var probeErr error
	probed := false
	for i := 0; i < size; i++ {
		if err := ctx.Err(); err != nil {
			return 0, err
		}
		port := a.start + (offset+i)%size
		if _, taken := a.reserved[port]; taken {
			continue
		}
		if a.prober != nil {
			busy, err := a.prober.PortInUse(ctx, port)
			if err != nil {
				probeErr = err
				continue
			}
			probed = true
			if busy {
				continue
			}
		}
		a.reserved[port] = owner
		return port, nil
	}
	// No port could be checked at all: the range is unknown, not full.
	if probeErr != nil && !probed {
		return 0, fmt.Errorf("ports: probe %d-%d: %w", a.start, a.end, probeErr)
	}
	if probeErr != nil {
		return 0, fmt.Errorf("%w (%d-%d): last probe error: %v", ErrExhausted, a.start, a.end, probeErr)
	}
	return 0, fmt.Errorf("%w (%d-%d)", ErrExhausted, a.start, a.end)
}

// Adopt records an existing reservation, e.g. a live deployment found at
// startup. It returns false when port is outside the range or already held.
func (a *Allocator) Adopt(port int, owner string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	if port < a.start || port > a.end {
		return false
	}
	if _, taken := a.reserved[port]; taken {
		return false
	}
	a.reserved[port] = owner
	return true
}

// Release frees port. Releasing an unreserved port is a no-op.
func (a *Allocator) Release(port int) {
	a.mu.Lock()
	delete(a.reserved, port)
	a.mu.Unlock()
}

// Owner returns the owner recorded for port.
func (a *Allocator) Owner(port int) (string, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	owner, ok := a.reserved[port]
	return owner, ok
}

// InUse returns the number of reserved ports.
func (a *Allocator) InUse() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.reserved)
}
