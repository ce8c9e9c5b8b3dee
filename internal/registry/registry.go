// Package registry manages leases on scarce local resources: network ports
// and virtual display numbers. Allocation is atomic, so two concurrent
// acquirers can never hold the same value of the same kind, and release is
// idempotent. It also resolves the hostname a remote client should use to
// reach a leased resource, and probes whether a leased resource is actually
// reachable.
package registry

import (
	"fmt"
	"net"
	"net/http"
	"os"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"
)

// Kind identifies a leasable resource type.
type Kind string

const (
	KindPort    Kind = "port"
	KindDisplay Kind = "display"
)

// Lease is a claim on a single value of a resource kind, held by a job.
type Lease struct {
	Kind       Kind      `json:"kind"`
	Value      int       `json:"value"`
	Owner      string    `json:"owner"`
	AcquiredAt time.Time `json:"acquired_at"`
}

// Range is an inclusive range of allocatable integer values.
type Range struct {
	Min int `yaml:"min" json:"min"`
	Max int `yaml:"max" json:"max"`
}

func (r Range) size() int {
	return r.Max - r.Min + 1
}

// Config holds the allocatable ranges per resource kind.
type Config struct {
	Ports    Range `yaml:"ports"`
	Displays Range `yaml:"displays"`
}

// DefaultConfig returns ranges suitable for a single-user dev machine.
func DefaultConfig() Config {
	return Config{
		Ports:    Range{Min: 42000, Max: 42099},
		Displays: Range{Min: 10, Max: 99},
	}
}

// ExhaustionError is returned by Acquire when no value of the requested kind
// is free.
type ExhaustionError struct {
	Kind Kind
}

func (e *ExhaustionError) Error() string {
	return fmt.Sprintf("no free %s in configured range", e.Kind)
}

// Registry is the single owner of the port and display pools. All mutation
// goes through Acquire and Release, which are atomic with respect to each
// other.
type Registry struct {
	ranges map[Kind]Range

	mu     sync.Mutex
	active map[Kind]map[int]Lease
}

// New creates a Registry with the given ranges.
func New(cfg Config) *Registry {
	return &Registry{
		ranges: map[Kind]Range{
			KindPort:    cfg.Ports,
			KindDisplay: cfg.Displays,
		},
		active: map[Kind]map[int]Lease{
			KindPort:    {},
			KindDisplay: {},
		},
	}
}

// Acquire claims a free value of the requested kind for owner. If preferred
// is non-zero, in range, and free, it is granted; otherwise the lowest free
// value is granted. Returns an ExhaustionError when no value is free.
// Acquisition is a single atomic allocation; it never blocks waiting for a
// value to be released.
func (r *Registry) Acquire(kind Kind, owner string, preferred int) (Lease, error) {
	rng, ok := r.ranges[kind]
	if !ok {
		return Lease{}, fmt.Errorf("unknown resource kind %q", kind)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	held := r.active[kind]

	value := -1

	if preferred >= rng.Min && preferred <= rng.Max {
		if _, taken := held[preferred]; !taken {
			value = preferred
		}
	}

	if value < 0 {
		for v := rng.Min; v <= rng.Max; v++ {
			if _, taken := held[v]; !taken {
				value = v
				break
			}
		}
	}

	if value < 0 {
		return Lease{}, &ExhaustionError{Kind: kind}
	}

	lease := Lease{
		Kind:       kind,
		Value:      value,
		Owner:      owner,
		AcquiredAt: time.Now(),
	}

	held[value] = lease

	return lease, nil
}

// Release frees the lease. Releasing a lease twice, or a lease that was never
// granted, is a no-op.
func (r *Registry) Release(lease Lease) {
	r.mu.Lock()
	defer r.mu.Unlock()

	held, ok := r.active[lease.Kind]
	if !ok {
		return
	}

	// Only the recorded owner's lease is removed, so a stale Release from a
	// previous holder of the same value cannot free a re-granted lease.
	if current, exists := held[lease.Value]; exists && current.Owner == lease.Owner {
		delete(held, lease.Value)
	}
}

// ReleaseOwned frees every lease held by the given owner. Used on the job
// teardown path so that leases are released exactly once even if the owning
// worker crashed before freeing them individually.
func (r *Registry) ReleaseOwned(owner string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, held := range r.active {
		for value, lease := range held {
			if lease.Owner == owner {
				delete(held, value)
			}
		}
	}
}

// Leases returns a snapshot of all active leases, sorted by kind then value.
func (r *Registry) Leases() []Lease {
	r.mu.Lock()
	defer r.mu.Unlock()

	var leases []Lease
	for _, held := range r.active {
		for _, lease := range held {
			leases = append(leases, lease)
		}
	}

	sort.Slice(leases, func(i, j int) bool {
		if leases[i].Kind != leases[j].Kind {
			return leases[i].Kind < leases[j].Kind
		}

		return leases[i].Value < leases[j].Value
	})

	return leases
}

// Free reports how many values of the given kind are currently unleased.
func (r *Registry) Free(kind Kind) int {
	rng, ok := r.ranges[kind]
	if !ok {
		return 0
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	return rng.size() - len(r.active[kind])
}

// Validate probes whether the leased resource is actually reachable, which
// is distinct from "the value is leased": a leased port whose server has not
// started listening yet is leased but not reachable. Ports are probed with a
// TCP dial; displays by the presence of the X socket.
func (r *Registry) Validate(lease Lease) bool {
	switch lease.Kind {
	case KindPort:
		conn, err := net.DialTimeout(
			"tcp",
			net.JoinHostPort("127.0.0.1", strconv.Itoa(lease.Value)),
			250*time.Millisecond,
		)
		if err != nil {
			return false
		}

		conn.Close()

		return true
	case KindDisplay:
		_, err := os.Stat(fmt.Sprintf("/tmp/.X11-unix/X%d", lease.Value))

		return err == nil
	default:
		return false
	}
}

// ClientHost returns the hostname a remote caller should use to reach a
// leased port. A proxy-set X-Forwarded-Host header wins over the direct
// connection host so that a forwarded origin is never answered with a
// loopback name.
func ClientHost(header http.Header, requestHost string) string {
	if forwarded := header.Get("X-Forwarded-Host"); forwarded != "" {
		// Proxies may append hops comma-separated; the first is the origin.
		host := strings.TrimSpace(strings.Split(forwarded, ",")[0])
		if host != "" {
			return stripPort(host)
		}
	}

	if requestHost != "" {
		return stripPort(requestHost)
	}

	return "localhost"
}

func stripPort(host string) string {
	if h, _, err := net.SplitHostPort(host); err == nil {
		return h
	}

	return host
}
