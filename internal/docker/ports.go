package docker

import (
	"fmt"
	"strconv"
	"strings"
	"sync"

	"github.com/eagraf/habitat-runtime/core/runtime"
)

// PortAllocator assigns host ports from a fixed range. Allocating the same key twice returns the
// same port, which keeps the network provisioner idempotent.
type PortAllocator struct {
	min, max int

	mu       sync.Mutex
	next     int
	assigned map[string]int
	used     map[int]string
}

func NewPortAllocator(min, max int) (*PortAllocator, error) {
	if min <= 0 || max > 65535 || min > max {
		return nil, fmt.Errorf("invalid host port range %d-%d", min, max)
	}
	return &PortAllocator{
		min:      min,
		max:      max,
		next:     min,
		assigned: make(map[string]int),
		used:     make(map[int]string),
	}, nil
}

func portKey(id runtime.Identity, machine, server string) string {
	return id.Key() + "#" + machine + "#" + server
}

func parseHostPort(s string) (int, error) {
	port, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil {
		return 0, fmt.Errorf("host port %q is not a number", s)
	}
	if err := checkPort(port); err != nil {
		return 0, err
	}
	return port, nil
}

func checkPort(port int) error {
	if port < 1 || port > 65535 {
		return fmt.Errorf("host port %d is out of range 1-65535", port)
	}
	return nil
}

// Allocate returns the host port of a server, assigning a free one on first use.
func (a *PortAllocator) Allocate(id runtime.Identity, machine, server string) (int, error) {
	key := portKey(id, machine, server)

	a.mu.Lock()
	defer a.mu.Unlock()

	if port, ok := a.assigned[key]; ok {
		return port, nil
	}

	size := a.max - a.min + 1
	for i := 0; i < size; i++ {
		port := a.min + (a.next-a.min+i)%size
		if _, taken := a.used[port]; taken {
			continue
		}
		a.assigned[key] = port
		a.used[port] = key
		a.next = port + 1
		if a.next > a.max {
			a.next = a.min
		}
		return port, nil
	}
	return 0, runtime.NewInfrastructureError(nil, "no free host port in range %d-%d for server %s of machine %s", a.min, a.max, server, machine)
}

// Reserve records a port that is already in use by a server, for example one found on a
// container during recovery.
func (a *PortAllocator) Reserve(id runtime.Identity, machine, server string, port int) error {
	if err := checkPort(port); err != nil {
		return err
	}
	key := portKey(id, machine, server)

	a.mu.Lock()
	defer a.mu.Unlock()

	if owner, taken := a.used[port]; taken && owner != key {
		return fmt.Errorf("host port %d is already reserved", port)
	}
	if previous, ok := a.assigned[key]; ok && previous != port {
		delete(a.used, previous)
	}
	a.assigned[key] = port
	a.used[port] = key
	return nil
}

// Release frees every port held by the servers of a runtime.
func (a *PortAllocator) Release(id runtime.Identity) {
	prefix := id.Key() + "#"

	a.mu.Lock()
	defer a.mu.Unlock()

	for key, port := range a.assigned {
		if strings.HasPrefix(key, prefix) {
			delete(a.assigned, key)
			delete(a.used, port)
		}
	}
}
