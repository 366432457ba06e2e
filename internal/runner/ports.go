package runner

import (
	"fmt"
	"net"
	"sync"

	"github.com/pkg/errors"
)

// PortAllocator hands out free TCP ports from a configured range. A
// candidate port is verified by listening on it before it is handed out.
type PortAllocator struct {
	access    sync.Mutex
	start     int
	end       int
	allocated map[int]bool
	next      int
}

// NewPortAllocator creates an allocator for the inclusive range [start, end]
func NewPortAllocator(start int, end int) (*PortAllocator, error) {
	if start < 1 || end > 65535 || start > end {
		return nil, errors.Errorf("Invalid port range [%d-%d]", start, end)
	}
	return &PortAllocator{
		start:     start,
		end:       end,
		allocated: make(map[int]bool),
		next:      start,
	}, nil
}

// Allocate returns a free port from the range, or an error when none is
// available
func (pa *PortAllocator) Allocate() (int, error) {
	pa.access.Lock()
	defer pa.access.Unlock()

	size := pa.end - pa.start + 1
	for i := 0; i < size; i++ {
		candidate := pa.next
		pa.next++
		if pa.next > pa.end {
			pa.next = pa.start
		}

		if pa.allocated[candidate] {
			continue
		}

		l, err := net.Listen("tcp", fmt.Sprintf(":%d", candidate))
		if err != nil {
			continue
		}
		l.Close()
		pa.allocated[candidate] = true
		return candidate, nil
	}

	return 0, errors.Errorf("No available ports in range [%d-%d]", pa.start, pa.end)
}

// Release marks a previously allocated port as available again
func (pa *PortAllocator) Release(port int) {
	pa.access.Lock()
	defer pa.access.Unlock()
	delete(pa.allocated, port)
}
