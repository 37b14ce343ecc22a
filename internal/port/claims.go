package port

import (
	"fmt"
	"sync"
)

// Claims records which managed service owns each port, so no two managed
// processes are ever launched against the same port.
type Claims struct {
	mu     sync.Mutex
	byName map[string]int // service name → port
	byPort map[int]string // port → service name
}

// NewClaims creates an empty claim ledger.
func NewClaims() *Claims {
	return &Claims{
		byName: make(map[string]int),
		byPort: make(map[int]string),
	}
}

// Claim assigns port to service. Idempotent for the same pair; an error if
// another service holds the port.
func (c *Claims) Claim(service string, port int) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if owner, ok := c.byPort[port]; ok && owner != service {
		return fmt.Errorf("port %d already claimed by %q", port, owner)
	}
	if prev, ok := c.byName[service]; ok && prev != port {
		delete(c.byPort, prev)
	}
	c.byName[service] = port
	c.byPort[port] = service
	return nil
}

// Release frees the port claimed by a service.
func (c *Claims) Release(service string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if port, ok := c.byName[service]; ok {
		delete(c.byPort, port)
		delete(c.byName, service)
	}
}
