package network

import "sync"

// Choker rate-limits how many peer connections a repository serves
// concurrently (spec.md §4.5: "the server runs cooperatively against a
// Choker that rate-limits how many peers are served concurrently"). Only
// unchoked Servers actively answer requests; choked ones queue behind a
// single coalesced pending root-node notification until their turn comes.
type Choker struct {
	mu       sync.Mutex
	slots    int
	unchoked map[*Server]struct{}
	waiting  []*Server
}

// NewChoker returns a Choker admitting up to slots Servers at once.
func NewChoker(slots int) *Choker {
	return &Choker{slots: slots, unchoked: make(map[*Server]struct{})}
}

// Admit registers s and reports whether it was unchoked immediately. A
// choked s is queued and will be unchoked later, via Release freeing a
// slot, at which point s.onUnchoked runs.
func (c *Choker) Admit(s *Server) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if len(c.unchoked) < c.slots {
		c.unchoked[s] = struct{}{}
		return true
	}
	c.waiting = append(c.waiting, s)
	return false
}

// Release frees s's slot (or removes it from the waiting queue) and
// unchokes the next waiting Server, if any.
func (c *Choker) Release(s *Server) {
	c.mu.Lock()
	if _, ok := c.unchoked[s]; ok {
		delete(c.unchoked, s)
	} else {
		for i, w := range c.waiting {
			if w == s {
				c.waiting = append(c.waiting[:i], c.waiting[i+1:]...)
				break
			}
		}
		c.mu.Unlock()
		return
	}

	var next *Server
	if len(c.waiting) > 0 {
		next = c.waiting[0]
		c.waiting = c.waiting[1:]
		c.unchoked[next] = struct{}{}
	}
	c.mu.Unlock()

	if next != nil {
		next.onUnchoked()
	}
}

// IsChoked reports whether s currently holds no serving slot.
func (c *Choker) IsChoked(s *Server) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.unchoked[s]
	return !ok
}
