package hw

import "sync"

// AllocFlags controls page allocation.
type AllocFlags uint8

const (
	// AllocUser allocates from the bounded user pool rather than the kernel
	// pool.
	AllocUser AllocFlags = 1 << iota
	// AllocZero zeroes the page before returning it.
	AllocZero
)

// PagePool is a page allocator with separate kernel and user pools. The user
// pool is bounded so that page eviction can be exercised; the kernel pool is
// unbounded.
type PagePool struct {
	mu        sync.Mutex
	userLimit int
	userInUse int
}

// NewPagePool returns an allocator whose user pool holds at most userPages
// pages. A non-positive limit means the user pool is unbounded too.
func NewPagePool(userPages int) *PagePool {
	return &PagePool{userLimit: userPages}
}

// GetPage allocates a page, or returns nil if the user pool is exhausted.
// Pages are always zeroed on first allocation; AllocZero is accepted for
// contract parity and guarantees it.
func (p *PagePool) GetPage(flags AllocFlags) *Page {
	if flags&AllocUser != 0 {
		p.mu.Lock()
		if p.userLimit > 0 && p.userInUse >= p.userLimit {
			p.mu.Unlock()
			return nil
		}
		p.userInUse++
		p.mu.Unlock()
	}
	return new(Page)
}

// FreePage releases a page previously returned by GetPage. The userPage flag
// must match the AllocUser flag of the original allocation.
func (p *PagePool) FreePage(pg *Page, userPage bool) {
	if pg == nil {
		panic(`hw: free of nil page`)
	}
	if userPage {
		p.mu.Lock()
		if p.userInUse <= 0 {
			p.mu.Unlock()
			panic(`hw: user pool double free`)
		}
		p.userInUse--
		p.mu.Unlock()
	}
}

// UserInUse returns the number of user pages currently allocated.
func (p *PagePool) UserInUse() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.userInUse
}
