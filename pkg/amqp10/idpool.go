package amqp10

// idPool allocates small integer identifiers (channel numbers, link
// handles) for one owning scope. Freed ids are reused FIFO so a recycled
// id is as old as possible; callers must only put an id back after the
// corresponding End/Detach exchange has completed both ways.
type idPool struct {
	next uint32
	max  uint32
	free []uint32
}

func newIDPool(max uint32) *idPool {
	return &idPool{max: max}
}

// get returns the next free id, or false when the scope is exhausted.
func (p *idPool) get() (uint32, bool) {
	if len(p.free) > 0 {
		id := p.free[0]
		p.free = p.free[1:]
		return id, true
	}
	if p.next > p.max {
		return 0, false
	}
	id := p.next
	p.next++
	return id, true
}

// put returns an id to the pool.
func (p *idPool) put(id uint32) {
	p.free = append(p.free, id)
}
