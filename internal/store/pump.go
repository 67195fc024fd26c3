package store

import "sync"

// subPump delivers snapshots to one subscriber in order, coalescing to
// the latest pending snapshot. Full-snapshot replacement makes dropping
// intermediate states safe; only the newest view matters.
type subPump struct {
	fn      func(Snapshot)
	mu      sync.Mutex
	cond    *sync.Cond
	pending Snapshot
	ready   bool
	closed  bool
}

func newSubPump(fn func(Snapshot)) *subPump {
	p := &subPump{fn: fn}
	p.cond = sync.NewCond(&p.mu)
	go p.run()
	return p
}

func (p *subPump) run() {
	for {
		p.mu.Lock()
		for !p.ready && !p.closed {
			p.cond.Wait()
		}
		if p.closed {
			p.mu.Unlock()
			return
		}
		snap := p.pending
		p.ready = false
		p.mu.Unlock()
		p.fn(snap)
	}
}

func (p *subPump) notify(snap Snapshot) {
	p.mu.Lock()
	if !p.closed {
		p.pending = snap
		p.ready = true
		p.cond.Signal()
	}
	p.mu.Unlock()
}

func (p *subPump) stop() {
	p.mu.Lock()
	p.closed = true
	p.cond.Signal()
	p.mu.Unlock()
}
