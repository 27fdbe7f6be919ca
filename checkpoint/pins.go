package checkpoint

import (
	"sync"

	"github.com/INLOpen/nexusstate/core"
)

// pinSet counts in-process readers per (coordinate, batch).
type pinSet struct {
	mu   sync.Mutex
	pins map[core.Coordinate]map[core.BatchID]int
}

func newPinSet() *pinSet {
	return &pinSet{pins: make(map[core.Coordinate]map[core.BatchID]int)}
}

func (p *pinSet) add(coord core.Coordinate, batch core.BatchID) {
	p.mu.Lock()
	defer p.mu.Unlock()
	byBatch := p.pins[coord]
	if byBatch == nil {
		byBatch = make(map[core.BatchID]int)
		p.pins[coord] = byBatch
	}
	byBatch[batch]++
}

func (p *pinSet) remove(coord core.Coordinate, batch core.BatchID) {
	p.mu.Lock()
	defer p.mu.Unlock()
	byBatch := p.pins[coord]
	if byBatch == nil {
		return
	}
	if byBatch[batch]--; byBatch[batch] <= 0 {
		delete(byBatch, batch)
	}
	if len(byBatch) == 0 {
		delete(p.pins, coord)
	}
}

func (p *pinSet) min(coord core.Coordinate) (core.BatchID, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	lowest, found := core.NoBatch, false
	for b := range p.pins[coord] {
		if !found || b < lowest {
			lowest, found = b, true
		}
	}
	return lowest, found
}

// Pin keeps the files needed to load batch of coord until the returned
// release function is called. Cleanup treats a pinned batch as retained.
// Releasing more than once is harmless.
func (m *Manager) Pin(coord core.Coordinate, batch core.BatchID) (release func()) {
	coord = coord.Physical()
	m.pins.add(coord, batch)
	var once sync.Once
	return func() {
		once.Do(func() { m.pins.remove(coord, batch) })
	}
}
