package router

import (
	"sync"

	"sreto/peerid"
)

// routeEntry is one candidate path to a destination, as advertised by a
// single routing neighbor.
type routeEntry struct {
	// path is the sequence of hops from us to the destination; path[0] is
	// the next hop, path[len(path)-1] is the destination itself.
	path []peerid.Identifier
}

func (e routeEntry) nextHop() peerid.Identifier { return e.path[0] }
func (e routeEntry) hopCount() int              { return len(e.path) }

// routingTable holds, per known destination, every candidate route
// currently advertised by a routing neighbor plus the selected best one.
// Each destination keeps a single best next-hop neighbor; when two
// neighbors offer an equal hop count the lower peer identifier wins.
// Candidate paths are kept (rather than just the winning one) so that
// losing a neighbor can fall back to the next-best candidate instead of
// dropping reachability outright.
type routingTable struct {
	mu         sync.Mutex
	candidates map[peerid.Identifier]map[peerid.Identifier]routeEntry // destination -> neighbor -> candidate
	best       map[peerid.Identifier]routeEntry                      // destination -> selected route
}

func newRoutingTable() *routingTable {
	return &routingTable{
		candidates: make(map[peerid.Identifier]map[peerid.Identifier]routeEntry),
		best:       make(map[peerid.Identifier]routeEntry),
	}
}

// Add records that destination is reachable via neighbor at the given
// path (path[0] == neighbor). It returns true if the selected best route
// for destination changed as a result.
func (t *routingTable) Add(neighbor, destination peerid.Identifier, path []peerid.Identifier) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	byNeighbor, ok := t.candidates[destination]
	if !ok {
		byNeighbor = make(map[peerid.Identifier]routeEntry)
		t.candidates[destination] = byNeighbor
	}
	byNeighbor[neighbor] = routeEntry{path: append([]peerid.Identifier(nil), path...)}
	return t.recomputeLocked(destination)
}

// Remove withdraws the candidate destination previously advertised by
// neighbor. It returns true if the selected best route changed (including
// disappearing entirely).
func (t *routingTable) Remove(neighbor, destination peerid.Identifier) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	byNeighbor, ok := t.candidates[destination]
	if !ok {
		return false
	}
	if _, ok := byNeighbor[neighbor]; !ok {
		return false
	}
	delete(byNeighbor, neighbor)
	if len(byNeighbor) == 0 {
		delete(t.candidates, destination)
	}
	return t.recomputeLocked(destination)
}

// RemoveNeighbor drops every candidate route learned via neighbor (link
// loss). It returns the set of destinations whose best route changed.
func (t *routingTable) RemoveNeighbor(neighbor peerid.Identifier) []peerid.Identifier {
	t.mu.Lock()
	defer t.mu.Unlock()

	var changed []peerid.Identifier
	for destination, byNeighbor := range t.candidates {
		if _, ok := byNeighbor[neighbor]; !ok {
			continue
		}
		delete(byNeighbor, neighbor)
		if len(byNeighbor) == 0 {
			delete(t.candidates, destination)
		}
		if t.recomputeLocked(destination) {
			changed = append(changed, destination)
		}
	}
	return changed
}

// recomputeLocked selects the best candidate for destination (shortest
// path, tie-broken by lowest next-hop identifier) and reports whether the
// selection changed. Caller must hold t.mu.
func (t *routingTable) recomputeLocked(destination peerid.Identifier) bool {
	prior, hadPrior := t.best[destination]

	byNeighbor := t.candidates[destination]
	var winner routeEntry
	var haveWinner bool
	for neighbor, candidate := range byNeighbor {
		if !haveWinner {
			winner, haveWinner = candidate, true
			continue
		}
		if candidate.hopCount() < winner.hopCount() {
			winner = candidate
			continue
		}
		if candidate.hopCount() == winner.hopCount() && neighbor.Less(winner.nextHop()) {
			winner = candidate
		}
	}

	if !haveWinner {
		delete(t.best, destination)
		return hadPrior
	}
	t.best[destination] = winner
	return !hadPrior || !pathsEqual(prior.path, winner.path)
}

// Lookup implements routetree.NextHopLookup.
func (t *routingTable) Lookup(destination peerid.Identifier) (peerid.Identifier, []peerid.Identifier, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.best[destination]
	if !ok {
		return peerid.Identifier{}, nil, false
	}
	return e.nextHop(), append([]peerid.Identifier(nil), e.path...), true
}

// Destinations returns every destination with a currently selected route.
func (t *routingTable) Destinations() []peerid.Identifier {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]peerid.Identifier, 0, len(t.best))
	for d := range t.best {
		out = append(out, d)
	}
	return out
}

func pathsEqual(a, b []peerid.Identifier) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
