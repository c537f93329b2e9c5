package services

import (
	"rillcall/internal/core/domain"
)

// Roster is the ordered set of active stream handles, keyed by stream id.
// Insertion order is arrival order.
type Roster struct {
	handles []*StreamHandle
	index   map[domain.StreamID]*StreamHandle
}

func NewRoster() *Roster {
	return &Roster{
		index: make(map[domain.StreamID]*StreamHandle),
	}
}

// Add appends h. It returns domain.ErrStreamExists if the id is taken.
func (r *Roster) Add(h *StreamHandle) error {
	if _, ok := r.index[h.ID()]; ok {
		return domain.ErrStreamExists
	}
	r.handles = append(r.handles, h)
	r.index[h.ID()] = h
	return nil
}

func (r *Roster) Get(id domain.StreamID) (*StreamHandle, bool) {
	h, ok := r.index[id]
	return h, ok
}

func (r *Roster) Has(id domain.StreamID) bool {
	_, ok := r.index[id]
	return ok
}

// Remove drops the handle with the given id
func (r *Roster) Remove(id domain.StreamID) (*StreamHandle, bool) {
	h, ok := r.index[id]
	if !ok {
		return nil, false
	}
	delete(r.index, id)
	for i, candidate := range r.handles {
		if candidate == h {
			r.handles = append(r.handles[:i], r.handles[i+1:]...)
			break
		}
	}
	return h, true
}

// RemoveWhere drops every handle matching pred and returns them in order
func (r *Roster) RemoveWhere(pred func(*StreamHandle) bool) []*StreamHandle {
	var removed []*StreamHandle
	kept := r.handles[:0]
	for _, h := range r.handles {
		if pred(h) {
			removed = append(removed, h)
			delete(r.index, h.ID())
			continue
		}
		kept = append(kept, h)
	}
	for i := len(kept); i < len(r.handles); i++ {
		r.handles[i] = nil
	}
	r.handles = kept
	return removed
}

func (r *Roster) Len() int {
	return len(r.handles)
}

// Snapshot copies the roster for observers
func (r *Roster) Snapshot() []domain.StreamInfo {
	out := make([]domain.StreamInfo, 0, len(r.handles))
	for _, h := range r.handles {
		out = append(out, h.Snapshot())
	}
	return out
}
