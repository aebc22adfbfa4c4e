package broker

// reorderer restores producer order for a stream of (seq, payload)
// pairs delivered at-least-once with no ordering guarantee. Seq starts
// at 1 per session and direction. Duplicates and already-delivered
// sequence numbers are dropped.
type reorderer struct {
	next    uint64
	pending map[uint64]string
}

func newReorderer() *reorderer {
	return &reorderer{next: 1, pending: make(map[uint64]string)}
}

// maxPending bounds the buffer so a lost sequence number cannot pin
// memory forever. Past the bound the stream skips ahead.
const maxPending = 1024

// push accepts one item and returns every item that is now deliverable
// in order.
func (r *reorderer) push(seq uint64, data string) []string {
	if seq < r.next {
		return nil // duplicate
	}
	if _, dup := r.pending[seq]; dup {
		return nil
	}
	r.pending[seq] = data

	if len(r.pending) > maxPending {
		// Give up on the gap: jump to the oldest buffered item.
		lowest := seq
		for s := range r.pending {
			if s < lowest {
				lowest = s
			}
		}
		r.next = lowest
	}

	var out []string
	for {
		data, ok := r.pending[r.next]
		if !ok {
			return out
		}
		delete(r.pending, r.next)
		out = append(out, data)
		r.next++
	}
}
