package tunnel

// AckQueue tracks pending-ack tokens the dispatcher is waiting to hear back
// from the backend on. Restated 1:1 from the original's ackq_add/ackq_del:
// a dense slice with vacated-slot reuse, doubling capacity from an initial
// 128 entries on overflow.
type AckQueue struct {
	slots []*entry
	size  int // number of slots in use (entries live in slots[:size])
	reuse int // number of vacated (nil) slots below size
}

type entry struct {
	token Token
	conn  interface{}
}

const initialCapacity = 128

// NewAckQueue returns an empty AckQueue.
func NewAckQueue() *AckQueue {
	return &AckQueue{slots: make([]*entry, 0, initialCapacity)}
}

// Add inserts conn under token, reusing a vacated slot if one exists.
func (q *AckQueue) Add(token Token, conn interface{}) {
	for i := 0; i < q.size; i++ {
		if q.slots[i] == nil {
			q.slots[i] = &entry{token: token, conn: conn}
			q.reuse--
			if q.reuse == q.size {
				q.reuse, q.size = 0, 0
			}
			return
		}
	}

	// Slots past size were vacated by earlier removals; fill them in order
	// before appending.
	if q.size < len(q.slots) {
		q.slots[q.size] = &entry{token: token, conn: conn}
		q.size++
		return
	}
	if len(q.slots) == cap(q.slots) {
		newCap := cap(q.slots) * 2
		if newCap == 0 {
			newCap = initialCapacity
		}
		grown := make([]*entry, len(q.slots), newCap)
		copy(grown, q.slots)
		q.slots = grown
	}
	q.slots = append(q.slots, &entry{token: token, conn: conn})
	q.size++
}

// Remove deletes the entry for token, if present, and reports whether it
// was found. Idempotent: removing an absent token is a no-op returning false.
func (q *AckQueue) Remove(token Token) (conn interface{}, found bool) {
	for i := 0; i < q.size; i++ {
		if q.slots[i] != nil && q.slots[i].token == token {
			conn = q.slots[i].conn
			q.slots[i] = nil
			if i == q.size-1 {
				q.size--
			} else {
				q.reuse++
			}
			if q.reuse == q.size {
				q.reuse, q.size = 0, 0
			}
			return conn, true
		}
	}
	return nil, false
}

// Contains reports whether token currently has a pending entry.
func (q *AckQueue) Contains(token Token) bool {
	for i := 0; i < q.size; i++ {
		if q.slots[i] != nil && q.slots[i].token == token {
			return true
		}
	}
	return false
}

// Size and Reuse expose the internal counters for leak-detection tests:
// after a session of matched adds/removes, both must be zero.
func (q *AckQueue) Size() int  { return q.size }
func (q *AckQueue) Reuse() int { return q.reuse }
