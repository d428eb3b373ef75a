package chat

// DefaultHistorySize is the number of recent messages a session keeps.
const DefaultHistorySize = 200

// History is a fixed-capacity circular buffer of messages. When full, the
// oldest entry is overwritten. It is not safe for concurrent use; Session
// guards it with its own lock.
type History struct {
	buf      []Message
	capacity int
	pos      int // next write position
	full     bool
}

// NewHistory creates a buffer holding at most capacity messages.
// Non-positive capacities fall back to DefaultHistorySize.
func NewHistory(capacity int) *History {
	if capacity <= 0 {
		capacity = DefaultHistorySize
	}
	return &History{buf: make([]Message, capacity), capacity: capacity}
}

// Push appends a message, evicting the oldest one on overflow.
func (h *History) Push(m Message) {
	h.buf[h.pos] = m
	h.pos = (h.pos + 1) % h.capacity
	if h.pos == 0 {
		h.full = true
	}
}

// Len returns the number of stored messages.
func (h *History) Len() int {
	if h.full {
		return h.capacity
	}
	return h.pos
}

// Cap returns the buffer capacity.
func (h *History) Cap() int { return h.capacity }

// Reset drops every stored message.
func (h *History) Reset() {
	clear(h.buf)
	h.pos = 0
	h.full = false
}

// Last returns up to n of the most recent messages, oldest first.
// n <= 0 returns everything.
func (h *History) Last(n int) []Message {
	size := h.Len()
	if n <= 0 || n > size {
		n = size
	}
	out := make([]Message, n)
	start := (h.pos - n + h.capacity) % h.capacity
	for i := 0; i < n; i++ {
		out[i] = h.buf[(start+i)%h.capacity]
	}
	return out
}
