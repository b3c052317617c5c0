package socketlib

// Message is an owned, immutable byte buffer with a length (spec.md C1).
// The zero value is an empty message and is never transmitted.
type Message struct {
	data []byte
}

// NewMessage copies p into a new owned buffer. An empty or nil p yields
// an empty Message.
func NewMessage(p []byte) Message {
	if len(p) == 0 {
		return Message{}
	}
	buf := make([]byte, len(p))
	copy(buf, p)
	return Message{data: buf}
}

// NewMessageString copies s into a new owned buffer.
func NewMessageString(s string) Message {
	if len(s) == 0 {
		return Message{}
	}
	return Message{data: []byte(s)}
}

// NewMessageFromOwned adopts buf without copying; the caller must not
// mutate buf afterward. This is the move-constructor analogue from
// spec.md §4.1.
func NewMessageFromOwned(buf []byte) Message {
	if len(buf) == 0 {
		return Message{}
	}
	return Message{data: buf}
}

// NewMessageUninitialized allocates an owned buffer of length n without
// copying source bytes in, for callers that will fill it in place (e.g.
// a recv target).
func NewMessageUninitialized(n int) Message {
	if n <= 0 {
		return Message{}
	}
	return Message{data: make([]byte, n)}
}

// Copy deep-copies the Message, satisfying P4: copy-then-equal preserves
// bytes and the two Messages share no backing array.
func (m Message) Copy() Message {
	if len(m.data) == 0 {
		return Message{}
	}
	return NewMessage(m.data)
}

// Move transfers m's buffer out, leaving the receiver pointer's referent
// empty (length 0, no owned buffer) as required by P4. Because Message is
// a value type in Go, "move" is expressed as: take ownership of the
// returned Message and discard the source variable. Move has a pointer
// receiver, so the source variable itself is zeroed in place.
func (m *Message) Move() Message {
	out := Message{data: m.data}
	m.data = nil
	return out
}

// Len returns the number of bytes in the message.
func (m Message) Len() int { return len(m.data) }

// Empty reports whether the message is empty (null data or zero length)
// per spec.md §3 — such messages are legal but never transmitted.
func (m Message) Empty() bool { return len(m.data) == 0 }

// Bytes returns the underlying slice. Callers must not mutate it; use
// Copy first if mutation is required.
func (m Message) Bytes() []byte { return m.data }

// String returns the message contents as a string view (allocates a copy,
// per Go string immutability, unlike the source's zero-copy string_view).
func (m Message) String() string { return string(m.data) }

// Equal reports whether two messages hold identical bytes.
func (m Message) Equal(other Message) bool {
	if len(m.data) != len(other.data) {
		return false
	}
	for i := range m.data {
		if m.data[i] != other.data[i] {
			return false
		}
	}
	return true
}
