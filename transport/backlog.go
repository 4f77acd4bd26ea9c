package transport

// Backlog holds the frames a transport refused while its outbound buffer was
// full and offers them again, in order, on refill. It must only be used from
// the transport's queue.
type Backlog struct {
	t      *Transport
	frames [][]byte
}

func NewBacklog(t *Transport) *Backlog {
	return &Backlog{t: t}
}

// Send offers frame, keeping it for a later Refill if the transport refuses
// it or older frames are still waiting.
func (b *Backlog) Send(frame []byte) {
	if len(b.frames) == 0 && b.t.Offer(frame) {
		return
	}
	b.frames = append(b.frames, frame)
}

// Refill offers waiting frames until the transport refuses one.
func (b *Backlog) Refill() {
	for len(b.frames) > 0 {
		if !b.t.Offer(b.frames[0]) {
			return
		}
		b.frames[0] = nil
		b.frames = b.frames[1:]
	}
}

func (b *Backlog) Len() int {
	return len(b.frames)
}
