package gate

import (
	"io"
	"sync"
	"sync/atomic"

	"quotebot/internal/wire"
	"quotebot/logger"
)

// Reader drains length-prefixed frames from the gate connection and hands
// them to registered RawListeners. Each frame on the wire is a 2-byte
// little-endian body length, 6 further header bytes, then the body; the
// listener receives header and body as one slice.
type Reader struct {
	in io.Reader

	mu        sync.Mutex
	listeners []RawListener

	stopped atomic.Bool
	log     *logger.Entry
}

// NewReader wraps in. Run must be called for any reading to happen.
func NewReader(in io.Reader) *Reader {
	return &Reader{
		in:  in,
		log: logger.Component("gate_reader"),
	}
}

// AddListener registers a listener for incoming frames. Panics on nil.
func (r *Reader) AddListener(l RawListener) {
	if l == nil {
		panic("gate: nil RawListener")
	}
	r.mu.Lock()
	r.listeners = append(r.listeners, l)
	r.mu.Unlock()
}

func (r *Reader) readMessage() ([]byte, error) {
	head := make([]byte, 2)
	if _, err := io.ReadFull(r.in, head); err != nil {
		return nil, err
	}
	size := int(wire.Parse16(head, 0))
	message := make([]byte, size+8)
	copy(message, head)
	if _, err := io.ReadFull(r.in, message[2:]); err != nil {
		// End of stream mid-frame; the frame cannot be recovered.
		return nil, err
	}
	return message, nil
}

// Run reads and delivers frames until a read error occurs. Only the body
// size is evaluated from the header; no validation of frame content is
// attempted here. With a single listener the buffer is handed over as-is;
// with several, each receives its own copy.
func (r *Reader) Run() {
	for {
		message, err := r.readMessage()
		if err != nil {
			if r.stopped.Load() {
				return
			}
			r.log.WithError(err).Error("frame read failed")
			return
		}
		logger.IncrementGateRead(len(message))

		r.mu.Lock()
		if len(r.listeners) > 1 {
			for _, l := range r.listeners {
				handoff := make([]byte, len(message))
				copy(handoff, message)
				l.MessageReceived(handoff)
			}
		} else if len(r.listeners) == 1 {
			r.listeners[0].MessageReceived(message)
		}
		r.mu.Unlock()
	}
}

// Stop instructs the reader to exit quietly. It only does so once the next
// read returns, so callers should close the underlying connection as well.
func (r *Reader) Stop() {
	r.stopped.Store(true)
}
