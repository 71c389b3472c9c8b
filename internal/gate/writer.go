package gate

import (
	"io"
	"sync"
	"sync/atomic"
	"time"

	"quotebot/logger"
)

// sequenceMessage is the pre-built heartbeat frame (type 5007) with an
// 8-byte body of 0xFF.
var sequenceMessage = []byte{
	0x08, 0x00, 0x8f, 0x13, 0x04, 0x1c, 0x02, 0x00,
	0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff,
}

// Writer owns the outgoing half of the gate connection. It drains an
// unbounded FIFO of raw frames and injects a sequence frame whenever the
// connection has been idle for two-thirds of the heartbeat period.
type Writer struct {
	out io.Writer

	mu    sync.Mutex
	queue [][]byte
	wake  chan struct{}

	lastSend  int64 // nanoseconds, loop-owned after Run starts
	heartbeat int64

	stopped atomic.Bool
	log     *logger.Entry
}

// NewWriter wraps out. lastSend is the Unix-nanosecond time of the last
// write on the connection, used to time the first heartbeat; heartbeat is
// the negotiated period in nanoseconds.
func NewWriter(out io.Writer, lastSend, heartbeat int64) *Writer {
	return &Writer{
		out:       out,
		wake:      make(chan struct{}, 1),
		lastSend:  lastSend,
		heartbeat: heartbeat,
		log:       logger.Component("gate_writer"),
	}
}

// Enqueue adds a frame to the sending queue. The frame is copied.
func (w *Writer) Enqueue(message []byte) {
	buf := make([]byte, len(message))
	copy(buf, message)

	w.mu.Lock()
	w.queue = append(w.queue, buf)
	w.mu.Unlock()

	select {
	case w.wake <- struct{}{}:
	default:
	}
}

func (w *Writer) dequeue() []byte {
	w.mu.Lock()
	defer w.mu.Unlock()
	if len(w.queue) == 0 {
		return nil
	}
	message := w.queue[0]
	w.queue = w.queue[1:]
	return message
}

// Run writes enqueued frames and heartbeats until Stop is called. A wait
// that times out with nothing queued produces a sequence frame; a stale
// wake signal with nothing queued restarts the wait instead.
func (w *Writer) Run() {
	for {
		message := w.dequeue()
		if message == nil {
			delay := (w.heartbeat*2/3 - (time.Now().UnixNano() - w.lastSend)) / int64(time.Millisecond)
			timer := time.NewTimer(time.Duration(delay) * time.Millisecond)
			select {
			case <-w.wake:
				timer.Stop()
				message = w.dequeue()
				if message == nil && !w.stopped.Load() {
					continue
				}
			case <-timer.C:
			}
			if message == nil {
				message = sequenceMessage
			}
		}

		if w.stopped.Load() {
			w.log.Info("writer stopped")
			return
		}

		w.lastSend = time.Now().UnixNano()
		if _, err := w.out.Write(message); err != nil {
			w.log.WithError(err).Warn("write failed")
		}
	}
}

// Stop halts all further output, heartbeats and queued frames included.
// Run returns at its next wake or poll timeout, not immediately.
func (w *Writer) Stop() {
	w.stopped.Store(true)
	select {
	case w.wake <- struct{}{}:
	default:
	}
}
