// Package gate implements the client side of the exchange's binary trading
// protocol: framed reads, heartbeat-aware writes, session establishment,
// sequence tracking, and construction of the order request messages the
// robot needs. Only selected message types are handled; unhandled incoming
// messages are logged and ignored.
package gate

import (
	"context"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"quotebot/internal/wire"
	"quotebot/logger"
)

// Message types used on the session and application layers.
const (
	MsgEstablish          = 5000
	MsgEstablishAck       = 5001
	MsgTerminate          = 5003
	MsgSequence           = 5007
	MsgFloodReject        = 5008
	MsgMessageReject      = 5009
	MsgNewOrderSingle     = 6001
	MsgOrderReplace       = 6003
	MsgMassCancel         = 6004
	MsgNewOrderReport     = 7000
	MsgNewOrderReject     = 7001
	MsgOrderReplaceReport = 7004
	MsgOrderReplaceReject = 7005
	MsgExecutionReport    = 7008
)

var schemaAndVersion = []byte{0x04, 0x1c, 0x02, 0x00}

// requestHeartbeat is the heartbeat interval the client asks for during
// session establishment, in nanoseconds. The server may negotiate another.
const requestHeartbeat int64 = 5_000_000_000

// Channel opens and operates a session with the trading gate. Incoming
// frames are parsed and dispatched to a MessageHandler; the Send methods
// assemble request frames and enqueue them for transmission.
type Channel struct {
	target  string
	login   uint32
	account int64

	conn     net.Conn
	lastSend int64
	// heartbeat holds the server-negotiated period after Connect.
	heartbeat int64

	reqMu   sync.Mutex
	request uint64

	mu       sync.Mutex // guards handler and sequence
	handler  MessageHandler
	sequence uint64

	out *Writer
	in  *Reader

	log *logger.Entry
}

// NewChannel initializes a Channel. No connection is attempted until
// Connect is called. firstRequest must be greater than any request id used
// on a previous session or the gate will reject messages.
func NewChannel(target string, login uint32, account int64, firstRequest uint64) *Channel {
	return &Channel{
		target:  target,
		login:   login,
		account: account,
		request: firstRequest,
		log:     logger.Component("gate_channel"),
	}
}

// Connect dials the gate and establishes a session: it sends an Establish
// frame, validates the negotiated-heartbeat response, records the server's
// heartbeat period and initial sequence number, and starts the reader and
// writer workers.
func (c *Channel) Connect(ctx context.Context) error {
	if c.conn != nil {
		return nil
	}

	c.log.WithFields(logger.Fields{"target": c.target}).Info("connecting to trading gate")
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", c.target)
	if err != nil {
		return fmt.Errorf("dial gate: %w", err)
	}
	c.conn = conn

	c.lastSend = time.Now().UnixNano()
	if err := c.sendEstablish(conn); err != nil {
		c.voidConnection()
		return err
	}

	ack := make([]byte, 24)
	if _, err := io.ReadFull(conn, ack[:8]); err != nil {
		c.voidConnection()
		return fmt.Errorf("read establish response: %w", err)
	}
	if wire.Parse16(ack, 2) != MsgEstablishAck {
		c.voidConnection()
		return fmt.Errorf("could not establish session, received % x", ack[:8])
	}
	if _, err := io.ReadFull(conn, ack[8:]); err != nil {
		c.voidConnection()
		return fmt.Errorf("read establish response body: %w", err)
	}

	c.heartbeat = int64(wire.Parse64(ack, 8))
	c.sequence = wire.Parse64(ack, 16)
	c.log.WithFields(logger.Fields{
		"heartbeat_ns": c.heartbeat,
		"sequence":     c.sequence,
	}).Info("session established")

	c.out = NewWriter(conn, c.lastSend, c.heartbeat)
	go c.out.Run()
	c.in = NewReader(conn)
	c.in.AddListener(c)
	go c.in.Run()
	return nil
}

func (c *Channel) sendEstablish(out io.Writer) error {
	message := make([]byte, 20)
	message[0] = 0x0c
	wire.Write16(message, MsgEstablish, 2)
	copy(message[4:], schemaAndVersion)
	wire.Write64(message, uint64(requestHeartbeat), 8)
	wire.Write32(message, c.login, 16)

	c.log.WithFields(logger.Fields{"login": c.login}).Info("sending establish")
	if _, err := out.Write(message); err != nil {
		return fmt.Errorf("send establish: %w", err)
	}
	return nil
}

func (c *Channel) voidConnection() {
	c.log.Info("closing gate connection")
	if c.out != nil {
		c.out.Stop()
	}
	if c.in != nil {
		c.in.Stop()
	}
	if c.conn != nil {
		c.conn.Close()
		c.conn = nil
	}
}

// Close stops communication and closes the connection. No session-layer
// goodbye is sent and replies in flight may be lost; the server's mass
// cancel covers the safety requirement.
func (c *Channel) Close() error {
	c.voidConnection()
	return nil
}

func isSession(messageType uint16) bool {
	return messageType >= 5000 && messageType <= 5999
}

// MessageReceived dispatches a raw frame. Not for external use; it exists
// to receive frames from the internally created Reader.
//
// Application-layer frames carry a sequence number at offset 8. A mismatch
// is logged and the expected counter is not advanced, leaving the session
// out of step until the operator intervenes.
func (c *Channel) MessageReceived(message []byte) {
	messageType := wire.Parse16(message, 2)

	var locseq uint64
	var handler MessageHandler
	c.mu.Lock()
	if !isSession(messageType) {
		if len(message) >= 16 && wire.Parse64(message, 8) != c.sequence {
			// All application messages carry SeqNo first.
			c.log.WithFields(logger.Fields{
				"received": wire.Parse64(message, 8),
				"expected": c.sequence,
			}).Warn("sequencing problem")
		} else if len(message) < 16 {
			c.log.WithFields(logger.Fields{
				"type":   messageType,
				"length": len(message),
			}).Warn("anomalous message")
		} else {
			c.sequence++
		}
	}
	locseq = c.sequence
	handler = c.handler
	c.mu.Unlock()

	switch messageType {
	case MsgNewOrderReport:
		if handler == nil {
			c.log.Warn("no handler for order placement message")
		} else {
			handler.HandleNewOrderSingleReport(wire.Parse64(message, 52), wire.Parse64(message, 60),
				int32(wire.Parse32(message, 68)), message[74] == 1, wire.Parse64(message, 24), int64(wire.Parse64(message, 32)))
		}
	case MsgNewOrderReject:
		if handler == nil {
			c.log.Warn("no handler for order rejection message")
		} else {
			handler.HandleNewOrderReject(wire.Parse64(message, 24), message[32])
		}
	case MsgExecutionReport:
		if handler == nil {
			c.log.Warn("no handler for execution report message")
		} else {
			handler.HandleExecutionReport(wire.Parse64(message, 52), wire.Parse64(message, 40),
				int32(wire.Parse32(message, 48)), int32(wire.Parse32(message, 60)), int64(wire.Parse64(message, 24)))
		}
	case MsgOrderReplaceReport:
		if handler == nil {
			c.log.Warn("no handler for order replacement message")
		} else {
			handler.HandleOrderReplaceReport(wire.Parse64(message, 40), wire.Parse64(message, 48),
				int32(wire.Parse32(message, 56)), wire.Parse64(message, 24), wire.Parse64(message, 60), int64(wire.Parse64(message, 32)))
		}
	case MsgOrderReplaceReject:
		if handler == nil {
			c.log.Warn("no handler for order replacement rejection message")
		} else {
			handler.HandleOrderReplaceReject(wire.Parse64(message, 24), message[32])
		}
	case MsgTerminate:
		if handler == nil {
			c.log.WithFields(logger.Fields{"code": message[8]}).Error("session terminated, no handler")
		} else {
			handler.HandleTerminate(message[8])
		}
	case MsgSequence:
		if locseq != wire.Parse64(message, 8) {
			c.log.WithFields(logger.Fields{
				"received": wire.Parse64(message, 8),
				"expected": locseq,
			}).Warn("heartbeat sequence number disagrees with internal")
		}
	case MsgFloodReject:
		if handler == nil {
			c.log.Warn("no handler for flooding message")
		} else {
			handler.HandleFloodReject(wire.Parse64(message, 8), int64(wire.Parse64(message, 20)))
		}
	case MsgMessageReject:
		if handler == nil {
			c.log.WithFields(logger.Fields{
				"code":    message[20],
				"request": wire.Parse64(message, 8),
				"field":   int32(wire.Parse32(message, 16)),
			}).Error("message rejected, no handler")
		} else {
			handler.HandleMessageReject(wire.Parse64(message, 8), message[20], int32(wire.Parse32(message, 16)))
		}
	default:
		c.log.WithFields(logger.Fields{"type": messageType}).Debug("unhandled message received")
	}
}

func (c *Channel) nextRequest() uint64 {
	c.reqMu.Lock()
	defer c.reqMu.Unlock()
	req := c.request
	c.request++
	return req
}

// SendNewOrderSingle enqueues a limit order placement and returns its
// request id. The order is good-till-canceled.
func (c *Channel) SendNewOrderSingle(price uint64, size int32, buy bool, instrument int32) uint64 {
	req := c.nextRequest()
	message := make([]byte, 51)
	message[0] = 43
	wire.Write16(message, MsgNewOrderSingle, 2)
	copy(message[4:], schemaAndVersion)
	wire.Write64(message, ^uint64(0), 8) // TraceID sentinel -1
	wire.Write64(message, req, 16)
	wire.Write64(message, uint64(c.account), 24)
	wire.Write32(message, uint32(instrument), 32)
	wire.Write64(message, price, 36)
	wire.Write32(message, uint32(size), 44)
	message[48] = 1 // order type: limit
	message[49] = 1 // time in force: good till canceled
	if buy {
		message[50] = 1
	} else {
		message[50] = 2
	}

	c.out.Enqueue(message)
	return req
}

// SendOrderReplaceRequest enqueues a price/size replacement for an existing
// order and returns its request id.
func (c *Channel) SendOrderReplaceRequest(orderID uint64, price uint64, size int32) uint64 {
	req := c.nextRequest()
	message := make([]byte, 46)
	message[0] = byte(len(message) - 8)
	wire.Write16(message, MsgOrderReplace, 2)
	copy(message[4:], schemaAndVersion)
	wire.Write64(message, ^uint64(0), 8) // TraceID sentinel -1
	wire.Write64(message, req, 16)
	wire.Write64(message, orderID, 24)
	wire.Write64(message, price, 32)
	wire.Write32(message, uint32(size), 40)
	message[44] = 0xff // null order type
	message[45] = 0xff // null time in force
	c.out.Enqueue(message)
	return req
}

// SendOrderMassCancelRequest enqueues a mass cancel for the account and
// returns its request id. side is 1 for buy orders, 2 for sell orders; any
// other value cancels both sides. Replies to this message type are not
// processed, so it should be used sparingly.
func (c *Channel) SendOrderMassCancelRequest(instrument int32, side int8) uint64 {
	req := c.nextRequest()
	message := make([]byte, 37)
	message[0] = byte(len(message) - 8)
	wire.Write16(message, MsgMassCancel, 2)
	copy(message[4:], schemaAndVersion)
	wire.Write64(message, ^uint64(0), 8) // TraceID sentinel -1
	wire.Write64(message, req, 16)
	wire.Write64(message, uint64(c.account), 24)
	wire.Write32(message, uint32(instrument), 32)
	if side != 1 && side != 2 {
		side = -1
	}
	message[36] = byte(side)
	c.out.Enqueue(message)
	return req
}

// SetMessageHandler installs the handler for parsed messages. May be called
// with nil to detach.
func (c *Channel) SetMessageHandler(h MessageHandler) {
	c.mu.Lock()
	c.handler = h
	c.mu.Unlock()
}

// MessageHandler returns the currently installed handler.
func (c *Channel) MessageHandler() MessageHandler {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.handler
}
