package gate

// RawListener receives complete frames from a Reader, header included.
type RawListener interface {
	MessageReceived(message []byte)
}

// MessageHandler receives typed callbacks for the protocol messages a
// Channel parses. Each method corresponds to one wire message type; see the
// dispatch table in Channel.MessageReceived.
type MessageHandler interface {
	// HandleExecutionReport reports a fill. If remain > 0 the remnant order
	// is still open; if remain == 0 the server has purged it.
	HandleExecutionReport(orderID uint64, price uint64, size int32, remain int32, timestamp int64)

	// HandleNewOrderSingleReport reports a successful order placement.
	HandleNewOrderSingleReport(orderID uint64, price uint64, size int32, buy bool, requestID uint64, timestamp int64)

	// HandleOrderReplaceReport reports a successful order replacement. The
	// replacement is assigned a fresh order id; oldOrderID names the order
	// it retired.
	HandleOrderReplaceReport(orderID uint64, price uint64, size int32, requestID uint64, oldOrderID uint64, timestamp int64)

	// HandleNewOrderReject reports a rejected order placement.
	HandleNewOrderReject(requestID uint64, reason byte)

	// HandleOrderReplaceReject reports a rejected order replacement.
	HandleOrderReplaceReject(requestID uint64, reason byte)

	// HandleFloodReject reports that the session is blocked for timeout
	// nanoseconds because too many messages were sent.
	HandleFloodReject(requestID uint64, timeout int64)

	// HandleTerminate reports that the server has terminated the session.
	HandleTerminate(reason byte)

	// HandleMessageReject reports a request rejected for reasons not
	// specific to its type. fieldID identifies the defective field when
	// applicable.
	HandleMessageReject(requestID uint64, reason byte, fieldID int32)
}
