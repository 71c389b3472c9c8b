// Package robot implements the quoting engine: a single-writer decision
// loop that keeps one buy and one sell limit order centered on the market
// mid, reconciling desired quotes against live orders as the book and the
// position move.
package robot

import (
	"context"
	"math"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"quotebot/internal/book"
	"quotebot/internal/flood"
	"quotebot/logger"
)

// floodPeriod is the gate's message-counting window.
const floodPeriod = int64(time.Second)

// Trader is the outbound half of the trading channel as the engine needs
// it. Each send returns the request id used on the wire.
type Trader interface {
	SendNewOrderSingle(price uint64, size int32, buy bool, instrument int32) uint64
	SendOrderReplaceRequest(orderID uint64, price uint64, size int32) uint64
	SendOrderMassCancelRequest(instrument int32, side int8) uint64
}

// Config carries the strategy parameters. Interest, Shift and Increment are
// fixed-point values scaled by 10^9.
type Config struct {
	TradeVolume int32
	Interest    int64
	Shift       int64
	Instrument  int32
	Increment   int64
	MaxPosition int32
	Position    int32
	FloodLimit  int32
}

// Robot maintains the quote pair. All mutable quoting state is touched only
// from the executor goroutine: inbound gate callbacks and book updates
// enqueue closures rather than mutating directly, which is the entire
// concurrency discipline for engine state.
//
// The strategy: a buy at mid - interest - shift*position and a sell at
// mid + interest - shift*position, both sized at TradeVolume or whatever
// less keeps the position inside [-MaxPosition, MaxPosition].
type Robot struct {
	standardVolume int32
	interest       int64
	shift          int64
	instrument     int32
	maxPosition    int32
	increment      int64

	trade Trader

	tasks    chan func()
	done     chan struct{}
	closed   atomic.Bool
	stopOnce sync.Once

	// Engine-exclusive state below; executor goroutine only.
	position  int32
	bidPrice  uint64
	bidAmount int32
	askPrice  uint64
	askAmount int32

	marketBid uint64
	marketAsk uint64

	bidID uint64
	askID uint64

	bidReqID uint64
	askReqID uint64

	desiredBidPrice  uint64
	desiredBidAmount int32
	desiredAskPrice  uint64
	desiredAskAmount int32

	revisionPending bool

	lastReqID  atomic.Uint64
	unlockTime atomic.Int64

	flood *flood.Tracker

	now  func() int64
	exit func(int)

	log *logger.Entry
}

// New creates the robot. It does not start processing until Start is
// called; connecting the transports is the caller's concern.
func New(cfg Config, trade Trader) *Robot {
	return &Robot{
		standardVolume: cfg.TradeVolume,
		interest:       cfg.Interest,
		shift:          cfg.Shift,
		instrument:     cfg.Instrument,
		maxPosition:    cfg.MaxPosition,
		increment:      cfg.Increment,
		position:       cfg.Position,
		trade:          trade,
		// One message of headroom is reserved under the gate's limit so a
		// heartbeat can never tip the session into a penalty.
		flood: flood.NewTracker(int(cfg.FloodLimit)-1, floodPeriod),
		tasks: make(chan func(), 1024),
		done:  make(chan struct{}),
		now:   func() int64 { return time.Now().UnixNano() },
		exit:  os.Exit,
		log:   logger.Component("robot"),
	}
}

// Start launches the executor goroutine.
func (r *Robot) Start(ctx context.Context) error {
	go r.run(ctx)
	return nil
}

func (r *Robot) run(ctx context.Context) {
	for {
		select {
		case task := <-r.tasks:
			task()
		case <-r.done:
			return
		case <-ctx.Done():
			return
		}
	}
}

// execute serializes a state mutation onto the executor. Tasks offered
// after shutdown are discarded.
func (r *Robot) execute(task func()) {
	if r.closed.Load() {
		return
	}
	select {
	case r.tasks <- task:
	case <-r.done:
	}
}

// BookUpdate evaluates a top-of-book change and revises quotes when prices
// have moved. The ladders include the robot's own orders; the top entry is
// skipped when it matches the live order on that side, so the second entry
// supplies the true market price.
func (r *Robot) BookUpdate(bids, asks []*book.Entry) {
	r.execute(func() {
		topBid := bids[0]
		if topBid != nil && topBid.Price == r.bidPrice && topBid.Amount <= r.bidAmount {
			topBid = bids[1]
		}
		topAsk := asks[0]
		if topAsk != nil && topAsk.Price == r.askPrice && topAsk.Amount <= r.askAmount {
			topAsk = asks[1]
		}

		if topAsk != nil && topBid != nil && (topAsk.Price != r.marketAsk || topBid.Price != r.marketBid) {
			r.log.WithFields(logger.Fields{
				"market_ask": topAsk.Price,
				"market_bid": topBid.Price,
			}).Debug("market prices updated")
			r.marketAsk = topAsk.Price
			r.marketBid = topBid.Price
			r.replaceOrders()
		}
	})
}

// HandleExecutionReport updates the position tracker and, when an order has
// entirely cleared, re-quotes that side.
func (r *Robot) HandleExecutionReport(orderID uint64, price uint64, size int32, remain int32, timestamp int64) {
	r.execute(func() {
		switch orderID {
		case r.bidID:
			r.bidAmount = remain
			r.position += size
			r.log.WithFields(logger.Fields{"size": size, "price": price, "left": remain}).Info("bought")
		case r.askID:
			r.askAmount = remain
			r.position -= size
			r.log.WithFields(logger.Fields{"size": size, "price": price, "left": remain}).Info("sold")
		default:
			r.log.WithFields(logger.Fields{
				"order": orderID, "bid": r.bidID, "ask": r.askID,
			}).Error("unrecognized order execution; position record is now in error")
		}
		r.log.Metric("position", float64(r.position), "gauge", nil)
		r.log.Metric("fills", 1, "counter", nil)

		if remain == 0 {
			r.replaceOrders()
		}
	})
}

// HandleNewOrderSingleReport registers a successful order placement.
func (r *Robot) HandleNewOrderSingleReport(orderID uint64, price uint64, size int32, buy bool, requestID uint64, timestamp int64) {
	r.execute(func() {
		r.installOrder(orderID, price, size, requestID)
	})
}

// HandleOrderReplaceReport registers a successful order replacement.
func (r *Robot) HandleOrderReplaceReport(orderID uint64, price uint64, size int32, requestID uint64, oldOrderID uint64, timestamp int64) {
	r.execute(func() {
		r.installOrder(orderID, price, size, requestID)
	})
}

// HandleOrderReplaceReject falls back to a fresh placement when a
// replacement fails, circumstances permitting. Reason 4 is the expected
// order-no-longer-exists race; other codes are logged but treated the same.
func (r *Robot) HandleOrderReplaceReject(requestID uint64, reason byte) {
	r.execute(func() {
		now := r.now()
		switch requestID {
		case r.bidReqID:
			if r.desiredBidAmount == 0 {
				r.log.Debug("failed bid replacement, no bid now desired")
				r.bidReqID = 0
			} else if now < r.unlockTime.Load() || !r.flood.Add(now) {
				r.log.Debug("failed bid replacement, cannot place new order due to flood penalty")
				r.bidReqID = 0
			} else {
				r.log.Debug("failed bid replacement, placing new order")
				r.bidReqID = r.trade.SendNewOrderSingle(r.desiredBidPrice, r.desiredBidAmount, true, r.instrument)
				r.trackRequest(r.bidReqID)
			}
		case r.askReqID:
			if r.desiredAskAmount == 0 {
				r.log.Debug("failed ask replacement, no ask now desired")
				r.askReqID = 0
			} else if now < r.unlockTime.Load() || !r.flood.Add(now) {
				r.log.Debug("failed ask replacement, cannot place new order due to flood penalty")
				r.askReqID = 0
			} else {
				r.log.Debug("failed ask replacement, placing new order")
				r.askReqID = r.trade.SendNewOrderSingle(r.desiredAskPrice, r.desiredAskAmount, false, r.instrument)
				r.trackRequest(r.askReqID)
			}
		default:
			r.log.WithFields(logger.Fields{
				"request": requestID, "bid_request": r.bidReqID, "ask_request": r.askReqID,
			}).Warn("unidentified order rejection received")
		}
		if reason != 4 {
			r.log.WithFields(logger.Fields{"reason": reason}).Warn("order replacement failed with unexpected reason code")
		}
	})
}

// HandleNewOrderReject registers an order placement rejection. Reason codes
// 2, 3 and 13 indicate an irrecoverable error and stop the process.
func (r *Robot) HandleNewOrderReject(requestID uint64, reason byte) {
	r.execute(func() {
		r.log.WithFields(logger.Fields{"request": requestID, "reason": reason}).Error("order rejected")
		r.clearRequest(requestID)
		if reason == 2 || reason == 3 || reason == 13 {
			r.log.Error("order rejection indicates irrecoverable error")
			r.shutdown()
			r.exit(1)
		}
	})
}

// HandleMessageReject registers a generic message rejection.
func (r *Robot) HandleMessageReject(requestID uint64, reason byte, fieldID int32) {
	r.execute(func() {
		r.log.WithFields(logger.Fields{
			"request": requestID, "reason": reason, "field": fieldID,
		}).Error("message rejected")
		r.clearRequest(requestID)
	})
}

// HandleFloodReject activates the flooding lockout. The unlock time is
// published immediately so concurrent dispatch paths see it without waiting
// on the executor queue.
func (r *Robot) HandleFloodReject(requestID uint64, timeout int64) {
	r.unlockTime.Store(r.now() + timeout)
	r.log.WithFields(logger.Fields{"timeout_ns": timeout}).Warn("message flooding, sends blocked")
	r.execute(func() { r.clearRequest(requestID) })
}

// HandleTerminate shuts the robot down when the server ends the session.
func (r *Robot) HandleTerminate(reason byte) {
	r.log.WithFields(logger.Fields{"code": reason}).Error("trading session terminated")
	r.shutdown()
	r.exit(1)
}

// Shutdown stops the executor, blocks further sends and mass-cancels all
// resting orders. Safe against racing with the process-exit hook; both
// paths sinkhole further sends.
func (r *Robot) Shutdown() {
	r.shutdown()
}

func (r *Robot) shutdown() {
	r.closed.Store(true)
	r.unlockTime.Store(math.MaxInt64)
	r.stopOnce.Do(func() {
		close(r.done)
		req := r.trade.SendOrderMassCancelRequest(r.instrument, -1)
		r.trackRequest(req)
		r.log.WithFields(logger.Fields{"last_request": r.lastReqID.Load()}).Info("last used request id")
	})
}

// ExitHook is the process-exit path: it blocks further sends immediately,
// reports the last used request id, and hands the mass cancel to the
// executor if it is still accepting work.
func (r *Robot) ExitHook() {
	r.unlockTime.Store(math.MaxInt64)
	r.log.WithFields(logger.Fields{"last_request": r.lastReqID.Load()}).Info("robot closing detected")
	if r.closed.Load() {
		// Normal shutdown already ran; order canceling is done.
		return
	}
	r.execute(func() { r.shutdown() })
}

// LastRequestID reports the highest request id used so far. The operator
// needs this to configure the next run's first request id.
func (r *Robot) LastRequestID() uint64 {
	return r.lastReqID.Load()
}

func (r *Robot) trackRequest(requestID uint64) {
	for {
		cur := r.lastReqID.Load()
		if requestID <= cur || r.lastReqID.CompareAndSwap(cur, requestID) {
			return
		}
	}
}

func (r *Robot) clearRequest(requestID uint64) {
	r.trackRequest(requestID)
	switch requestID {
	case r.bidReqID:
		r.bidReqID = 0
	case r.askReqID:
		r.askReqID = 0
	default:
		r.log.WithFields(logger.Fields{"request": requestID}).Warn("request cleared but not recognized")
	}
}

// replaceOrders recomputes the desired quote pair and dispatches it when
// both sides are idle and no flood penalty is active. Prices are rounded to
// the instrument increment, ties up; unrounded prices are rejected by the
// gate.
func (r *Robot) replaceOrders() {
	// Unsigned division: the sum may wrap the signed range.
	marketMid := (r.marketAsk + r.marketBid) / 2
	positionAdjust := r.shift * int64(r.position)

	r.desiredBidAmount = minInt32(r.maxPosition-r.position, r.standardVolume)
	r.desiredBidPrice = r.roundToIncrement(int64(marketMid) - r.interest - positionAdjust)
	r.desiredAskAmount = minInt32(r.position+r.maxPosition, r.standardVolume) // min position = -max position
	r.desiredAskPrice = r.roundToIncrement(int64(marketMid) + r.interest - positionAdjust)

	if r.askReqID == 0 && r.bidReqID == 0 && r.unlockTime.Load() < r.now() {
		r.dispatchOrders()
	} else {
		r.revisionPending = true
	}
}

func (r *Robot) roundToIncrement(price int64) uint64 {
	rem := price % r.increment
	rounded := price - rem
	if rem >= r.increment/2 {
		rounded += r.increment
	}
	return uint64(rounded)
}

// installOrder updates the live-order record from a placement or
// replacement report and, once both sides are idle, flushes any pending
// quote revision.
func (r *Robot) installOrder(orderID uint64, price uint64, size int32, requestID uint64) {
	switch requestID {
	case r.bidReqID:
		r.bidID = orderID
		r.bidPrice = price
		r.bidAmount = size
		r.bidReqID = 0
		r.log.WithFields(logger.Fields{"order": orderID}).Debug("installed new buy order")
	case r.askReqID:
		r.askID = orderID
		r.askPrice = price
		r.askAmount = size
		r.askReqID = 0
		r.log.WithFields(logger.Fields{"order": orderID}).Debug("installed new sell order")
	default:
		r.log.WithFields(logger.Fields{
			"request": requestID, "bid_request": r.bidReqID, "ask_request": r.askReqID,
		}).Warn("unidentified order report received")
	}

	if r.askReqID == 0 && r.bidReqID == 0 && r.revisionPending {
		r.dispatchOrders()
	}
}

// dispatchOrders sends the desired quotes, one request per side: a
// replacement when a live order exists, a fresh placement otherwise. The
// whole batch is skipped unless the flood tracker has more free slots than
// the batch needs.
func (r *Robot) dispatchOrders() {
	now := r.now()
	wanted := 0
	if r.desiredBidAmount > 0 {
		wanted++
	}
	if r.desiredAskAmount > 0 {
		wanted++
	}
	if r.flood.Available(now) > wanted {
		if r.desiredBidAmount > 0 {
			r.flood.Add(now)
			if r.bidAmount > 0 {
				r.log.WithFields(logger.Fields{"price": r.desiredBidPrice}).Debug("sending buy order replacement request")
				r.bidReqID = r.trade.SendOrderReplaceRequest(r.bidID, r.desiredBidPrice, r.desiredBidAmount)
			} else {
				r.log.WithFields(logger.Fields{"price": r.desiredBidPrice}).Debug("sending new buy order request")
				r.bidReqID = r.trade.SendNewOrderSingle(r.desiredBidPrice, r.desiredBidAmount, true, r.instrument)
			}
			logger.IncrementOrderSent()
		}

		if r.desiredAskAmount > 0 {
			r.flood.Add(now)
			if r.askAmount > 0 {
				r.log.WithFields(logger.Fields{"price": r.desiredAskPrice}).Debug("sending sell order replacement request")
				r.askReqID = r.trade.SendOrderReplaceRequest(r.askID, r.desiredAskPrice, r.desiredAskAmount)
			} else {
				r.log.WithFields(logger.Fields{"price": r.desiredAskPrice}).Debug("sending new sell order request")
				r.askReqID = r.trade.SendNewOrderSingle(r.desiredAskPrice, r.desiredAskAmount, false, r.instrument)
			}
			logger.IncrementOrderSent()
		}

		r.trackRequest(r.bidReqID)
		r.trackRequest(r.askReqID)
		r.revisionPending = false
	} else {
		r.log.Debug("order dispatch prevented by flood limiter")
	}
}

func minInt32(a, b int32) int32 {
	if a < b {
		return a
	}
	return b
}
