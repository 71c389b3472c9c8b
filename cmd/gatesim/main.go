// Command gatesim is a dummy exchange for smoke tests. It provides
// bare-minimum positive responses on the trading gate protocol (session
// establishment, order placement and replacement) and serves a synthetic
// order book feed over WebSocket, so the robot can run without connecting
// to the real exchange.
//
// A very inadequate test environment, but enough to watch the full quoting
// loop turn over.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"io"
	"math/rand"
	"net"
	"net/http"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"quotebot/internal/gate"
	"quotebot/internal/wire"
	"quotebot/logger"
)

var schemaAndVersion = []byte{0x04, 0x1c, 0x02, 0x00}

// simOrder is a resting order as the dummy gate tracks it.
type simOrder struct {
	price uint64
	size  int32
}

func main() {
	log := logger.Component("gatesim")

	listen := flag.String("listen", ":12345", "trading gate listen address")
	wsListen := flag.String("ws-listen", ":8090", "book feed listen address")
	instrument := flag.Int("instrument", 2, "instrument id served on the feed")
	fillsPerSec := flag.Float64("fills-per-second", 0.5, "synthetic execution pace")
	flag.Parse()

	log.WithFields(logger.Fields{
		"gate":    *listen,
		"feed":    *wsListen,
		"session": uuid.NewString(),
	}).Info("starting dummy exchange")

	go serveFeed(*wsListen, *instrument, log)

	ln, err := net.Listen("tcp", *listen)
	if err != nil {
		log.WithError(err).Error("gate listen failed")
		os.Exit(1)
	}
	conn, err := ln.Accept()
	if err != nil {
		log.WithError(err).Error("gate accept failed")
		os.Exit(1)
	}
	serveGate(conn, *fillsPerSec, log)
}

// serveGate runs the single-session trading gate: establish handshake, then
// sequenced approvals for order placement and replacement, plus paced
// synthetic fills against whichever order was approved last.
func serveGate(conn net.Conn, fillsPerSec float64, log *logger.Entry) {
	header, body, err := readMessage(conn)
	if err != nil {
		log.WithError(err).Error("read establish failed")
		os.Exit(1)
	}
	if wire.Parse16(header, 2) != gate.MsgEstablish {
		log.WithFields(logger.Fields{"type": wire.Parse16(header, 2)}).Error("session opened with non-establish message")
		conn.Close()
		os.Exit(1)
	}

	var nextSeq uint64 = 1
	var nextOrder uint64 = 1

	// Echo the requested heartbeat back as the negotiated one.
	reply := make([]byte, 24)
	wire.Write16(reply, 16, 0)
	wire.Write16(reply, gate.MsgEstablishAck, 2)
	copy(reply[4:], schemaAndVersion)
	copy(reply[8:16], body[:8])
	wire.Write64(reply, nextSeq, 16)
	log.Info("sending establish ack")
	if _, err := conn.Write(reply); err != nil {
		log.WithError(err).Error("write ack failed")
		os.Exit(1)
	}

	var mu sync.Mutex // serializes writes and order state
	orders := make(map[uint64]simOrder)
	var lastOrder uint64

	limiter := rate.NewLimiter(rate.Limit(fillsPerSec), 1)
	go func() {
		for {
			if err := limiter.Wait(context.Background()); err != nil {
				return
			}
			mu.Lock()
			if o, ok := orders[lastOrder]; ok && o.size > 0 {
				fill := int32(1)
				remain := o.size - fill
				exec := executionReport(nextSeq, lastOrder, o.price, fill, remain)
				nextSeq++
				if remain > 0 {
					orders[lastOrder] = simOrder{o.price, remain}
				} else {
					delete(orders, lastOrder)
				}
				if _, err := conn.Write(exec); err != nil {
					mu.Unlock()
					return
				}
				log.WithFields(logger.Fields{"order": lastOrder, "remain": remain}).Info("synthetic fill")
			}
			mu.Unlock()
		}
	}()

	for {
		header, body, err := readMessage(conn)
		if err != nil {
			log.WithError(err).Error("gate connection ended")
			os.Exit(1)
		}

		switch wire.Parse16(header, 2) {
		case gate.MsgSequence:
			log.Debug("received sequence message")
		case gate.MsgNewOrderSingle:
			mu.Lock()
			id := nextOrder
			nextOrder++
			orders[id] = simOrder{wire.Parse64(body, 28), int32(wire.Parse32(body, 36))}
			lastOrder = id
			reply := orderApproval(header, body, nextSeq, id)
			nextSeq++
			_, err = conn.Write(reply)
			mu.Unlock()
			log.WithFields(logger.Fields{"order": id}).Info("approved new order")
		case gate.MsgOrderReplace:
			mu.Lock()
			old := wire.Parse64(body, 16)
			if _, ok := orders[old]; ok {
				delete(orders, old)
				log.WithFields(logger.Fields{"order": old}).Info("valid order change request")
			} else {
				log.WithFields(logger.Fields{"order": old}).Warn("invalid order change request")
			}
			id := nextOrder
			nextOrder++
			orders[id] = simOrder{wire.Parse64(body, 24), int32(wire.Parse32(body, 32))}
			lastOrder = id
			reply := changeApproval(header, body, nextSeq, id)
			nextSeq++
			_, err = conn.Write(reply)
			mu.Unlock()
			log.WithFields(logger.Fields{"order": id}).Info("approved order change")
		case gate.MsgMassCancel:
			mu.Lock()
			orders = make(map[uint64]simOrder)
			mu.Unlock()
			log.Info("mass cancel received, book cleared")
		default:
			log.WithFields(logger.Fields{"type": wire.Parse16(header, 2)}).Debug("ignoring message")
		}
		if err != nil {
			log.WithError(err).Error("gate write failed")
			os.Exit(1)
		}
	}
}

// orderApproval builds a NewOrderSingleReport (7000) echoing the request's
// identifying fields at the offsets the client parses.
func orderApproval(header, body []byte, seq, id uint64) []byte {
	reply := make([]byte, 75)
	wire.Write16(reply, uint16(len(reply)-8), 0)
	wire.Write16(reply, gate.MsgNewOrderReport, 2)
	copy(reply[4:], schemaAndVersion)
	wire.Write64(reply, seq, 8)
	copy(reply[16:32], body[0:16]) // trace id + request id
	wire.Write64(reply, uint64(time.Now().UnixNano()), 32)
	copy(reply[40:52], body[16:28]) // account + instrument
	wire.Write64(reply, id, 52)
	copy(reply[60:75], body[28:43]) // price, size, type, tif, side
	return reply
}

// changeApproval builds an OrderReplaceReport (7004).
func changeApproval(header, body []byte, seq, id uint64) []byte {
	reply := make([]byte, 68)
	wire.Write16(reply, uint16(len(reply)-8), 0)
	wire.Write16(reply, gate.MsgOrderReplaceReport, 2)
	copy(reply[4:], schemaAndVersion)
	wire.Write64(reply, seq, 8)
	copy(reply[16:32], body[0:16]) // trace id + request id
	wire.Write64(reply, uint64(time.Now().UnixNano()), 32)
	wire.Write64(reply, id, 40)
	copy(reply[48:60], body[24:36]) // price + size
	copy(reply[60:68], body[16:24]) // old order id
	return reply
}

// executionReport builds an ExecutionReport (7008) for a one-lot fill.
func executionReport(seq, orderID, price uint64, size, remain int32) []byte {
	reply := make([]byte, 64)
	wire.Write16(reply, uint16(len(reply)-8), 0)
	wire.Write16(reply, gate.MsgExecutionReport, 2)
	copy(reply[4:], schemaAndVersion)
	wire.Write64(reply, seq, 8)
	wire.Write64(reply, uint64(time.Now().UnixNano()), 24)
	wire.Write64(reply, price, 40)
	wire.Write32(reply, uint32(size), 48)
	wire.Write64(reply, orderID, 52)
	wire.Write32(reply, uint32(remain), 60)
	return reply
}

func readMessage(in io.Reader) (header, body []byte, err error) {
	header = make([]byte, 8)
	if _, err = io.ReadFull(in, header); err != nil {
		return nil, nil, err
	}
	body = make([]byte, wire.Parse16(header, 0))
	if _, err = io.ReadFull(in, body); err != nil {
		return nil, nil, err
	}
	return header, body, nil
}

type feedPrice struct {
	Mantissa int64 `json:"mantissa"`
	Exponent int   `json:"exponent"`
}

type feedOrder struct {
	Price feedPrice `json:"price"`
	Size  int32     `json:"size"`
}

type feedBook struct {
	IsSnapshot bool        `json:"isSnapshot"`
	Bids       []feedOrder `json:"bids"`
	Asks       []feedOrder `json:"asks"`
}

// serveFeed upgrades connections on /ws and walks a synthetic book around a
// slowly drifting mid: a full snapshot first, then per-level deltas.
func serveFeed(addr string, instrument int, log *logger.Entry) {
	upgrader := websocket.Upgrader{}
	instrumentStr := strconv.Itoa(instrument)

	http.HandleFunc("/ws", func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			log.WithError(err).Warn("feed upgrade failed")
			return
		}
		defer conn.Close()
		conn.SetPingHandler(nil) // default pong reply

		// Wait for the subscription request before streaming.
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}

		mid := int64(100)
		rng := rand.New(rand.NewSource(time.Now().UnixNano()))
		snapshot := true
		ticker := time.NewTicker(500 * time.Millisecond)
		defer ticker.Stop()
		for range ticker.C {
			mid += rng.Int63n(3) - 1
			book := feedBook{IsSnapshot: snapshot}
			levels := 1
			if snapshot {
				levels = 3
			}
			for i := 0; i < levels; i++ {
				book.Bids = append(book.Bids, feedOrder{
					Price: feedPrice{Mantissa: mid - 1 - int64(i), Exponent: 0},
					Size:  int32(5 + rng.Intn(10)),
				})
				book.Asks = append(book.Asks, feedOrder{
					Price: feedPrice{Mantissa: mid + 1 + int64(i), Exponent: 0},
					Size:  int32(5 + rng.Intn(10)),
				})
			}
			snapshot = false

			payload := map[string]interface{}{
				"result": map[string]interface{}{
					"channel": "orderbook",
					"data": map[string]interface{}{
						"value": map[string]feedBook{instrumentStr: book},
					},
				},
			}
			data, err := json.Marshal(payload)
			if err != nil {
				return
			}
			if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		}
	})

	log.WithFields(logger.Fields{"addr": addr}).Info("book feed listening")
	if err := http.ListenAndServe(addr, nil); err != nil {
		log.WithError(err).Error("feed server failed")
		os.Exit(1)
	}
}

