// Package book maintains a price-level order book for one instrument from
// the exchange's JSON WebSocket feed and notifies a listener with a
// fixed-depth top-of-book view on every change.
package book

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"quotebot/logger"
)

// pingInterval is slightly under the feed's 15-second requirement so delay
// overruns don't cause a timeout.
const pingInterval = 14 * time.Second

type priceValue struct {
	Mantissa int64 `json:"mantissa"`
	Exponent *int  `json:"exponent"`
}

type bookOrder struct {
	Price priceValue `json:"price"`
	Size  int32      `json:"size"`
}

type instrumentData struct {
	IsSnapshot bool        `json:"isSnapshot"`
	Bids       []bookOrder `json:"bids"`
	Asks       []bookOrder `json:"asks"`
}

type feedMessage struct {
	ID     json.RawMessage `json:"id"`
	Result struct {
		Channel string `json:"channel"`
		Data    struct {
			Value map[string]instrumentData `json:"value"`
		} `json:"data"`
	} `json:"result"`
}

// Observer is a WebSocket client subscribed to the orderbook channel. It
// applies snapshot and delta updates to its bid and ask ladders and invokes
// the registered Listener after each processed message.
type Observer struct {
	endpoint      string
	instrument    int32
	instrumentStr string

	conn *websocket.Conn
	done chan struct{}
	wg   sync.WaitGroup

	mu       sync.Mutex // guards ladders, listener, depth
	bids     map[uint64]int32
	asks     map[uint64]int32
	listener Listener
	depth    int

	log *logger.Entry
}

// NewObserver creates an observer for one instrument. No connection is made
// until Connect is called.
func NewObserver(endpoint string, instrument int32) *Observer {
	return &Observer{
		endpoint:      endpoint,
		instrument:    instrument,
		instrumentStr: strconv.Itoa(int(instrument)),
		done:          make(chan struct{}),
		bids:          make(map[uint64]int32),
		asks:          make(map[uint64]int32),
		log:           logger.Component("market_observer"),
	}
}

// SetListener installs the Listener notified on book changes. Only a single
// listener is supported; a previously assigned listener is replaced. May be
// called with nil to deregister. depth must be positive unless l is nil.
func (o *Observer) SetListener(l Listener, depth int) {
	if depth <= 0 && l != nil {
		panic("book: listener depth must be positive")
	}
	o.mu.Lock()
	o.listener = l
	if depth > 0 {
		o.depth = depth
	} else {
		o.depth = 0
	}
	o.mu.Unlock()
}

// Connect dials the feed, subscribes to the orderbook channel, and starts
// the read loop and the periodic ping. The observer does not reconnect; a
// transport fault ends the read loop and is surfaced in the log.
func (o *Observer) Connect(ctx context.Context) error {
	header := map[string][]string{"User-Agent": {"TradeRobot"}}
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, o.endpoint, header)
	if err != nil {
		return fmt.Errorf("dial book feed: %w", err)
	}
	o.conn = conn
	o.log.WithFields(logger.Fields{"endpoint": o.endpoint}).Info("book feed connected")

	sub := map[string]interface{}{
		"method": 1,
		"params": map[string]string{"channel": "orderbook"},
		"id":     1,
	}
	if err := conn.WriteJSON(sub); err != nil {
		conn.Close()
		return fmt.Errorf("subscribe orderbook: %w", err)
	}

	o.wg.Add(2)
	go o.pingLoop()
	go o.readLoop()
	return nil
}

// Close stops the workers and closes the connection.
func (o *Observer) Close() error {
	select {
	case <-o.done:
	default:
		close(o.done)
	}
	var err error
	if o.conn != nil {
		err = o.conn.Close()
	}
	o.wg.Wait()
	return err
}

func (o *Observer) pingLoop() {
	defer o.wg.Done()
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-o.done:
			return
		case <-ticker.C:
			deadline := time.Now().Add(5 * time.Second)
			if err := o.conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				o.log.WithError(err).Warn("ping failed")
				return
			}
			o.log.Debug("ping frame sent")
		}
	}
}

func (o *Observer) readLoop() {
	defer o.wg.Done()
	for {
		_, data, err := o.conn.ReadMessage()
		if err != nil {
			select {
			case <-o.done:
			default:
				o.log.WithError(err).Error("book feed read failed")
			}
			return
		}
		o.processMessage(data)
	}
}

// processMessage handles one inbound text message. Messages carrying an id
// are replies to our own requests and currently need no handling.
func (o *Observer) processMessage(data []byte) {
	var message feedMessage
	if err := json.Unmarshal(data, &message); err != nil {
		o.log.WithError(err).Warn("undecodable feed message")
		return
	}
	if len(message.ID) > 0 {
		return
	}
	if message.Result.Channel != "orderbook" {
		return
	}
	insdata, ok := message.Result.Data.Value[o.instrumentStr]
	if !ok {
		return
	}
	logger.IncrementBookUpdate(len(data))

	var toAlert Listener
	var bidlist, asklist []*Entry

	o.mu.Lock()
	if insdata.IsSnapshot {
		o.bids = make(map[uint64]int32)
		o.asks = make(map[uint64]int32)
	}
	applyOrders(o.bids, insdata.Bids)
	applyOrders(o.asks, insdata.Asks)

	bidlist = o.extractTop(o.bids, o.depth, true)
	asklist = o.extractTop(o.asks, o.depth, false)
	toAlert = o.listener
	o.mu.Unlock()

	if toAlert != nil {
		toAlert.BookUpdate(bidlist, asklist)
	}
}

func applyOrders(ladder map[uint64]int32, orders []bookOrder) {
	for _, order := range orders {
		price := normalizePrice(order.Price)
		if order.Size > 0 {
			ladder[price] = order.Size
		} else {
			delete(ladder, price)
		}
	}
}

// normalizePrice converts a {mantissa, exponent} price to the fixed-point
// 10^9 scale. Exponents below -9 lose precision; that only comes up if the
// exchange prices more finely than 10^-9.
func normalizePrice(p priceValue) uint64 {
	price := p.Mantissa
	exponent := -9
	if p.Exponent != nil {
		exponent = *p.Exponent
	}
	ex := exponent + 9
	for ex > 0 {
		price *= 10
		ex--
	}
	for ex < 0 {
		price /= 10
		ex++
	}
	return uint64(price)
}

// extractTop returns the best depth levels of a ladder, bids by descending
// and asks by ascending price, nil-padded at the tail.
func (o *Observer) extractTop(ladder map[uint64]int32, depth int, bid bool) []*Entry {
	prices := make([]uint64, 0, len(ladder))
	for price := range ladder {
		prices = append(prices, price)
	}
	if bid {
		sort.Slice(prices, func(i, j int) bool { return prices[i] > prices[j] })
	} else {
		sort.Slice(prices, func(i, j int) bool { return prices[i] < prices[j] })
	}

	top := make([]*Entry, depth)
	for i := 0; i < depth && i < len(prices); i++ {
		top[i] = &Entry{
			Instrument: o.instrument,
			Price:      prices[i],
			Amount:     ladder[prices[i]],
			Buy:        bid,
		}
	}
	return top
}
