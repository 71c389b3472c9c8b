package book

import (
	"fmt"
	"testing"
)

type captureListener struct {
	bids [][]*Entry
	asks [][]*Entry
}

func (l *captureListener) BookUpdate(bids, asks []*Entry) {
	l.bids = append(l.bids, bids)
	l.asks = append(l.asks, asks)
}

func (l *captureListener) last(t *testing.T) ([]*Entry, []*Entry) {
	t.Helper()
	if len(l.bids) == 0 {
		t.Fatal("no book update delivered")
	}
	return l.bids[len(l.bids)-1], l.asks[len(l.asks)-1]
}

func snapshotMessage(instrument string, bids, asks string) []byte {
	return []byte(fmt.Sprintf(
		`{"result":{"channel":"orderbook","data":{"value":{"%s":{"isSnapshot":true,"bids":[%s],"asks":[%s]}}}}}`,
		instrument, bids, asks))
}

func deltaMessage(instrument string, bids, asks string) []byte {
	return []byte(fmt.Sprintf(
		`{"result":{"channel":"orderbook","data":{"value":{"%s":{"isSnapshot":false,"bids":[%s],"asks":[%s]}}}}}`,
		instrument, bids, asks))
}

func newTestObserver(depth int) (*Observer, *captureListener) {
	o := NewObserver("ws://example.test/ws", 2)
	l := &captureListener{}
	o.SetListener(l, depth)
	return o, l
}

func TestSnapshotBuildsSortedLadders(t *testing.T) {
	o, l := newTestObserver(2)

	o.processMessage(snapshotMessage("2",
		`{"price":{"mantissa":99,"exponent":0},"size":5},{"price":{"mantissa":98,"exponent":0},"size":3}`,
		`{"price":{"mantissa":101,"exponent":0},"size":4},{"price":{"mantissa":102,"exponent":0},"size":6}`))

	bids, asks := l.last(t)
	if bids[0] == nil || bids[0].Price != 99_000_000_000 || bids[0].Amount != 5 {
		t.Fatalf("best bid = %+v", bids[0])
	}
	if bids[1] == nil || bids[1].Price != 98_000_000_000 {
		t.Fatalf("second bid = %+v", bids[1])
	}
	if asks[0] == nil || asks[0].Price != 101_000_000_000 || asks[0].Amount != 4 {
		t.Fatalf("best ask = %+v", asks[0])
	}
	if !bids[0].Buy || asks[0].Buy {
		t.Fatal("side flags wrong")
	}
	if bids[0].Instrument != 2 {
		t.Fatalf("instrument = %d", bids[0].Instrument)
	}
}

func TestShallowBookIsNilPadded(t *testing.T) {
	o, l := newTestObserver(3)
	o.processMessage(snapshotMessage("2",
		`{"price":{"mantissa":99,"exponent":0},"size":5}`, ``))

	bids, asks := l.last(t)
	if bids[0] == nil || bids[1] != nil || bids[2] != nil {
		t.Fatalf("bids padding wrong: %+v", bids)
	}
	if asks[0] != nil {
		t.Fatalf("empty ask ladder produced %+v", asks[0])
	}
	if len(bids) != 3 || len(asks) != 3 {
		t.Fatalf("array lengths %d/%d, want 3", len(bids), len(asks))
	}
}

func TestDeltaMutatesLevels(t *testing.T) {
	o, l := newTestObserver(2)
	o.processMessage(snapshotMessage("2",
		`{"price":{"mantissa":99,"exponent":0},"size":5},{"price":{"mantissa":98,"exponent":0},"size":3}`,
		`{"price":{"mantissa":101,"exponent":0},"size":4}`))

	// Size zero removes the level, a positive size replaces it.
	o.processMessage(deltaMessage("2",
		`{"price":{"mantissa":99,"exponent":0},"size":0},{"price":{"mantissa":98,"exponent":0},"size":9}`, ``))

	bids, _ := l.last(t)
	if bids[0] == nil || bids[0].Price != 98_000_000_000 || bids[0].Amount != 9 {
		t.Fatalf("best bid after delta = %+v", bids[0])
	}
	if bids[1] != nil {
		t.Fatalf("deleted level still present: %+v", bids[1])
	}
}

func TestSnapshotResetsLadders(t *testing.T) {
	o, l := newTestObserver(2)
	o.processMessage(snapshotMessage("2",
		`{"price":{"mantissa":99,"exponent":0},"size":5}`, ``))
	o.processMessage(snapshotMessage("2",
		`{"price":{"mantissa":90,"exponent":0},"size":1}`, ``))

	bids, _ := l.last(t)
	if bids[0] == nil || bids[0].Price != 90_000_000_000 {
		t.Fatalf("best bid after snapshot reset = %+v", bids[0])
	}
	if bids[1] != nil {
		t.Fatalf("stale level survived snapshot: %+v", bids[1])
	}
}

func TestPriceNormalization(t *testing.T) {
	cases := []struct {
		name string
		json string
		want uint64
	}{
		{"exponent zero", `{"price":{"mantissa":99,"exponent":0},"size":1}`, 99_000_000_000},
		{"negative exponent", `{"price":{"mantissa":995,"exponent":-1},"size":1}`, 99_500_000_000},
		{"exponent absent defaults to -9", `{"price":{"mantissa":42000000000},"size":1}`, 42_000_000_000},
		{"below -9 loses precision", `{"price":{"mantissa":12345,"exponent":-12},"size":1}`, 12},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			o, l := newTestObserver(1)
			o.processMessage(snapshotMessage("2", tc.json, ``))
			bids, _ := l.last(t)
			if bids[0] == nil || bids[0].Price != tc.want {
				t.Fatalf("price = %+v, want %d", bids[0], tc.want)
			}
		})
	}
}

func TestIrrelevantMessagesSkipped(t *testing.T) {
	o, l := newTestObserver(1)

	// Reply messages carry an id.
	o.processMessage([]byte(`{"id":1,"result":{"channel":"orderbook"}}`))
	// Other channels.
	o.processMessage([]byte(`{"result":{"channel":"trades","data":{"value":{}}}}`))
	// Other instruments.
	o.processMessage(snapshotMessage("7", `{"price":{"mantissa":1,"exponent":0},"size":1}`, ``))
	// Garbage.
	o.processMessage([]byte(`not json`))

	if len(l.bids) != 0 {
		t.Fatalf("irrelevant message reached the listener: %d updates", len(l.bids))
	}
}

func TestNoListenerMeansNoDelivery(t *testing.T) {
	o := NewObserver("ws://example.test/ws", 2)
	// Must not panic without a listener.
	o.processMessage(snapshotMessage("2", `{"price":{"mantissa":1,"exponent":0},"size":1}`, ``))
}

func TestSetListenerValidatesDepth(t *testing.T) {
	o := NewObserver("ws://example.test/ws", 2)
	defer func() {
		if recover() == nil {
			t.Fatal("expected panic for non-positive depth")
		}
	}()
	o.SetListener(&captureListener{}, 0)
}
