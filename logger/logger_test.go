package logger

import (
	"sync/atomic"
	"testing"

	"github.com/sirupsen/logrus"
)

func TestComponentTagsEntries(t *testing.T) {
	e := Component("quoter")
	if v, ok := e.entry.Data["component"]; !ok || v != "quoter" {
		t.Fatalf("component field missing: %v", e.entry.Data)
	}
	derived := e.WithFields(Fields{"price": 1}).WithField("side", "bid")
	if derived.component != "quoter" {
		t.Fatalf("derived entry lost component: %q", derived.component)
	}
	if derived.entry.Data["side"] != "bid" || derived.entry.Data["price"] != 1 {
		t.Fatalf("derived fields missing: %v", derived.entry.Data)
	}
}

func TestConfigureRejectsUnknownSettings(t *testing.T) {
	t.Setenv("LOG_LEVEL", "")

	if err := Configure("nonsense", "json", "stdout", 0); err == nil {
		t.Fatal("expected error for unknown level")
	}
	if err := Configure("info", "xml", "stdout", 0); err == nil {
		t.Fatal("expected error for unknown format")
	}
	if err := Configure("debug", "console", "stderr", 0); err != nil {
		t.Fatalf("valid settings rejected: %v", err)
	}
}

func TestParseLevelReportMeansInfo(t *testing.T) {
	if got := parseLevel("report"); got != logrus.InfoLevel {
		t.Fatalf("parseLevel(report) = %v, want info", got)
	}
	if got := parseLevel("warn"); got != logrus.WarnLevel {
		t.Fatalf("parseLevel(warn) = %v", got)
	}
	if got := parseLevel("no-such-level"); got != logrus.InfoLevel {
		t.Fatalf("parseLevel fallback = %v, want info", got)
	}
}

func TestFlowCounters(t *testing.T) {
	before := atomic.LoadInt64(&gateReads)
	IncrementGateRead(16)
	IncrementGateRead(24)
	if got := atomic.LoadInt64(&gateReads) - before; got != 2 {
		t.Fatalf("gate reads delta = %d, want 2", got)
	}

	v, ok := channelsStats.Load("gate_in")
	if !ok {
		t.Fatal("gate_in channel stat missing")
	}
	cs := v.(*channelStat)
	if atomic.LoadInt64(&cs.bytes) < 40 {
		t.Fatalf("gate_in bytes = %d, want >= 40", atomic.LoadInt64(&cs.bytes))
	}
}

func TestIssueCountersTrackComponent(t *testing.T) {
	e := Component("issue_test")
	e.Warn("one")
	e.Warn("two")
	e.Error("boom")

	v, ok := issueStats.Load("issue_test")
	if !ok {
		t.Fatal("issue stats missing for component")
	}
	st := v.(*issueStat)
	if atomic.LoadInt64(&st.warns) != 2 || atomic.LoadInt64(&st.errors) != 1 {
		t.Fatalf("issue counts = %d warns / %d errors, want 2/1",
			atomic.LoadInt64(&st.warns), atomic.LoadInt64(&st.errors))
	}
}
