package logger

import (
	"context"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"

	"github.com/aws/aws-sdk-go-v2/aws"
	cwtypes "github.com/aws/aws-sdk-go-v2/service/cloudwatch/types"
)

// Flow counters feeding the periodic runtime report. Incremented from the
// hot paths, so everything here is atomics, never locks.
var (
	gateReads   int64
	bookUpdates int64
	ordersSent  int64
)

type channelStat struct {
	messages int64
	bytes    int64
}

type issueStat struct {
	warns  int64
	errors int64
}

var (
	channelsStats sync.Map // map[string]*channelStat
	issueStats    sync.Map // map[string]*issueStat, keyed by component
)

// countIssue tallies a warn or error against its component; Entry.Warn and
// Entry.Error call it on every emission.
func countIssue(component string, isError bool) {
	v, _ := issueStats.LoadOrStore(component, &issueStat{})
	st := v.(*issueStat)
	if isError {
		atomic.AddInt64(&st.errors, 1)
	} else {
		atomic.AddInt64(&st.warns, 1)
	}
}

// IncrementGateRead records one frame read from the trading gate.
func IncrementGateRead(size int) {
	atomic.AddInt64(&gateReads, 1)
	recordChannel("gate_in", size)
}

// IncrementBookUpdate records one processed book feed message.
func IncrementBookUpdate(size int) {
	atomic.AddInt64(&bookUpdates, 1)
	recordChannel("book_ws", size)
}

// IncrementOrderSent records one outbound order request.
func IncrementOrderSent() {
	atomic.AddInt64(&ordersSent, 1)
	recordChannel("gate_out", 1)
}

// RecordChannelMessage records a message against an arbitrary flow name.
func RecordChannelMessage(name string, size int) {
	recordChannel(name, size)
}

func recordChannel(name string, size int) {
	v, _ := channelsStats.LoadOrStore(name, &channelStat{})
	cs := v.(*channelStat)
	atomic.AddInt64(&cs.messages, 1)
	atomic.AddInt64(&cs.bytes, int64(size))
}

// StartReport begins periodic logging of system and flow statistics. The
// loop ends with the context.
func StartReport(ctx context.Context, every time.Duration) {
	go func() {
		ticker := time.NewTicker(every)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				logReport(ctx)
			}
		}
	}()
}

func logReport(ctx context.Context) {
	log := Component("report")

	cpuPct := 0.0
	if pcts, err := cpu.Percent(0, false); err == nil && len(pcts) > 0 {
		cpuPct = pcts[0]
	}
	memMB := int64(0)
	if vm, err := mem.VirtualMemory(); err == nil {
		memMB = int64(vm.Used) / 1024 / 1024
	}

	channelData := map[string]map[string]int64{}
	channelsStats.Range(func(k, v any) bool {
		cs := v.(*channelStat)
		channelData[k.(string)] = map[string]int64{
			"messages": atomic.LoadInt64(&cs.messages),
			"bytes":    atomic.LoadInt64(&cs.bytes),
		}
		return true
	})

	var totalWarns, totalErrors int64
	issueData := map[string]map[string]int64{}
	issueStats.Range(func(k, v any) bool {
		st := v.(*issueStat)
		warns := atomic.LoadInt64(&st.warns)
		errors := atomic.LoadInt64(&st.errors)
		totalWarns += warns
		totalErrors += errors
		issueData[k.(string)] = map[string]int64{"warns": warns, "errors": errors}
		return true
	})

	log.WithFields(Fields{
		"gate_reads":   atomic.LoadInt64(&gateReads),
		"book_updates": atomic.LoadInt64(&bookUpdates),
		"orders_sent":  atomic.LoadInt64(&ordersSent),
		"warns":        totalWarns,
		"errors":       totalErrors,
		"issues":       issueData,
		"channels":     channelData,
		"goroutines":   runtime.NumGoroutine(),
		"cpu_percent":  cpuPct,
		"memory_mb":    memMB,
	}).Info("runtime report")

	data := []cwtypes.MetricDatum{
		{MetricName: aws.String("CPUPercent"), Unit: cwtypes.StandardUnitPercent, Value: aws.Float64(cpuPct)},
		{MetricName: aws.String("MemoryMB"), Unit: cwtypes.StandardUnitMegabytes, Value: aws.Float64(float64(memMB))},
		{MetricName: aws.String("GateReads"), Unit: cwtypes.StandardUnitCount, Value: aws.Float64(float64(atomic.LoadInt64(&gateReads)))},
		{MetricName: aws.String("BookUpdates"), Unit: cwtypes.StandardUnitCount, Value: aws.Float64(float64(atomic.LoadInt64(&bookUpdates)))},
		{MetricName: aws.String("OrdersSent"), Unit: cwtypes.StandardUnitCount, Value: aws.Float64(float64(atomic.LoadInt64(&ordersSent)))},
		{MetricName: aws.String("Warns"), Unit: cwtypes.StandardUnitCount, Value: aws.Float64(float64(totalWarns))},
		{MetricName: aws.String("Errors"), Unit: cwtypes.StandardUnitCount, Value: aws.Float64(float64(totalErrors))},
	}
	for name, stats := range channelData {
		data = append(data, cwtypes.MetricDatum{
			MetricName: aws.String("ChannelMessages"),
			Unit:       cwtypes.StandardUnitCount,
			Dimensions: []cwtypes.Dimension{{Name: aws.String("channel"), Value: aws.String(name)}},
			Value:      aws.Float64(float64(stats["messages"])),
		})
	}

	publish(ctx, data)
}
