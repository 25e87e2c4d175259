package orchestrator

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/vladtarrow/dl-datalake/internal/manifest"
	"github.com/vladtarrow/dl-datalake/internal/marketclient"
)

// slotStub is a shared MarketClient stub that records peak concurrent
// in-flight FetchOHLCV calls, to prove independent symbols are served
// concurrently up to the per-exchange cap (spec.md §4.5, E2).
type slotStub struct {
	mu      sync.Mutex
	current int
	maxSeen int
}

func (s *slotStub) enter() {
	s.mu.Lock()
	s.current++
	if s.current > s.maxSeen {
		s.maxSeen = s.current
	}
	s.mu.Unlock()
}

func (s *slotStub) leave() {
	s.mu.Lock()
	s.current--
	s.mu.Unlock()
}

func (s *slotStub) MaxSeen() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.maxSeen
}

func (s *slotStub) LoadMarkets(ctx context.Context) (map[string]marketclient.MarketInfo, error) {
	return map[string]marketclient.MarketInfo{}, nil
}

func (s *slotStub) FetchOHLCV(ctx context.Context, symbol, timeframe string, sinceMs int64, limit int) ([]marketclient.Candle, error) {
	s.enter()
	time.Sleep(20 * time.Millisecond)
	s.leave()

	if sinceMs <= 1000 {
		return []marketclient.Candle{{Ts: 1000, Open: 1, High: 1, Low: 1, Close: 1, Volume: 1}}, nil
	}
	return nil, nil
}

func (s *slotStub) FetchFundingRateHistory(ctx context.Context, symbol string, sinceMs int64) ([]marketclient.FundingRate, error) {
	return nil, nil
}

func (s *slotStub) Milliseconds(ctx context.Context) (int64, error) { return 100000, nil }

func (s *slotStub) ParseTimeframe(tf string) (time.Duration, error) { return time.Minute, nil }

func openTestManifest(t *testing.T) *manifest.Manifest {
	t.Helper()
	m, err := manifest.Open(&manifest.Config{Path: t.TempDir() + "/manifest.db"})
	if err != nil {
		t.Fatalf("manifest.Open() error = %v", err)
	}
	t.Cleanup(func() { m.Close() })
	return m
}

func waitForTerminal(t *testing.T, o *Orchestrator, key string) Task {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		task, ok := o.GetTask(key)
		if ok && (task.Status == StatusCompleted || task.Status == StatusFailed) {
			return task
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("task %s did not reach a terminal state in time", key)
	return Task{}
}

func TestSubmitDedupSameKeyIgnored(t *testing.T) {
	m := openTestManifest(t)
	dataRoot := t.TempDir()
	stub := &slotStub{}
	o := New(func(exchange, market string) (marketclient.Client, error) { return stub, nil }, m, dataRoot, 1, 1)
	defer o.Shutdown()

	req := Request{Exchange: "binance", Market: "spot", Symbol: "btcusdt", DataType: "raw", Timeframe: "1m"}

	key1, submitted1 := o.Submit(req)
	if !submitted1 {
		t.Fatal("expected first submit to be accepted")
	}

	time.Sleep(10 * time.Millisecond) // let the single worker pick it up (pending -> running)

	key2, submitted2 := o.Submit(req)
	if key1 != key2 {
		t.Errorf("expected identical key for identical request, got %s and %s", key1, key2)
	}
	if submitted2 {
		t.Errorf("expected duplicate in-flight submit to be rejected (T7)")
	}

	waitForTerminal(t, o, key1)
}

func TestConcurrentIndependentSymbolsRunConcurrently(t *testing.T) {
	m := openTestManifest(t)
	dataRoot := t.TempDir()
	stub := &slotStub{}
	o := New(func(exchange, market string) (marketclient.Client, error) { return stub, nil }, m, dataRoot, 4, 2)
	defer o.Shutdown()

	key1, ok1 := o.Submit(Request{Exchange: "binance", Market: "spot", Symbol: "btcusdt", DataType: "raw", Timeframe: "1m"})
	key2, ok2 := o.Submit(Request{Exchange: "binance", Market: "spot", Symbol: "ethusdt", DataType: "raw", Timeframe: "1m"})
	if !ok1 || !ok2 {
		t.Fatalf("expected both distinct-symbol requests to be accepted, got %v %v", ok1, ok2)
	}

	waitForTerminal(t, o, key1)
	waitForTerminal(t, o, key2)

	if stub.MaxSeen() < 2 {
		t.Errorf("expected both symbols to be fetched concurrently, max concurrent in-flight = %d (E2)", stub.MaxSeen())
	}
}

func TestSubmitBulkSkipsDuplicates(t *testing.T) {
	m := openTestManifest(t)
	dataRoot := t.TempDir()
	stub := &slotStub{}
	o := New(func(exchange, market string) (marketclient.Client, error) { return stub, nil }, m, dataRoot, 2, 2)
	defer o.Shutdown()

	req := Request{Exchange: "binance", Market: "spot", Symbol: "btcusdt", DataType: "raw", Timeframe: "1m"}
	keys := o.SubmitBulk([]Request{req, req, req})
	if len(keys) != 1 {
		t.Errorf("expected exactly 1 key from 3 identical bulk requests, got %d: %v", len(keys), keys)
	}

	waitForTerminal(t, o, keys[0])
}
