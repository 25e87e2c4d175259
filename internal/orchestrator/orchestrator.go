// Package orchestrator implements the multi-tenant download task queue:
// submit-dedup, a bounded worker pool, per-exchange concurrency
// semaphores, exchange-client pooling, and a task-status table (spec.md
// §4.5).
package orchestrator

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/vladtarrow/dl-datalake/internal/ingest"
	"github.com/vladtarrow/dl-datalake/internal/manifest"
	"github.com/vladtarrow/dl-datalake/internal/marketclient"
	"github.com/vladtarrow/dl-datalake/internal/verify"
	"github.com/vladtarrow/dl-datalake/pkg/helpers"
	"github.com/vladtarrow/dl-datalake/pkg/logging"
)

// Status is a task's lifecycle state (spec.md §3.3).
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// Task is the orchestrator's record of a single submitted download,
// keyed by exchange:market:symbol:data_type.
type Task struct {
	ID        string
	Key       string
	Exchange  string
	Market    string
	Symbol    string
	DataType  string
	Timeframe string
	Status    Status
	Message   string
	StartTime time.Time
}

// Request describes a single download to submit.
type Request struct {
	Exchange    string
	Market      string
	Symbol      string
	DataType    string // "raw", "funding", or "both"
	Timeframe   string
	StartDate   string
	FullHistory bool
}

type job struct {
	req Request
	key string
}

// Orchestrator accepts download requests, enforces per-exchange
// concurrency bounds, pools exchange-client instances, and tracks task
// status (spec.md §4.5).
type Orchestrator struct {
	mu            sync.Mutex
	tasks         map[string]*Task
	exchangeSlots map[string]chan struct{}
	perExchange   int

	jobs chan job
	wg   sync.WaitGroup

	clients  *marketclient.Registry
	manifest *manifest.Manifest
	dataRoot string
	logger   *logging.Logger
}

// New creates an Orchestrator with totalWorkers total parallelism and
// perExchange concurrent downloads per venue, and starts its worker pool.
// clientFactory builds a fresh MarketClient for a given (exchange, market).
func New(clientFactory func(exchange, market string) (marketclient.Client, error), m *manifest.Manifest, dataRoot string, totalWorkers, perExchange int) *Orchestrator {
	o := &Orchestrator{
		tasks:         make(map[string]*Task),
		exchangeSlots: make(map[string]chan struct{}),
		perExchange:   perExchange,
		jobs:          make(chan job, 10000),
		clients:       marketclient.NewRegistry(clientFactory),
		manifest:      m,
		dataRoot:      dataRoot,
		logger:        logging.GetDefault().Component("orchestrator"),
	}

	for i := 0; i < totalWorkers; i++ {
		o.wg.Add(1)
		go o.worker()
	}

	return o
}

func taskKey(exchange, market, symbol, dataType string) string {
	return fmt.Sprintf("%s:%s:%s:%s",
		helpers.NormalizeUpper(exchange), helpers.NormalizeUpper(market), helpers.NormalizeSymbol(symbol), dataType)
}

// Submit enqueues req unless an equivalent task is already pending or
// running, in which case it is a no-op returning submitted=false (spec.md
// §4.5.1, T7).
func (o *Orchestrator) Submit(req Request) (key string, submitted bool) {
	key = taskKey(req.Exchange, req.Market, req.Symbol, req.DataType)

	o.mu.Lock()
	if existing, ok := o.tasks[key]; ok && (existing.Status == StatusPending || existing.Status == StatusRunning) {
		o.mu.Unlock()
		return key, false
	}
	o.tasks[key] = &Task{
		ID: uuid.NewString(), Key: key,
		Exchange: req.Exchange, Market: req.Market, Symbol: req.Symbol,
		DataType: req.DataType, Timeframe: req.Timeframe,
		Status: StatusPending, Message: "queued", StartTime: time.Now(),
	}
	o.mu.Unlock()

	o.jobs <- job{req: req, key: key}
	return key, true
}

// SubmitBulk submits each request, returning the keys actually enqueued
// (deduplicated requests are skipped silently, same as Submit).
func (o *Orchestrator) SubmitBulk(reqs []Request) []string {
	var keys []string
	for _, req := range reqs {
		if key, submitted := o.Submit(req); submitted {
			keys = append(keys, key)
		}
	}
	return keys
}

// GetTask returns a snapshot of the task for key, if any.
func (o *Orchestrator) GetTask(key string) (Task, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	t, ok := o.tasks[key]
	if !ok {
		return Task{}, false
	}
	return *t, true
}

// ListTasks returns a snapshot of every tracked task.
func (o *Orchestrator) ListTasks() []Task {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]Task, 0, len(o.tasks))
	for _, t := range o.tasks {
		out = append(out, *t)
	}
	return out
}

// Shutdown closes the job queue and waits for all in-flight workers to
// drain. No new submissions are accepted afterward.
func (o *Orchestrator) Shutdown() {
	close(o.jobs)
	o.wg.Wait()
}

func (o *Orchestrator) updateTask(key string, status Status, message string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if t, ok := o.tasks[key]; ok {
		t.Status = status
		t.Message = message
	}
}

func (o *Orchestrator) exchangeSlot(exchange string) chan struct{} {
	key := helpers.NormalizeUpper(exchange)

	o.mu.Lock()
	defer o.mu.Unlock()
	if sem, ok := o.exchangeSlots[key]; ok {
		return sem
	}
	sem := make(chan struct{}, o.perExchange)
	o.exchangeSlots[key] = sem
	return sem
}

func (o *Orchestrator) worker() {
	defer o.wg.Done()
	for j := range o.jobs {
		o.runJob(j)
	}
}

// runJob executes the worker job state machine (spec.md §4.5.2). A
// finalizer guarantees a task left "running" at function exit (including
// on panic) is forced to "failed".
func (o *Orchestrator) runJob(j job) {
	defer func() {
		if r := recover(); r != nil {
			o.updateTask(j.key, StatusFailed, fmt.Sprintf("panic: %v", r))
		}
		o.mu.Lock()
		t, ok := o.tasks[j.key]
		stillRunning := ok && t.Status == StatusRunning
		o.mu.Unlock()
		if stillRunning {
			o.updateTask(j.key, StatusFailed, "terminated unexpectedly")
		}
	}()

	ctx := context.Background()

	o.updateTask(j.key, StatusRunning, "waiting for exchange slot")

	sem := o.exchangeSlot(j.req.Exchange)
	sem <- struct{}{}
	defer func() { <-sem }()

	o.updateTask(j.key, StatusRunning, "fetching data")

	client, err := o.clients.Get(ctx, j.req.Exchange, j.req.Market)
	if err != nil {
		o.updateTask(j.key, StatusFailed, err.Error())
		return
	}

	ing := ingest.New(client, o.manifest, o.dataRoot)

	if j.req.DataType == "raw" || j.req.DataType == "both" {
		startDate := j.req.StartDate
		if j.req.FullHistory {
			startDate = ""
		}
		if _, err := ing.DownloadOHLCV(ctx, ingest.OHLCVConfig{
			Exchange: j.req.Exchange, Market: j.req.Market, Symbol: j.req.Symbol,
			Timeframe: j.req.Timeframe, StartDate: startDate, FullHistory: j.req.FullHistory,
		}); err != nil {
			o.updateTask(j.key, StatusFailed, err.Error())
			return
		}
	}

	if (j.req.DataType == "funding" || j.req.DataType == "both") && helpers.IsDerivativeMarket(j.req.Market) {
		o.updateTask(j.key, StatusRunning, "fetching funding rate")
		if _, err := ing.DownloadFundingRate(ctx, ingest.FundingConfig{
			Exchange: j.req.Exchange, Market: j.req.Market, Symbol: j.req.Symbol,
		}); err != nil {
			o.updateTask(j.key, StatusFailed, err.Error())
			return
		}
	}

	report, err := verify.VerifyIntegrity(o.manifest, j.req.Exchange, j.req.Symbol, j.req.Market, j.req.Timeframe)
	if err != nil {
		o.updateTask(j.key, StatusFailed, err.Error())
		return
	}

	switch report.Status {
	case verify.StatusSuccess:
		o.updateTask(j.key, StatusCompleted, "finished (verified)")
	case verify.StatusWarning:
		o.logger.Warn("verification warning", "key", j.key, "message", report.Message)
		o.updateTask(j.key, StatusCompleted, fmt.Sprintf("finished: %s", report.Message))
	default: // verify.StatusError
		msg := fmt.Sprintf("finished: %s", report.Message)
		if report.Message == "no files found to verify" {
			o.logger.Warn("verification found no files", "key", j.key)
		} else {
			o.logger.Error("verification error", "key", j.key, "message", report.Message)
		}
		o.updateTask(j.key, StatusCompleted, msg)
	}
}
