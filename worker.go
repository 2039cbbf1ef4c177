package laneq

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/laneq/laneq-go/internal/metrics"
	"github.com/laneq/laneq-go/internal/rq"
	"github.com/redis/go-redis/v9"
)

// Handler processes one job, typically by calling the external analysis
// provider, and returns the provider output.
type Handler func(ctx context.Context, job *Job) ([]byte, error)

// Middleware is a function that wraps a Handler to provide cross-cutting concerns.
type Middleware func(Handler) Handler

// WorkerConfig defines the configuration for a Worker.
type WorkerConfig struct {
	// Lane is the single lane this worker consumes. A worker bound to zero
	// or many lanes would break independent per-lane scaling, so the
	// binding is validated at construction.
	Lane string
	// Lanes is the lane table.
	Lanes *Lanes
	// Limiter is the worker-tier rate limiter, a safety net against
	// dispatcher accounting drift. Its prefix must differ from the
	// dispatcher tier's.
	Limiter *RateLimiter
	// ResultsQueue receives a Result record per completed job.
	ResultsQueue string
	// DeadLetterQueue receives jobs that failed processing.
	DeadLetterQueue string
	// Concurrency is the number of consumer goroutines.
	Concurrency int
	// LeaseTTL is how long a dequeued job stays leased before the broker
	// redelivers it.
	LeaseTTL time.Duration
	// DrainTimeout bounds how long Stop waits for in-flight jobs.
	DrainTimeout time.Duration
	// Logger is the logger used for worker events.
	Logger Logger
	// Metrics receives worker counters. May be nil.
	Metrics *metrics.Collector
}

// Worker drains exactly one lane queue. Before each job it re-checks the
// lane budget in its own key namespace; a denial requeues the job rather
// than dead-lettering it, because it signals capacity pressure, not a
// defective job.
type Worker struct {
	rdb     redis.UniversalClient
	cfg     WorkerConfig
	lane    Lane
	enc     Encoder
	log     Logger
	handler Handler
	mws     []Middleware

	mu      sync.Mutex
	started bool
	wg      sync.WaitGroup

	ctx     context.Context
	cancel  context.CancelFunc
	procCtx context.Context
	procCxl context.CancelFunc
}

const defaultResultsQueue = "results"

// NewWorker creates a worker bound to one lane. An unknown or empty lane
// binding fails fast: a misbound worker must never start consuming.
func NewWorker(rdb redis.UniversalClient, cfg WorkerConfig, h Handler) (*Worker, error) {
	if cfg.Lanes == nil {
		return nil, ErrNoLanes
	}
	lane, ok := cfg.Lanes.Get(cfg.Lane)
	if !ok {
		return nil, ErrUnknownLane
	}
	if cfg.ResultsQueue == "" {
		cfg.ResultsQueue = defaultResultsQueue
	}
	if cfg.DeadLetterQueue == "" {
		cfg.DeadLetterQueue = defaultDeadLetterQueue
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 1
	}
	if cfg.LeaseTTL <= 0 {
		cfg.LeaseTTL = defaultLeaseTTL
	}
	if cfg.DrainTimeout <= 0 {
		cfg.DrainTimeout = defaultDrainTimeout
	}
	l := cfg.Logger
	if l == nil {
		l = NewFmtLogger()
	}
	ctx, cancel := context.WithCancel(context.Background())
	procCtx, procCxl := context.WithCancel(context.Background())
	return &Worker{
		rdb:     rdb,
		cfg:     cfg,
		lane:    lane,
		enc:     &JSONEncoder{},
		log:     l,
		handler: h,
		ctx:     ctx,
		cancel:  cancel,
		procCtx: procCtx,
		procCxl: procCxl,
	}, nil
}

// Use adds middleware(s) to the worker's handler chain. Middlewares are
// executed in the order they are added. Call before Start.
func (w *Worker) Use(mw Middleware) {
	w.mws = append(w.mws, mw)
}

// Start launches the lane consumers and the lane maintenance routine.
// It is idempotent and non-blocking.
func (w *Worker) Start() {
	w.mu.Lock()
	if w.started {
		w.log.Warnf("worker already started; ignoring Start()")
		w.mu.Unlock()
		return
	}
	w.started = true
	w.mu.Unlock()
	w.log.Infof("starting worker: lane=%s concurrency=%d", w.lane.Name, w.cfg.Concurrency)

	for i := 0; i < w.cfg.Concurrency; i++ {
		w.wg.Add(1)
		go func() {
			defer w.wg.Done()
			w.consumeLoop()
		}()
	}

	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		w.maintenanceLoop()
	}()
}

// Stop gracefully shuts the worker down with a bounded drain, then abandons
// anything still in flight to the broker's lease redelivery.
func (w *Worker) Stop() {
	w.mu.Lock()
	if !w.started {
		w.log.Warnf("worker not started; ignoring Stop()")
		w.mu.Unlock()
		return
	}
	w.started = false
	w.mu.Unlock()
	w.log.Infof("stopping worker: lane=%s", w.lane.Name)

	w.cancel()
	done := make(chan struct{})
	go func() {
		w.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(w.cfg.DrainTimeout):
		w.log.Warnf("drain timeout after %s; abandoning in-flight jobs to redelivery", w.cfg.DrainTimeout)
		w.procCxl()
		<-done
	}
	w.procCxl()
}

func (w *Worker) consumeLoop() {
	for {
		select {
		case <-w.ctx.Done():
			return
		default:
		}

		raw, err := rq.Dequeue(w.ctx, w.rdb, w.lane.Queue(), w.cfg.LeaseTTL)
		if err != nil {
			if w.ctx.Err() != nil {
				return
			}
			w.log.Warnf("lane dequeue failed: lane=%s err=%v", w.lane.Name, err)
			time.Sleep(pollInterval)
			continue
		}
		if raw == nil {
			time.Sleep(pollInterval)
			continue
		}

		w.cfg.Metrics.InFlightAdd(1)
		denied := w.processOne(w.procCtx, raw)
		w.cfg.Metrics.InFlightAdd(-1)
		if denied {
			// the lane budget is exhausted; re-leasing the same message
			// immediately would just spin on the store
			time.Sleep(pollInterval)
		}
	}
}

// processOne handles one leased lane delivery. Rate denial requeues; handler
// failure dead-letters; success acks and publishes the result downstream.
// It reports whether the delivery was turned away by the local rate check so
// the caller can back off before consuming again.
func (w *Worker) processOne(ctx context.Context, raw []byte) bool {
	job, err := DecodeJob(raw, w.enc)
	if err != nil {
		w.deadLetter(ctx, raw, err)
		return false
	}

	if !w.cfg.Limiter.Permit(ctx, w.lane.Name, w.lane.Capacity) {
		w.cfg.Metrics.RecordRateDenied("worker", w.lane.Name)
		if err := rq.Requeue(ctx, w.rdb, w.lane.Queue(), raw); err != nil {
			w.log.Errorf("requeue failed, leaving delivery leased: id=%s err=%v", job.ID, err)
			return true
		}
		w.cfg.Metrics.RecordRequeued(w.lane.Name)
		w.log.Debugf("local budget exhausted, requeued: id=%s lane=%s", job.ID, w.lane.Name)
		return true
	}

	out, err := w.wrapHandler()(ctx, job)
	if err != nil {
		w.deadLetter(ctx, raw, err)
		return false
	}

	if err := rq.Ack(ctx, w.rdb, w.lane.Queue(), raw); err != nil {
		w.log.Errorf("ack failed: id=%s err=%v", job.ID, err)
	}
	if err := w.publishResult(ctx, job, out); err != nil {
		w.log.Warnf("result publish failed: id=%s err=%v", job.ID, err)
	} else {
		w.log.Debugf("processed: id=%s lane=%s", job.ID, w.lane.Name)
	}
	return false
}

// deadLetter publishes the job plus error detail and releases the lease.
// The message does not return to the lane queue.
func (w *Worker) deadLetter(ctx context.Context, raw []byte, cause error) {
	rec, err := w.enc.Encode(newDeadLetter(raw, w.lane.Name, cause))
	if err == nil {
		err = rq.Publish(ctx, w.rdb, w.cfg.DeadLetterQueue, rec)
	}
	if err != nil {
		w.log.Errorf("dead-letter publish failed, leaving delivery leased: err=%v cause=%v", err, cause)
		return
	}
	w.cfg.Metrics.RecordDeadLettered()
	w.log.Warnf("dead-lettered: lane=%s cause=%v", w.lane.Name, cause)
	if err := rq.Ack(ctx, w.rdb, w.lane.Queue(), raw); err != nil {
		w.log.Errorf("ack failed after dead-letter: err=%v", err)
	}
}

func (w *Worker) publishResult(ctx context.Context, job *Job, out []byte) error {
	res := &Result{
		JobID:       job.ID,
		Lane:        w.lane.Name,
		CompletedAt: time.Now().UnixMilli(),
	}
	if json.Valid(out) {
		res.Output = out
	} else if len(out) > 0 {
		enc, err := w.enc.Encode(string(out))
		if err != nil {
			return err
		}
		res.Output = enc
	}
	rec, err := w.enc.Encode(res)
	if err != nil {
		return err
	}
	return rq.Publish(ctx, w.rdb, w.cfg.ResultsQueue, rec)
}

func (w *Worker) wrapHandler() Handler {
	h := w.handler
	for i := len(w.mws) - 1; i >= 0; i-- {
		h = w.mws[i](h)
	}
	return h
}

// maintenanceLoop promotes due delayed jobs for this worker's lane and
// reclaims expired leases on the lane queue, so the lane keeps moving even
// when no dispatcher replica is up.
func (w *Worker) maintenanceLoop() {
	ticker := time.NewTicker(maintenanceTick)
	defer ticker.Stop()
	for {
		select {
		case <-w.ctx.Done():
			return
		case <-ticker.C:
			if _, err := rq.PromoteDue(w.ctx, w.rdb, w.lane.Name, w.lane.DelayTTL, maintenanceBatch); err != nil && w.ctx.Err() == nil {
				w.log.Warnf("delay promotion failed: lane=%s err=%v", w.lane.Name, err)
			}
			if _, err := rq.ReclaimExpired(w.ctx, w.rdb, w.lane.Queue(), maintenanceBatch); err != nil && w.ctx.Err() == nil {
				w.log.Warnf("lease reclaim failed: lane=%s err=%v", w.lane.Name, err)
			}
		}
	}
}
