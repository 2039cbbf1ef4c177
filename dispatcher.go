package laneq

import (
	"context"
	"sync"
	"time"

	ikeys "github.com/laneq/laneq-go/internal/keys"
	"github.com/laneq/laneq-go/internal/metrics"
	"github.com/laneq/laneq-go/internal/rq"
	"github.com/redis/go-redis/v9"
)

const (
	defaultIntakeQueue     = "intake"
	defaultDeadLetterQueue = "deadletter"
	defaultLeaseTTL        = time.Minute
	defaultDrainTimeout    = 10 * time.Second

	// assignTTL bounds how long a job id stays pinned to its first lane.
	// Redeliveries happen within seconds; a day is comfortably past any
	// broker retry horizon.
	assignTTL = 24 * time.Hour

	pollInterval     = 50 * time.Millisecond
	maintenanceTick  = 100 * time.Millisecond
	maintenanceBatch = 256
)

// DispatcherConfig defines the configuration for a Dispatcher.
type DispatcherConfig struct {
	// IntakeQueue is the queue the upstream producer feeds.
	IntakeQueue string
	// DeadLetterQueue receives poison messages and failed publishes.
	DeadLetterQueue string
	// Lanes is the lane table.
	Lanes *Lanes
	// Selector names the target lane per job.
	Selector *Selector
	// Limiter is the dispatcher-tier rate limiter. Its prefix must differ
	// from the worker tier's.
	Limiter *RateLimiter
	// Available lists the currently available lanes. Defaults to all
	// configured lanes.
	Available []string
	// Concurrency is the number of intake consumer goroutines.
	Concurrency int
	// LeaseTTL is how long a dequeued intake message stays leased before
	// the broker redelivers it to another consumer.
	LeaseTTL time.Duration
	// DrainTimeout bounds how long Stop waits for in-flight jobs.
	DrainTimeout time.Duration
	// Logger is the logger used for dispatcher events.
	Logger Logger
	// Metrics receives routing counters. May be nil.
	Metrics *metrics.Collector
}

// Dispatcher consumes the intake queue and routes every job to a lane
// primary queue when the lane has budget, or to the lane's delay queue when
// it does not. Poison messages go to the dead-letter queue; nothing is ever
// requeued onto intake.
type Dispatcher struct {
	rdb redis.UniversalClient
	cfg DispatcherConfig
	enc Encoder
	log Logger

	mu      sync.Mutex
	started bool
	wg      sync.WaitGroup

	ctx     context.Context
	cancel  context.CancelFunc
	procCtx context.Context
	procCxl context.CancelFunc
}

// NewDispatcher creates a dispatcher. Lanes, Selector and Limiter are required.
func NewDispatcher(rdb redis.UniversalClient, cfg DispatcherConfig) (*Dispatcher, error) {
	if cfg.Lanes == nil {
		return nil, ErrNoLanes
	}
	if cfg.IntakeQueue == "" {
		cfg.IntakeQueue = defaultIntakeQueue
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
	if len(cfg.Available) == 0 {
		cfg.Available = cfg.Lanes.Names()
	}
	l := cfg.Logger
	if l == nil {
		l = NewFmtLogger()
	}
	ctx, cancel := context.WithCancel(context.Background())
	procCtx, procCxl := context.WithCancel(context.Background())
	return &Dispatcher{
		rdb:     rdb,
		cfg:     cfg,
		enc:     &JSONEncoder{},
		log:     l,
		ctx:     ctx,
		cancel:  cancel,
		procCtx: procCtx,
		procCxl: procCxl,
	}, nil
}

// Start launches the intake consumers and the queue maintenance routine.
// It is idempotent and non-blocking.
func (d *Dispatcher) Start() {
	d.mu.Lock()
	if d.started {
		d.log.Warnf("dispatcher already started; ignoring Start()")
		d.mu.Unlock()
		return
	}
	d.started = true
	d.mu.Unlock()
	d.log.Infof("starting dispatcher: intake=%s concurrency=%d lanes=%d",
		d.cfg.IntakeQueue, d.cfg.Concurrency, len(d.cfg.Lanes.Names()))

	for i := 0; i < d.cfg.Concurrency; i++ {
		d.wg.Add(1)
		go func() {
			defer d.wg.Done()
			d.consumeLoop()
		}()
	}

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		d.maintenanceLoop()
	}()
}

// Stop gracefully shuts the dispatcher down: consumption stops immediately,
// in-flight jobs get up to DrainTimeout to finish, and anything still leased
// after that is abandoned to the broker's redelivery.
func (d *Dispatcher) Stop() {
	d.mu.Lock()
	if !d.started {
		d.log.Warnf("dispatcher not started; ignoring Stop()")
		d.mu.Unlock()
		return
	}
	d.started = false
	d.mu.Unlock()
	d.log.Infof("stopping dispatcher")

	d.cancel()
	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(d.cfg.DrainTimeout):
		d.log.Warnf("drain timeout after %s; abandoning in-flight jobs to redelivery", d.cfg.DrainTimeout)
		d.procCxl()
		<-done
	}
	d.procCxl()
}

func (d *Dispatcher) consumeLoop() {
	for {
		select {
		case <-d.ctx.Done():
			return
		default:
		}

		raw, err := rq.Dequeue(d.ctx, d.rdb, d.cfg.IntakeQueue, d.cfg.LeaseTTL)
		if err != nil {
			if d.ctx.Err() != nil {
				return
			}
			d.log.Warnf("intake dequeue failed: err=%v", err)
			time.Sleep(pollInterval)
			continue
		}
		if raw == nil {
			time.Sleep(pollInterval)
			continue
		}

		d.cfg.Metrics.InFlightAdd(1)
		d.routeOne(d.procCtx, raw)
		d.cfg.Metrics.InFlightAdd(-1)
	}
}

// routeOne carries a single intake delivery to its terminal dispatcher state:
// published to a lane queue (routed or delayed) or dead-lettered. The intake
// message is acked only after a publish succeeded.
func (d *Dispatcher) routeOne(ctx context.Context, raw []byte) {
	job, err := DecodeJob(raw, d.enc)
	if err != nil {
		d.deadLetter(ctx, raw, "", err)
		return
	}

	lane := d.cfg.Lanes.Resolve(d.assignLane(ctx, job))

	var pubErr error
	if d.cfg.Limiter.Permit(ctx, lane.Name, lane.Capacity) {
		if pubErr = rq.Publish(ctx, d.rdb, lane.Queue(), raw); pubErr == nil {
			d.cfg.Metrics.RecordRouted(lane.Name)
			d.log.Debugf("routed: id=%s lane=%s", job.ID, lane.Name)
		}
	} else {
		d.cfg.Metrics.RecordRateDenied("dispatcher", lane.Name)
		if pubErr = rq.PublishDelayed(ctx, d.rdb, lane.Name, lane.DelayTTL, raw); pubErr == nil {
			d.cfg.Metrics.RecordDelayed(lane.Name)
			d.log.Debugf("delayed: id=%s lane=%s queue=%s", job.ID, lane.Name, lane.DelayQueue())
		}
	}
	if pubErr != nil {
		d.deadLetter(ctx, raw, lane.Name, pubErr)
		return
	}

	// A crash between the publish above and this ack causes a duplicate
	// route on redelivery. That is the accepted at-least-once trade-off.
	if err := rq.Ack(ctx, d.rdb, d.cfg.IntakeQueue, raw); err != nil {
		d.log.Errorf("intake ack failed: id=%s err=%v", job.ID, err)
	}
}

// assignLane pins a job id to its first selected lane, so a redelivered
// intake message lands on the same lane the first delivery chose.
func (d *Dispatcher) assignLane(ctx context.Context, job *Job) string {
	lane := d.cfg.Selector.Select(job, d.cfg.Available)
	key := ikeys.Assign(job.ID)
	set, err := d.rdb.SetNX(ctx, key, lane, assignTTL).Result()
	if err != nil {
		// store blip: proceed with the fresh selection
		return lane
	}
	if !set {
		if prev, err := d.rdb.Get(ctx, key).Result(); err == nil && prev != "" {
			return prev
		}
	}
	return lane
}

// deadLetter wraps the raw message with failure detail, publishes it to the
// dead-letter queue and acks intake. Intake is never requeued, so a poison
// message cannot stall the queue. If even the dead-letter publish fails the
// lease is kept and the broker redelivers later.
func (d *Dispatcher) deadLetter(ctx context.Context, raw []byte, lane string, cause error) {
	rec, err := d.enc.Encode(newDeadLetter(raw, lane, cause))
	if err == nil {
		err = rq.Publish(ctx, d.rdb, d.cfg.DeadLetterQueue, rec)
	}
	if err != nil {
		d.log.Errorf("dead-letter publish failed, leaving delivery leased: err=%v cause=%v", err, cause)
		return
	}
	d.cfg.Metrics.RecordDeadLettered()
	d.log.Warnf("dead-lettered: lane=%s cause=%v", lane, cause)
	if err := rq.Ack(ctx, d.rdb, d.cfg.IntakeQueue, raw); err != nil {
		d.log.Errorf("intake ack failed after dead-letter: err=%v", err)
	}
}

// maintenanceLoop promotes due delayed jobs onto their lane queues and
// reclaims expired intake leases. The underlying scripts are atomic, so any
// number of dispatcher replicas can run this concurrently.
func (d *Dispatcher) maintenanceLoop() {
	ticker := time.NewTicker(maintenanceTick)
	defer ticker.Stop()
	for {
		select {
		case <-d.ctx.Done():
			return
		case <-ticker.C:
			for _, name := range d.cfg.Lanes.Names() {
				lane, _ := d.cfg.Lanes.Get(name)
				if _, err := rq.PromoteDue(d.ctx, d.rdb, lane.Name, lane.DelayTTL, maintenanceBatch); err != nil && d.ctx.Err() == nil {
					d.log.Warnf("delay promotion failed: lane=%s err=%v", lane.Name, err)
				}
			}
			if _, err := rq.ReclaimExpired(d.ctx, d.rdb, d.cfg.IntakeQueue, maintenanceBatch); err != nil && d.ctx.Err() == nil {
				d.log.Warnf("intake lease reclaim failed: err=%v", err)
			}
		}
	}
}
