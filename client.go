package laneq

import (
	"context"
	"encoding/json"

	"github.com/google/uuid"
	"github.com/laneq/laneq-go/internal/keys"
	"github.com/laneq/laneq-go/internal/rq"
	"github.com/redis/go-redis/v9"
)

// ClientConfig defines the configuration for a Client.
type ClientConfig struct {
	// IntakeQueue is where submitted jobs land. Defaults to "intake".
	IntakeQueue string
	// DeadLetterQueue is inspected by ListDeadLetters and ReplayDead.
	DeadLetterQueue string
	// Lanes is needed to inspect lane-scoped states. May be nil if only
	// Submit is used.
	Lanes *Lanes
}

// Client provides the producer and operator APIs: submitting jobs onto the
// intake queue and inspecting or replaying what the router did with them.
type Client struct {
	rdb     redis.UniversalClient
	cfg     ClientConfig
	encoder Encoder
}

// NewClient creates a new routing client.
func NewClient(rdb redis.UniversalClient, cfg ClientConfig) *Client {
	if cfg.IntakeQueue == "" {
		cfg.IntakeQueue = defaultIntakeQueue
	}
	if cfg.DeadLetterQueue == "" {
		cfg.DeadLetterQueue = defaultDeadLetterQueue
	}
	return &Client{rdb: rdb, cfg: cfg, encoder: &JSONEncoder{}}
}

// Submit enqueues a job onto the intake queue and returns its id. The
// payload must encode to a JSON object; the routing fields (id, optional
// lane hint) are merged into it and everything else passes through opaque.
func (c *Client) Submit(ctx context.Context, payload any, opts ...Option) (string, error) {
	data, err := c.encoder.Encode(payload)
	if err != nil {
		return "", err
	}

	var fields map[string]json.RawMessage
	if err := c.encoder.Decode(data, &fields); err != nil {
		return "", ErrInvalidPayload
	}
	if fields == nil {
		fields = make(map[string]json.RawMessage, 2)
	}

	cfg := &options{}
	for _, opt := range opts {
		opt(cfg)
	}
	id := cfg.id
	if id == "" {
		id = uuid.NewString()
	}

	idRaw, _ := c.encoder.Encode(id)
	fields["id"] = idRaw
	if cfg.laneHint != "" {
		hintRaw, _ := c.encoder.Encode(cfg.laneHint)
		fields["lane"] = hintRaw
	}

	raw, err := c.encoder.Encode(fields)
	if err != nil {
		return "", err
	}
	if err := rq.Publish(ctx, c.rdb, c.cfg.IntakeQueue, raw); err != nil {
		return "", err
	}
	return id, nil
}

// JobFilter is a function used to filter jobs during ListJobs.
type JobFilter func(*Job) bool

// ListJobs returns the jobs sitting in one state of the given queue. For
// StateDelayed the queue must be a configured lane, since delay queues are
// lane-scoped.
func (c *Client) ListJobs(ctx context.Context, queue string, state State, filter JobFilter) ([]*Job, error) {
	var strs []string
	var err error
	switch state {
	case StateReady:
		strs, err = c.rdb.LRange(ctx, keys.Ready(queue), 0, -1).Result()
	case StateProcessing:
		strs, err = c.rdb.ZRange(ctx, keys.Processing(queue), 0, -1).Result()
	case StateDelayed:
		if c.cfg.Lanes == nil {
			return nil, ErrUnknownLane
		}
		lane, ok := c.cfg.Lanes.Get(queue)
		if !ok {
			return nil, ErrUnknownLane
		}
		strs, err = c.rdb.ZRange(ctx, keys.Delayed(lane.Name, lane.DelayTTL.Milliseconds()), 0, -1).Result()
	default:
		return nil, ErrUnknownState
	}
	if err != nil {
		return nil, err
	}

	out := make([]*Job, 0, len(strs))
	for _, s := range strs {
		if j, derr := DecodeJob([]byte(s), c.encoder); derr == nil {
			if filter == nil || filter(j) {
				out = append(out, j)
			}
		}
	}
	return out, nil
}

// ListDeadLetters returns the dead-letter records, newest first.
func (c *Client) ListDeadLetters(ctx context.Context) ([]*DeadLetter, error) {
	strs, err := c.rdb.LRange(ctx, keys.Ready(c.cfg.DeadLetterQueue), 0, -1).Result()
	if err != nil {
		return nil, err
	}
	out := make([]*DeadLetter, 0, len(strs))
	for _, s := range strs {
		var rec DeadLetter
		if err := c.encoder.Decode([]byte(s), &rec); err == nil {
			out = append(out, &rec)
		}
	}
	return out, nil
}

// ReplayDead removes a dead-letter record by job id and pushes its original
// payload back onto the intake queue for a fresh routing decision.
func (c *Client) ReplayDead(ctx context.Context, id string) error {
	dlq := keys.Ready(c.cfg.DeadLetterQueue)
	strs, err := c.rdb.LRange(ctx, dlq, 0, -1).Result()
	if err != nil {
		return err
	}
	for _, s := range strs {
		var rec DeadLetter
		if err := c.encoder.Decode([]byte(s), &rec); err != nil {
			continue
		}
		job, err := DecodeJob(rec.Job, c.encoder)
		if err != nil || job.ID != id {
			continue
		}
		// clear any stale lane pin so the replay is routed fresh
		_, err = c.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
			p.LRem(ctx, dlq, 1, s)
			p.Del(ctx, keys.Assign(id))
			p.LPush(ctx, keys.Ready(c.cfg.IntakeQueue), []byte(rec.Job))
			return nil
		})
		return err
	}
	return ErrJobNotFound
}
