package laneq

import (
	"encoding/json"
	"time"
)

// Job is the unit of work flowing through the router. The core only ever
// inspects the identifier and the optional lane hint; every other field of
// the intake message is opaque and travels in Raw byte-identical.
type Job struct {
	// ID is the unique job identifier assigned by the producer.
	ID string `json:"id"`
	// LaneHint optionally names the target lane. Only the message-based
	// strategy reads it; anything else ignores it.
	LaneHint string `json:"lane,omitempty"`
	// Raw is the original intake message. It is forwarded unmodified to
	// lane queues and wrapped, not rewritten, for dead-lettering.
	Raw json.RawMessage `json:"-"`
}

// DecodeJob parses the routing-relevant fields out of an intake message.
// The message must be a JSON object with a non-empty id.
func DecodeJob(raw []byte, enc Encoder) (*Job, error) {
	var j Job
	if err := enc.Decode(raw, &j); err != nil {
		return nil, err
	}
	if j.ID == "" {
		return nil, ErrMissingJobID
	}
	j.Raw = append(json.RawMessage(nil), raw...)
	return &j, nil
}

// DeadLetter wraps a job that failed terminally, together with the failure
// detail operators need. It is produced by this subsystem and only ever
// consumed by external tooling.
type DeadLetter struct {
	// Job is the original message, byte-identical to what arrived when it
	// was valid JSON, wrapped as a JSON string otherwise. A record must
	// always encode; unparseable messages are the ones that need
	// dead-lettering most.
	Job json.RawMessage `json:"job"`
	// Error describes why the job was dead-lettered.
	Error string `json:"error"`
	// Lane is the lane the job was destined for, if one had been chosen.
	Lane string `json:"lane,omitempty"`
	// FailedAt is the timestamp (ms) of the terminal failure.
	FailedAt int64 `json:"failed_at"`
}

func newDeadLetter(raw []byte, lane string, err error) *DeadLetter {
	job := append(json.RawMessage(nil), raw...)
	if !json.Valid(job) {
		job, _ = json.Marshal(string(raw))
	}
	return &DeadLetter{
		Job:      job,
		Error:    err.Error(),
		Lane:     lane,
		FailedAt: time.Now().UnixMilli(),
	}
}

// Result is published downstream after a worker finished a job successfully.
type Result struct {
	// JobID is the identifier of the completed job.
	JobID string `json:"job_id"`
	// Lane is the lane the job was processed on.
	Lane string `json:"lane"`
	// Output is the provider response, stored as raw JSON when possible.
	Output json.RawMessage `json:"output,omitempty"`
	// CompletedAt is the timestamp (ms) of completion.
	CompletedAt int64 `json:"completed_at"`
}
