package laneq

type options struct {
	id       string
	laneHint string
}

// Option is a function that configures a job during Submit.
type Option func(*options)

// JobID sets a custom ID for the job. If not provided, a random UUID will be generated.
func JobID(id string) Option {
	return func(o *options) {
		o.id = id
	}
}

// LaneHint attaches an explicit lane hint to the job. Only the message-based
// strategy honors it; other strategies ignore the hint entirely.
func LaneHint(lane string) Option {
	return func(o *options) {
		o.laneHint = lane
	}
}
