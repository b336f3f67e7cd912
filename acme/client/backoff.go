package client

import (
	"time"

	"github.com/cenkalti/backoff/v4"
)

// Polling policy for authorization and order status: first wait 1 s, grow
// linearly by 1 s per poll, cap at 10 s, give up after 5 minutes overall.
const (
	pollInitialInterval = 1 * time.Second
	pollIntervalStep    = 1 * time.Second
	pollIntervalCap     = 10 * time.Second
)

// pollDeadline bounds each authorization poll and each finalize poll. It is
// a variable so tests can tighten it.
var pollDeadline = 5 * time.Minute

// linearBackOff is a backoff.BackOff whose interval grows by a fixed step
// per retry up to a cap. The exponential policy backoff ships multiplies
// the interval on every retry instead; status polling wants a fixed step.
type linearBackOff struct {
	initial time.Duration
	step    time.Duration
	cap     time.Duration
	next    time.Duration
}

func newPollBackOff() *linearBackOff {
	b := &linearBackOff{
		initial: pollInitialInterval,
		step:    pollIntervalStep,
		cap:     pollIntervalCap,
	}
	b.Reset()
	return b
}

func (b *linearBackOff) NextBackOff() time.Duration {
	d := b.next
	b.next += b.step
	if b.next > b.cap {
		b.next = b.cap
	}
	return d
}

func (b *linearBackOff) Reset() {
	b.next = b.initial
}

var _ backoff.BackOff = (*linearBackOff)(nil)
