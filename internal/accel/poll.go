package accel

import (
	"errors"
	"fmt"
	"time"
)

// ErrPollTimeout is returned when a done/idle flag never asserts within the
// policy's timeout. Hardware state is unknown at that point; the caller must
// treat the pass as lost.
var ErrPollTimeout = errors.New("accel: poll timeout")

// PollPolicy bounds the busy-wait on hardware completion flags. The fabric
// signals completion only through polled registers, so every wait sleeps
// Interval between reads instead of spinning a core.
type PollPolicy struct {
	// Interval is the sleep between flag reads.
	Interval time.Duration
	// Timeout is the total budget for one wait. Zero means wait forever.
	Timeout time.Duration
}

// DefaultPollPolicy is tuned for the multi-millisecond passes of the tiny
// YOLO fabric: fine-grained polling, generous overall budget.
func DefaultPollPolicy() PollPolicy {
	return PollPolicy{Interval: 10 * time.Microsecond, Timeout: 3 * time.Second}
}

// WaitDone blocks until the component reports completion.
func (p PollPolicy) WaitDone(c Component) error {
	return p.wait(func() (bool, error) { return c.IsDone(), nil })
}

// WaitMM2SIdle blocks until the DMA channel's MM2S engine has drained.
func (p PollPolicy) WaitMM2SIdle(d DMAChannel) error {
	return p.wait(d.IsMM2SIdle)
}

func (p PollPolicy) wait(flag func() (bool, error)) error {
	deadline := time.Time{}
	if p.Timeout > 0 {
		deadline = time.Now().Add(p.Timeout)
	}
	for {
		ok, err := flag()
		if err != nil {
			return fmt.Errorf("accel: poll: %w", err)
		}
		if ok {
			return nil
		}
		if !deadline.IsZero() && time.Now().After(deadline) {
			return ErrPollTimeout
		}
		time.Sleep(p.Interval)
	}
}
