package extract

import "time"

// RetryPolicy bounds retries of lock-contended reads. Attempts counts every
// try including the first; the delay doubles after each retry up to MaxDelay.
type RetryPolicy struct {
	Attempts int
	Delay    time.Duration
	MaxDelay time.Duration
}

// Start begins a new attempt sequence. The first attempt is implicit.
func (p RetryPolicy) Start() *Attempt {
	if p.Attempts < 1 {
		p.Attempts = 1
	}
	return &Attempt{policy: p, n: 1, delay: p.Delay}
}

// Attempt tracks one sequence of tries against a policy.
type Attempt struct {
	policy RetryPolicy
	n      int
	delay  time.Duration
}

// N returns the number of the current attempt, starting at 1.
func (a *Attempt) N() int { return a.n }

// Next advances to the following attempt and returns how long to wait
// before it. ok is false once the policy is exhausted.
func (a *Attempt) Next() (wait time.Duration, ok bool) {
	if a.n >= a.policy.Attempts {
		return 0, false
	}
	wait = a.delay
	a.n++
	a.delay *= 2
	if a.policy.MaxDelay > 0 && a.delay > a.policy.MaxDelay {
		a.delay = a.policy.MaxDelay
	}
	return wait, true
}
