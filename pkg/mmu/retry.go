// Bounded retry loops
//
// Copyright (C) 2026  Go Migration Team
//
// This file may be distributed under the terms of the GNU GPLv3 license.

package mmu

import "context"

// Outcome is the result of a bounded retry loop.
type Outcome int

const (
	Success Outcome = iota
	Exhausted
)

func (o Outcome) String() string {
	switch o {
	case Success:
		return "success"
	case Exhausted:
		return "exhausted"
	}
	return "unknown"
}

// Attempt performs one try and reports whether it succeeded. attempt counts
// from 1.
type Attempt func(ctx context.Context, attempt int) (bool, error)

// Retry calls fn until it succeeds or limit attempts have been made. It
// returns the outcome and the number of attempts made. An error from fn
// ends the loop immediately.
func Retry(ctx context.Context, limit int, fn Attempt) (Outcome, int, error) {
	for i := 1; i <= limit; i++ {
		if err := ctx.Err(); err != nil {
			return Exhausted, i - 1, err
		}
		done, err := fn(ctx, i)
		if err != nil {
			return Exhausted, i, err
		}
		if done {
			return Success, i, nil
		}
	}
	return Exhausted, limit, nil
}

func (m *MMU) recordRetry(stage string, attempts int) {
	if m.metrics != nil && attempts > 0 {
		m.metrics.RecordRetry(stage, attempts)
	}
}
