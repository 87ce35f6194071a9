package poller

import (
	"time"
)

const (
	// downAfter consecutive failed cycles mark a router unhealthy.
	downAfter = 3
	// upAfter consecutive good cycles mark it healthy again.
	upAfter = 1
)

// Health tracks a router's recent cycle outcomes.
type Health struct {
	Healthy         bool      `json:"healthy"`
	LastCheck       time.Time `json:"last_check,omitempty"`
	LastSuccess     time.Time `json:"last_success,omitempty"`
	ConsecutiveFail int       `json:"consecutive_fail"`
	ConsecutiveOK   int       `json:"consecutive_ok"`
	LastError       string    `json:"last_error,omitempty"`
}

// observe folds one cycle outcome in and reports whether Healthy flipped.
// A router starts unhealthy until its first good cycle.
func (h *Health) observe(err error, at time.Time) bool {
	h.LastCheck = at
	was := h.Healthy

	if err != nil {
		h.ConsecutiveFail++
		h.ConsecutiveOK = 0
		h.LastError = err.Error()
		if h.ConsecutiveFail >= downAfter {
			h.Healthy = false
		}
	} else {
		h.ConsecutiveOK++
		h.ConsecutiveFail = 0
		h.LastSuccess = at
		h.LastError = ""
		if h.ConsecutiveOK >= upAfter {
			h.Healthy = true
		}
	}

	return was != h.Healthy
}
