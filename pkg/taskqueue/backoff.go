package taskqueue

import (
	"math"
	"math/rand/v2"
	"strings"
	"time"

	"github.com/agentfleet/fleetd/pkg/config"
)

// Backoff computes the delay before the (retryCount+1)-th attempt:
// exponential growth capped at the configured maximum, multiplied by a
// jitter in [0.75, 1.25) to spread re-enqueue storms.
func Backoff(cfg config.RetryConfig, retryCount int) time.Duration {
	delay := cfg.BaseDelaySeconds * math.Pow(2, float64(retryCount))
	if delay > cfg.MaxDelaySeconds {
		delay = cfg.MaxDelaySeconds
	}
	jitter := 0.75 + rand.Float64()*0.5
	return time.Duration(delay * jitter * float64(time.Second))
}

// IsRetryable classifies an error message: transient if it contains any
// of the configured substrings (case-insensitive), permanent otherwise.
func IsRetryable(cfg config.RetryConfig, errMsg string) bool {
	if errMsg == "" {
		return false
	}
	lower := strings.ToLower(errMsg)
	for _, s := range cfg.RetryableSubstrings {
		if strings.Contains(lower, strings.ToLower(s)) {
			return true
		}
	}
	return false
}
