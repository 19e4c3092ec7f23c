package upstream

import (
	"net/http"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// Capacity refusals carry no structured code; detection is by message.
var capacityMessages = []string{
	"exhausted your capacity on this model",
	"Resource has been exhausted",
	"No capacity available",
}

// IsCapacityError reports whether a status/message pair is a per-model
// capacity event.
func IsCapacityError(statusCode int, message string) bool {
	if statusCode == http.StatusTooManyRequests {
		return true
	}
	for _, m := range capacityMessages {
		if strings.Contains(message, m) {
			return true
		}
	}
	return false
}

var resetAfterRe = regexp.MustCompile(`(?i)reset after (\d+)s`)

// ParseResetAfter extracts the upstream's reset hint and adds a one second
// buffer. Returns 0 when the message has no hint.
func ParseResetAfter(message string) time.Duration {
	m := resetAfterRe.FindStringSubmatch(message)
	if len(m) < 2 {
		return 0
	}
	secs, err := strconv.Atoi(m[1])
	if err != nil {
		return 0
	}
	return time.Duration(secs+1) * time.Second
}

// shouldTryNextEndpoint mirrors the desktop client: fall through to the
// sandbox endpoint on 429, 408, 404, and 5xx.
func shouldTryNextEndpoint(status int) bool {
	switch status {
	case http.StatusTooManyRequests, http.StatusRequestTimeout, http.StatusNotFound:
		return true
	}
	return status >= 500
}

func isRetryableStatusCode(status int) bool {
	return status == http.StatusTooManyRequests || status == http.StatusRequestTimeout || status >= 500
}
