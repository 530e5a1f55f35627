// SPDX-License-Identifier: Apache-2.0

package gateway

import (
	"context"
	"errors"
	"net"
	"strings"
	"syscall"
	"unicode/utf8"

	"github.com/modelpulse/pulse/pkg/health"
)

// maxErrorMessageLen bounds error messages persisted to history rows.
const maxErrorMessageLen = 200

// ClassifyStatusCode maps an HTTP response code to a check status.
func ClassifyStatusCode(code int) health.CheckStatus {
	switch {
	case code == 200:
		return health.StatusSuccess
	case code == 429:
		return health.StatusRateLimited
	case code == 401 || code == 403:
		return health.StatusUnauthorized
	case code == 404:
		return health.StatusNotFound
	default:
		return health.StatusError
	}
}

// ClassifyTransportError maps a transport-level error into a check status
// and a message. Timeouts are their own status; connection failures are
// tagged transient, everything else persistent. The tag informs the alert
// emitter and the retry predicate but never the counters.
func ClassifyTransportError(err error) (health.CheckStatus, string) {
	if err == nil {
		return health.StatusSuccess, ""
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return health.StatusTimeout, TruncateError("request timed out: " + err.Error())
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return health.StatusTimeout, TruncateError("request timed out: " + err.Error())
	}

	if isTransientNetError(err) {
		return health.StatusError, TruncateError("transient: " + err.Error())
	}
	return health.StatusError, TruncateError("persistent: " + err.Error())
}

func isTransientNetError(err error) bool {
	if errors.Is(err, syscall.ECONNREFUSED) || errors.Is(err, syscall.ECONNRESET) || errors.Is(err, syscall.EPIPE) {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "connection refused") ||
		strings.Contains(msg, "connection reset") ||
		strings.Contains(msg, "broken pipe") ||
		strings.Contains(msg, "no such host")
}

// TruncateError bounds an error message for persistence, cutting on a
// rune boundary so the stored string stays valid UTF-8.
func TruncateError(msg string) string {
	if len(msg) <= maxErrorMessageLen {
		return msg
	}
	cut := maxErrorMessageLen
	for cut > 0 && !utf8.RuneStart(msg[cut]) {
		cut--
	}
	return msg[:cut]
}
