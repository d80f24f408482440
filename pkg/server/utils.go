package server

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	stdliberrors "errors"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"time"

	"golang.org/x/time/rate"

	apperrors "github.com/odvcencio/browserd/pkg/errors"
)

// connLimiter caps concurrent event stream connections.
type connLimiter struct {
	max    int
	mu     sync.Mutex
	active int
}

func newConnLimiter(max int) *connLimiter {
	return &connLimiter{max: max}
}

func (l *connLimiter) Acquire() bool {
	if l == nil || l.max <= 0 {
		return true
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.active >= l.max {
		return false
	}
	l.active++
	return true
}

func (l *connLimiter) Release() {
	if l == nil || l.max <= 0 {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.active > 0 {
		l.active--
	}
}

// rateLimiter provides per-key token bucket rate limiting. The burst
// lets a client send a short flurry of control messages after connect
// before the steady-state interval applies.
type rateLimiter struct {
	limit rate.Limit
	burst int

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

const rateLimiterBurst = 5

func newRateLimiter(interval time.Duration) *rateLimiter {
	return &rateLimiter{
		limit:    rate.Every(interval),
		burst:    rateLimiterBurst,
		limiters: make(map[string]*rate.Limiter),
	}
}

func (r *rateLimiter) Allow(key string) bool {
	if r == nil {
		return true
	}
	r.mu.Lock()
	lim, ok := r.limiters[key]
	if !ok {
		lim = rate.NewLimiter(r.limit, r.burst)
		r.limiters[key] = lim
	}
	r.mu.Unlock()
	return lim.Allow()
}

func (r *rateLimiter) Forget(key string) {
	if r == nil {
		return
	}
	r.mu.Lock()
	delete(r.limiters, key)
	r.mu.Unlock()
}

// parseIntDefault parses an integer with a default fallback.
func parseIntDefault(raw string, def int) int {
	if raw == "" {
		return def
	}
	if v, err := strconv.Atoi(raw); err == nil && v > 0 {
		return v
	}
	return def
}

// respondJSON sends a JSON response with appropriate headers.
func respondJSON(w http.ResponseWriter, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.Header().Set("X-Frame-Options", "DENY")
	w.Header().Set("Referrer-Policy", "no-referrer")
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	_ = enc.Encode(payload)
}

// respondError sends a structured JSON error response.
func respondError(w http.ResponseWriter, status int, err error) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.Header().Set("X-Frame-Options", "DENY")
	w.Header().Set("Referrer-Policy", "no-referrer")
	w.WriteHeader(status)

	response := struct {
		Error       string   `json:"error"`
		Status      int      `json:"status"`
		Code        string   `json:"code,omitempty"`
		Message     string   `json:"message"`
		Details     string   `json:"details,omitempty"`
		Remediation []string `json:"remediation,omitempty"`
		Retryable   bool     `json:"retryable,omitempty"`
		Timestamp   string   `json:"timestamp"`
	}{
		Status:    status,
		Message:   http.StatusText(status),
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	}
	response.Error = response.Message

	var browserdErr *apperrors.Error
	if stdliberrors.As(err, &browserdErr) {
		response.Code = string(browserdErr.Code)
		if browserdErr.UserMessage != "" {
			response.Message = browserdErr.UserMessage
		} else if browserdErr.Message != "" {
			response.Message = browserdErr.Message
		}
		if len(browserdErr.Remediation) > 0 {
			response.Remediation = append([]string{}, browserdErr.Remediation...)
		}
		response.Retryable = browserdErr.Retryable
		if response.Details == "" {
			response.Details = browserdErr.Error()
		}
	} else if err != nil {
		response.Message = err.Error()
	}

	if response.Details == "" && err != nil {
		response.Details = fmt.Sprintf("%v", err)
	}

	if len(response.Remediation) == 0 {
		response.Remediation = defaultRemediation(response.Code)
	}

	response.Error = response.Message
	_ = json.NewEncoder(w).Encode(response)
}

// defaultRemediation provides helpful remediation steps for common errors.
func defaultRemediation(code string) []string {
	switch apperrors.ErrorCode(code) {
	case apperrors.ErrCodePoolExhausted:
		return []string{
			"Wait for an execution context to be released and retry.",
			"Raise pool.max_instances if exhaustion is frequent.",
		}
	case apperrors.ErrCodeLaunchFailure:
		return []string{
			"Check that the browser binary is installed and runnable.",
			"Retry the request; launch failures are often transient.",
		}
	case apperrors.ErrCodeDomainBlocked:
		return []string{
			"Check the instance's allowed_domains and blocked_domains policy.",
			"Acquire a context with a policy that permits this domain.",
		}
	case apperrors.ErrCodeContextClosed, apperrors.ErrCodePageClosed:
		return []string{
			"Acquire a fresh execution context; this one is gone.",
		}
	case apperrors.ErrCodeStorageRead, apperrors.ErrCodeStorageWrite:
		return []string{
			"Ensure the browserd data directory is writable and not full.",
			"Restart browserd if the SQLite database was locked.",
		}
	}
	return nil
}

// statusForError maps an error to an HTTP status code.
func statusForError(err error) int {
	switch apperrors.GetCode(err) {
	case apperrors.ErrCodePoolExhausted:
		return http.StatusServiceUnavailable
	case apperrors.ErrCodeLaunchFailure:
		return http.StatusBadGateway
	case apperrors.ErrCodeDomainBlocked:
		return http.StatusForbidden
	case apperrors.ErrCodeContextClosed, apperrors.ErrCodePageClosed, apperrors.ErrCodeSubscriptionNotFound:
		return http.StatusNotFound
	case apperrors.ErrCodeInvalidInput, apperrors.ErrCodeInvalidFilter, apperrors.ErrCodeMalformedMessage:
		return http.StatusBadRequest
	case apperrors.ErrCodePoolClosed:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// randomHex generates a random hex string of n bytes.
func randomHex(n int) (string, error) {
	if n <= 0 {
		n = 16
	}
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}
