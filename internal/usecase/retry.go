package usecase

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"
)

const (
	defaultCallTimeout  = 10 * time.Second
	defaultRetryBackoff = 300 * time.Millisecond
)

// callPolicy bounds every blocking dependency call.
type callPolicy struct {
	timeout time.Duration
	backoff time.Duration
}

func newCallPolicy(timeout, backoff time.Duration) callPolicy {
	if timeout <= 0 {
		timeout = defaultCallTimeout
	}
	if backoff < 0 {
		backoff = defaultRetryBackoff
	}
	return callPolicy{timeout: timeout, backoff: backoff}
}

// do runs op under the call timeout. When retry is set, a timed-out call is
// attempted once more after the backoff.
func (p callPolicy) do(ctx context.Context, retry bool, op func(context.Context) error) error {
	attempts := 1
	if retry {
		attempts = 2
	}
	var err error
	for i := 0; i < attempts; i++ {
		if i > 0 {
			t := time.NewTimer(p.backoff)
			select {
			case <-ctx.Done():
				t.Stop()
				return err
			case <-t.C:
			}
		}
		callCtx, cancel := context.WithTimeout(ctx, p.timeout)
		err = op(callCtx)
		cancel()
		if err == nil || !isTimeout(err) || ctx.Err() != nil {
			return err
		}
	}
	return err
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

type httpStatusCoder interface {
	HTTPStatusCode() int
}

func upstreamStatusCode(err error) (int, bool) {
	var statusErr httpStatusCoder
	if !errors.As(err, &statusErr) {
		return 0, false
	}
	return statusErr.HTTPStatusCode(), true
}

// llmError classifies a failed text generation or embedding call.
func llmError(reason string, err error) *Error {
	if isTimeout(err) {
		return newError(ErrorDependencyTimeout, reason, err)
	}
	if status, ok := upstreamStatusCode(err); ok && status == http.StatusTooManyRequests {
		return newError(ErrorRateLimited, reason, err)
	}
	return newError(ErrorUpstream, reason, err)
}

// storageError classifies a failed store call.
func storageError(reason string, err error) *Error {
	if isTimeout(err) {
		return newError(ErrorDependencyTimeout, reason, err)
	}
	return newError(ErrorStorageUnavailable, reason, err)
}
