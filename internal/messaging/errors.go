package messaging

import (
	"errors"
	"net/http"

	"github.com/twilio/twilio-go/client"
)

// ErrNonRetryable marks carrier failures that must not be retried.
var ErrNonRetryable = errors.New("non-retryable carrier error")

// RetryClass categorizes carrier errors for retry decisions.
type RetryClass int

const (
	RetryClassRetryable RetryClass = iota
	RetryClassNonRetryable
)

// ClassifyError decides whether a carrier error is worth retrying. Twilio REST errors are
// terminal unless they are rate limits; anything else (transport, timeouts) is retried.
func ClassifyError(err error) RetryClass {
	if errors.Is(err, ErrNonRetryable) {
		return RetryClassNonRetryable
	}
	var restErr *client.TwilioRestError
	if errors.As(err, &restErr) {
		if restErr.Status == http.StatusTooManyRequests {
			return RetryClassRetryable
		}
		return RetryClassNonRetryable
	}
	return RetryClassRetryable
}
