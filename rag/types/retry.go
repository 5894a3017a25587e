package types

import (
	"errors"

	"github.com/cenkalti/backoff/v4"
	"github.com/sashabaranov/go-openai"
)

// MarkPermanent wraps provider errors that retrying cannot fix (auth,
// bad request) so backoff gives up immediately. Rate limits (429) stay
// retryable.
func MarkPermanent(err error) error {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		if apiErr.HTTPStatusCode >= 400 && apiErr.HTTPStatusCode < 500 && apiErr.HTTPStatusCode != 429 {
			return backoff.Permanent(err)
		}
	}
	return err
}
