package fsm

import (
	"fmt"
	"strings"

	"fieldsync_backend/platform/apperr"
)

func notFound(kind, id string) error {
	return apperr.NotFound(fmt.Sprintf("%s %s not found upstream", kind, id))
}

func malformed(op, msg string) error {
	return apperr.Malformed(msg).WithOp(op)
}

// userErrors converts GraphQL userErrors into a non-retryable domain error.
// A populated userErrors list means the request was understood and rejected;
// replaying it would fail the same way.
func userErrors(op string, messages []string) error {
	if len(messages) == 0 {
		return nil
	}
	return apperr.BadRequest(strings.Join(messages, "; ")).WithOp(op)
}
