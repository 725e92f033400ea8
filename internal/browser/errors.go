// File: internal/browser/errors.go
package browser

import (
	"context"
	"errors"
	"strings"

	"github.com/xkilldash9x/certidao-cli/api/schemas"
)

// classify maps a CDP failure onto the run error taxonomy. Errors that are
// already typed, and cancellations, pass through untouched so the caller can
// tell an interrupted run from a failed action.
func classify(err error, what string) error {
	if err == nil {
		return nil
	}
	var typed *schemas.Error
	if errors.As(err, &typed) {
		return err
	}
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return schemas.WrapError(schemas.KindTimeout, err, "%s timed out", what)
	case errors.Is(err, context.Canceled):
		return err
	case isStaleNode(err):
		return schemas.WrapError(schemas.KindElementNotFound, err, "%s: element is no longer attached", what)
	}
	return schemas.WrapError(schemas.KindExecution, err, "%s failed", what)
}

// isStaleNode reports CDP errors raised for node ids invalidated by a
// navigation or a DOM rebuild.
func isStaleNode(err error) bool {
	msg := err.Error()
	return strings.Contains(msg, "No node with given id") ||
		strings.Contains(msg, "Could not find node with given id") ||
		strings.Contains(msg, "Node is detached")
}
