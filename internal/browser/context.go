// File: internal/browser/context.go
package browser

import "context"

// CombineContext returns a context derived from primary that is also
// canceled when secondary is done. Values, including the chromedp target,
// come from primary only.
func CombineContext(primary, secondary context.Context) (context.Context, context.CancelFunc) {
	combined, cancel := context.WithCancelCause(primary)
	stop := context.AfterFunc(secondary, func() {
		cancel(context.Cause(secondary))
	})
	return combined, func() {
		stop()
		cancel(context.Canceled)
	}
}
