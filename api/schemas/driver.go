// File: api/schemas/driver.go
package schemas

import (
	"context"
	"time"
)

// -- Browser Interfaces --

// Element is a handle to a DOM element resolved by a Driver. Handles are only
// meaningful to the driver that produced them and only until the next navigation.
type Element struct {
	Selector     string
	SelectorType SelectorType
	// NodeID is the driver-specific node handle.
	NodeID int64
	// Text is the visible text captured when the element was listed.
	Text string
}

// Driver is the browser session contract consumed by the engine. All calls
// block the calling run until they complete or their context ends.
type Driver interface {
	Navigate(ctx context.Context, url string) error
	// FindElement resolves a selector that must match exactly one element.
	FindElement(ctx context.Context, selector string, selectorType SelectorType) (Element, error)
	Click(ctx context.Context, el Element) error
	// SetValue stringifies value and enters it into the input element.
	SetValue(ctx context.Context, el Element, value interface{}) error
	SelectOption(ctx context.Context, el Element, value string) error
	WaitFor(ctx context.Context, selector string, selectorType SelectorType, timeout time.Duration) error
	GetText(ctx context.Context, el Element) (string, error)
	ListElements(ctx context.Context, selector string, selectorType SelectorType) ([]Element, error)
	// Close releases the browser session. It is safe to call more than once.
	Close(ctx context.Context) error
}

// SessionFactory opens one isolated browser session per run.
type SessionFactory interface {
	NewSession(ctx context.Context) (Driver, error)
}

// -- Collaborator Interfaces --

// ProgressReporter receives progress notifications. Implementations must not
// block the run for long; they are called on the run's own goroutine.
type ProgressReporter interface {
	Report(ctx context.Context, event ProgressEvent)
}

// RunRecorder persists terminal run records and progress events.
type RunRecorder interface {
	SaveRun(ctx context.Context, state RunState) error
	AppendEvent(ctx context.Context, event ProgressEvent) error
	GetRun(ctx context.Context, runID string) (RunState, error)
	ListRuns(ctx context.Context, certificateID string, limit int) ([]RunState, error)
}

// DataSource loads the data context of a run from the brokerage records.
type DataSource interface {
	LoadDataContext(ctx context.Context, propertyID, requesterID int64) (DataContext, error)
}
