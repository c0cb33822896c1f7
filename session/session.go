// Package session defines the browser session used to read channel pages and
// a chromedp implementation of it.
package session

import (
	"context"
	"errors"
	"time"

	"github.com/onnwee/relay-tender/devices"
)

var (
	// ErrTimeout is returned when a wait expires before the element appears.
	ErrTimeout = errors.New("session: timed out waiting for element")
	// ErrNotFound is returned when a lookup matches nothing.
	ErrNotFound = errors.New("session: element not found")
	// ErrSessionDead is returned once the underlying browser is gone.
	ErrSessionDead = errors.New("session: browser session is dead")
)

// Element is an opaque handle to a page element. The zero Element stands for
// the document root.
type Element struct {
	Ref string
}

// IsZero reports whether e is the document root.
func (e Element) IsZero() bool { return e.Ref == "" }

// Session is one authenticated, stateful browser session. It is not safe for
// concurrent use.
type Session interface {
	Navigate(ctx context.Context, url string) error
	// WaitFor blocks until selector matches or timeout elapses (ErrTimeout).
	WaitFor(ctx context.Context, selector string, timeout time.Duration) (Element, error)
	// Find returns the first match of selector under parent (ErrNotFound).
	Find(ctx context.Context, parent Element, selector string) (Element, error)
	// FindAll returns every match in document order; no match is not an error.
	FindAll(ctx context.Context, selector string) ([]Element, error)
	ReadText(ctx context.Context, el Element) (string, error)
	Attribute(ctx context.Context, el Element, name string) (string, error)
	Click(ctx context.Context, el Element) error
	DoubleClick(ctx context.Context, el Element) error
	SendKeys(ctx context.Context, el Element, text string) error
	// IsDisplayed reports whether el is still attached and rendered.
	IsDisplayed(ctx context.Context, el Element) (bool, error)
	// RunScript evaluates js; when out is non-nil the result is decoded into it.
	RunScript(ctx context.Context, js string, out any) error
	Close() error
}

// Factory opens a fresh, unauthenticated session bound to a capture device.
type Factory func(ctx context.Context, dev devices.Device) (Session, error)
