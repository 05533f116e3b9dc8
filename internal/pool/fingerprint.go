// fingerprint.go — The (viewport, user-agent) tuple used to match pool
// contexts against acquisition requests.
package pool

import "fmt"

// Viewport is a browser window size in CSS pixels.
type Viewport struct {
	Width  int
	Height int
}

// Fingerprint identifies the shape of context a caller is asking for.
type Fingerprint struct {
	Viewport  Viewport
	UserAgent string
}

func (f Fingerprint) key() string {
	return fmt.Sprintf("%dx%d|%s", f.Viewport.Width, f.Viewport.Height, f.UserAgent)
}

// Options is the caller-facing acquisition request.
type Options struct {
	Viewport  Viewport
	UserAgent string
}

func (o Options) fingerprint() Fingerprint {
	return Fingerprint{Viewport: o.Viewport, UserAgent: o.UserAgent}
}
