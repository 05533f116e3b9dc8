// driver.go — The stable driver-library boundary, backed by go-rod.
//
// Everything above this package (session, pool, dispatcher) depends only
// on the Browser/Context/Page interfaces, never on *rod.Browser directly,
// so a fake implementation can stand in for tests.
package driver

import (
	"context"
	"time"
)

// Browser is the single process-wide headless browser instance.
type Browser interface {
	// NewContext opens an isolated browsing surface (cookies, storage, pages).
	NewContext(ctx context.Context, opts ContextOptions) (Context, error)
	Close(ctx context.Context) error
}

// ContextOptions configures a new browsing context.
type ContextOptions struct {
	ViewportWidth  int
	ViewportHeight int
	UserAgent      string
}

// Context abstracts one isolated browsing surface with its own pages.
type Context interface {
	NewPage(ctx context.Context) (Page, error)
	// Reset closes all pages but one, blanks it, and best-effort clears
	// storage and cookies.
	Reset(ctx context.Context) error
	Close(ctx context.Context) error
}

// WaitUntil mirrors the navigation-completion conditions browser.goto accepts.
type WaitUntil string

const (
	WaitLoad            WaitUntil = "load"
	WaitDOMContentLoaded WaitUntil = "domcontentloaded"
	WaitNetworkIdle     WaitUntil = "networkidle"
)

// NavigateResult is what browser.goto reports back to the dispatcher.
type NavigateResult struct {
	Status int
	URL    string
}

// ClipRect is a viewport-relative capture region for browser.screenshot.
type ClipRect struct {
	X      float64 `json:"x"`
	Y      float64 `json:"y"`
	Width  float64 `json:"width"`
	Height float64 `json:"height"`
}

// ScreenshotOptions configures browser.screenshot.
type ScreenshotOptions struct {
	FullPage       bool
	Selector       string
	Format         string // "png" or "jpeg"
	Quality        int
	OmitBackground bool
	Clip           *ClipRect
}

// ClickOptions configures browser.click.
type ClickOptions struct {
	Force    bool
	PosX     *float64
	PosY     *float64
	Timeout  time.Duration
}

// TypeOptions configures browser.type.
type TypeOptions struct {
	Delay   time.Duration
	Clear   bool
	Timeout time.Duration
}

// ConsoleListener receives console events as they are emitted by the page.
type ConsoleListener func(level, message, sourceURL string, line, column int)

// NetworkListener receives completed network requests as they are
// observed. body is the response body capped at the driver's limit; nil
// when the body was unavailable or empty.
type NetworkListener func(method, url string, status int, reqHeaders, respHeaders map[string][]string, body []byte, durationMs int64)

// DomSnapshotOptions configures browser.domSnapshot.
type DomSnapshotOptions struct {
	MaxNodes        int
	Selector        string
	IncludeStyles   bool
	IncludeAttrs    bool
}

// DomNode is one element in a flattened DOM snapshot tree.
type DomNode struct {
	Tag        string            `json:"tag"`
	Attributes map[string]string `json:"attributes,omitempty"`
	Styles     map[string]string `json:"styles,omitempty"`
	Text       string            `json:"text,omitempty"`
	Children   []DomNode         `json:"children,omitempty"`
}

// DomSnapshot is the result of browser.domSnapshot: a capped, flattened
// tree rooted at the document or at Selector, plus whether the cap truncated it.
type DomSnapshot struct {
	Root      DomNode `json:"root"`
	NodeCount int     `json:"nodeCount"`
	Truncated bool    `json:"truncated"`
}

// Page is the driver target for navigation and interaction.
type Page interface {
	Goto(ctx context.Context, url string, waitUntil WaitUntil, timeout time.Duration) (NavigateResult, error)
	Click(ctx context.Context, selector string, opts ClickOptions) error
	Type(ctx context.Context, selector, text string, opts TypeOptions) error
	Select(ctx context.Context, selector, value string, timeout time.Duration) error
	Screenshot(ctx context.Context, opts ScreenshotOptions, timeout time.Duration) ([]byte, error)
	Eval(ctx context.Context, code string, timeout time.Duration) (any, error)
	DomSnapshot(ctx context.Context, opts DomSnapshotOptions, timeout time.Duration) (DomSnapshot, error)

	OnConsole(listener ConsoleListener)
	OnNetwork(listener NetworkListener)

	Close(ctx context.Context) error
}
