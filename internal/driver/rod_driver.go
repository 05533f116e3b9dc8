// rod_driver.go — go-rod implementation of the driver interfaces.
// Launcher flags (no-sandbox, disable-dev-shm-usage) target container
// environments; headless mode comes from configuration.
package driver

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/proto"
	"github.com/go-rod/stealth"
	"github.com/rs/zerolog/log"
)

// RodBrowser wraps a single *rod.Browser connection — the one process-wide
// headless instance every context and page is created under.
type RodBrowser struct {
	browser *rod.Browser
}

// LaunchRod starts (or attaches to) a headless Chromium instance.
func LaunchRod(headless bool, binPath string) (*RodBrowser, error) {
	l := launcher.New().
		Headless(headless).
		Set("no-sandbox").
		Set("disable-setuid-sandbox").
		Set("disable-dev-shm-usage").
		Set("disable-gpu")
	if binPath != "" {
		l = l.Bin(binPath)
	}

	controlURL, err := l.Launch()
	if err != nil {
		return nil, fmt.Errorf("launch browser: %w", err)
	}

	browser := rod.New().ControlURL(controlURL)
	if err := browser.Connect(); err != nil {
		return nil, fmt.Errorf("connect to browser: %w", err)
	}

	log.Info().Bool("headless", headless).Msg("browser launched")
	return &RodBrowser{browser: browser}, nil
}

func (b *RodBrowser) NewContext(ctx context.Context, opts ContextOptions) (Context, error) {
	incognito, err := b.browser.Incognito()
	if err != nil {
		return nil, fmt.Errorf("create incognito context: %w", err)
	}
	return &RodContext{browser: incognito, opts: opts}, nil
}

func (b *RodBrowser) Close(ctx context.Context) error {
	return b.browser.Close()
}

// RodContext is one isolated browsing surface (a rod incognito browser
// context, in CDP terms) with its own cookies/storage and pages.
type RodContext struct {
	browser *rod.Browser
	opts    ContextOptions
	pages   []*rod.Page
}

func (c *RodContext) NewPage(ctx context.Context) (Page, error) {
	page, err := c.browser.Page(proto.TargetCreateTarget{URL: "about:blank"})
	if err != nil {
		return nil, fmt.Errorf("open page: %w", err)
	}
	if c.opts.UserAgent != "" {
		if err := page.SetUserAgent(&proto.NetworkSetUserAgentOverride{UserAgent: c.opts.UserAgent}); err != nil {
			return nil, fmt.Errorf("set user agent: %w", err)
		}
	}
	if c.opts.ViewportWidth > 0 && c.opts.ViewportHeight > 0 {
		if err := page.SetViewport(&proto.EmulationSetDeviceMetricsOverride{
			Width:  c.opts.ViewportWidth,
			Height: c.opts.ViewportHeight,
		}); err != nil {
			return nil, fmt.Errorf("set viewport: %w", err)
		}
	}
	stealthPage, err := stealth.Page(c.browser)
	if err == nil {
		page = stealthPage
	}
	c.pages = append(c.pages, page)
	return &RodPage{page: page}, nil
}

func (c *RodContext) Reset(ctx context.Context) error {
	// Close all pages but the first; blank and clear the survivor.
	if len(c.pages) == 0 {
		return nil
	}
	survivor := c.pages[0]
	for _, p := range c.pages[1:] {
		_ = p.Close()
	}
	c.pages = c.pages[:1]

	if err := survivor.Navigate("about:blank"); err != nil {
		return fmt.Errorf("blank survivor page: %w", err)
	}
	_, _ = survivor.Eval(`() => { try { localStorage.clear(); sessionStorage.clear(); } catch (e) {} }`)
	if err := c.browser.SetCookies(nil); err != nil {
		return fmt.Errorf("clear cookies: %w", err)
	}
	return nil
}

func (c *RodContext) Close(ctx context.Context) error {
	return c.browser.Close()
}

// RodPage drives a single tab.
type RodPage struct {
	page          *rod.Page
	consoleListen ConsoleListener
	networkListen NetworkListener
}

func (p *RodPage) Goto(ctx context.Context, url string, waitUntil WaitUntil, timeout time.Duration) (NavigateResult, error) {
	page := p.page.Timeout(timeout)
	if err := page.Navigate(url); err != nil {
		return NavigateResult{}, fmt.Errorf("navigate: %w", err)
	}
	switch waitUntil {
	case WaitNetworkIdle:
		_ = page.WaitIdle(timeout)
	default:
		if err := page.WaitLoad(); err != nil {
			return NavigateResult{}, fmt.Errorf("wait load: %w", err)
		}
	}
	info, err := page.Info()
	if err != nil {
		return NavigateResult{}, fmt.Errorf("page info: %w", err)
	}
	return NavigateResult{Status: 200, URL: info.URL}, nil
}

func (p *RodPage) Click(ctx context.Context, selector string, opts ClickOptions) error {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	el, err := p.page.Timeout(timeout).Element(selector)
	if err != nil {
		return fmt.Errorf("find element %q: %w", selector, err)
	}
	if err := el.Click(proto.InputMouseButtonLeft, 1); err != nil {
		return fmt.Errorf("click %q: %w", selector, err)
	}
	return nil
}

func (p *RodPage) Type(ctx context.Context, selector, text string, opts TypeOptions) error {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	el, err := p.page.Timeout(timeout).Element(selector)
	if err != nil {
		return fmt.Errorf("find element %q: %w", selector, err)
	}
	if opts.Clear {
		if err := el.SelectAllText(); err != nil {
			return fmt.Errorf("clear %q: %w", selector, err)
		}
	}
	if err := el.Input(text); err != nil {
		return fmt.Errorf("type into %q: %w", selector, err)
	}
	return nil
}

func (p *RodPage) Select(ctx context.Context, selector, value string, timeout time.Duration) error {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	el, err := p.page.Timeout(timeout).Element(selector)
	if err != nil {
		return fmt.Errorf("find element %q: %w", selector, err)
	}
	if err := el.Select([]string{value}, true, rod.SelectorTypeText); err != nil {
		return fmt.Errorf("select %q on %q: %w", value, selector, err)
	}
	return nil
}

func (p *RodPage) Screenshot(ctx context.Context, opts ScreenshotOptions, timeout time.Duration) ([]byte, error) {
	format := proto.PageCaptureScreenshotFormatPng
	if opts.Format == "jpeg" {
		format = proto.PageCaptureScreenshotFormatJpeg
	}
	page := p.page.Timeout(timeout)

	if opts.OmitBackground {
		a := 0.0
		_ = proto.EmulationSetDefaultBackgroundColorOverride{
			Color: &proto.DOMRGBA{R: 0, G: 0, B: 0, A: &a},
		}.Call(page)
		defer func() {
			_ = proto.EmulationSetDefaultBackgroundColorOverride{}.Call(page)
		}()
	}

	if opts.Selector != "" {
		el, err := page.Element(opts.Selector)
		if err != nil {
			return nil, fmt.Errorf("find element %q: %w", opts.Selector, err)
		}
		return el.Screenshot(format, opts.Quality)
	}

	req := &proto.PageCaptureScreenshot{Format: format, Quality: &opts.Quality}
	if opts.Clip != nil {
		req.Clip = &proto.PageViewport{
			X: opts.Clip.X, Y: opts.Clip.Y,
			Width: opts.Clip.Width, Height: opts.Clip.Height,
			Scale: 1,
		}
	}
	return page.Screenshot(opts.FullPage, req)
}

func (p *RodPage) Eval(ctx context.Context, code string, timeout time.Duration) (any, error) {
	result, err := p.page.Timeout(timeout).Eval(code)
	if err != nil {
		return nil, fmt.Errorf("eval: %w", err)
	}
	return result.Value, nil
}

// domSnapshotScript walks the DOM client-side and returns a JSON tree
// already capped at maxNodes, so the cap is enforced before the payload
// ever crosses the CDP boundary.
const domSnapshotScript = `(rootSelector, maxNodes, includeStyles, includeAttrs) => {
	let count = 0;
	let truncated = false;
	function walk(el) {
		if (count >= maxNodes) { truncated = true; return null; }
		count++;
		const node = { tag: el.tagName ? el.tagName.toLowerCase() : "#text" };
		if (includeAttrs && el.attributes) {
			const attrs = {};
			for (const a of el.attributes) attrs[a.name] = a.value;
			if (Object.keys(attrs).length) node.attributes = attrs;
		}
		if (includeStyles && window.getComputedStyle) {
			const cs = window.getComputedStyle(el);
			node.styles = { display: cs.display, visibility: cs.visibility, position: cs.position };
		}
		const text = el.childNodes ? Array.from(el.childNodes)
			.filter(n => n.nodeType === 3)
			.map(n => n.textContent.trim())
			.filter(Boolean)
			.join(" ") : "";
		if (text) node.text = text;
		const children = [];
		for (const child of (el.children || [])) {
			if (count >= maxNodes) { truncated = true; break; }
			const c = walk(child);
			if (c) children.push(c);
		}
		if (children.length) node.children = children;
		return node;
	}
	const root = rootSelector ? document.querySelector(rootSelector) : document.documentElement;
	if (!root) return { root: null, nodeCount: 0, truncated: false };
	const tree = walk(root);
	return { root: tree, nodeCount: count, truncated: truncated };
}`

func (p *RodPage) DomSnapshot(ctx context.Context, opts DomSnapshotOptions, timeout time.Duration) (DomSnapshot, error) {
	maxNodes := opts.MaxNodes
	if maxNodes <= 0 {
		maxNodes = 5000
	}
	result, err := p.page.Timeout(timeout).Eval(domSnapshotScript, opts.Selector, maxNodes, opts.IncludeStyles, opts.IncludeAttrs)
	if err != nil {
		return DomSnapshot{}, fmt.Errorf("dom snapshot: %w", err)
	}
	raw, err := json.Marshal(result.Value)
	if err != nil {
		return DomSnapshot{}, fmt.Errorf("dom snapshot: marshal result: %w", err)
	}
	var snap DomSnapshot
	if err := json.Unmarshal(raw, &snap); err != nil {
		return DomSnapshot{}, fmt.Errorf("dom snapshot: decode result: %w", err)
	}
	return snap, nil
}

func (p *RodPage) OnConsole(listener ConsoleListener) {
	p.consoleListen = listener
	go p.page.EachEvent(func(e *proto.RuntimeConsoleAPICalled) {
		if p.consoleListen == nil {
			return
		}
		msg := ""
		for _, arg := range e.Args {
			if arg.Value.Val() != nil {
				msg += fmt.Sprintf("%v ", arg.Value.Val())
			}
		}
		p.consoleListen(string(e.Type), msg, "", 0, 0)
	})()
}

// maxCapturedBody caps how much of a response body is handed to the
// network listener, so one large download cannot bloat a ring buffer.
const maxCapturedBody = 64 << 10

func (p *RodPage) OnNetwork(listener NetworkListener) {
	p.networkListen = listener
	go p.page.EachEvent(func(e *proto.NetworkResponseReceived) {
		if p.networkListen == nil {
			return
		}
		headers := make(map[string][]string, len(e.Response.Headers))
		for k, v := range e.Response.Headers {
			headers[k] = []string{v.String()}
		}
		// Body capture is best effort: the target may already be gone, and
		// some resource types have no retrievable body.
		var body []byte
		if reply, err := (proto.NetworkGetResponseBody{RequestID: e.RequestID}).Call(p.page); err == nil && !reply.Base64Encoded {
			body = []byte(reply.Body)
			if len(body) > maxCapturedBody {
				body = body[:maxCapturedBody]
			}
		}
		p.networkListen("", e.Response.URL, e.Response.Status, nil, headers, body, 0)
	})()
}

func (p *RodPage) Close(ctx context.Context) error {
	return p.page.Close()
}
