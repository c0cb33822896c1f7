package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/dom"
	"github.com/chromedp/chromedp"

	"github.com/onnwee/relay-tender/devices"
)

// ChromeOptions configures how browsers are launched.
type ChromeOptions struct {
	ExecPath string
	// Debug keeps the process display instead of the device's virtual one.
	Debug bool
}

// NewChromeFactory returns a Factory launching one Chrome per session.
func NewChromeFactory(opts ChromeOptions) Factory {
	return func(ctx context.Context, dev devices.Device) (Session, error) {
		return NewChrome(ctx, dev, opts)
	}
}

// Chrome is a Session driving a dedicated Chrome instance over CDP.
type Chrome struct {
	ctx         context.Context
	cancelTab   context.CancelFunc
	cancelAlloc context.CancelFunc
	userDataDir string

	mu    sync.Mutex
	nodes map[string]*cdp.Node
	seq   int
}

func allocatorOptions(dev devices.Device, o ChromeOptions) []chromedp.ExecAllocatorOption {
	opts := []chromedp.ExecAllocatorOption{
		chromedp.NoFirstRun,
		chromedp.NoDefaultBrowserCheck,
		chromedp.NoSandbox,
		chromedp.DisableGPU,
		chromedp.UserDataDir(dev.UserDataDir),
		chromedp.WindowSize(1280, 720),
		chromedp.Flag("incognito", true),
		chromedp.Flag("start-maximized", true),
		chromedp.Flag("autoplay-policy", "no-user-gesture-required"),
		chromedp.Flag("use-fake-ui-for-media-stream", true),
		chromedp.Flag("disable-dev-shm-usage", true),
		chromedp.Flag("disable-renderer-backgrounding", true),
		chromedp.Flag("disable-background-timer-throttling", true),
		chromedp.Flag("disable-backgrounding-occluded-windows", true),
		chromedp.Flag("disable-client-side-phishing-detection", true),
		chromedp.Flag("disable-crash-reporter", true),
		chromedp.Flag("disable-oopr-debug-crash-dump", true),
		chromedp.Flag("no-crash-upload", true),
		chromedp.Flag("disable-low-res-tiling", true),
		chromedp.Flag("enable-automation", false),
	}
	if !o.Debug {
		// set on the child only; the parent's environment is shared by every session
		opts = append(opts, chromedp.Env("DISPLAY="+dev.Display, "PULSE_SINK="+dev.AudioSink))
	}
	if o.ExecPath != "" {
		opts = append(opts, chromedp.ExecPath(o.ExecPath))
	}
	return opts
}

// NewChrome starts a browser for dev. The browser outlives ctx; call Close.
func NewChrome(ctx context.Context, dev devices.Device, o ChromeOptions) (*Chrome, error) {
	if dev.UserDataDir != "" {
		_ = os.RemoveAll(dev.UserDataDir)
	}
	allocCtx, cancelAlloc := chromedp.NewExecAllocator(context.Background(), allocatorOptions(dev, o)...)
	tabCtx, cancelTab := chromedp.NewContext(allocCtx)

	started := make(chan error, 1)
	go func() { started <- chromedp.Run(tabCtx) }()
	select {
	case err := <-started:
		if err != nil {
			cancelTab()
			cancelAlloc()
			return nil, fmt.Errorf("start chrome on %s: %w", dev.Display, err)
		}
	case <-ctx.Done():
		cancelTab()
		cancelAlloc()
		return nil, ctx.Err()
	}
	slog.Debug("chrome started", slog.String("display", dev.Display), slog.Int("slot", dev.Slot))
	return &Chrome{
		ctx:         tabCtx,
		cancelTab:   cancelTab,
		cancelAlloc: cancelAlloc,
		userDataDir: dev.UserDataDir,
		nodes:       map[string]*cdp.Node{},
	}, nil
}

// run executes actions on the tab, bounded by ctx.
func (c *Chrome) run(ctx context.Context, actions ...chromedp.Action) error {
	if c.ctx.Err() != nil {
		return ErrSessionDead
	}
	rctx, cancel := context.WithCancel(c.ctx)
	defer cancel()
	stop := context.AfterFunc(ctx, cancel)
	defer stop()
	err := chromedp.Run(rctx, actions...)
	if err == nil {
		return nil
	}
	if c.ctx.Err() != nil {
		return fmt.Errorf("%w: %v", ErrSessionDead, err)
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}
	return err
}

func (c *Chrome) remember(nodes []*cdp.Node) []Element {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Element, 0, len(nodes))
	for _, n := range nodes {
		c.seq++
		ref := strconv.Itoa(c.seq)
		c.nodes[ref] = n
		out = append(out, Element{Ref: ref})
	}
	return out
}

func (c *Chrome) node(el Element) (*cdp.Node, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	n, ok := c.nodes[el.Ref]
	if !ok {
		return nil, fmt.Errorf("%w: stale handle %q", ErrNotFound, el.Ref)
	}
	return n, nil
}

func (c *Chrome) ids(el Element) ([]cdp.NodeID, error) {
	n, err := c.node(el)
	if err != nil {
		return nil, err
	}
	return []cdp.NodeID{n.NodeID}, nil
}

func (c *Chrome) Navigate(ctx context.Context, url string) error {
	c.mu.Lock()
	c.nodes = map[string]*cdp.Node{}
	c.mu.Unlock()
	if err := c.run(ctx, chromedp.Navigate(url)); err != nil {
		return fmt.Errorf("navigate %s: %w", url, err)
	}
	return nil
}

func (c *Chrome) WaitFor(ctx context.Context, selector string, timeout time.Duration) (Element, error) {
	wctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	var nodes []*cdp.Node
	err := c.run(wctx, chromedp.Nodes(selector, &nodes, chromedp.ByQuery))
	switch {
	case err == nil && len(nodes) > 0:
		return c.remember(nodes[:1])[0], nil
	case err == nil:
		return Element{}, ErrNotFound
	case ctx.Err() != nil:
		return Element{}, ctx.Err()
	case errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled):
		return Element{}, fmt.Errorf("%w: %s after %s", ErrTimeout, selector, timeout)
	default:
		return Element{}, err
	}
}

func (c *Chrome) query(ctx context.Context, parent Element, selector string, all bool) ([]Element, error) {
	opts := []chromedp.QueryOption{chromedp.AtLeast(0)}
	if all {
		opts = append(opts, chromedp.ByQueryAll)
	} else {
		opts = append(opts, chromedp.ByQuery)
	}
	if !parent.IsZero() {
		pn, err := c.node(parent)
		if err != nil {
			return nil, err
		}
		opts = append(opts, chromedp.FromNode(pn))
	}
	var nodes []*cdp.Node
	if err := c.run(ctx, chromedp.Nodes(selector, &nodes, opts...)); err != nil {
		return nil, fmt.Errorf("query %s: %w", selector, err)
	}
	return c.remember(nodes), nil
}

func (c *Chrome) Find(ctx context.Context, parent Element, selector string) (Element, error) {
	els, err := c.query(ctx, parent, selector, false)
	if err != nil {
		return Element{}, err
	}
	if len(els) == 0 {
		return Element{}, fmt.Errorf("%w: %s", ErrNotFound, selector)
	}
	return els[0], nil
}

func (c *Chrome) FindAll(ctx context.Context, selector string) ([]Element, error) {
	return c.query(ctx, Element{}, selector, true)
}

func (c *Chrome) ReadText(ctx context.Context, el Element) (string, error) {
	ids, err := c.ids(el)
	if err != nil {
		return "", err
	}
	var s string
	if err := c.run(ctx, chromedp.Text(ids, &s, chromedp.ByNodeID)); err != nil {
		return "", err
	}
	return s, nil
}

func (c *Chrome) Attribute(ctx context.Context, el Element, name string) (string, error) {
	ids, err := c.ids(el)
	if err != nil {
		return "", err
	}
	var (
		v  string
		ok bool
	)
	if err := c.run(ctx, chromedp.AttributeValue(ids, name, &v, &ok, chromedp.ByNodeID)); err != nil {
		return "", err
	}
	if !ok {
		return "", fmt.Errorf("%w: attribute %s", ErrNotFound, name)
	}
	return v, nil
}

func (c *Chrome) Click(ctx context.Context, el Element) error {
	ids, err := c.ids(el)
	if err != nil {
		return err
	}
	return c.run(ctx, chromedp.Click(ids, chromedp.ByNodeID))
}

func (c *Chrome) DoubleClick(ctx context.Context, el Element) error {
	ids, err := c.ids(el)
	if err != nil {
		return err
	}
	return c.run(ctx, chromedp.DoubleClick(ids, chromedp.ByNodeID))
}

func (c *Chrome) SendKeys(ctx context.Context, el Element, text string) error {
	ids, err := c.ids(el)
	if err != nil {
		return err
	}
	return c.run(ctx, chromedp.SendKeys(ids, text, chromedp.ByNodeID))
}

func (c *Chrome) IsDisplayed(ctx context.Context, el Element) (bool, error) {
	n, err := c.node(el)
	if err != nil {
		return false, nil
	}
	visible := false
	err = c.run(ctx, chromedp.ActionFunc(func(ctx context.Context) error {
		// detached or unrendered nodes have no box model
		if _, err := dom.GetBoxModel().WithNodeID(n.NodeID).Do(ctx); err == nil {
			visible = true
		}
		return nil
	}))
	if err != nil {
		return false, err
	}
	return visible, nil
}

func (c *Chrome) RunScript(ctx context.Context, js string, out any) error {
	return c.run(ctx, chromedp.Evaluate(js, out))
}

func (c *Chrome) Close() error {
	cctx, cancel := context.WithTimeout(c.ctx, 5*time.Second)
	err := chromedp.Cancel(cctx)
	cancel()
	c.cancelTab()
	c.cancelAlloc()
	if c.userDataDir != "" {
		_ = os.RemoveAll(c.userDataDir)
	}
	if err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("close chrome: %w", err)
	}
	return nil
}
