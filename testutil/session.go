package testutil

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/onnwee/relay-tender/devices"
	"github.com/onnwee/relay-tender/session"
)

// FakeNode is one element of a FakeSite page.
type FakeNode struct {
	Text     string
	Attrs    map[string]string
	Children map[string][]*FakeNode
	// OnClick runs (without the site lock held) after a click or double click.
	OnClick func()

	hidden   bool
	detached bool
	typed    string
	clicks   int
}

// Node builds a FakeNode with text and optional attribute pairs.
func Node(text string, attrs ...string) *FakeNode {
	n := &FakeNode{Text: text, Attrs: map[string]string{}, Children: map[string][]*FakeNode{}}
	for i := 0; i+1 < len(attrs); i += 2 {
		n.Attrs[attrs[i]] = attrs[i+1]
	}
	return n
}

// With adds children under selector and returns n.
func (n *FakeNode) With(selector string, children ...*FakeNode) *FakeNode {
	n.Children[selector] = append(n.Children[selector], children...)
	return n
}

// FakeSite is an in-memory web site shared by every FakeSession it creates.
// Pages are keyed by URL, and each page maps a selector to the nodes it matches.
type FakeSite struct {
	mu       sync.Mutex
	pages    map[string]map[string][]*FakeNode
	navs     []string
	scripts  []string
	sessions []*FakeSession

	// ScriptHook answers RunScript; the result is JSON round-tripped into out.
	ScriptHook func(url, js string) (any, error)
	// FactoryErr makes session creation fail.
	FactoryErr error
}

func NewFakeSite() *FakeSite {
	return &FakeSite{pages: map[string]map[string][]*FakeNode{}}
}

func (s *FakeSite) page(url string) map[string][]*FakeNode {
	p, ok := s.pages[url]
	if !ok {
		p = map[string][]*FakeNode{}
		s.pages[url] = p
	}
	return p
}

// Set replaces the nodes matching selector on url.
func (s *FakeSite) Set(url, selector string, nodes ...*FakeNode) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, old := range s.page(url)[selector] {
		old.detached = true
	}
	s.page(url)[selector] = nodes
}

// Append adds nodes to the end of selector's matches on url.
func (s *FakeSite) Append(url, selector string, nodes ...*FakeNode) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p := s.page(url)
	p[selector] = append(p[selector], nodes...)
}

// Remove detaches every node matching selector on url.
func (s *FakeSite) Remove(url, selector string) {
	s.Set(url, selector)
}

// Hide marks n as not displayed while keeping it attached.
func (s *FakeSite) Hide(n *FakeNode) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n.hidden = true
}

// Navigations returns how many times any session navigated to url.
func (s *FakeSite) Navigations(url string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, u := range s.navs {
		if u == url {
			n++
		}
	}
	return n
}

// Scripts returns every script run so far.
func (s *FakeSite) Scripts() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.scripts...)
}

// Sessions returns every session created by the factory.
func (s *FakeSite) Sessions() []*FakeSession {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*FakeSession(nil), s.sessions...)
}

// Typed returns the keys sent to n.
func (s *FakeSite) Typed(n *FakeNode) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return n.typed
}

// Clicks returns how often n was clicked.
func (s *FakeSite) Clicks(n *FakeNode) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return n.clicks
}

// Factory returns a session.Factory opening sessions on this site.
func (s *FakeSite) Factory() session.Factory {
	return func(ctx context.Context, dev devices.Device) (session.Session, error) {
		s.mu.Lock()
		defer s.mu.Unlock()
		if s.FactoryErr != nil {
			return nil, s.FactoryErr
		}
		fs := &FakeSession{site: s, Device: dev, refs: map[string]*FakeNode{}}
		s.sessions = append(s.sessions, fs)
		return fs, nil
	}
}

// FakeSession is a session.Session over a FakeSite.
type FakeSession struct {
	site   *FakeSite
	Device devices.Device

	url    string
	refs   map[string]*FakeNode
	seq    int
	closed bool
	dead   bool
}

// Kill makes every further call fail with session.ErrSessionDead.
func (f *FakeSession) Kill() {
	f.site.mu.Lock()
	defer f.site.mu.Unlock()
	f.dead = true
}

// Closed reports whether Close was called.
func (f *FakeSession) Closed() bool {
	f.site.mu.Lock()
	defer f.site.mu.Unlock()
	return f.closed
}

func (f *FakeSession) check() error {
	if f.dead || f.closed {
		return session.ErrSessionDead
	}
	return nil
}

func (f *FakeSession) ref(n *FakeNode) session.Element {
	f.seq++
	r := strconv.Itoa(f.seq)
	f.refs[r] = n
	return session.Element{Ref: r}
}

func (f *FakeSession) node(el session.Element) (*FakeNode, error) {
	n, ok := f.refs[el.Ref]
	if !ok {
		return nil, fmt.Errorf("%w: unknown handle %q", session.ErrNotFound, el.Ref)
	}
	return n, nil
}

func (f *FakeSession) Navigate(ctx context.Context, url string) error {
	f.site.mu.Lock()
	defer f.site.mu.Unlock()
	if err := f.check(); err != nil {
		return err
	}
	f.url = url
	f.refs = map[string]*FakeNode{}
	f.site.navs = append(f.site.navs, url)
	return nil
}

func (f *FakeSession) WaitFor(ctx context.Context, selector string, timeout time.Duration) (session.Element, error) {
	deadline := time.Now().Add(timeout)
	for {
		f.site.mu.Lock()
		if err := f.check(); err != nil {
			f.site.mu.Unlock()
			return session.Element{}, err
		}
		if nodes := f.site.page(f.url)[selector]; len(nodes) > 0 {
			el := f.ref(nodes[0])
			f.site.mu.Unlock()
			return el, nil
		}
		f.site.mu.Unlock()
		if !time.Now().Before(deadline) {
			return session.Element{}, fmt.Errorf("%w: %s", session.ErrTimeout, selector)
		}
		select {
		case <-ctx.Done():
			return session.Element{}, ctx.Err()
		case <-time.After(5 * time.Millisecond):
		}
	}
}

func (f *FakeSession) Find(ctx context.Context, parent session.Element, selector string) (session.Element, error) {
	f.site.mu.Lock()
	defer f.site.mu.Unlock()
	if err := f.check(); err != nil {
		return session.Element{}, err
	}
	var nodes []*FakeNode
	if parent.IsZero() {
		nodes = f.site.page(f.url)[selector]
	} else {
		p, err := f.node(parent)
		if err != nil {
			return session.Element{}, err
		}
		nodes = p.Children[selector]
	}
	if len(nodes) == 0 {
		return session.Element{}, fmt.Errorf("%w: %s", session.ErrNotFound, selector)
	}
	return f.ref(nodes[0]), nil
}

func (f *FakeSession) FindAll(ctx context.Context, selector string) ([]session.Element, error) {
	f.site.mu.Lock()
	defer f.site.mu.Unlock()
	if err := f.check(); err != nil {
		return nil, err
	}
	nodes := f.site.page(f.url)[selector]
	out := make([]session.Element, 0, len(nodes))
	for _, n := range nodes {
		out = append(out, f.ref(n))
	}
	return out, nil
}

func (f *FakeSession) ReadText(ctx context.Context, el session.Element) (string, error) {
	f.site.mu.Lock()
	defer f.site.mu.Unlock()
	if err := f.check(); err != nil {
		return "", err
	}
	n, err := f.node(el)
	if err != nil {
		return "", err
	}
	return n.Text, nil
}

func (f *FakeSession) Attribute(ctx context.Context, el session.Element, name string) (string, error) {
	f.site.mu.Lock()
	defer f.site.mu.Unlock()
	if err := f.check(); err != nil {
		return "", err
	}
	n, err := f.node(el)
	if err != nil {
		return "", err
	}
	v, ok := n.Attrs[name]
	if !ok {
		return "", fmt.Errorf("%w: attribute %s", session.ErrNotFound, name)
	}
	return v, nil
}

func (f *FakeSession) click(el session.Element) error {
	f.site.mu.Lock()
	if err := f.check(); err != nil {
		f.site.mu.Unlock()
		return err
	}
	n, err := f.node(el)
	if err != nil {
		f.site.mu.Unlock()
		return err
	}
	n.clicks++
	cb := n.OnClick
	f.site.mu.Unlock()
	if cb != nil {
		cb()
	}
	return nil
}

func (f *FakeSession) Click(ctx context.Context, el session.Element) error { return f.click(el) }

func (f *FakeSession) DoubleClick(ctx context.Context, el session.Element) error { return f.click(el) }

func (f *FakeSession) SendKeys(ctx context.Context, el session.Element, text string) error {
	f.site.mu.Lock()
	defer f.site.mu.Unlock()
	if err := f.check(); err != nil {
		return err
	}
	n, err := f.node(el)
	if err != nil {
		return err
	}
	n.typed += text
	return nil
}

func (f *FakeSession) IsDisplayed(ctx context.Context, el session.Element) (bool, error) {
	f.site.mu.Lock()
	defer f.site.mu.Unlock()
	if err := f.check(); err != nil {
		return false, err
	}
	n, err := f.node(el)
	if err != nil {
		return false, nil
	}
	return !n.hidden && !n.detached, nil
}

func (f *FakeSession) RunScript(ctx context.Context, js string, out any) error {
	f.site.mu.Lock()
	if err := f.check(); err != nil {
		f.site.mu.Unlock()
		return err
	}
	f.site.scripts = append(f.site.scripts, js)
	hook, url := f.site.ScriptHook, f.url
	f.site.mu.Unlock()

	if hook == nil {
		return nil
	}
	res, err := hook(url, js)
	if err != nil || out == nil {
		return err
	}
	b, err := json.Marshal(res)
	if err != nil {
		return err
	}
	return json.Unmarshal(b, out)
}

func (f *FakeSession) Close() error {
	f.site.mu.Lock()
	defer f.site.mu.Unlock()
	f.closed = true
	return nil
}
