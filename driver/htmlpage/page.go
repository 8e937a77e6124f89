// Package htmlpage is a driver.Page over plain HTTP and static HTML. It
// follows links, fills and submits forms, and re-fetches the current
// location while waiting for content to appear. Pages that need script
// execution are out of its reach.
package htmlpage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	md "github.com/JohannesKaufmann/html-to-markdown"
	"github.com/JohannesKaufmann/html-to-markdown/plugin"
	"golang.org/x/net/html"

	"github.com/c360studio/goshmon/driver"
)

// DefaultPollInterval is the re-fetch period of WaitFor.
const DefaultPollInterval = 250 * time.Millisecond

const maxBodySize = 8 << 20

var errClosed = errors.New("page is closed")

// Launcher opens static HTML pages.
type Launcher struct {
	// Client performs the requests; http.DefaultClient when nil.
	Client *http.Client
	// PollInterval overrides DefaultPollInterval.
	PollInterval time.Duration
	Logger       *slog.Logger
}

// Launch implements driver.Launcher.
func (l *Launcher) Launch(_ context.Context, opts driver.Options) (driver.Page, error) {
	return l.Open(opts)
}

// Open returns a blank page.
func (l *Launcher) Open(opts driver.Options) (*Page, error) {
	var base *url.URL
	if opts.BaseURL != "" {
		u, err := url.Parse(opts.BaseURL)
		if err != nil {
			return nil, fmt.Errorf("parse base url: %w", err)
		}
		base = u
	}

	client := l.Client
	if client == nil {
		client = http.DefaultClient
	}
	poll := l.PollInterval
	if poll <= 0 {
		poll = DefaultPollInterval
	}
	logger := l.Logger
	if logger == nil {
		logger = slog.Default()
	}

	converter := md.NewConverter("", true, nil)
	converter.Use(plugin.GitHubFlavored())

	return &Page{
		client:    client,
		opts:      opts,
		poll:      poll,
		logger:    logger,
		base:      base,
		converter: converter,
	}, nil
}

// Page is a driver.Page backed by goquery documents.
type Page struct {
	client    *http.Client
	opts      driver.Options
	poll      time.Duration
	logger    *slog.Logger
	converter *md.Converter

	base      *url.URL
	current   *url.URL
	doc       *goquery.Document
	clipboard string
	closed    bool
}

// Goto implements driver.Page.
func (p *Page) Goto(ctx context.Context, target string) error {
	if p.closed {
		return errClosed
	}
	u, err := p.resolve(target)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, p.opts.ActionTimeout())
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	return p.load(req, "goto "+u.String())
}

// Click implements driver.Page. Elements carrying data-clipboard-text copy
// it, links navigate, and submit buttons submit their form. Anything else
// is a no-op.
func (p *Page) Click(ctx context.Context, selector string) error {
	if err := p.WaitFor(ctx, selector); err != nil {
		return err
	}
	sel := p.doc.Find(selector).First()

	if text, ok := sel.Attr("data-clipboard-text"); ok {
		p.clipboard = text
		return nil
	}

	switch goquery.NodeName(sel) {
	case "a":
		if href, ok := sel.Attr("href"); ok {
			return p.Goto(ctx, href)
		}
	case "button", "input":
		typ := strings.ToLower(sel.AttrOr("type", "submit"))
		if typ != "submit" {
			return nil
		}
		form := sel.Closest("form")
		if form.Length() == 0 {
			return nil
		}
		return p.submit(ctx, form, sel)
	}
	return nil
}

// Type implements driver.Page.
func (p *Page) Type(ctx context.Context, selector, text string) error {
	if err := p.WaitFor(ctx, selector); err != nil {
		return err
	}
	p.doc.Find(selector).First().SetAttr("value", text)
	return nil
}

// WaitFor implements driver.Page. The current location is re-fetched every
// poll interval until selector matches.
func (p *Page) WaitFor(ctx context.Context, selector string) error {
	if p.closed {
		return errClosed
	}
	if p.doc == nil {
		return fmt.Errorf("wait for %q: no page loaded", selector)
	}
	if p.doc.Find(selector).Length() > 0 {
		return nil
	}

	ctx, cancel := context.WithTimeout(ctx, p.opts.ActionTimeout())
	defer cancel()

	ticker := time.NewTicker(p.poll)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return waitError(selector, ctx.Err())
		case <-ticker.C:
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.current.String(), nil)
		if err != nil {
			return fmt.Errorf("create request: %w", err)
		}
		if err := p.load(req, "reload"); err != nil {
			if ctx.Err() != nil {
				return waitError(selector, ctx.Err())
			}
			p.logger.Debug("Reload failed while waiting", "selector", selector, "error", err)
			continue
		}
		if p.doc.Find(selector).Length() > 0 {
			return nil
		}
	}
}

// Count implements driver.Page.
func (p *Page) Count(_ context.Context, selector string) (int, error) {
	if p.closed {
		return 0, errClosed
	}
	if p.doc == nil {
		return 0, nil
	}
	return p.doc.Find(selector).Length(), nil
}

// Text implements driver.Page. Form fields report their value.
func (p *Page) Text(ctx context.Context, selector string) (string, error) {
	if err := p.WaitFor(ctx, selector); err != nil {
		return "", err
	}
	sel := p.doc.Find(selector).First()
	switch goquery.NodeName(sel) {
	case "input", "textarea":
		if v, ok := sel.Attr("value"); ok {
			return strings.TrimSpace(v), nil
		}
	}
	return strings.TrimSpace(sel.Text()), nil
}

// Clipboard implements driver.Page.
func (p *Page) Clipboard(_ context.Context) (string, error) {
	if p.closed {
		return "", errClosed
	}
	return p.clipboard, nil
}

// Screenshot renders the current document as markdown.
func (p *Page) Screenshot(_ context.Context) (driver.Snapshot, error) {
	if p.closed {
		return driver.Snapshot{}, errClosed
	}
	if p.doc == nil || len(p.doc.Nodes) == 0 {
		return driver.Snapshot{Data: []byte("(blank page)\n"), Ext: ".md"}, nil
	}

	var buf bytes.Buffer
	if err := html.Render(&buf, p.doc.Nodes[0]); err != nil {
		return driver.Snapshot{}, fmt.Errorf("render page: %w", err)
	}
	markdown, err := p.converter.ConvertString(buf.String())
	if err != nil {
		return driver.Snapshot{}, fmt.Errorf("convert page: %w", err)
	}

	var out strings.Builder
	out.WriteString("<!-- " + p.URL() + " -->\n\n")
	out.WriteString(markdown)
	out.WriteString("\n")
	return driver.Snapshot{Data: []byte(out.String()), Ext: ".md"}, nil
}

// URL implements driver.Page.
func (p *Page) URL() string {
	if p.current == nil {
		return "about:blank"
	}
	return p.current.String()
}

// Close implements driver.Page.
func (p *Page) Close() error {
	if p.closed {
		return nil
	}
	p.closed = true
	p.doc = nil
	p.client.CloseIdleConnections()
	return nil
}

func (p *Page) resolve(target string) (*url.URL, error) {
	ref, err := url.Parse(target)
	if err != nil {
		return nil, fmt.Errorf("parse url %q: %w", target, err)
	}
	switch {
	case p.current != nil:
		return p.current.ResolveReference(ref), nil
	case p.base != nil:
		return p.base.ResolveReference(ref), nil
	case !ref.IsAbs():
		return nil, fmt.Errorf("relative url %q without a base", target)
	}
	return ref, nil
}

func (p *Page) submit(ctx context.Context, form, submitter *goquery.Selection) error {
	values := url.Values{}
	form.Find("input[name], textarea[name], select[name]").Each(func(_ int, field *goquery.Selection) {
		name := field.AttrOr("name", "")
		switch goquery.NodeName(field) {
		case "textarea":
			if v, ok := field.Attr("value"); ok {
				values.Add(name, v)
			} else {
				values.Add(name, field.Text())
			}
		case "select":
			opt := field.Find("option[selected]").First()
			if opt.Length() == 0 {
				opt = field.Find("option").First()
			}
			values.Add(name, opt.AttrOr("value", strings.TrimSpace(opt.Text())))
		default:
			switch strings.ToLower(field.AttrOr("type", "text")) {
			case "submit", "button", "image", "reset":
				return
			case "checkbox", "radio":
				if _, checked := field.Attr("checked"); !checked {
					return
				}
				values.Add(name, field.AttrOr("value", "on"))
			default:
				values.Add(name, field.AttrOr("value", ""))
			}
		}
	})
	if name, ok := submitter.Attr("name"); ok {
		values.Add(name, submitter.AttrOr("value", ""))
	}

	action, err := p.resolve(form.AttrOr("action", p.URL()))
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, p.opts.ActionTimeout())
	defer cancel()

	var req *http.Request
	if strings.EqualFold(form.AttrOr("method", "get"), http.MethodPost) {
		req, err = http.NewRequestWithContext(ctx, http.MethodPost, action.String(), strings.NewReader(values.Encode()))
		if err == nil {
			req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		}
	} else {
		action.RawQuery = values.Encode()
		req, err = http.NewRequestWithContext(ctx, http.MethodGet, action.String(), nil)
	}
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	return p.load(req, "submit "+action.Path)
}

// load performs req and replaces the current document.
func (p *Page) load(req *http.Request, action string) error {
	if p.opts.UserAgent != "" {
		req.Header.Set("User-Agent", p.opts.UserAgent)
	}
	req.Header.Set("Accept", "text/html,application/xhtml+xml;q=0.9,*/*;q=0.8")

	resp, err := p.client.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return fmt.Errorf("%s: %w", action, driver.ErrTimeout)
		}
		return fmt.Errorf("%s: %w", action, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("%s: HTTP %d: %s", action, resp.StatusCode, http.StatusText(resp.StatusCode))
	}

	doc, err := goquery.NewDocumentFromReader(io.LimitReader(resp.Body, maxBodySize))
	if err != nil {
		return fmt.Errorf("%s: parse: %w", action, err)
	}

	p.doc = doc
	p.current = resp.Request.URL
	p.logger.Debug("Page loaded", "action", action, "url", p.current.String(), "status", resp.StatusCode)
	return nil
}

func waitError(selector string, err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("wait for %q: %w", selector, driver.ErrTimeout)
	}
	return fmt.Errorf("wait for %q: %w", selector, err)
}
