package render

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"sync"

	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/chromedp"
)

const (
	viewportWidth  = 992
	viewportHeight = 1400
	// A4 in inches.
	a4Width  = 8.27
	a4Height = 11.69
)

// ChromeOptions configures the headless browser.
type ChromeOptions struct {
	// ExecPath overrides Chromium discovery on PATH.
	ExecPath  string
	NoSandbox bool
	// TempDir holds the HTML handed to the browser; os.TempDir when empty.
	TempDir string
}

// ChromeRenderer prints HTML to PDF with a fresh headless Chromium per call.
// There is no render timeout; callers bound the work through ctx.
type ChromeRenderer struct {
	opts ChromeOptions
}

func NewChromeRenderer(opts ChromeOptions) *ChromeRenderer {
	return &ChromeRenderer{opts: opts}
}

func (c *ChromeRenderer) RenderPDF(ctx context.Context, doc string) ([]byte, error) {
	f, err := os.CreateTemp(c.opts.TempDir, "letter-*.html")
	if err != nil {
		return nil, fmt.Errorf("render: stage html: %w", err)
	}
	defer os.Remove(f.Name())
	if _, err := f.WriteString(doc); err != nil {
		f.Close()
		return nil, fmt.Errorf("render: stage html: %w", err)
	}
	if err := f.Close(); err != nil {
		return nil, fmt.Errorf("render: stage html: %w", err)
	}
	abs, err := filepath.Abs(f.Name())
	if err != nil {
		return nil, err
	}
	target := (&url.URL{Scheme: "file", Path: filepath.ToSlash(abs)}).String()

	allocOpts := append([]chromedp.ExecAllocatorOption{}, chromedp.DefaultExecAllocatorOptions[:]...)
	allocOpts = append(allocOpts, chromedp.WindowSize(viewportWidth, viewportHeight))
	if c.opts.ExecPath != "" {
		allocOpts = append(allocOpts, chromedp.ExecPath(c.opts.ExecPath))
	}
	if c.opts.NoSandbox {
		allocOpts = append(allocOpts, chromedp.NoSandbox)
	}
	allocCtx, cancelAlloc := chromedp.NewExecAllocator(ctx, allocOpts...)
	defer cancelAlloc()
	tabCtx, cancelTab := chromedp.NewContext(allocCtx)
	defer cancelTab()

	idle := newIdleWatch()
	chromedp.ListenTarget(tabCtx, idle.observe)

	var pdf []byte
	err = chromedp.Run(tabCtx,
		chromedp.EmulateViewport(viewportWidth, viewportHeight),
		page.SetLifecycleEventsEnabled(true),
		chromedp.ActionFunc(func(context.Context) error {
			idle.arm()
			return nil
		}),
		chromedp.Navigate(target),
		chromedp.ActionFunc(idle.wait),
		chromedp.ActionFunc(func(ctx context.Context) error {
			buf, _, err := page.PrintToPDF().
				WithPrintBackground(true).
				WithPaperWidth(a4Width).
				WithPaperHeight(a4Height).
				Do(ctx)
			pdf = buf
			return err
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("render: chromium: %w", err)
	}
	return pdf, nil
}

// idleWatch waits for networkIdle of the document loaded after arm, so a
// late event from the initial blank page is ignored.
type idleWatch struct {
	mu     sync.Mutex
	armed  bool
	loader cdp.LoaderID
	done   chan struct{}
	once   sync.Once
}

func newIdleWatch() *idleWatch { return &idleWatch{done: make(chan struct{})} }

func (w *idleWatch) arm() {
	w.mu.Lock()
	w.armed = true
	w.mu.Unlock()
}

func (w *idleWatch) observe(ev any) {
	e, ok := ev.(*page.EventLifecycleEvent)
	if !ok {
		return
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if !w.armed {
		return
	}
	switch e.Name {
	case "init":
		w.loader = e.LoaderID
	case "networkIdle":
		if w.loader != "" && e.LoaderID == w.loader {
			w.once.Do(func() { close(w.done) })
		}
	}
}

func (w *idleWatch) wait(ctx context.Context) error {
	select {
	case <-w.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
