package browser

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/rand"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/playwright-community/playwright-go"
)

// Options configures the Driver.
type Options struct {
	// Headless controls whether the browser runs without a window.
	Headless bool

	// UserDataDir persists the chat profile so authentication survives
	// restarts. Created if missing.
	UserDataDir string

	// DefaultTimeout bounds individual page operations.
	DefaultTimeout time.Duration
}

// Driver owns the Playwright runtime and the single persistent browser
// context. It implements Page plus the lifecycle operations the resource
// coordinator sequences (Launch, Teardown, Reload).
type Driver struct {
	mu     sync.Mutex
	opts   Options
	logger *slog.Logger

	pw      *playwright.Playwright
	browser playwright.BrowserContext
	page    playwright.Page
}

// NewDriver creates a driver. Launch must be called before any page
// operation.
func NewDriver(opts Options, logger *slog.Logger) *Driver {
	if opts.DefaultTimeout == 0 {
		opts.DefaultTimeout = 30 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Driver{opts: opts, logger: logger}
}

// Launch installs and starts Playwright if needed, cleans up stale profile
// locks left by a crashed predecessor, and opens a persistent browser
// context with a single page.
func (d *Driver) Launch(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.browser != nil {
		return fmt.Errorf("browser already launched")
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	if d.pw == nil {
		runOpts := &playwright.RunOptions{
			Verbose: false,
			Stdout:  io.Discard,
			Stderr:  io.Discard,
		}
		if err := playwright.Install(runOpts); err != nil {
			return fmt.Errorf("install playwright: %w", err)
		}
		pw, err := playwright.Run(runOpts)
		if err != nil {
			return fmt.Errorf("start playwright: %w", err)
		}
		d.pw = pw
	}

	if err := os.MkdirAll(d.opts.UserDataDir, 0o755); err != nil {
		return fmt.Errorf("create user data dir: %w", err)
	}
	d.removeStaleLocks()

	browser, err := d.pw.Chromium.LaunchPersistentContext(
		d.opts.UserDataDir,
		playwright.BrowserTypeLaunchPersistentContextOptions{
			Headless: playwright.Bool(d.opts.Headless),
		},
	)
	if err != nil {
		return fmt.Errorf("launch browser: %w", err)
	}

	pages := browser.Pages()
	var page playwright.Page
	if len(pages) > 0 {
		page = pages[0]
	} else {
		page, err = browser.NewPage()
		if err != nil {
			browser.Close()
			return fmt.Errorf("open page: %w", err)
		}
	}
	page.SetDefaultTimeout(float64(d.opts.DefaultTimeout.Milliseconds()))

	d.browser = browser
	d.page = page
	d.logger.Info("browser launched", "headless", d.opts.Headless, "profile", d.opts.UserDataDir)
	return nil
}

// Teardown closes the browser context and removes profile locks so the
// next Launch starts clean. The Playwright runtime itself stays up; it is
// cheap to keep and expensive to reinstall.
func (d *Driver) Teardown(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.browser == nil {
		return nil
	}
	if err := d.browser.Close(); err != nil {
		d.logger.Warn("browser close failed, continuing cleanup", "error", err)
	}
	d.browser = nil
	d.page = nil
	d.removeStaleLocks()
	d.logger.Info("browser torn down")
	return nil
}

// Shutdown tears down the browser and stops the Playwright runtime.
func (d *Driver) Shutdown(ctx context.Context) error {
	if err := d.Teardown(ctx); err != nil {
		return err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.pw != nil {
		if err := d.pw.Stop(); err != nil {
			return fmt.Errorf("stop playwright: %w", err)
		}
		d.pw = nil
	}
	return nil
}

// Reload reloads the current page in place. Used by the circuit breaker's
// half-open path, which wants a fresh DOM without losing the session.
func (d *Driver) Reload(ctx context.Context) error {
	page, err := d.currentPage(ctx)
	if err != nil {
		return err
	}
	if _, err := page.Reload(); err != nil {
		return fmt.Errorf("reload: %w", err)
	}
	return nil
}

// Alive reports whether the page still responds to a trivial script. A
// crashed or hung renderer fails this probe.
func (d *Driver) Alive(ctx context.Context) error {
	page, err := d.currentPage(ctx)
	if err != nil {
		return err
	}
	if _, err := page.Evaluate("() => 1"); err != nil {
		return fmt.Errorf("liveness probe: %w", err)
	}
	return nil
}

// MemoryUsageMB samples the page's JS heap usage. Returns 0 when the
// browser does not expose performance.memory.
func (d *Driver) MemoryUsageMB(ctx context.Context) (float64, error) {
	page, err := d.currentPage(ctx)
	if err != nil {
		return 0, err
	}
	result, err := page.Evaluate("() => performance.memory ? performance.memory.usedJSHeapSize / 1048576 : 0")
	if err != nil {
		return 0, fmt.Errorf("memory probe: %w", err)
	}
	switch v := result.(type) {
	case float64:
		return v, nil
	case int:
		return float64(v), nil
	default:
		return 0, nil
	}
}

// Navigate implements Page.
func (d *Driver) Navigate(ctx context.Context, url string) error {
	page, err := d.currentPage(ctx)
	if err != nil {
		return err
	}
	_, err = page.Goto(url, playwright.PageGotoOptions{
		WaitUntil: playwright.WaitUntilStateDomcontentloaded,
	})
	if err != nil {
		return fmt.Errorf("navigate to %s: %w", url, err)
	}
	return nil
}

// WaitFor implements Page.
func (d *Driver) WaitFor(ctx context.Context, selector string, timeout time.Duration) error {
	page, err := d.currentPage(ctx)
	if err != nil {
		return err
	}
	_, err = page.WaitForSelector(selector, playwright.PageWaitForSelectorOptions{
		State:   playwright.WaitForSelectorStateVisible,
		Timeout: playwright.Float(float64(timeout.Milliseconds())),
	})
	if err != nil {
		if errors.Is(err, playwright.ErrTimeout) {
			return ErrTimeout
		}
		return fmt.Errorf("wait for %q: %w", selector, err)
	}
	return nil
}

// TextContent implements Page.
func (d *Driver) TextContent(ctx context.Context, selector string) (string, error) {
	page, err := d.currentPage(ctx)
	if err != nil {
		return "", err
	}
	text, err := page.TextContent(selector)
	if err != nil {
		return "", fmt.Errorf("text content of %q: %w", selector, err)
	}
	return text, nil
}

// Type implements Page. Characters are typed individually with a delay
// jittered around the given mean, so keystroke timing does not look
// machine-generated.
func (d *Driver) Type(ctx context.Context, selector, text string, delay time.Duration) error {
	page, err := d.currentPage(ctx)
	if err != nil {
		return err
	}
	if err := page.Click(selector); err != nil {
		return fmt.Errorf("focus %q: %w", selector, err)
	}
	for _, r := range text {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := page.Keyboard().Type(string(r)); err != nil {
			return fmt.Errorf("type: %w", err)
		}
		time.Sleep(jitter(delay))
	}
	return nil
}

// Press implements Page.
func (d *Driver) Press(ctx context.Context, selector, key string) error {
	page, err := d.currentPage(ctx)
	if err != nil {
		return err
	}
	if err := page.Press(selector, key); err != nil {
		return fmt.Errorf("press %q on %q: %w", key, selector, err)
	}
	return nil
}

// Click implements Page.
func (d *Driver) Click(ctx context.Context, selector string) error {
	page, err := d.currentPage(ctx)
	if err != nil {
		return err
	}
	if err := page.Click(selector); err != nil {
		return fmt.Errorf("click %q: %w", selector, err)
	}
	return nil
}

func (d *Driver) currentPage(ctx context.Context) (playwright.Page, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.page == nil {
		return nil, fmt.Errorf("browser not launched")
	}
	return d.page, nil
}

// removeStaleLocks deletes Chromium singleton lock files that a crashed
// process leaves behind; a stale lock makes the next launch fail with
// "profile in use".
func (d *Driver) removeStaleLocks() {
	for _, name := range []string{"SingletonLock", "SingletonCookie", "SingletonSocket"} {
		path := filepath.Join(d.opts.UserDataDir, name)
		if err := os.Remove(path); err == nil {
			d.logger.Warn("removed stale profile lock", "path", path)
		}
	}
}

// jitter returns a duration uniformly distributed in [0.5*mean, 1.5*mean).
func jitter(mean time.Duration) time.Duration {
	if mean <= 0 {
		return 0
	}
	half := mean / 2
	return half + time.Duration(rand.Int63n(int64(mean)))
}
