package browser

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/playwright-community/playwright-go"
)

const (
	defaultNavTimeout   = 30 * time.Second
	defaultActionTime   = 10 * time.Second
	headlessEnv         = "AGENT_HEADLESS"
	defaultScrollAmount = 600
)

// ErrURLNotAllowed is returned by Navigate/OpenTab when the target host is
// not present in an allow-list configured for the controller. The executor
// treats this as fatal, matching the teacher's adaptive-recovery loop which
// never retries a policy rejection.
var ErrURLNotAllowed = errors.New("browser: url not allowed by policy")

// Controller exposes browser actions to the agent core. Selector-based
// methods are kept from the teacher's Controller; the additions
// (Hover/WaitForStableDOM/EvaluateInPage/tab management/scroll variants)
// close the gap against what internal/actions and internal/waiting need,
// folded into one interface rather than left split across adapter and
// caller.
type Controller interface {
	Close(ctx context.Context) error
	Navigate(ctx context.Context, url string) error
	GoBack(ctx context.Context) error
	GoForward(ctx context.Context) error
	Refresh(ctx context.Context) error
	ClickText(ctx context.Context, text string, exact bool) error
	ClickRole(ctx context.Context, role, name string, exact bool) error
	Click(ctx context.Context, selector string) error
	ClickByCoordinates(ctx context.Context, x, y float64) error
	ClickByTextFuzzy(ctx context.Context, text string) error
	Hover(ctx context.Context, selector string) error
	Fill(ctx context.Context, selector, text string) error
	SendKeys(ctx context.Context, keys string) error
	Read(ctx context.Context, selector string) (string, error)
	Scroll(ctx context.Context, direction string, distance int) (int, error)
	ScrollToElement(ctx context.Context, selector string) error
	ScrollToText(ctx context.Context, text string, nth int) error
	ScrollToPercent(ctx context.Context, percent float64, selector string) error
	GetDropdownOptions(ctx context.Context, selector string) ([]string, error)
	SelectDropdownOption(ctx context.Context, selector, optionText string) error
	TabIDs(ctx context.Context) ([]string, error)
	SwitchTab(ctx context.Context, tabID string) error
	OpenTab(ctx context.Context, url string) (string, error)
	CloseTab(ctx context.Context, tabID string) error
	WaitFor(ctx context.Context, selector string, timeout time.Duration) error
	WaitForStableDOM(ctx context.Context, timeout time.Duration) error
	WaitForEmailElements(ctx context.Context, timeout time.Duration) error
	EvaluateInPage(ctx context.Context, script string) (any, error)
	SaveState(ctx context.Context, path string) error
	Page() playwright.Page
}

// Launcher owns playwright lifecycle.
type Launcher struct {
	pw       *playwright.Playwright
	browser  playwright.Browser
	headless bool
}

func NewLauncher(ctx context.Context) (*Launcher, error) {
	if err := ensureDeps(); err != nil {
		return nil, err
	}
	pw, err := playwright.Run()
	if err != nil {
		return nil, fmt.Errorf("start playwright: %w", err)
	}
	headless := parseBoolEnv(headlessEnv, false)
	browser, err := pw.Chromium.Launch(playwright.BrowserTypeLaunchOptions{
		Headless: playwright.Bool(headless),
		Args: []string{
			"--disable-dev-shm-usage",
			"--no-sandbox",
		},
	})
	if err != nil {
		_ = pw.Stop()
		return nil, fmt.Errorf("launch chromium: %w", err)
	}
	return &Launcher{pw: pw, browser: browser, headless: headless}, nil
}

// AllowedDomains, when non-empty, restricts Navigate/OpenTab to hosts that
// end with one of the listed suffixes.
type Options struct {
	StoragePath    string
	AllowedDomains []string
}

func (l *Launcher) NewController(ctx context.Context, storagePath string) (Controller, error) {
	return l.NewControllerWithOptions(ctx, Options{StoragePath: storagePath})
}

func (l *Launcher) NewControllerWithOptions(ctx context.Context, opts Options) (Controller, error) {
	ctxOpts := playwright.BrowserNewContextOptions{
		IgnoreHttpsErrors: playwright.Bool(true),
	}
	if strings.TrimSpace(opts.StoragePath) != "" {
		ctxOpts.StorageStatePath = playwright.String(opts.StoragePath)
	}
	bctx, err := l.browser.NewContext(ctxOpts)
	if err != nil {
		return nil, fmt.Errorf("new context: %w", err)
	}
	page, err := bctx.NewPage()
	if err != nil {
		_ = bctx.Close()
		return nil, fmt.Errorf("new page: %w", err)
	}
	page.SetDefaultTimeout(float64(defaultNavTimeout.Milliseconds()))
	return &controller{
		context:        bctx,
		page:           page,
		pages:          []playwright.Page{page},
		allowedDomains: opts.AllowedDomains,
	}, nil
}

func (l *Launcher) Close() error {
	if l.browser != nil {
		_ = l.browser.Close()
	}
	if l.pw != nil {
		return l.pw.Stop()
	}
	return nil
}

type controller struct {
	context        playwright.BrowserContext
	page           playwright.Page
	pages          []playwright.Page
	allowedDomains []string
}

func (c *controller) Page() playwright.Page {
	return c.page
}

func (c *controller) Close(ctx context.Context) error {
	_ = ctx
	if c.page != nil {
		_ = c.page.Close()
	}
	if c.context != nil {
		return c.context.Close()
	}
	return nil
}

func (c *controller) hostAllowed(rawURL string) bool {
	if len(c.allowedDomains) == 0 {
		return true
	}
	host := strings.ToLower(rawURL)
	if i := strings.Index(host, "://"); i >= 0 {
		host = host[i+3:]
	}
	if i := strings.IndexAny(host, "/?#"); i >= 0 {
		host = host[:i]
	}
	if i := strings.LastIndex(host, "@"); i >= 0 {
		host = host[i+1:]
	}
	if i := strings.LastIndex(host, ":"); i >= 0 {
		host = host[:i]
	}
	for _, domain := range c.allowedDomains {
		if strings.HasSuffix(host, strings.ToLower(domain)) {
			return true
		}
	}
	return false
}

func (c *controller) Navigate(ctx context.Context, url string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if !c.hostAllowed(url) {
		return fmt.Errorf("%w: %s", ErrURLNotAllowed, url)
	}
	_, err := c.page.Goto(url, playwright.PageGotoOptions{
		WaitUntil: playwright.WaitUntilStateLoad,
		Timeout:   playwright.Float(float64(defaultNavTimeout.Milliseconds())),
	})
	return wrap(err)
}

func (c *controller) GoBack(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	_, err := c.page.GoBack(playwright.PageGoBackOptions{WaitUntil: playwright.WaitUntilStateLoad})
	return wrap(err)
}

func (c *controller) GoForward(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	_, err := c.page.GoForward(playwright.PageGoForwardOptions{WaitUntil: playwright.WaitUntilStateLoad})
	return wrap(err)
}

func (c *controller) Refresh(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	_, err := c.page.Reload(playwright.PageReloadOptions{WaitUntil: playwright.WaitUntilStateLoad})
	return wrap(err)
}

func (c *controller) ClickText(ctx context.Context, text string, exact bool) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	loc := c.page.GetByText(text, playwright.PageGetByTextOptions{
		Exact: playwright.Bool(exact),
	})
	first := loc.First()
	if err := first.WaitFor(playwright.LocatorWaitForOptions{State: playwright.WaitForSelectorStateVisible}); err != nil {
		return wrap(err)
	}
	return wrap(first.Click())
}

func (c *controller) ClickRole(ctx context.Context, role, name string, exact bool) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	aria := playwright.AriaRole(strings.ToLower(strings.TrimSpace(role)))
	loc := c.page.GetByRole(aria, playwright.PageGetByRoleOptions{
		Name:  name,
		Exact: playwright.Bool(exact),
	})
	first := loc.First()
	if err := first.WaitFor(playwright.LocatorWaitForOptions{State: playwright.WaitForSelectorStateVisible}); err != nil {
		return wrap(err)
	}
	return wrap(first.Click())
}

func (c *controller) Click(ctx context.Context, selector string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	loc := c.page.Locator(selector)
	first := loc.First()
	if err := first.WaitFor(playwright.LocatorWaitForOptions{State: playwright.WaitForSelectorStateVisible}); err != nil {
		return wrap(err)
	}
	if err := first.ScrollIntoViewIfNeeded(); err != nil {
		// best-effort, click anyway
	}
	return wrap(first.Click())
}

func (c *controller) ClickByCoordinates(ctx context.Context, x, y float64) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return wrap(c.page.Mouse().Click(x, y))
}

func (c *controller) ClickByTextFuzzy(ctx context.Context, text string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	loc := c.page.GetByText(text, playwright.PageGetByTextOptions{
		Exact: playwright.Bool(false),
	})
	first := loc.First()
	if err := first.WaitFor(playwright.LocatorWaitForOptions{
		State:   playwright.WaitForSelectorStateVisible,
		Timeout: playwright.Float(5000),
	}); err != nil {
		return wrap(err)
	}
	if err := first.ScrollIntoViewIfNeeded(); err != nil {
		// continue
	}
	return wrap(first.Click())
}

func (c *controller) Hover(ctx context.Context, selector string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	loc := c.page.Locator(selector)
	return wrap(loc.First().Hover())
}

func (c *controller) ScrollToElement(ctx context.Context, selector string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	loc := c.page.Locator(selector)
	return wrap(loc.First().ScrollIntoViewIfNeeded())
}

func (c *controller) WaitForEmailElements(ctx context.Context, timeout time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	patterns := []string{
		"[data-testid*='message']",
		"[data-testid*='mail']",
		"[data-testid*='item'][role='row']",
		"[role='row'][aria-label*='@']",
		"[data-uid]",
	}
	deadline := time.Now().Add(timeout)
	for _, pattern := range patterns {
		if time.Now().After(deadline) {
			break
		}
		loc := c.page.Locator(pattern)
		first := loc.First()
		if err := first.WaitFor(playwright.LocatorWaitForOptions{
			State:   playwright.WaitForSelectorStateVisible,
			Timeout: playwright.Float(timeout.Seconds() * 1000 / float64(len(patterns))),
		}); err == nil {
			return nil
		}
	}
	frames := c.page.Frames()
	for _, frame := range frames {
		if time.Now().After(deadline) {
			break
		}
		for _, pattern := range patterns {
			loc := frame.Locator(pattern)
			first := loc.First()
			if err := first.WaitFor(playwright.LocatorWaitForOptions{
				State:   playwright.WaitForSelectorStateVisible,
				Timeout: playwright.Float(2000),
			}); err == nil {
				return nil
			}
		}
	}
	return fmt.Errorf("no email elements found after %v", timeout)
}

func (c *controller) Fill(ctx context.Context, selector, text string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	loc := c.page.Locator(selector)
	if err := loc.WaitFor(playwright.LocatorWaitForOptions{State: playwright.WaitForSelectorStateVisible}); err != nil {
		return wrap(err)
	}
	return wrap(loc.Fill(text))
}

func (c *controller) SendKeys(ctx context.Context, keys string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return wrap(c.page.Keyboard().Press(keys))
}

func (c *controller) Read(ctx context.Context, selector string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if strings.TrimSpace(selector) == "" {
		val, err := c.page.InnerText("body")
		if err != nil {
			return "", wrap(err)
		}
		return val, nil
	}
	loc := c.page.Locator(selector)
	if err := loc.WaitFor(playwright.LocatorWaitForOptions{State: playwright.WaitForSelectorStateVisible}); err != nil {
		return "", wrap(err)
	}
	val, err := loc.InnerText()
	return val, wrap(err)
}

// Scroll returns the actual pixel distance applied, so callers (actions,
// recovery) can report what really happened instead of echoing the
// request.
func (c *controller) Scroll(ctx context.Context, direction string, distance int) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	if distance == 0 {
		distance = defaultScrollAmount
	}
	move := distance
	switch strings.ToLower(direction) {
	case "up", "north":
		move = -distance
	case "top":
		_, err := c.page.Evaluate("window.scrollTo(0,0);")
		return 0, wrap(err)
	case "bottom":
		_, err := c.page.Evaluate("window.scrollTo(0, document.body.scrollHeight);")
		return 0, wrap(err)
	case "page_down":
		move = distance * 2
	case "page_up":
		move = -distance * 2
	}
	script := fmt.Sprintf("window.scrollBy(0,%d);", move)
	_, err := c.page.Evaluate(script)
	if err != nil {
		return 0, wrap(err)
	}
	return move, nil
}

// ScrollToText scrolls the nth (1-based) element whose text matches into
// view, grounded on scroll_to_element plus a text locator.
func (c *controller) ScrollToText(ctx context.Context, text string, nth int) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if nth <= 0 {
		nth = 1
	}
	loc := c.page.GetByText(text, playwright.PageGetByTextOptions{Exact: playwright.Bool(false)})
	target := loc.Nth(nth - 1)
	return wrap(target.ScrollIntoViewIfNeeded())
}

// ScrollToPercent scrolls to a percentage of the scrollable height. When
// selector is non-empty it scrolls the element's nearest scrollable
// ancestor; otherwise it scrolls the page (window) itself. Resolved Open
// Question: these two targets are never mixed within a single call.
func (c *controller) ScrollToPercent(ctx context.Context, percent float64, selector string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if percent < 0 {
		percent = 0
	}
	if percent > 100 {
		percent = 100
	}
	if strings.TrimSpace(selector) == "" {
		script := fmt.Sprintf(`() => {
			const h = document.documentElement.scrollHeight - window.innerHeight;
			window.scrollTo(0, Math.max(0, h * %f / 100));
		}`, percent)
		_, err := c.page.Evaluate(script)
		return wrap(err)
	}
	script := fmt.Sprintf(`(sel) => {
		function scrollableAncestor(el) {
			let node = el;
			while (node && node !== document.body) {
				const style = window.getComputedStyle(node);
				if (node.scrollHeight > node.clientHeight && /(auto|scroll)/.test(style.overflowY)) {
					return node;
				}
				node = node.parentElement;
			}
			return document.scrollingElement || document.documentElement;
		}
		const el = document.querySelector(sel);
		if (!el) return;
		const container = scrollableAncestor(el);
		const h = container.scrollHeight - container.clientHeight;
		container.scrollTop = Math.max(0, h * %f / 100);
	}`, percent)
	_, err := c.page.Evaluate(script, selector)
	return wrap(err)
}

func (c *controller) GetDropdownOptions(ctx context.Context, selector string) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	script := `(sel) => {
		const el = document.querySelector(sel);
		if (!el || !el.options) return [];
		return Array.from(el.options).map(o => o.text);
	}`
	val, err := c.page.Evaluate(script, selector)
	if err != nil {
		return nil, wrap(err)
	}
	return toStringSlice(val), nil
}

func (c *controller) SelectDropdownOption(ctx context.Context, selector, optionText string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	loc := c.page.Locator(selector)
	_, err := loc.SelectOption(playwright.SelectOptionValues{Labels: &[]string{optionText}})
	return wrap(err)
}

func (c *controller) TabIDs(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(c.pages))
	for i := range c.pages {
		ids = append(ids, fmt.Sprintf("tab-%d", i))
	}
	return ids, nil
}

func (c *controller) SwitchTab(ctx context.Context, tabID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	idx, ok := tabIndex(tabID)
	if !ok || idx >= len(c.pages) {
		return fmt.Errorf("unknown tab id %s", tabID)
	}
	c.page = c.pages[idx]
	return wrap(c.page.BringToFront())
}

func (c *controller) OpenTab(ctx context.Context, url string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if !c.hostAllowed(url) {
		return "", fmt.Errorf("%w: %s", ErrURLNotAllowed, url)
	}
	page, err := c.context.NewPage()
	if err != nil {
		return "", wrap(err)
	}
	if url != "" {
		if _, err := page.Goto(url, playwright.PageGotoOptions{WaitUntil: playwright.WaitUntilStateLoad}); err != nil {
			return "", wrap(err)
		}
	}
	c.pages = append(c.pages, page)
	c.page = page
	return fmt.Sprintf("tab-%d", len(c.pages)-1), nil
}

func (c *controller) CloseTab(ctx context.Context, tabID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	idx, ok := tabIndex(tabID)
	if !ok || idx >= len(c.pages) {
		return fmt.Errorf("unknown tab id %s", tabID)
	}
	target := c.pages[idx]
	if err := target.Close(); err != nil {
		return wrap(err)
	}
	c.pages = append(c.pages[:idx], c.pages[idx+1:]...)
	if c.page == target && len(c.pages) > 0 {
		c.page = c.pages[len(c.pages)-1]
	}
	return nil
}

func tabIndex(tabID string) (int, bool) {
	var idx int
	if _, err := fmt.Sscanf(tabID, "tab-%d", &idx); err != nil {
		return 0, false
	}
	return idx, true
}

func (c *controller) WaitFor(ctx context.Context, selector string, timeout time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if timeout <= 0 {
		timeout = defaultActionTime
	}
	loc := c.page.Locator(selector)
	return wrap(loc.WaitFor(playwright.LocatorWaitForOptions{
		Timeout: playwright.Float(timeout.Seconds() * 1000),
		State:   playwright.WaitForSelectorStateVisible,
	}))
}

// WaitForStableDOM installs a MutationObserver that stamps
// window.__lastDOMModification on every DOM change (the timestamp
// IntelligentWaiting's domStableFor condition reads), then polls until the
// DOM has been idle for 500 ms or timeout elapses.
func (c *controller) WaitForStableDOM(ctx context.Context, timeout time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if timeout <= 0 {
		timeout = defaultActionTime
	}
	installScript := `() => {
		if (window.__domStableInstalled) return;
		window.__domStableInstalled = true;
		window.__lastDOMModification = Date.now();
		const observer = new MutationObserver(() => { window.__lastDOMModification = Date.now(); });
		observer.observe(document.documentElement, { childList: true, subtree: true, attributes: true });
	}`
	if _, err := c.page.Evaluate(installScript); err != nil {
		return wrap(err)
	}
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		val, err := c.page.Evaluate("() => Date.now() - (window.__lastDOMModification || 0)")
		if err != nil {
			return wrap(err)
		}
		if idle, ok := val.(float64); ok && idle >= 500 {
			return nil
		}
		time.Sleep(100 * time.Millisecond)
	}
	return fmt.Errorf("dom did not stabilize within %v", timeout)
}

// EvaluateInPage runs an arbitrary JS expression/function in the page
// context, satisfying waiting.PageProbe and recovery.BrowserOps structurally.
func (c *controller) EvaluateInPage(ctx context.Context, script string) (any, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	val, err := c.page.Evaluate(script)
	return val, wrap(err)
}

func (c *controller) SaveState(ctx context.Context, path string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	state, err := c.context.StorageState()
	if err != nil {
		return wrap(err)
	}
	data, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("marshal storage: %w", err)
	}
	return os.WriteFile(path, data, 0o600)
}

func toStringSlice(val any) []string {
	raw, ok := val.([]any)
	if !ok {
		return nil
	}
	out := make([]string, 0, len(raw))
	for _, v := range raw {
		if s, ok := v.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

func wrap(err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("playwright: %w", err)
}

func parseBoolEnv(name string, def bool) bool {
	val := strings.TrimSpace(os.Getenv(name))
	if val == "" {
		return def
	}
	switch strings.ToLower(val) {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	default:
		return def
	}
}

func ensureDeps() error {
	// Browsers usually preinstalled in this workspace. Hook for future checks.
	return nil
}
