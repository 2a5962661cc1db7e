package actions

import (
	"context"
	"io"
	"testing"
	"time"

	"github.com/playwright-community/playwright-go"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/polzovatel/ai-agent-for-browser-fast/internal/eventlog"
	"github.com/polzovatel/ai-agent-for-browser-fast/internal/snapshot"
)

// fakeController implements browser.Controller with recorded calls, enough
// to drive every default action's handler without a real browser.
type fakeController struct {
	navigated      []string
	clicked        []string
	filled         map[string]string
	scrolled       []string
	tabs           []string
	scrollPercent  float64
	scrollSelector string
	dropdown       []string
	selected       map[string]string
	sentKeys       []string
	scrolledText   []string
	failNavigate   bool
	opensTabOn     string
	switchedTo     string
}

func newFakeController() *fakeController {
	return &fakeController{filled: map[string]string{}, selected: map[string]string{}, tabs: []string{"tab-0"}}
}

func (f *fakeController) Close(ctx context.Context) error { return nil }
func (f *fakeController) Navigate(ctx context.Context, url string) error {
	if f.failNavigate {
		return assertErr("navigate failed")
	}
	f.navigated = append(f.navigated, url)
	return nil
}
func (f *fakeController) GoBack(ctx context.Context) error    { return nil }
func (f *fakeController) GoForward(ctx context.Context) error { return nil }
func (f *fakeController) Refresh(ctx context.Context) error   { return nil }
func (f *fakeController) ClickText(ctx context.Context, text string, exact bool) error {
	return nil
}
func (f *fakeController) ClickRole(ctx context.Context, role, name string, exact bool) error {
	return nil
}
func (f *fakeController) Click(ctx context.Context, selector string) error {
	f.clicked = append(f.clicked, selector)
	if f.opensTabOn != "" && selector == f.opensTabOn {
		f.tabs = append(f.tabs, "tab-1")
	}
	return nil
}
func (f *fakeController) ClickByCoordinates(ctx context.Context, x, y float64) error { return nil }
func (f *fakeController) ClickByTextFuzzy(ctx context.Context, text string) error    { return nil }
func (f *fakeController) Hover(ctx context.Context, selector string) error           { return nil }
func (f *fakeController) Fill(ctx context.Context, selector, text string) error {
	f.filled[selector] = text
	return nil
}
func (f *fakeController) SendKeys(ctx context.Context, keys string) error {
	f.sentKeys = append(f.sentKeys, keys)
	return nil
}
func (f *fakeController) Read(ctx context.Context, selector string) (string, error) {
	return "", nil
}
func (f *fakeController) Scroll(ctx context.Context, direction string, distance int) (int, error) {
	f.scrolled = append(f.scrolled, direction)
	if distance == 0 {
		distance = 600
	}
	return distance, nil
}
func (f *fakeController) ScrollToElement(ctx context.Context, selector string) error { return nil }
func (f *fakeController) ScrollToText(ctx context.Context, text string, nth int) error {
	f.scrolledText = append(f.scrolledText, text)
	return nil
}
func (f *fakeController) ScrollToPercent(ctx context.Context, percent float64, selector string) error {
	f.scrollPercent = percent
	f.scrollSelector = selector
	return nil
}
func (f *fakeController) GetDropdownOptions(ctx context.Context, selector string) ([]string, error) {
	return f.dropdown, nil
}
func (f *fakeController) SelectDropdownOption(ctx context.Context, selector, optionText string) error {
	f.selected[selector] = optionText
	return nil
}
func (f *fakeController) TabIDs(ctx context.Context) ([]string, error) { return f.tabs, nil }
func (f *fakeController) SwitchTab(ctx context.Context, tabID string) error {
	f.switchedTo = tabID
	return nil
}
func (f *fakeController) OpenTab(ctx context.Context, url string) (string, error) {
	id := "tab-1"
	f.tabs = append(f.tabs, id)
	if url != "" {
		f.navigated = append(f.navigated, url)
	}
	return id, nil
}
func (f *fakeController) CloseTab(ctx context.Context, tabID string) error { return nil }
func (f *fakeController) WaitFor(ctx context.Context, selector string, timeout time.Duration) error {
	return nil
}
func (f *fakeController) WaitForStableDOM(ctx context.Context, timeout time.Duration) error {
	return nil
}
func (f *fakeController) WaitForEmailElements(ctx context.Context, timeout time.Duration) error {
	return nil
}
func (f *fakeController) EvaluateInPage(ctx context.Context, script string) (any, error) {
	return true, nil
}
func (f *fakeController) SaveState(ctx context.Context, path string) error { return nil }
func (f *fakeController) Page() playwright.Page                           { return nil }

type assertErrType string

func (e assertErrType) Error() string { return string(e) }
func assertErr(msg string) error      { return assertErrType(msg) }

func testContext(ctrl *fakeController, state snapshot.Summary) Context {
	return Context{
		Ctrl: ctrl,
		GetState: func(ctx context.Context, forceRefresh bool) (snapshot.Summary, error) {
			return state, nil
		},
		Events: eventlog.NewManager(zerolog.New(io.Discard)),
	}
}

func TestDoneActionSetsIsDone(t *testing.T) {
	r := NewDefaultRegistry()
	a, ok := r.Get("done")
	require.True(t, ok)
	ctrl := newFakeController()
	result, err := a.Call(context.Background(), testContext(ctrl, snapshot.Summary{}), map[string]any{"text": "all done"})
	require.NoError(t, err)
	assert.True(t, result.IsDone)
	assert.Equal(t, "all done", result.ExtractedContent)
}

func TestDoneActionRejectsMissingText(t *testing.T) {
	r := NewDefaultRegistry()
	a, _ := r.Get("done")
	ctrl := newFakeController()
	_, err := a.Call(context.Background(), testContext(ctrl, snapshot.Summary{}), map[string]any{})
	require.Error(t, err)
}

func TestClickElementResolvesIndexToSelector(t *testing.T) {
	r := NewDefaultRegistry()
	a, ok := r.Get("click_element")
	require.True(t, ok)
	assert.True(t, a.HasIndex)
	state := snapshot.Summary{Elements: []snapshot.Element{{Index: 3, Sel: "#submit"}}}
	ctrl := newFakeController()
	_, err := a.Call(context.Background(), testContext(ctrl, state), map[string]any{"index": 3})
	require.NoError(t, err)
	assert.Equal(t, []string{"#submit"}, ctrl.clicked)
}

func TestClickElementAnnotatesAndSwitchesToNewTab(t *testing.T) {
	r := NewDefaultRegistry()
	a, ok := r.Get("click_element")
	require.True(t, ok)
	state := snapshot.Summary{Elements: []snapshot.Element{{Index: 3, Sel: "#open-in-new-tab"}}}
	ctrl := newFakeController()
	ctrl.opensTabOn = "#open-in-new-tab"

	result, err := a.Call(context.Background(), testContext(ctrl, state), map[string]any{"index": 3})
	require.NoError(t, err)
	assert.Contains(t, result.ExtractedContent, "New tab opened")
	assert.Equal(t, "tab-1", ctrl.switchedTo)
}

func TestClickElementMissingIndexFails(t *testing.T) {
	r := NewDefaultRegistry()
	a, _ := r.Get("click_element")
	ctrl := newFakeController()
	state := snapshot.Summary{Elements: []snapshot.Element{{Index: 3, Sel: "#submit"}}}
	_, err := a.Call(context.Background(), testContext(ctrl, state), map[string]any{"index": 99})
	require.Error(t, err)
}

func TestInputTextFillsResolvedSelector(t *testing.T) {
	r := NewDefaultRegistry()
	a, ok := r.Get("input_text")
	require.True(t, ok)
	state := snapshot.Summary{Elements: []snapshot.Element{{Index: 1, Sel: "#q"}}}
	ctrl := newFakeController()
	_, err := a.Call(context.Background(), testContext(ctrl, state), map[string]any{"index": 1, "text": "hello"})
	require.NoError(t, err)
	assert.Equal(t, "hello", ctrl.filled["#q"])
}

func TestCacheContentWrapsUntrustedContent(t *testing.T) {
	r := NewDefaultRegistry()
	a, _ := r.Get("cache_content")
	ctrl := newFakeController()
	result, err := a.Call(context.Background(), testContext(ctrl, snapshot.Summary{}), map[string]any{"content": "page said hi"})
	require.NoError(t, err)
	assert.True(t, len(result.ExtractedContent) > len("page said hi"))
	assert.Contains(t, result.ExtractedContent, "page said hi")
	assert.Contains(t, result.ExtractedContent, "untrusted_content")
}

func TestWrapUntrustedIsIdempotent(t *testing.T) {
	once := WrapUntrusted("hello")
	twice := WrapUntrusted(once)
	assert.Equal(t, once, twice)
}

func TestScrollToPercentResolvesElementContainer(t *testing.T) {
	r := NewDefaultRegistry()
	a, _ := r.Get("scroll_to_percent")
	state := snapshot.Summary{Elements: []snapshot.Element{{Index: 5, Sel: ".list"}}}
	ctrl := newFakeController()
	_, err := a.Call(context.Background(), testContext(ctrl, state), map[string]any{"percent": 50.0, "index": 5})
	require.NoError(t, err)
	assert.Equal(t, 50.0, ctrl.scrollPercent)
	assert.Equal(t, ".list", ctrl.scrollSelector)
}

func TestScrollToPercentWithoutIndexScrollsPage(t *testing.T) {
	r := NewDefaultRegistry()
	a, _ := r.Get("scroll_to_percent")
	ctrl := newFakeController()
	_, err := a.Call(context.Background(), testContext(ctrl, snapshot.Summary{}), map[string]any{"percent": 10.0})
	require.NoError(t, err)
	assert.Equal(t, "", ctrl.scrollSelector)
}

func TestSelectDropdownOptionMissingTextFails(t *testing.T) {
	r := NewDefaultRegistry()
	a, _ := r.Get("select_dropdown_option")
	ctrl := newFakeController()
	_, err := a.Call(context.Background(), testContext(ctrl, snapshot.Summary{}), map[string]any{"index": 1})
	require.Error(t, err)
}

func TestDefaultRegistryContainsMandatedActions(t *testing.T) {
	r := NewDefaultRegistry()
	for _, name := range []string{
		"done", "search_google", "go_to_url", "go_back", "go_forward", "refresh", "wait",
		"click_element", "input_text", "switch_tab", "open_tab", "close_tab", "cache_content",
		"scroll_to_percent", "scroll_to_top", "scroll_to_bottom", "previous_page", "next_page",
		"scroll_to_text", "send_keys", "get_dropdown_options", "select_dropdown_option",
	} {
		_, ok := r.Get(name)
		assert.True(t, ok, "missing action %s", name)
	}
}
