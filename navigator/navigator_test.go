// ABOUTME: End-to-end loop tests with a scripted LLM adapter driving a static page.
// ABOUTME: Covers enrichment, secret handling, re-prompts, and the step budget.

package navigator

import (
	"context"
	"fmt"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/retracehq/retrace/browser"
	"github.com/retracehq/retrace/execerr"
	"github.com/retracehq/retrace/history"
	"github.com/retracehq/retrace/llm"
	"github.com/retracehq/retrace/traversal"
)

// scriptedAdapter returns canned completions in order and keeps every request
// it saw, so tests can assert on what reached the model.
type scriptedAdapter struct {
	responses []string
	calls     int
	requests  []llm.Request
}

func (a *scriptedAdapter) Name() string { return "scripted" }

func (a *scriptedAdapter) Complete(ctx context.Context, req llm.Request) (*llm.Response, error) {
	a.requests = append(a.requests, req)
	i := a.calls
	a.calls++
	if i >= len(a.responses) {
		return nil, fmt.Errorf("script exhausted after %d calls", i)
	}
	return &llm.Response{ID: fmt.Sprintf("resp-%d", i), Text: a.responses[i]}, nil
}

func (a *scriptedAdapter) Close() error { return nil }

const loginPage = `<html><head><title>Login</title></head><body>
<form>
  <input name="password" placeholder="Password">
  <button id="submit" class="btn">Sign in</button>
</form>
</body></html>`

func decisionJSON(nextGoal string, actions ...string) string {
	return fmt.Sprintf(
		`{"current_state":{"evaluation_previous_goal":"ok","memory":"m","next_goal":%q},"action":[%s]}`,
		nextGoal, strings.Join(actions, ","))
}

// pageIndices resolves the static page's element indices so scripted decisions
// can reference them the way a live model would.
func pageIndices(t *testing.T, page *browser.StaticPage) (passwordIdx, submitIdx int) {
	t.Helper()
	summary, err := page.StateSummary(context.Background())
	if err != nil {
		t.Fatalf("StateSummary: %v", err)
	}
	for idx, node := range summary.SelectorMap {
		switch {
		case node.Attributes["name"] == "password":
			passwordIdx = idx
		case node.Attributes["id"] == "submit":
			submitIdx = idx
		}
	}
	if passwordIdx == 0 || submitIdx == 0 {
		t.Fatalf("elements not indexed: %s", summary.ElementTree)
	}
	return passwordIdx, submitIdx
}

func allPromptText(requests []llm.Request) string {
	var sb strings.Builder
	for _, req := range requests {
		for _, msg := range req.Messages {
			sb.WriteString(msg.Content)
			sb.WriteString("\n")
		}
	}
	return sb.String()
}

func TestNavigateRecordsEnrichedActions(t *testing.T) {
	page, err := browser.NewStaticPage("https://example.org/login", "", loginPage)
	if err != nil {
		t.Fatalf("NewStaticPage: %v", err)
	}
	passwordIdx, submitIdx := pageIndices(t, page)

	fake := &scriptedAdapter{responses: []string{
		decisionJSON("log in",
			fmt.Sprintf(`{"input_text":{"index":%d,"text":"<secret>USER_PASSWORD</secret>"}}`, passwordIdx),
			fmt.Sprintf(`{"click_element_by_index":{"index":%d}}`, submitIdx)),
		decisionJSON("finish",
			`{"done":{"success":true,"extracted_data":{"GREETING":"hi"}}}`),
	}}
	log := NewEventLog()
	cfg := Config{
		Client:  llm.NewClient(llm.WithProvider("scripted", fake)),
		OnEvent: log.Record,
	}
	dir := t.TempDir()

	res, err := Navigate(context.Background(), cfg, browser.NewStaticClient(page), Task{
		TaskID:     "login",
		TestCase:   "log in to the portal",
		Secrets:    map[string]string{"USER_PASSWORD": "hunter2"},
		OutputDir:  dir,
		HistoryDir: dir,
	})
	if err != nil {
		t.Fatalf("Navigate: %v", err)
	}
	if res.Status != traversal.StatusSuccess || res.Steps != 2 {
		t.Fatalf("status=%s steps=%d", res.Status, res.Steps)
	}
	if res.ExtractedData["GREETING"] != "hi" {
		t.Errorf("extracted = %v", res.ExtractedData)
	}

	tr, err := traversal.LoadFile(res.TraversalPath)
	if err != nil {
		t.Fatalf("LoadFile: %v", err)
	}
	if tr.Status != traversal.StatusSuccess {
		t.Errorf("sealed status = %s", tr.Status)
	}
	if len(tr.Actions) != 3 {
		t.Fatalf("recorded %d actions", len(tr.Actions))
	}
	if tr.Actions[0].Action.Kind != traversal.KindInputText ||
		tr.Actions[1].Action.Kind != traversal.KindClickElementByIndex ||
		tr.Actions[2].Action.Kind != traversal.KindDone {
		t.Fatalf("action order: %s %s %s",
			tr.Actions[0].Action.Kind, tr.Actions[1].Action.Kind, tr.Actions[2].Action.Kind)
	}
	for i := 0; i < 2; i++ {
		d := tr.Actions[i].DOMElementData
		if d == nil || d.XPath == "" || d.TagName == "" {
			t.Errorf("%s lacks element data: %+v", traversal.ActionKey(i), d)
		}
	}
	if tr.Actions[2].DOMElementData != nil {
		t.Error("done must not carry element data")
	}
	if tr.Secrets["USER_PASSWORD"] != traversal.RedactedPlaceholder {
		t.Errorf("persisted secret = %q", tr.Secrets["USER_PASSWORD"])
	}

	raw, err := os.ReadFile(res.TraversalPath)
	if err != nil {
		t.Fatalf("read traversal: %v", err)
	}
	if strings.Contains(string(raw), "hunter2") {
		t.Error("raw secret value written to disk")
	}
	if !strings.Contains(string(raw), "<secret>USER_PASSWORD</secret>") {
		t.Error("recorded text lost the secret placeholder")
	}

	prompts := allPromptText(fake.requests)
	if !strings.Contains(prompts, "USER_PASSWORD") {
		t.Error("secret name missing from prompts")
	}
	if strings.Contains(prompts, "hunter2") {
		t.Error("raw secret value leaked into a prompt")
	}

	// Substitution happens at the page boundary, so the real value must have
	// reached the input.
	els, err := page.QueryXPath(context.Background(), "//input[@value='hunter2']")
	if err != nil || len(els) != 1 {
		t.Errorf("substituted fill not applied: %v (%d)", err, len(els))
	}

	counts := log.Counts()
	if counts[EventRunStarted] != 1 || counts[EventRunFinished] != 1 {
		t.Errorf("lifecycle events = %v", counts)
	}
	if counts[EventDecisionMade] != 2 || counts[EventActionRecorded] != 3 {
		t.Errorf("progress events = %v", counts)
	}
	recorded := log.ByType(EventActionRecorded)
	if recorded[0].ActionKey != "action_1" || recorded[2].ActionKey != "action_3" {
		t.Errorf("recorded event keys = %+v", recorded)
	}

	hist, err := history.Load(dir, "login")
	if err != nil {
		t.Fatalf("history.Load: %v", err)
	}
	if len(hist.AINavigatedRuns) != 1 || hist.AINavigatedRuns[0].RunID != res.RunID {
		t.Errorf("history = %+v", hist.AINavigatedRuns)
	}
}

func TestNavigateBudgetExhausted(t *testing.T) {
	page, err := browser.NewStaticPage("https://example.org/login", "", loginPage)
	if err != nil {
		t.Fatalf("NewStaticPage: %v", err)
	}
	fake := &scriptedAdapter{responses: []string{
		decisionJSON("scroll", `{"scroll_down":{}}`),
		decisionJSON("scroll more", `{"scroll_down":{}}`),
	}}
	cfg := Config{Client: llm.NewClient(llm.WithProvider("scripted", fake))}
	dir := t.TempDir()

	res, err := Navigate(context.Background(), cfg, browser.NewStaticClient(page), Task{
		TestCase:  "scroll forever",
		MaxSteps:  2,
		OutputDir: dir,
	})
	if err == nil {
		t.Fatal("expected budget error")
	}
	if !execerr.IsKind(err, execerr.KindTaskExecution) {
		t.Errorf("kind = %s", execerr.KindOf(err))
	}
	if !strings.Contains(err.Error(), "budget_exhausted") {
		t.Errorf("message = %q", err.Error())
	}
	if res == nil || res.Status != traversal.StatusFailed {
		t.Fatalf("result = %+v", res)
	}

	tr, err := traversal.LoadFile(res.TraversalPath)
	if err != nil {
		t.Fatalf("LoadFile: %v", err)
	}
	if tr.Status != traversal.StatusFailed {
		t.Errorf("sealed status = %s", tr.Status)
	}
	if len(tr.Actions) != 2 {
		t.Errorf("recorded %d actions before exhaustion", len(tr.Actions))
	}
}

func TestNavigateRepromptsAfterGarbage(t *testing.T) {
	page, err := browser.NewStaticPage("https://example.org/login", "", loginPage)
	if err != nil {
		t.Fatalf("NewStaticPage: %v", err)
	}
	fake := &scriptedAdapter{responses: []string{
		"here is my plan, in prose",
		decisionJSON("finish", `{"done":{"success":true}}`),
	}}
	cfg := Config{Client: llm.NewClient(llm.WithProvider("scripted", fake))}

	res, err := Navigate(context.Background(), cfg, browser.NewStaticClient(page), Task{
		TestCase:  "just finish",
		OutputDir: t.TempDir(),
	})
	if err != nil {
		t.Fatalf("Navigate: %v", err)
	}
	if res.Status != traversal.StatusSuccess {
		t.Errorf("status = %s", res.Status)
	}
	if fake.calls != 2 {
		t.Fatalf("calls = %d", fake.calls)
	}

	// The second request must replay the bad reply and ask again.
	second := fake.requests[1].Messages
	if len(second) != 4 {
		t.Fatalf("second request has %d messages", len(second))
	}
	if second[2].Role != llm.RoleAssistant || second[2].Content != "here is my plan, in prose" {
		t.Errorf("bad reply not echoed: %+v", second[2])
	}
	if second[3].Role != llm.RoleUser || !strings.Contains(second[3].Content, "rejected") {
		t.Errorf("re-prompt missing: %+v", second[3])
	}
}

func TestNavigateRepromptsAfterUnknownKind(t *testing.T) {
	page, err := browser.NewStaticPage("https://example.org/login", "", loginPage)
	if err != nil {
		t.Fatalf("NewStaticPage: %v", err)
	}
	fake := &scriptedAdapter{responses: []string{
		decisionJSON("cheat", `{"teleport":{}}`),
		decisionJSON("finish", `{"done":{"success":true}}`),
	}}
	cfg := Config{Client: llm.NewClient(llm.WithProvider("scripted", fake))}

	res, err := Navigate(context.Background(), cfg, browser.NewStaticClient(page), Task{
		TestCase:  "just finish",
		OutputDir: t.TempDir(),
	})
	if err != nil {
		t.Fatalf("Navigate: %v", err)
	}
	if res.Status != traversal.StatusSuccess {
		t.Errorf("status = %s", res.Status)
	}
	if fake.calls != 2 {
		t.Errorf("calls = %d", fake.calls)
	}
	last := fake.requests[1].Messages
	if !strings.Contains(last[len(last)-1].Content, "teleport") {
		t.Errorf("re-prompt does not name the bad kind: %q", last[len(last)-1].Content)
	}
}

func TestNavigateGivesUpAfterDecisionRetries(t *testing.T) {
	page, err := browser.NewStaticPage("https://example.org/login", "", loginPage)
	if err != nil {
		t.Fatalf("NewStaticPage: %v", err)
	}
	fake := &scriptedAdapter{responses: []string{"nope", "still nope", "nope again"}}
	cfg := Config{Client: llm.NewClient(llm.WithProvider("scripted", fake))}

	res, err := Navigate(context.Background(), cfg, browser.NewStaticClient(page), Task{
		TestCase:  "never parses",
		OutputDir: t.TempDir(),
	})
	if err == nil {
		t.Fatal("expected decision failure")
	}
	if !execerr.IsKind(err, execerr.KindLLM) {
		t.Errorf("kind = %s", execerr.KindOf(err))
	}
	if fake.calls != 3 {
		t.Errorf("calls = %d, want initial + 2 re-prompts", fake.calls)
	}
	if res == nil || res.Status != traversal.StatusFailed {
		t.Fatalf("result = %+v", res)
	}
}

func TestNavigateDegradedRecordOnStaleIndex(t *testing.T) {
	page, err := browser.NewStaticPage("https://example.org/login", "", loginPage)
	if err != nil {
		t.Fatalf("NewStaticPage: %v", err)
	}
	fake := &scriptedAdapter{responses: []string{
		// Index 99 exists in no selector map; the record degrades to a nil
		// element payload and execution fails back to the decision step.
		decisionJSON("poke", `{"click_element_by_index":{"index":99}}`),
		decisionJSON("give up", `{"done":{"success":false}}`),
	}}
	cfg := Config{Client: llm.NewClient(llm.WithProvider("scripted", fake)), ActionRetries: 1}

	res, err := Navigate(context.Background(), cfg, browser.NewStaticClient(page), Task{
		TestCase:  "click a ghost",
		OutputDir: t.TempDir(),
	})
	if err != nil {
		t.Fatalf("Navigate: %v", err)
	}
	if res.Status != traversal.StatusFailed {
		t.Errorf("status = %s, done success=false must seal failed", res.Status)
	}

	tr, err := traversal.LoadFile(res.TraversalPath)
	if err != nil {
		t.Fatalf("LoadFile: %v", err)
	}
	if len(tr.Actions) != 2 {
		t.Fatalf("recorded %d actions", len(tr.Actions))
	}
	if tr.Actions[0].DOMElementData != nil {
		t.Error("stale index must record a degraded action without element data")
	}

	// The follow-up prompt must carry the failure so the model can react.
	prompts := allPromptText(fake.requests[1:])
	if !strings.Contains(prompts, "Last action error") {
		t.Error("execution failure not surfaced to the next decision")
	}
}

func TestNavigateRedactsLeakedSecretValue(t *testing.T) {
	page, err := browser.NewStaticPage("https://example.org/login", "", loginPage)
	if err != nil {
		t.Fatalf("NewStaticPage: %v", err)
	}
	passwordIdx, _ := pageIndices(t, page)

	// The fill writes the raw value into the field's value attribute. The
	// click that follows records those attributes, and the next decision sees
	// them in the element tree; both must carry the placeholder instead.
	fake := &scriptedAdapter{responses: []string{
		decisionJSON("type the password",
			fmt.Sprintf(`{"input_text":{"index":%d,"text":"<secret>USER_PASSWORD</secret>"}}`, passwordIdx),
			fmt.Sprintf(`{"click_element_by_index":{"index":%d}}`, passwordIdx)),
		decisionJSON("finish", `{"done":{"success":true}}`),
	}}
	cfg := Config{Client: llm.NewClient(llm.WithProvider("scripted", fake))}

	res, err := Navigate(context.Background(), cfg, browser.NewStaticClient(page), Task{
		TestCase:  "log in to the portal",
		Secrets:   map[string]string{"USER_PASSWORD": "hunter2"},
		OutputDir: t.TempDir(),
	})
	if err != nil {
		t.Fatalf("Navigate: %v", err)
	}

	tr, err := traversal.LoadFile(res.TraversalPath)
	if err != nil {
		t.Fatalf("LoadFile: %v", err)
	}
	if len(tr.Actions) != 3 {
		t.Fatalf("recorded %d actions", len(tr.Actions))
	}
	click := tr.Actions[1].DOMElementData
	if click == nil {
		t.Fatal("click on the filled field lacks element data")
	}
	if got := click.Attributes["value"]; got != "<secret>USER_PASSWORD</secret>" {
		t.Errorf("recorded value attribute = %q", got)
	}

	raw, err := os.ReadFile(res.TraversalPath)
	if err != nil {
		t.Fatalf("read traversal: %v", err)
	}
	if strings.Contains(string(raw), "hunter2") {
		t.Error("raw secret value written to disk")
	}

	prompts := allPromptText(fake.requests)
	if strings.Contains(prompts, "hunter2") {
		t.Error("raw secret value leaked into a prompt")
	}
	if !strings.Contains(prompts, `value="<secret>USER_PASSWORD</secret>"`) {
		t.Error("element tree should show the placeholder where the value leaked")
	}

	// Only perception is redacted; the page itself keeps the real value.
	els, err := page.QueryXPath(context.Background(), "//input[@value='hunter2']")
	if err != nil || len(els) != 1 {
		t.Errorf("substituted fill not applied: %v (%d)", err, len(els))
	}
}

// stalledAdapter never answers; it blocks until the call's context expires.
type stalledAdapter struct{ calls int }

func (a *stalledAdapter) Name() string { return "stalled" }

func (a *stalledAdapter) Complete(ctx context.Context, req llm.Request) (*llm.Response, error) {
	a.calls++
	<-ctx.Done()
	return nil, ctx.Err()
}

func (a *stalledAdapter) Close() error { return nil }

func TestNavigateBoundsStuckLLMCalls(t *testing.T) {
	page, err := browser.NewStaticPage("https://example.org/login", "", loginPage)
	if err != nil {
		t.Fatalf("NewStaticPage: %v", err)
	}
	fake := &stalledAdapter{}
	cfg := Config{
		Client:         llm.NewClient(llm.WithProvider("stalled", fake)),
		LLMCallTimeout: 20 * time.Millisecond,
		Retry:          &llm.RetryPolicy{MaxRetries: 2, BaseDelay: time.Millisecond, BackoffMultiplier: 1},
	}

	start := time.Now()
	res, err := Navigate(context.Background(), cfg, browser.NewStaticClient(page), Task{
		TestCase:  "never answers",
		OutputDir: t.TempDir(),
	})
	if err == nil {
		t.Fatal("expected the run to fail")
	}
	if !execerr.IsKind(err, execerr.KindLLM) {
		t.Errorf("kind = %s", execerr.KindOf(err))
	}
	if !strings.Contains(err.Error(), "exceeded") {
		t.Errorf("message = %q", err.Error())
	}
	// Each attempt gets a fresh deadline, so the timeout must be retried.
	if fake.calls != 3 {
		t.Errorf("calls = %d, want initial + 2 retries", fake.calls)
	}
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Errorf("run took %s; stuck calls are not deadline-bounded", elapsed)
	}
	if res == nil || res.Status != traversal.StatusFailed {
		t.Fatalf("result = %+v", res)
	}
}

func TestActionAttemptsAreDeadlineBounded(t *testing.T) {
	page, err := browser.NewStaticPage("https://example.org/login", "", loginPage)
	if err != nil {
		t.Fatalf("NewStaticPage: %v", err)
	}
	store, err := traversal.NewStore(t.TempDir(), traversal.Meta{TestCase: "slow wait"})
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	nav, err := New(Config{ActionTimeout: 20 * time.Millisecond, ActionRetries: 1}, page, store, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	secs := 5
	start := time.Now()
	_, err = nav.executeWithRetry(context.Background(), traversal.Action{
		Kind:   traversal.KindWait,
		Params: traversal.Params{Seconds: &secs},
	}, Goal{}, 1)
	if err == nil {
		t.Fatal("expected timeout")
	}
	if !execerr.IsKind(err, execerr.KindBrowser) {
		t.Errorf("kind = %s", execerr.KindOf(err))
	}
	if !strings.Contains(err.Error(), "exceeded") {
		t.Errorf("message = %q", err.Error())
	}
	if elapsed := time.Since(start); elapsed >= 5*time.Second {
		t.Errorf("attempt ran %s; the action deadline did not cut it off", elapsed)
	}
}

const itemPage = `<html><head><title>Item</title></head><body>
<h1>Deluxe stapler</h1>
<p class="price">$9.99</p>
<a href="/cart">Add to cart</a>
</body></html>`

func TestNavigateExtractsContent(t *testing.T) {
	page, err := browser.NewStaticPage("https://example.org/login", "", loginPage)
	if err != nil {
		t.Fatalf("NewStaticPage: %v", err)
	}
	page.AddRoute("https://example.org/item", itemPage)

	fake := &scriptedAdapter{responses: []string{
		decisionJSON("open the item", `{"go_to_url":{"url":"https://example.org/item"}}`),
		decisionJSON("read the price", `{"extract_content":{"goal":"read the listed price"}}`),
		`{"PRICE":"$9.99"}`,
		decisionJSON("finish", `{"done":{"success":true}}`),
	}}
	cfg := Config{Client: llm.NewClient(llm.WithProvider("scripted", fake))}

	res, err := Navigate(context.Background(), cfg, browser.NewStaticClient(page), Task{
		TestCase:  "find the price",
		OutputDir: t.TempDir(),
		IOSchema:  &traversal.IOSchema{OutputSchema: map[string]string{"PRICE": "the listed price"}},
	})
	if err != nil {
		t.Fatalf("Navigate: %v", err)
	}
	if res.Status != traversal.StatusSuccess {
		t.Errorf("status = %s", res.Status)
	}
	if res.ExtractedData["PRICE"] != "$9.99" {
		t.Errorf("extracted = %v", res.ExtractedData)
	}

	tr, err := traversal.LoadFile(res.TraversalPath)
	if err != nil {
		t.Fatalf("LoadFile: %v", err)
	}
	if tr.ExtractedData["PRICE"] != "$9.99" {
		t.Errorf("persisted extracted = %v", tr.ExtractedData)
	}

	if len(fake.requests) != 4 {
		t.Fatalf("requests = %d", len(fake.requests))
	}
	ext := fake.requests[2]
	if ext.ResponseSchema == nil || ext.ResponseSchema.Name != "extracted_content" {
		t.Fatalf("extraction schema = %+v", ext.ResponseSchema)
	}
	prompt := ext.Messages[0].Content
	if !strings.Contains(prompt, "read the listed price") {
		t.Error("extraction goal missing from prompt")
	}
	if !strings.Contains(prompt, "PRICE") {
		t.Error("output schema keys missing from prompt")
	}
	if !strings.Contains(prompt, "$9.99") {
		t.Error("page content missing from extraction prompt")
	}

	// The extraction result is surfaced to the following decision.
	if !strings.Contains(allPromptText(fake.requests[3:]), "extracted keys: PRICE") {
		t.Error("extraction result not surfaced to the next decision")
	}
}
