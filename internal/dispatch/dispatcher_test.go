package dispatch

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/projectwarden/warden/internal/ask"
	"github.com/projectwarden/warden/internal/config"
	"github.com/projectwarden/warden/internal/dedup"
	"github.com/projectwarden/warden/internal/metrics"
	"github.com/projectwarden/warden/internal/notify"
	"github.com/projectwarden/warden/internal/retryq"
	"github.com/projectwarden/warden/internal/supervisor"
	"github.com/projectwarden/warden/internal/watch"
	"github.com/projectwarden/warden/internal/werr"
)

type sentMsg struct {
	id      string
	text    string
	actions []notify.Action
}

// fakeNotifier scripts per-send outcomes: each Send pops the next entry of
// errs, a nil entry (or an exhausted script) succeeds.
type fakeNotifier struct {
	maxLen int
	errs   []error
	sent   []sentMsg
	nextID int
}

func (f *fakeNotifier) Name() string { return "fake" }

func (f *fakeNotifier) MaxTextLen() int {
	if f.maxLen == 0 {
		return 4096
	}
	return f.maxLen
}

func (f *fakeNotifier) Send(_ context.Context, text string, actions []notify.Action) (string, error) {
	if len(f.errs) > 0 {
		err := f.errs[0]
		f.errs = f.errs[1:]
		if err != nil {
			return "", err
		}
	}
	f.nextID++
	id := "msg-" + string(rune('0'+f.nextID))
	f.sent = append(f.sent, sentMsg{id: id, text: text, actions: actions})
	return id, nil
}

type fakeStatus struct {
	st  supervisor.Status
	err error
}

func (f *fakeStatus) Status(_ context.Context, project string) (supervisor.Status, error) {
	if f.err != nil {
		return supervisor.Status{}, f.err
	}
	st := f.st
	st.Project = project
	return st, nil
}

type fakeAsker struct {
	question string
	res      ask.Result
	err      error
}

func (f *fakeAsker) Run(_ context.Context, _, question string) (ask.Result, error) {
	f.question = question
	return f.res, f.err
}

type fixture struct {
	d        *Dispatcher
	notifier *fakeNotifier
	store    *dedup.Store
	queue    *retryq.Queue
	asker    *fakeAsker
	registry *config.Registry
	project  config.Project
}

func newFixture(t *testing.T, notifier *fakeNotifier, maxAttempts int) *fixture {
	t.Helper()
	dir := t.TempDir()

	registry := config.LoadRegistry(filepath.Join(dir, "projects.json"), zerolog.Nop())
	require.NoError(t, registry.Add(config.Project{
		Name: "alpha", Path: filepath.Join(dir, "alpha"), ContainerName: "alpha-worker",
	}))
	project, _ := registry.Get("alpha")
	require.NoError(t, os.MkdirAll(project.OutboundDir(), 0o755))

	store := dedup.NewStore(filepath.Join(dir, "processed"), zerolog.Nop())
	queue := retryq.Load(filepath.Join(dir, "retry_queue.json"), zerolog.Nop())
	asker := &fakeAsker{res: ask.Result{Answer: "42", Reason: ask.ReasonCompleted}}

	d := New(registry, notifier, store, queue,
		&fakeStatus{st: supervisor.Status{State: supervisor.StateRunning}},
		asker, metrics.New(),
		nil, nil,
		Options{MaxAttempts: maxAttempts, RedriveInterval: time.Hour},
		zerolog.Nop())

	return &fixture{d: d, notifier: notifier, store: store, queue: queue, asker: asker, registry: registry, project: project}
}

func (f *fixture) inboxFile(t *testing.T, name, content string) watch.Event {
	t.Helper()
	path := filepath.Join(f.project.OutboundDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return watch.Event{Project: "alpha", Path: path, SeenAt: time.Now()}
}

func TestDeliverySuccessMarksSeen(t *testing.T) {
	f := newFixture(t, &fakeNotifier{}, 3)
	ev := f.inboxFile(t, "report.md", "iteration done")

	f.d.handleEvent(ev)
	assert.Zero(t, f.d.drain(context.Background()))

	require.Len(t, f.notifier.sent, 1)
	msg := f.notifier.sent[0]
	assert.Contains(t, msg.text, "New message from alpha")
	assert.Contains(t, msg.text, "report.md")
	assert.Contains(t, msg.text, "iteration done")
	require.Len(t, msg.actions, 2)
	assert.Equal(t, notify.ActionReply, msg.actions[0].Kind)

	isNew, err := f.store.IsNew("alpha", ev.Path)
	require.NoError(t, err)
	assert.False(t, isNew, "delivered file must be marked seen")
	assert.Equal(t, 0, f.queue.Len())
}

func TestDuplicateContentSuppressed(t *testing.T) {
	f := newFixture(t, &fakeNotifier{}, 3)
	ev := f.inboxFile(t, "report.md", "same content")

	f.d.handleEvent(ev)
	f.d.drain(context.Background())
	require.Len(t, f.notifier.sent, 1)

	// Same event again (watchers fire on every write).
	f.d.handleEvent(ev)
	f.d.drain(context.Background())
	assert.Len(t, f.notifier.sent, 1, "duplicate content must not be re-delivered")
}

func TestFailThenSucceedThroughRetryQueue(t *testing.T) {
	notifier := &fakeNotifier{errs: []error{
		errors.New("boom"),
		errors.New("boom again"),
	}}
	f := newFixture(t, notifier, 5)
	ev := f.inboxFile(t, "report.md", "payload")

	f.d.handleEvent(ev)
	f.d.drain(context.Background()) // first attempt fails → queued
	require.Equal(t, 1, f.queue.Len())

	isNew, _ := f.store.IsNew("alpha", ev.Path)
	assert.True(t, isNew, "failed delivery must not be marked seen")

	f.d.redrive()
	f.d.drain(context.Background()) // second attempt fails → re-queued
	require.Equal(t, 1, f.queue.Len())

	f.d.redrive()
	f.d.drain(context.Background()) // third attempt succeeds

	assert.Equal(t, 0, f.queue.Len())
	require.Len(t, notifier.sent, 1)
	isNew, _ = f.store.IsNew("alpha", ev.Path)
	assert.False(t, isNew)
}

func TestPermanentDropAfterMaxAttempts(t *testing.T) {
	notifier := &fakeNotifier{errs: []error{
		errors.New("boom"),
		errors.New("boom"),
	}}
	f := newFixture(t, notifier, 2)
	ev := f.inboxFile(t, "report.md", "payload")

	f.d.handleEvent(ev)
	f.d.drain(context.Background()) // attempts=1, queued
	require.Equal(t, 1, f.queue.Len())

	f.d.redrive()
	f.d.drain(context.Background()) // attempts=2 == max → dropped

	assert.Equal(t, 0, f.queue.Len())
	assert.Empty(t, notifier.sent)
	isNew, _ := f.store.IsNew("alpha", ev.Path)
	assert.True(t, isNew, "dropped file stays undelivered")
}

func TestRateLimitSuspendsAndPreservesOrder(t *testing.T) {
	notifier := &fakeNotifier{errs: []error{
		&werr.RateLimitError{Channel: "fake", RetryAfter: 30 * time.Second},
	}}
	f := newFixture(t, notifier, 3)

	f.d.handleEvent(f.inboxFile(t, "first.md", "one"))
	f.d.handleEvent(f.inboxFile(t, "second.md", "two"))

	wait := f.d.drain(context.Background())
	assert.Equal(t, 30*time.Second, wait)
	assert.Empty(t, notifier.sent, "nothing sent while rate limited")
	assert.Equal(t, 0, f.queue.Len(), "rate limit must not consume an attempt")
	require.Len(t, f.d.pending, 2, "both messages stay pending in order")

	// After the suspension the original order is preserved.
	wait = f.d.drain(context.Background())
	assert.Zero(t, wait)
	require.Len(t, notifier.sent, 2)
	assert.Contains(t, notifier.sent[0].text, "first.md")
	assert.Contains(t, notifier.sent[1].text, "second.md")
}

func TestRepeatedEventsWhileSuspendedCoalesce(t *testing.T) {
	notifier := &fakeNotifier{errs: []error{
		&werr.RateLimitError{Channel: "fake", RetryAfter: 30 * time.Second},
	}}
	f := newFixture(t, notifier, 3)
	ev := f.inboxFile(t, "report.md", "payload")

	// First event hits the rate limit; the message stays pending.
	f.d.handleEvent(ev)
	wait := f.d.drain(context.Background())
	assert.Equal(t, 30*time.Second, wait)
	require.Len(t, f.d.pending, 1)

	// The filesystem fires again for the same save while sends are
	// suspended. The second event must fold into the pending delivery.
	f.d.handleEvent(ev)
	require.Len(t, f.d.pending, 1, "second event for an in-flight file must coalesce")

	f.d.drain(context.Background())
	assert.Len(t, notifier.sent, 1, "one save means one delivery")
}

func TestRepeatedEventsWhileQueuedForRetryCoalesce(t *testing.T) {
	notifier := &fakeNotifier{errs: []error{errors.New("boom")}}
	f := newFixture(t, notifier, 3)
	ev := f.inboxFile(t, "report.md", "payload")

	f.d.handleEvent(ev)
	f.d.drain(context.Background())
	require.Equal(t, 1, f.queue.Len())

	// Another event for the same file arrives while it sits in the
	// retry queue.
	f.d.handleEvent(ev)
	assert.Empty(t, f.d.pending, "event for a queued file must coalesce")
	assert.Equal(t, 1, f.queue.Len())

	f.d.redrive()
	f.d.drain(context.Background())
	assert.Len(t, notifier.sent, 1, "exactly one delivery for the file")
}

func TestPersistedQueueCoalescesEventsAtBoot(t *testing.T) {
	dir := t.TempDir()
	registry := config.LoadRegistry(filepath.Join(dir, "projects.json"), zerolog.Nop())
	require.NoError(t, registry.Add(config.Project{
		Name: "alpha", Path: filepath.Join(dir, "alpha"), ContainerName: "alpha-worker",
	}))
	project, _ := registry.Get("alpha")
	require.NoError(t, os.MkdirAll(project.OutboundDir(), 0o755))
	path := filepath.Join(project.OutboundDir(), "report.md")
	require.NoError(t, os.WriteFile(path, []byte("pending payload"), 0o644))

	queue := retryq.Load(filepath.Join(dir, "retry_queue.json"), zerolog.Nop())
	require.NoError(t, queue.Enqueue(retryq.Item{
		Payload:  retryq.Payload{Project: "alpha", File: path, Text: "pending payload"},
		Attempts: 1,
	}))

	notifier := &fakeNotifier{}
	d := New(registry, notifier, dedup.NewStore(filepath.Join(dir, "processed"), zerolog.Nop()), queue,
		&fakeStatus{}, &fakeAsker{}, metrics.New(), nil, nil,
		Options{MaxAttempts: 3, RedriveInterval: time.Hour}, zerolog.Nop())

	// A fresh watcher event for the already-queued file must not produce
	// a second delivery after a restart.
	d.handleEvent(watch.Event{Project: "alpha", Path: path, SeenAt: time.Now()})
	d.drain(context.Background())
	assert.Empty(t, notifier.sent)

	d.redrive()
	d.drain(context.Background())
	assert.Len(t, notifier.sent, 1)
}

func TestRateLimitResumeSkipsDeliveredChunks(t *testing.T) {
	// Chunk 0 goes through, chunk 1 hits the rate limit.
	notifier := &fakeNotifier{maxLen: 120, errs: []error{
		nil,
		&werr.RateLimitError{Channel: "fake", RetryAfter: time.Second},
	}}
	f := newFixture(t, notifier, 3)
	f.d.handleEvent(f.inboxFile(t, "report.md", strings.Repeat("worker output line\n", 20)))

	wait := f.d.drain(context.Background())
	assert.Equal(t, time.Second, wait)
	require.Len(t, notifier.sent, 1, "first chunk was already delivered")

	f.d.drain(context.Background())
	require.Greater(t, len(notifier.sent), 2)

	headers := 0
	for _, msg := range notifier.sent {
		if strings.Contains(msg.text, "New message from alpha") {
			headers++
		}
	}
	assert.Equal(t, 1, headers, "the first chunk must not be resent after resuming")
	for i, msg := range notifier.sent[:len(notifier.sent)-1] {
		assert.NotEqual(t, msg.text, notifier.sent[i+1].text, "no chunk may repeat")
	}
}

func TestRetryResumesAtFailedChunk(t *testing.T) {
	// Chunk 0 goes through, chunk 1 fails hard; the retry picks up at
	// chunk 1.
	notifier := &fakeNotifier{maxLen: 120, errs: []error{
		nil,
		errors.New("boom"),
	}}
	f := newFixture(t, notifier, 3)
	f.d.handleEvent(f.inboxFile(t, "report.md", strings.Repeat("worker output line\n", 20)))

	f.d.drain(context.Background())
	require.Equal(t, 1, f.queue.Len())
	items := f.queue.Items()
	require.Len(t, items, 1)
	assert.Equal(t, 1, items[0].SentChunks, "queued item must remember the delivered chunk")

	f.d.redrive()
	f.d.drain(context.Background())
	assert.Equal(t, 0, f.queue.Len())

	headers := 0
	for _, msg := range notifier.sent {
		if strings.Contains(msg.text, "New message from alpha") {
			headers++
		}
	}
	assert.Equal(t, 1, headers, "already-delivered chunks must not be resent on retry")
}

func TestLongMessageSplitActionsOnFirstChunk(t *testing.T) {
	notifier := &fakeNotifier{maxLen: 200}
	f := newFixture(t, notifier, 3)
	ev := f.inboxFile(t, "report.md", strings.Repeat("long line of worker output\n", 20))

	f.d.handleEvent(ev)
	f.d.drain(context.Background())

	require.Greater(t, len(notifier.sent), 1)
	assert.NotEmpty(t, notifier.sent[0].actions)
	for _, msg := range notifier.sent[1:] {
		assert.Empty(t, msg.actions, "only the first chunk carries actions")
	}
	for _, msg := range notifier.sent {
		assert.LessOrEqual(t, len(msg.text), 200)
	}
}

func TestReplyRoutedToProjectInbox(t *testing.T) {
	f := newFixture(t, &fakeNotifier{}, 3)
	ev := f.inboxFile(t, "report.md", "question from worker")

	f.d.handleEvent(ev)
	f.d.drain(context.Background())
	require.Len(t, f.notifier.sent, 1)

	f.d.handleUpdate(context.Background(), notify.Update{
		Kind:      notify.UpdateMessage,
		Text:      "go ahead",
		ReplyToID: f.notifier.sent[0].id,
	})

	entries, err := os.ReadDir(f.project.InboundDir())
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.True(t, strings.HasPrefix(entries[0].Name(), "telegram_"))
	assert.True(t, strings.HasSuffix(entries[0].Name(), ".md"))

	content, err := os.ReadFile(filepath.Join(f.project.InboundDir(), entries[0].Name()))
	require.NoError(t, err)
	assert.Equal(t, "go ahead", string(content))
}

func TestReplyActionThenMessage(t *testing.T) {
	f := newFixture(t, &fakeNotifier{}, 3)

	f.d.handleUpdate(context.Background(), notify.Update{
		Kind:   notify.UpdateCallback,
		Action: notify.Action{Kind: notify.ActionReply, Project: "alpha", File: "report.md"},
	})
	f.d.drain(context.Background()) // prompt

	f.d.handleUpdate(context.Background(), notify.Update{
		Kind: notify.UpdateMessage,
		Text: "typed reply",
	})

	entries, err := os.ReadDir(f.project.InboundDir())
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestStatusCallback(t *testing.T) {
	f := newFixture(t, &fakeNotifier{}, 3)

	f.d.handleUpdate(context.Background(), notify.Update{
		Kind:   notify.UpdateCallback,
		Action: notify.Action{Kind: notify.ActionStatus, Project: "alpha"},
	})
	f.d.drain(context.Background())

	require.Len(t, f.notifier.sent, 1)
	assert.Contains(t, f.notifier.sent[0].text, "alpha: running")
}

func TestAskFlow(t *testing.T) {
	f := newFixture(t, &fakeNotifier{}, 3)
	ctx := context.Background()

	f.d.handleUpdate(ctx, notify.Update{
		Kind:   notify.UpdateCallback,
		Action: notify.Action{Kind: notify.ActionAsk, Project: "alpha"},
	})
	f.d.drain(ctx)
	require.Len(t, f.notifier.sent, 1)
	assert.Contains(t, f.notifier.sent[0].text, "question")

	f.d.handleUpdate(ctx, notify.Update{Kind: notify.UpdateMessage, Text: "how far along?"})
	f.d.drain(ctx) // "asking..." acknowledgement

	// The answer re-enters through the internal channel.
	select {
	case ob := <-f.d.internal:
		f.d.pending = append(f.d.pending, ob)
	case <-time.After(2 * time.Second):
		t.Fatal("no answer arrived")
	}
	f.d.drain(ctx)

	assert.Equal(t, "how far along?", f.asker.question)
	last := f.notifier.sent[len(f.notifier.sent)-1]
	assert.Contains(t, last.text, "Answer from alpha")
	assert.Contains(t, last.text, "42")
}

func TestUnaddressedMessageIgnored(t *testing.T) {
	f := newFixture(t, &fakeNotifier{}, 3)

	f.d.handleUpdate(context.Background(), notify.Update{Kind: notify.UpdateMessage, Text: "hello?"})
	f.d.drain(context.Background())

	assert.Empty(t, f.notifier.sent)
	_, err := os.ReadDir(f.project.InboundDir())
	assert.True(t, os.IsNotExist(err), "nothing may be written without an addressed target")
}

func TestFormatStatus(t *testing.T) {
	st := supervisor.Status{
		Project:    "alpha",
		State:      supervisor.StateRunning,
		Progress:   supervisor.Progress{Current: 7, Total: 10, Percent: 70},
		CPUPercent: 12.3,
		MemoryMB:   100,
		Uptime:     "2h15m",
	}
	out := FormatStatus(st)
	assert.Contains(t, out, "alpha: running")
	assert.Contains(t, out, "7/10 (70%)")
	assert.Contains(t, out, "12.3%")
	assert.Contains(t, out, "2h15m")

	stopped := supervisor.Status{Project: "beta", State: supervisor.StateStopped, ExitCode: 137}
	out = FormatStatus(stopped)
	assert.Contains(t, out, "beta: stopped")
	assert.Contains(t, out, "Exit code: 137")
}
