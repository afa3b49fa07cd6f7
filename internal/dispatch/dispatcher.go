// Package dispatch owns all notification sends. A single goroutine
// multiplexes watcher events, inbound operator traffic, the redrive ticker
// and rate-limit backoff, so ordering and the retry queue never need
// cross-goroutine coordination.
package dispatch

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/projectwarden/warden/internal/ask"
	"github.com/projectwarden/warden/internal/config"
	"github.com/projectwarden/warden/internal/lru"
	"github.com/projectwarden/warden/internal/metrics"
	"github.com/projectwarden/warden/internal/notify"
	"github.com/projectwarden/warden/internal/retryq"
	"github.com/projectwarden/warden/internal/supervisor"
	"github.com/projectwarden/warden/internal/watch"
	"github.com/projectwarden/warden/internal/werr"
)

// DedupStore is the delivery-record surface the dispatcher needs.
type DedupStore interface {
	IsNew(project, path string) (bool, error)
	MarkSeen(project, path string) error
}

// StatusProvider answers status callbacks.
type StatusProvider interface {
	Status(ctx context.Context, project string) (supervisor.Status, error)
}

// Asker runs one-off questions.
type Asker interface {
	Run(ctx context.Context, project, question string) (ask.Result, error)
}

// Options tune the dispatcher.
type Options struct {
	MaxAttempts     int
	RedriveInterval time.Duration
}

// fileRef correlates a sent message back to the file it announced.
type fileRef struct {
	Project string
	File    string
}

// sentCacheSize bounds the reply-correlation cache. Old correlations age
// out; replies to them fall back to the "can't match" response.
const sentCacheSize = 512

// outbound is one message waiting to be sent, in FIFO order. chunksSent is
// the delivery cursor: chunks before it already reached the channel and are
// never resent on resume or redrive.
type outbound struct {
	project    string
	file       string // full path; empty for synthesized messages
	text       string
	actions    []notify.Action
	attempts   int // >0 when redriven from the retry queue
	chunksSent int
}

// Dispatcher is the single owner of the notification channel.
type Dispatcher struct {
	registry *config.Registry
	notifier notify.Notifier
	dedup    DedupStore
	queue    *retryq.Queue
	sup      StatusProvider
	asker    Asker
	met      *metrics.Metrics
	opts     Options
	logger   zerolog.Logger

	events  <-chan watch.Event
	updates <-chan notify.Update
	// internal carries messages synthesized off-loop (ask answers) back
	// into the send path.
	internal chan outbound

	// Loop-owned state. Touched only by Run's goroutine.
	pending []outbound
	sent    *lru.Cache[string, fileRef]
	// inflight holds file paths currently pending or queued for retry, so
	// repeated watcher events for them (fsnotify fires Create and Write
	// for one save) coalesce instead of double-delivering.
	inflight map[string]struct{}
	replyFor *fileRef
	askFor   string
}

// New creates a Dispatcher reading from events and updates.
func New(
	registry *config.Registry,
	notifier notify.Notifier,
	dedup DedupStore,
	queue *retryq.Queue,
	sup StatusProvider,
	asker Asker,
	met *metrics.Metrics,
	events <-chan watch.Event,
	updates <-chan notify.Update,
	opts Options,
	logger zerolog.Logger,
) *Dispatcher {
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 3
	}
	if opts.RedriveInterval <= 0 {
		opts.RedriveInterval = 30 * time.Second
	}
	d := &Dispatcher{
		registry: registry,
		notifier: notifier,
		dedup:    dedup,
		queue:    queue,
		sup:      sup,
		asker:    asker,
		met:      met,
		opts:     opts,
		logger:   logger.With().Str("component", "dispatch").Logger(),
		events:   events,
		updates:  updates,
		internal: make(chan outbound, 16),
		sent:     lru.New[string, fileRef](sentCacheSize),
		inflight: make(map[string]struct{}),
	}
	// Files already waiting in the persisted queue are in flight too.
	for _, item := range queue.Items() {
		if item.Payload.File != "" {
			d.inflight[item.Payload.File] = struct{}{}
		}
	}
	return d
}

// Run blocks until ctx is cancelled, processing all dispatcher inputs.
func (d *Dispatcher) Run(ctx context.Context) {
	ticker := time.NewTicker(d.opts.RedriveInterval)
	defer ticker.Stop()

	// resume fires when a rate-limit suspension elapses. Nil while sends
	// are not suspended.
	var resume <-chan time.Time

	flush := func() {
		if resume != nil {
			return // suspended; pending stays queued in order
		}
		if wait := d.drain(ctx); wait > 0 {
			d.logger.Warn().Dur("retry_after", wait).Msg("channel rate limited, suspending sends")
			resume = time.After(wait)
		}
	}

	for {
		select {
		case <-ctx.Done():
			return

		case ev := <-d.events:
			d.handleEvent(ev)
			flush()

		case upd := <-d.updates:
			d.handleUpdate(ctx, upd)
			flush()

		case ob := <-d.internal:
			d.pending = append(d.pending, ob)
			flush()

		case <-resume:
			resume = nil
			flush()

		case <-ticker.C:
			if resume == nil {
				d.redrive()
				flush()
			}
		}
	}
}

// handleEvent turns one watcher event into a pending notification, unless
// the file is already in flight or the dedup store has seen this content.
func (d *Dispatcher) handleEvent(ev watch.Event) {
	log := d.logger.With().Str("project", ev.Project).Str("file", ev.Path).Logger()

	if _, busy := d.inflight[ev.Path]; busy {
		d.met.FilesSeenTotal.WithLabelValues(ev.Project, "coalesced").Inc()
		log.Debug().Msg("delivery already in flight, coalescing")
		return
	}

	isNew, err := d.dedup.IsNew(ev.Project, ev.Path)
	if err != nil {
		log.Error().Err(err).Msg("dedup check failed")
		return
	}
	if !isNew {
		d.met.FilesSeenTotal.WithLabelValues(ev.Project, "duplicate").Inc()
		log.Debug().Msg("duplicate content, skipping")
		return
	}

	content, err := os.ReadFile(ev.Path)
	if err != nil {
		log.Error().Err(err).Msg("reading inbox file")
		return
	}
	d.met.FilesSeenTotal.WithLabelValues(ev.Project, "delivered").Inc()

	text := fmt.Sprintf("New message from %s\nFile: %s\nTime: %s\n\n%s",
		ev.Project, filepath.Base(ev.Path), ev.SeenAt.Format(time.RFC3339), string(content))

	d.inflight[ev.Path] = struct{}{}
	d.pending = append(d.pending, outbound{
		project: ev.Project,
		file:    ev.Path,
		text:    text,
		actions: []notify.Action{
			{Kind: notify.ActionReply, Project: ev.Project, File: filepath.Base(ev.Path), Label: "Reply"},
			{Kind: notify.ActionStatus, Project: ev.Project, Label: "Status"},
		},
	})
}

// drain sends pending messages in order. A rate-limited send keeps the
// message at the head and returns the requested wait; any other failure
// moves the message to the retry queue.
func (d *Dispatcher) drain(ctx context.Context) time.Duration {
	for len(d.pending) > 0 {
		// Pointer into the slice so the delivery cursor survives a
		// rate-limit suspension with the message still at the head.
		ob := &d.pending[0]

		err := d.deliver(ctx, ob)
		if wait, limited := werr.RetryAfter(err); limited {
			return wait
		}
		done := *ob
		d.pending = d.pending[1:]

		if err != nil {
			d.met.NotificationsTotal.WithLabelValues(done.project, "failed").Inc()
			d.toRetryQueue(done, err)
			continue
		}

		d.met.NotificationsTotal.WithLabelValues(done.project, "ok").Inc()
		if done.file != "" {
			delete(d.inflight, done.file)
			if err := d.dedup.MarkSeen(done.project, done.file); err != nil {
				d.logger.Error().Err(err).Str("file", done.file).Msg("marking file seen")
			}
		}
	}
	return 0
}

// deliver sends one message's remaining chunks, advancing the cursor after
// each success so no chunk is ever resent. Actions ride on the first chunk,
// whose message ID is kept for reply correlation.
func (d *Dispatcher) deliver(ctx context.Context, ob *outbound) error {
	chunks := notify.Split(ob.text, d.notifier.MaxTextLen())
	for ob.chunksSent < len(chunks) {
		i := ob.chunksSent
		var actions []notify.Action
		if i == 0 {
			actions = ob.actions
		}
		msgID, err := d.notifier.Send(ctx, chunks[i], actions)
		if err != nil {
			return err
		}
		ob.chunksSent++
		if i == 0 && ob.file != "" {
			d.sent.Put(msgID, fileRef{Project: ob.project, File: ob.file})
		}
	}
	return nil
}

// toRetryQueue persists a failed message, or drops it once attempts are
// exhausted.
func (d *Dispatcher) toRetryQueue(ob outbound, cause error) {
	attempts := ob.attempts + 1
	log := d.logger.With().Str("project", ob.project).Int("attempts", attempts).Logger()

	if attempts >= d.opts.MaxAttempts {
		d.met.RetryDropsTotal.Inc()
		log.Error().Err(cause).Str("file", ob.file).Msg("delivery failed permanently, dropping")
		if ob.file != "" {
			delete(d.inflight, ob.file)
		}
		d.met.RetryQueueDepth.Set(float64(d.queue.Len()))
		return
	}

	item := retryq.Item{
		Payload:    retryq.Payload{Project: ob.project, File: ob.file, Text: ob.text},
		Attempts:   attempts,
		SentChunks: ob.chunksSent,
	}
	if err := d.queue.Enqueue(item); err != nil {
		log.Error().Err(err).Msg("persisting retry item")
	} else {
		log.Warn().Err(cause).Msg("delivery failed, queued for retry")
	}
	d.met.RetryQueueDepth.Set(float64(d.queue.Len()))
}

// redrive moves one item from the retry queue back into the pending list.
// Actions are not persisted, so redriven messages carry none.
func (d *Dispatcher) redrive() {
	item, ok := d.queue.DequeueFront()
	if !ok {
		return
	}
	d.met.RetryQueueDepth.Set(float64(d.queue.Len()))
	if item.Payload.File != "" {
		d.inflight[item.Payload.File] = struct{}{}
	}
	d.pending = append(d.pending, outbound{
		project:    item.Payload.Project,
		file:       item.Payload.File,
		text:       item.Payload.Text,
		attempts:   item.Attempts,
		chunksSent: item.SentChunks,
	})
}

// handleUpdate routes inbound operator traffic: replies back to project
// inboxes, callbacks to their handlers.
func (d *Dispatcher) handleUpdate(ctx context.Context, upd notify.Update) {
	switch upd.Kind {
	case notify.UpdateCallback:
		d.handleAction(ctx, upd.Action)

	case notify.UpdateMessage:
		switch {
		case upd.ReplyToID != "":
			ref, ok := d.sent.Get(upd.ReplyToID)
			if !ok {
				d.say("", "I can't match that reply to a project message.")
				return
			}
			d.routeReply(ref.Project, upd.Text)

		case d.replyFor != nil:
			ref := *d.replyFor
			d.replyFor = nil
			d.routeReply(ref.Project, upd.Text)

		case d.askFor != "":
			project := d.askFor
			d.askFor = ""
			d.runAsk(ctx, project, upd.Text)

		default:
			d.logger.Debug().Msg("ignoring unaddressed operator message")
		}
	}
}

func (d *Dispatcher) handleAction(ctx context.Context, a notify.Action) {
	switch a.Kind {
	case notify.ActionReply:
		d.replyFor = &fileRef{Project: a.Project, File: a.File}
		d.say(a.Project, fmt.Sprintf("Send your reply for %s (%s).", a.Project, a.File))

	case notify.ActionStatus:
		st, err := d.sup.Status(ctx, a.Project)
		if err != nil {
			d.say(a.Project, fmt.Sprintf("Status for %s failed: %v", a.Project, err))
			return
		}
		d.say(a.Project, FormatStatus(st))

	case notify.ActionAsk:
		d.askFor = a.Project
		d.say(a.Project, fmt.Sprintf("Send your question for %s.", a.Project))
	}
}

// routeReply writes an operator reply into the project's inbound inbox.
func (d *Dispatcher) routeReply(project, text string) {
	p, ok := d.registry.Get(project)
	if !ok {
		d.say("", fmt.Sprintf("Project %s is no longer registered.", project))
		return
	}

	dir := p.InboundDir()
	if err := os.MkdirAll(dir, 0o755); err != nil {
		d.logger.Error().Err(err).Str("dir", dir).Msg("creating inbound dir")
		return
	}
	name := fmt.Sprintf("telegram_%d.md", time.Now().Unix())
	if err := os.WriteFile(filepath.Join(dir, name), []byte(text), 0o644); err != nil {
		d.logger.Error().Err(err).Str("project", project).Msg("writing reply file")
		d.say(project, fmt.Sprintf("Could not deliver your reply to %s.", project))
		return
	}
	d.logger.Info().Str("project", project).Str("file", name).Msg("reply routed to project")
	d.say(project, fmt.Sprintf("Reply delivered to %s.", project))
}

// runAsk launches the ephemeral question off-loop; the answer re-enters
// through the internal channel so the loop keeps sole send ownership.
func (d *Dispatcher) runAsk(ctx context.Context, project, question string) {
	d.say(project, fmt.Sprintf("Asking %s, this can take a few minutes.", project))

	go func() {
		start := time.Now()
		res, err := d.asker.Run(ctx, project, question)
		d.met.AskDuration.WithLabelValues(string(res.Reason)).Observe(time.Since(start).Seconds())

		var text string
		switch {
		case err != nil:
			text = fmt.Sprintf("Question to %s failed: %v", project, err)
		case res.Reason == ask.ReasonTimeout:
			text = fmt.Sprintf("%s did not answer in time.", project)
		case strings.TrimSpace(res.Answer) == "":
			text = fmt.Sprintf("%s finished without a readable answer.", project)
		default:
			text = fmt.Sprintf("Answer from %s:\n\n%s", project, res.Answer)
		}

		select {
		case d.internal <- outbound{project: project, text: text}:
		case <-ctx.Done():
		}
	}()
}

// say queues a synthesized (non-file) message.
func (d *Dispatcher) say(project, text string) {
	d.pending = append(d.pending, outbound{project: project, text: text})
}

// FormatStatus renders a status report for the notification channel.
func FormatStatus(st supervisor.Status) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s: %s\n", st.Project, st.State)
	if st.Progress.Total > 0 {
		fmt.Fprintf(&b, "Progress: %d/%d (%.0f%%)\n", st.Progress.Current, st.Progress.Total, st.Progress.Percent)
	}
	if st.State == supervisor.StateRunning || st.State == supervisor.StatePaused {
		fmt.Fprintf(&b, "CPU: %.1f%%  Memory: %.0f MB\n", st.CPUPercent, st.MemoryMB)
		if st.Uptime != "" {
			fmt.Fprintf(&b, "Uptime: %s\n", st.Uptime)
		}
		if st.LastActivity != "" {
			fmt.Fprintf(&b, "Last activity: %s\n", st.LastActivity)
		}
	}
	if st.State == supervisor.StateStopped {
		fmt.Fprintf(&b, "Exit code: %d\n", st.ExitCode)
	}
	return strings.TrimRight(b.String(), "\n")
}
