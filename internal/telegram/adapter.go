// Package telegram delivers rendered reports to a chat and exposes a small
// owner-only command surface for driving and inspecting executions.
package telegram

import (
	"context"
	"errors"
	"fmt"
	"html"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
	tele "gopkg.in/telebot.v4"

	"briefbot/internal/execution"
	"briefbot/internal/pipeline"
	rtsup "briefbot/internal/runtime/supervisor"
	logx "briefbot/pkg/logx"
)

// telegramTextLimit is the hard per-message cap imposed by the Bot API.
const telegramTextLimit = 4096

type Config struct {
	Token        string
	ChatID       int64
	OwnerUserIDs []int64
	RatePerSec   int
	PollTimeout  time.Duration
}

// Control is the slice of the application the command handlers need.
type Control interface {
	// TriggerRun starts a manual execution and blocks until it finishes.
	TriggerRun(ctx context.Context, identity string) execution.HistoryEntry
	Current() (execution.Record, bool)
	History(limit int) []execution.HistoryEntry
	NextExecutionTime() time.Time
}

type Adapter struct {
	cfg     Config
	log     logx.Logger
	bot     *tele.Bot
	limiter *rate.Limiter
	ctrl    Control

	runMu   sync.Mutex
	running bool
	sup     *rtsup.Supervisor
}

func New(cfg Config, ctrl Control, log logx.Logger) (*Adapter, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("telegram token is empty")
	}
	timeout := cfg.PollTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	b, err := tele.NewBot(tele.Settings{
		Token:  cfg.Token,
		Poller: &tele.LongPoller{Timeout: timeout},
	})
	if err != nil {
		return nil, err
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	rps := cfg.RatePerSec
	if rps <= 0 {
		rps = 1
	}
	a := &Adapter{
		cfg:     cfg,
		log:     log,
		bot:     b,
		limiter: rate.NewLimiter(rate.Limit(rps), rps),
		ctrl:    ctrl,
	}
	a.registerHandlers()
	return a, nil
}

// Start launches long polling. Only needed for the command channel; Deliver
// works without it.
func (a *Adapter) Start(ctx context.Context) error {
	a.runMu.Lock()
	defer a.runMu.Unlock()
	if a.running {
		return nil
	}
	a.running = true
	a.sup = rtsup.New(ctx,
		rtsup.WithLogger(a.log.With(logx.String("comp", "telegram"))),
	)

	a.sup.Go0("telebot.stop_on_cancel", func(c context.Context) {
		<-c.Done()
		a.bot.Stop()
	})
	// Start blocks until Stop; the restart loop self-heals if polling exits
	// while the context is still live.
	a.sup.GoRestart("telebot.poll", func(c context.Context) error {
		a.log.Info("polling started")
		a.bot.Start()
		a.log.Info("polling stopped")
		return nil
	}, 500*time.Millisecond, 10*time.Second)
	return nil
}

func (a *Adapter) Stop(ctx context.Context) error {
	a.runMu.Lock()
	sup := a.sup
	a.sup = nil
	wasRunning := a.running
	a.running = false
	a.runMu.Unlock()

	if !wasRunning {
		return nil
	}
	sup.Cancel()
	// telebot Stop should be fast; keep it off the shutdown path just in
	// case long-poll is mid-request.
	go a.bot.Stop()
	return sup.Wait(ctx)
}

// Deliver sends the report to the configured chat, chunked to the API text
// limit and paced by the rate limiter. The result carries the first message
// ID on success.
func (a *Adapter) Deliver(ctx context.Context, report string) pipeline.DeliveryResult {
	chunks := splitText(report, telegramTextLimit)
	if len(chunks) == 0 {
		chunks = []string{""}
	}
	chat := &tele.Chat{ID: a.cfg.ChatID}
	var firstID string
	for i, chunk := range chunks {
		if err := a.limiter.Wait(ctx); err != nil {
			return pipeline.DeliveryResult{ErrorMessage: fmt.Sprintf("rate wait: %v", err)}
		}
		msg, err := a.bot.Send(chat, chunk, &tele.SendOptions{
			ParseMode:             tele.ModeHTML,
			DisableWebPagePreview: true,
		})
		if err != nil {
			return pipeline.DeliveryResult{
				ErrorMessage: fmt.Sprintf("send chunk %d/%d: %v", i+1, len(chunks), err),
			}
		}
		if i == 0 {
			firstID = fmt.Sprintf("%d", msg.ID)
		}
	}
	return pipeline.DeliveryResult{Success: true, MessageID: firstID}
}

func (a *Adapter) registerHandlers() {
	a.bot.Handle("/run", a.ownerOnly(a.handleRun))
	a.bot.Handle("/status", a.ownerOnly(a.handleStatus))
	a.bot.Handle("/history", a.ownerOnly(a.handleHistory))
	a.bot.Handle("/next", a.ownerOnly(a.handleNext))
}

// ownerOnly drops commands from anyone not on the owner list. An empty list
// means the bot trusts nobody with commands; delivery still works.
func (a *Adapter) ownerOnly(h tele.HandlerFunc) tele.HandlerFunc {
	return func(c tele.Context) error {
		sender := c.Sender()
		if sender == nil || !a.isOwner(sender.ID) {
			a.log.Debug("command ignored: not an owner",
				logx.String("cmd", c.Text()),
				logx.Int64("user", senderID(sender)))
			return nil
		}
		return h(c)
	}
}

func (a *Adapter) isOwner(id int64) bool {
	for _, owner := range a.cfg.OwnerUserIDs {
		if owner == id {
			return true
		}
	}
	return false
}

func senderID(u *tele.User) int64 {
	if u == nil {
		return 0
	}
	return u.ID
}

func (a *Adapter) handleRun(c tele.Context) error {
	identity := fmt.Sprintf("telegram:%d", c.Sender().ID)
	a.runMu.Lock()
	sup := a.sup
	a.runMu.Unlock()
	if sup == nil {
		return c.Send("bot is shutting down")
	}
	// The run can take minutes; reply now and report the outcome when done.
	if err := c.Send("run started"); err != nil {
		return err
	}
	sup.Go0("manual_run", func(ctx context.Context) {
		entry := a.ctrl.TriggerRun(ctx, identity)
		_ = c.Send(formatEntry(entry), &tele.SendOptions{ParseMode: tele.ModeHTML})
	})
	return nil
}

func (a *Adapter) handleStatus(c tele.Context) error {
	rec, ok := a.ctrl.Current()
	if !ok {
		return c.Send("idle")
	}
	msg := fmt.Sprintf("<b>%s</b> since %s\nstage: %s (%.0f%%)\ntrigger: %s",
		rec.Status,
		rec.StartedAt.Format("15:04:05"),
		rec.Stage,
		rec.Progress*100,
		rec.Trigger)
	return c.Send(msg, &tele.SendOptions{ParseMode: tele.ModeHTML})
}

func (a *Adapter) handleHistory(c tele.Context) error {
	entries := a.ctrl.History(10)
	if len(entries) == 0 {
		return c.Send("no runs yet")
	}
	var b strings.Builder
	b.WriteString("<b>Recent runs</b>\n")
	for _, e := range entries {
		b.WriteString(formatEntry(e))
		b.WriteString("\n")
	}
	return c.Send(b.String(), &tele.SendOptions{ParseMode: tele.ModeHTML})
}

func (a *Adapter) handleNext(c tele.Context) error {
	next := a.ctrl.NextExecutionTime()
	if next.IsZero() {
		return c.Send("scheduler is not running")
	}
	return c.Send(fmt.Sprintf("next run at %s (in %s)",
		next.Format("15:04:05"), time.Until(next).Round(time.Second)))
}

func formatEntry(e execution.HistoryEntry) string {
	mark := "✅"
	if !e.Success {
		mark = "❌"
	}
	s := fmt.Sprintf("%s %s %s %d items in %s",
		mark,
		e.StartedAt.Format("02 Jan 15:04"),
		e.Trigger,
		e.ItemsProcessed,
		e.Duration.Round(time.Second))
	if !e.ReportDelivered && e.Success {
		s += " (not delivered)"
	}
	if len(e.Errors) > 0 {
		s += "\n  <i>" + html.EscapeString(strings.Join(e.Errors, "; ")) + "</i>"
	}
	return s
}

// splitText chunks a message on line boundaries so chunks stay under the
// per-message limit. A single oversized line is hard-split.
func splitText(text string, limit int) []string {
	if text == "" {
		return nil
	}
	rs := []rune(text)
	if len(rs) <= limit {
		return []string{text}
	}
	var out []string
	start := 0
	for start < len(rs) {
		end := start + limit
		if end >= len(rs) {
			out = append(out, strings.TrimRight(string(rs[start:]), "\n"))
			break
		}
		cut := end
		for i := end; i > start; i-- {
			if rs[i-1] == '\n' {
				cut = i
				break
			}
		}
		// Avoid degenerate chunks when a line exceeds the limit.
		if cut <= start {
			cut = end
		}
		out = append(out, strings.TrimRight(string(rs[start:cut]), "\n"))
		start = cut
		for start < len(rs) && rs[start] == '\n' {
			start++
		}
	}
	return out
}
