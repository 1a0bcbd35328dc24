package broadcast

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"blast/internal/model"
	"blast/internal/plan"
	"blast/internal/queue"
	"blast/internal/storage"
)

// Notifier receives job lifecycle notifications for webhook delivery.
// Implementations must not block the dispatch loop.
type Notifier interface {
	NotifyJob(connectionID string, job *model.BroadcastJob)
}

// NopNotifier discards notifications.
type NopNotifier struct{}

func (NopNotifier) NotifyJob(string, *model.BroadcastJob) {}

// WorkerConfig tunes the dispatch pool.
type WorkerConfig struct {
	Concurrency    int
	CooldownWindow time.Duration
	// NoSessionDelay is how long a job waits before retrying when its
	// connection has no live session.
	NoSessionDelay time.Duration
}

func (c WorkerConfig) withDefaults() WorkerConfig {
	if c.Concurrency <= 0 {
		c.Concurrency = 5
	}
	if c.CooldownWindow <= 0 {
		c.CooldownWindow = 5 * time.Minute
	}
	if c.NoSessionDelay <= 0 {
		c.NoSessionDelay = 30 * time.Second
	}
	return c
}

// Worker drains the broadcast queue and delivers jobs one recipient at a
// time, pacing sends to the resolved messages-per-minute rate.
type Worker struct {
	store    *storage.Store
	queue    *queue.Queue
	resolver SenderResolver
	media    MediaResolver
	plans    plan.Resolver
	cooldown *CooldownBreaker
	notifier Notifier
	log      zerolog.Logger
	cfg      WorkerConfig

	// sleep is swappable so pacing is testable without wall clock time.
	// It returns false when the context was cancelled mid-wait.
	sleep func(ctx context.Context, d time.Duration) bool
}

func NewWorker(store *storage.Store, q *queue.Queue, resolver SenderResolver,
	media MediaResolver, plans plan.Resolver, cooldown *CooldownBreaker,
	notifier Notifier, cfg WorkerConfig, log zerolog.Logger) *Worker {
	if notifier == nil {
		notifier = NopNotifier{}
	}
	return &Worker{
		store:    store,
		queue:    q,
		resolver: resolver,
		media:    media,
		plans:    plans,
		cooldown: cooldown,
		notifier: notifier,
		cfg:      cfg.withDefaults(),
		log:      log.With().Str("component", "dispatch").Logger(),
		sleep:    sleepCtx,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return true
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}

// Run blocks until ctx is cancelled, operating cfg.Concurrency dispatch
// goroutines over the shared queue.
func (w *Worker) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for i := 0; i < w.cfg.Concurrency; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			w.loop(ctx)
		}()
	}
	wg.Wait()
}

func (w *Worker) loop(ctx context.Context) {
	for {
		payload, err := w.queue.Dequeue(ctx)
		if err != nil {
			w.log.Error().Err(err).Msg("dequeue")
			if !w.sleep(ctx, time.Second) {
				return
			}
			continue
		}
		if payload == nil { // ctx cancelled
			return
		}
		w.Process(ctx, payload)
	}
}

// Process delivers one queued job. Exported for tests; Run is the production
// entry point.
func (w *Worker) Process(ctx context.Context, p *model.JobPayload) {
	log := w.log.With().Str("job", p.JobID).Str("connection", p.ConnectionID).Logger()

	job, err := w.store.GetJob(p.JobID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			log.Warn().Msg("queued job has no audit row, dropping")
			return
		}
		log.Error().Err(err).Msg("load job")
		w.requeue(ctx, p, time.Second, log)
		return
	}
	switch job.Status {
	case model.JobCancelled, model.JobCompleted, model.JobFailed:
		log.Info().Str("status", job.Status).Msg("job already settled, dropping")
		return
	}

	// Cooldown first: a tripped breaker defers the whole job without
	// consuming any recipients.
	if remaining, cooling := w.cooldown.Get(p.ConnectionID); cooling {
		log.Info().Dur("remaining", remaining).Msg("connection cooling down, deferring")
		w.deferJob(ctx, p, remaining, log)
		return
	}

	sender, err := w.resolver.SenderFor(p.ConnectionID)
	if err != nil {
		log.Warn().Err(err).Msg("no live session, deferring")
		w.deferJob(ctx, p, w.cfg.NoSessionDelay, log)
		return
	}

	if err := w.store.UpdateJobStatus(p.JobID, model.JobActive); err != nil {
		// A cancel can race the dequeue; the guard catches it here.
		log.Info().Err(err).Msg("job not runnable, dropping")
		return
	}

	perMinute := w.resolveRate(ctx, p)
	delayBetween := time.Minute / time.Duration(perMinute)

	out := Outbound{}
	if p.Type == "media" {
		data, mime, err := w.media.Resolve(ctx, p.Media)
		if err != nil {
			log.Error().Err(err).Msg("media unavailable, failing job")
			w.finishFailed(job, "media: "+err.Error(), log)
			return
		}
		out.Media = data
		out.MimeType = mime
	}

	settled, err := w.store.MessageStatuses(p.JobID)
	if err != nil {
		log.Error().Err(err).Msg("load ledger")
		w.requeue(ctx, p, time.Second, log)
		return
	}

	for _, r := range p.Recipients {
		if st, ok := settled[r.Phone]; ok && st != model.MsgWaiting {
			continue // already settled by an earlier delivery of this job
		}

		rendered := RenderTemplate(p.Message, r.Data)
		msg := out
		if p.Type == "media" {
			msg.Caption = rendered
		} else {
			msg.Text = rendered
		}

		res := sender.Send(ctx, r.Phone, msg)
		if res.RateLimited {
			log.Warn().Str("recipient", r.Phone).Msg("provider rate limit, tripping cooldown")
			w.cooldown.Set(p.ConnectionID, w.cfg.CooldownWindow)
			w.deferJob(ctx, p, w.cfg.CooldownWindow, log)
			return
		}
		if res.Err != nil {
			log.Warn().Err(res.Err).Str("recipient", r.Phone).Msg("send failed")
			if err := w.store.MarkMessage(p.JobID, r.Phone, model.MsgFailed, "", res.Err.Error()); err != nil {
				log.Error().Err(err).Msg("mark message")
			}
		} else {
			if err := w.store.MarkMessage(p.JobID, r.Phone, model.MsgSent, res.MessageID, ""); err != nil {
				log.Error().Err(err).Msg("mark message")
			}
		}

		// Pacing applies after every attempt, success or not.
		if !w.sleep(ctx, delayBetween) {
			log.Info().Msg("shutdown mid-job, deferring remainder")
			w.deferJob(context.Background(), p, time.Second, log)
			return
		}
	}

	w.finish(job, log)
}

// resolveRate returns the effective messages-per-minute rate: the owner's
// plan ceiling when set, otherwise the speed-tier default.
func (w *Worker) resolveRate(ctx context.Context, p *model.JobPayload) int {
	if w.plans != nil {
		rate, err := w.plans.MessagesPerMinute(ctx, p.OwnerID)
		if err != nil {
			w.log.Warn().Err(err).Str("owner", p.OwnerID).Msg("plan lookup failed, using speed tier")
		} else if rate > 0 {
			return rate
		}
	}
	return model.RateForSpeed(p.Speed)
}

// deferJob pushes the job back to the delayed set. Attempt exhaustion fails
// the job instead of requeueing it forever.
func (w *Worker) deferJob(ctx context.Context, p *model.JobPayload, delay time.Duration, log zerolog.Logger) {
	if err := w.store.UpdateJobStatus(p.JobID, model.JobDelayed); err != nil && !errors.Is(err, storage.ErrInvalidTransition) {
		log.Error().Err(err).Msg("mark delayed")
	}
	if err := w.queue.Retry(ctx, p, delay); err != nil {
		if errors.Is(err, queue.ErrMaxAttempts) {
			w.finishFailedByID(p.JobID, "delivery attempts exhausted", log)
			return
		}
		log.Error().Err(err).Msg("requeue")
	}
}

func (w *Worker) requeue(ctx context.Context, p *model.JobPayload, delay time.Duration, log zerolog.Logger) {
	if err := w.queue.Retry(ctx, p, delay); err != nil {
		if errors.Is(err, queue.ErrMaxAttempts) {
			w.finishFailedByID(p.JobID, "delivery attempts exhausted", log)
			return
		}
		log.Error().Err(err).Msg("requeue")
	}
}

// finish settles a fully-walked job from its ledger: completed when at least
// one recipient got the message, failed when none did.
func (w *Worker) finish(job *model.BroadcastJob, log zerolog.Logger) {
	sent, failed, skipped, _, err := w.store.JobProgress(job.ID)
	if err != nil {
		log.Error().Err(err).Msg("read progress")
	}
	if err := w.store.UpdateJobCounts(job.ID, sent, failed, skipped); err != nil {
		log.Error().Err(err).Msg("update counts")
	}

	if sent >= 1 {
		if err := w.store.UpdateJobStatus(job.ID, model.JobCompleted); err != nil {
			log.Error().Err(err).Msg("mark completed")
		}
		job.Status = model.JobCompleted
	} else {
		if err := w.store.FailJob(job.ID, "all recipients failed"); err != nil {
			log.Error().Err(err).Msg("mark failed")
		}
		job.Status = model.JobFailed
		job.Error = "all recipients failed"
	}
	job.Sent, job.Failed, job.Skipped = sent, failed, skipped

	log.Info().Str("status", job.Status).
		Int("sent", sent).Int("failed", failed).Int("skipped", skipped).
		Msg("job finished")
	w.notifier.NotifyJob(job.ConnectionID, job)
}

// finishFailed settles a job that died before all recipients were attempted.
// The untouched ledger rows become skipped so nothing stays waiting forever.
func (w *Worker) finishFailed(job *model.BroadcastJob, reason string, log zerolog.Logger) {
	if err := w.store.FailJob(job.ID, reason); err != nil {
		log.Error().Err(err).Msg("mark failed")
	}
	if _, err := w.store.SkipRemaining(job.ID, reason); err != nil {
		log.Error().Err(err).Msg("skip remaining recipients")
	}
	sent, failed, skipped, _, err := w.store.JobProgress(job.ID)
	if err != nil {
		log.Error().Err(err).Msg("read progress")
	} else {
		if err := w.store.UpdateJobCounts(job.ID, sent, failed, skipped); err != nil {
			log.Error().Err(err).Msg("update counts")
		}
		job.Sent, job.Failed, job.Skipped = sent, failed, skipped
	}
	job.Status = model.JobFailed
	job.Error = reason
	w.notifier.NotifyJob(job.ConnectionID, job)
}

func (w *Worker) finishFailedByID(jobID, reason string, log zerolog.Logger) {
	job, err := w.store.GetJob(jobID)
	if err != nil {
		log.Error().Err(err).Msg("load job for failure")
		if err := w.store.FailJob(jobID, reason); err != nil {
			log.Error().Err(err).Msg("mark failed")
		}
		return
	}
	w.finishFailed(job, reason, log)
}
