package scheduler

import (
	"container/heap"
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"github.com/stanstork/remindr/internal/errs"
	"github.com/stanstork/remindr/internal/metrics"
	"github.com/stanstork/remindr/internal/models"
)

// Store is the subset of the notification store the scheduler needs.
type Store interface {
	Get(ctx context.Context, handle string) (models.Notification, error)
	ListPending(ctx context.Context) ([]models.Notification, error)
	RecordAttempt(ctx context.Context, handle string, attempts int, nextAttemptAt time.Time, reason string) error
	Resolve(ctx context.Context, handle string, status models.NotificationStatus, reason string) error
}

// Deliverer pushes a due notification to its recipient.
// Any non-nil error is treated as a retryable failure.
type Deliverer interface {
	Deliver(ctx context.Context, notification models.Notification) error
}

type Config struct {
	Workers         int
	MaxAttempts     int
	RetryBaseDelay  time.Duration
	DeliveryTimeout time.Duration
	StoreTimeout    time.Duration
	RequestBuffer   int
}

func (c Config) withDefaults() Config {
	if c.Workers <= 0 {
		c.Workers = 4
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 3
	}
	if c.RetryBaseDelay <= 0 {
		c.RetryBaseDelay = 30 * time.Second
	}
	if c.DeliveryTimeout <= 0 {
		c.DeliveryTimeout = 10 * time.Second
	}
	if c.StoreTimeout <= 0 {
		c.StoreTimeout = 5 * time.Second
	}
	if c.RequestBuffer <= 0 {
		c.RequestBuffer = 64
	}
	return c
}

type requestKind int

const (
	requestSchedule requestKind = iota
	requestUnschedule
)

type request struct {
	kind   requestKind
	handle string
	due    time.Time
	reply  chan error
}

type job struct {
	handle  string
	attempt int
}

type result struct {
	handle   string
	attempt  int
	skipped  bool
	err      error
	duration time.Duration
}

// Scheduler fires stored notifications at or after their due time.
//
// A single loop goroutine owns the timeline and every state transition;
// Schedule and Unschedule only submit requests to it. Deliveries run on a
// bounded worker pool and report back over a results channel.
type Scheduler struct {
	store     Store
	deliverer Deliverer
	cfg       Config
	logger    zerolog.Logger
	metrics   *metrics.Scheduler
	now       func() time.Time

	requests chan request
	results  chan result
	done     chan struct{}
	runOnce  sync.Once

	// Owned by the loop goroutine.
	queue   timeline
	entries map[string]*entry
	backlog []job
	seq     uint64
}

func New(store Store, deliverer Deliverer, cfg Config, m *metrics.Scheduler, logger zerolog.Logger) *Scheduler {
	cfg = cfg.withDefaults()
	if m == nil {
		m = metrics.NewScheduler(nil)
	}
	return &Scheduler{
		store:     store,
		deliverer: deliverer,
		cfg:       cfg,
		logger:    logger.With().Str("component", "scheduler").Logger(),
		metrics:   m,
		now:       time.Now,
		requests:  make(chan request, cfg.RequestBuffer),
		results:   make(chan result, cfg.Workers),
		done:      make(chan struct{}),
		entries:   make(map[string]*entry),
	}
}

// Schedule asks the loop to fire handle at or after due. A due time in the past
// fires on the next loop tick; delivery never happens inside this call.
// Scheduling a handle that is already tracked is a no-op.
func (s *Scheduler) Schedule(ctx context.Context, handle string, due time.Time) error {
	return s.send(ctx, request{kind: requestSchedule, handle: handle, due: due})
}

// Unschedule removes handle from the timeline if it is still waiting.
// It returns errs.ErrTooLate when the handle is already firing and
// errs.ErrNotFound when the scheduler does not track it.
func (s *Scheduler) Unschedule(ctx context.Context, handle string) error {
	reply := make(chan error, 1)
	if err := s.send(ctx, request{kind: requestUnschedule, handle: handle, reply: reply}); err != nil {
		return err
	}
	select {
	case err := <-reply:
		return err
	case <-s.done:
		return errs.ErrSchedulerStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Scheduler) send(ctx context.Context, req request) error {
	select {
	case <-s.done:
		return errs.ErrSchedulerStopped
	default:
	}
	select {
	case s.requests <- req:
		return nil
	case <-s.done:
		return errs.ErrSchedulerStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Run rebuilds the timeline from the store and drives it until ctx is cancelled.
// Deliveries still in flight at shutdown are cancelled; their records stay
// pending and are picked up again by the next Run.
func (s *Scheduler) Run(ctx context.Context) error {
	started := false
	s.runOnce.Do(func() { started = true })
	if !started {
		return errors.New("scheduler is already running")
	}
	defer close(s.done)

	if err := s.restore(ctx); err != nil {
		return err
	}

	workCtx, cancel := context.WithCancel(ctx)
	jobs := make(chan job)
	var wg sync.WaitGroup
	for i := 0; i < s.cfg.Workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.work(workCtx, jobs)
		}()
	}
	defer func() {
		cancel()
		wg.Wait()
	}()

	s.logger.Info().
		Int("workers", s.cfg.Workers).
		Int("max_attempts", s.cfg.MaxAttempts).
		Dur("retry_base_delay", s.cfg.RetryBaseDelay).
		Msg("Scheduler started")

	timer := time.NewTimer(time.Hour)
	defer timer.Stop()

	for {
		s.arm(timer)

		var (
			out  chan<- job
			next job
		)
		if len(s.backlog) > 0 {
			out = jobs
			next = s.backlog[0]
		}

		select {
		case <-ctx.Done():
			s.logger.Info().Int("pending", s.queue.Len()).Msg("Scheduler stopped")
			return nil
		case req := <-s.requests:
			s.apply(req)
		case res := <-s.results:
			s.complete(ctx, res)
		case <-timer.C:
			s.fireDue(s.now())
		case out <- next:
			s.backlog = s.backlog[1:]
		}
	}
}

// arm points the timer at the earliest due entry.
func (s *Scheduler) arm(timer *time.Timer) {
	head := s.queue.peek()
	if head == nil {
		timer.Stop()
		return
	}
	wait := head.due.Sub(s.now())
	if wait < 0 {
		wait = 0
	}
	timer.Reset(wait)
}

func (s *Scheduler) restore(ctx context.Context) error {
	storeCtx, cancel := context.WithTimeout(ctx, s.cfg.StoreTimeout)
	defer cancel()

	pending, err := s.store.ListPending(storeCtx)
	if err != nil {
		return errors.Wrap(err, "failed to load pending notifications")
	}
	restored := 0
	for _, notif := range pending {
		// A crash between the final attempt and its archive leaves an exhausted
		// record pending; it is abandoned here rather than delivered again.
		if notif.Attempts >= s.cfg.MaxAttempts {
			s.abandonExhausted(storeCtx, notif)
			continue
		}
		s.push(notif.Handle, notif.Due(), notif.Attempts)
		s.metrics.Scheduled.Inc()
		restored++
	}
	s.logger.Info().Int("pending", restored).Msg("Timeline restored from store")
	return nil
}

func (s *Scheduler) abandonExhausted(ctx context.Context, notif models.Notification) {
	reason := "delivery attempts exhausted"
	if notif.LastError != nil && *notif.LastError != "" {
		reason = *notif.LastError
	}
	if err := s.store.Resolve(ctx, notif.Handle, models.NotificationStatusAbandoned, reason); err != nil && !errors.Is(err, errs.ErrNotFound) {
		s.metrics.StoreErrors.WithLabelValues("resolve").Inc()
		s.logger.Error().Err(err).Str("handle", notif.Handle).Msg("failed to archive exhausted notification")
		return
	}
	s.metrics.Deliveries.WithLabelValues(metrics.OutcomeAbandoned).Inc()
	s.logger.Warn().
		Str("handle", notif.Handle).
		Int("attempts", notif.Attempts).
		Msg("pending notification had no attempts left, abandoned")
}

func (s *Scheduler) apply(req request) {
	switch req.kind {
	case requestSchedule:
		if _, tracked := s.entries[req.handle]; tracked {
			s.logger.Debug().Str("handle", req.handle).Msg("handle already scheduled")
			return
		}
		s.push(req.handle, req.due, 0)
		s.metrics.Scheduled.Inc()

	case requestUnschedule:
		req.reply <- s.unschedule(req.handle)
	}
}

func (s *Scheduler) push(handle string, due time.Time, attempts int) {
	if _, tracked := s.entries[handle]; tracked {
		return
	}
	s.seq++
	e := &entry{
		handle:   handle,
		due:      due.UTC(),
		seq:      s.seq,
		attempts: attempts,
		state:    StateScheduled,
	}
	s.entries[handle] = e
	heap.Push(&s.queue, e)
	s.metrics.QueueDepth.Set(float64(s.queue.Len()))
}

func (s *Scheduler) unschedule(handle string) error {
	e, ok := s.entries[handle]
	if !ok {
		return errs.ErrNotFound
	}
	if e.state != StateScheduled {
		return errs.ErrTooLate
	}

	heap.Remove(&s.queue, e.index)
	e.state = StateCancelled
	delete(s.entries, handle)

	s.metrics.Deliveries.WithLabelValues(metrics.OutcomeCancelled).Inc()
	s.metrics.QueueDepth.Set(float64(s.queue.Len()))
	s.logger.Debug().Str("handle", handle).Msg("notification unscheduled")
	return nil
}

// fireDue moves every entry due at or before now into the dispatch backlog.
func (s *Scheduler) fireDue(now time.Time) {
	for {
		head := s.queue.peek()
		if head == nil || head.due.After(now) {
			break
		}
		e := heap.Pop(&s.queue).(*entry)
		e.state = StateFiring
		s.backlog = append(s.backlog, job{handle: e.handle, attempt: e.attempts + 1})
		s.metrics.InFlight.Inc()
	}
	s.metrics.QueueDepth.Set(float64(s.queue.Len()))
}

// complete applies a delivery outcome reported by a worker.
func (s *Scheduler) complete(ctx context.Context, res result) {
	e, ok := s.entries[res.handle]
	if !ok || e.state != StateFiring {
		s.logger.Warn().Str("handle", res.handle).Msg("delivery result for a handle that is not firing")
		return
	}
	s.metrics.InFlight.Dec()
	if !res.skipped {
		s.metrics.DeliveryDuration.Observe(res.duration.Seconds())
	}

	storeCtx, cancel := context.WithTimeout(ctx, s.cfg.StoreTimeout)
	defer cancel()

	switch {
	case res.skipped:
		delete(s.entries, res.handle)
		s.metrics.Deliveries.WithLabelValues(metrics.OutcomeSkipped).Inc()
		s.logger.Debug().Str("handle", res.handle).Msg("notification removed before firing, skipping")

	case res.err == nil:
		e.state = StateDelivered
		delete(s.entries, res.handle)
		s.metrics.Deliveries.WithLabelValues(metrics.OutcomeDelivered).Inc()
		if err := s.store.Resolve(storeCtx, res.handle, models.NotificationStatusFired, ""); err != nil && !errors.Is(err, errs.ErrNotFound) {
			s.metrics.StoreErrors.WithLabelValues("resolve").Inc()
			s.logger.Error().Err(err).Str("handle", res.handle).Msg("failed to archive delivered notification")
		}
		s.logger.Info().Str("handle", res.handle).Int("attempt", res.attempt).Msg("notification delivered")

	case res.attempt >= s.cfg.MaxAttempts:
		e.state = StateAbandoned
		e.attempts = res.attempt
		delete(s.entries, res.handle)
		s.metrics.Deliveries.WithLabelValues(metrics.OutcomeAbandoned).Inc()
		if err := s.store.RecordAttempt(storeCtx, res.handle, res.attempt, s.now(), res.err.Error()); err != nil && !errors.Is(err, errs.ErrNotFound) {
			s.metrics.StoreErrors.WithLabelValues("record_attempt").Inc()
			s.logger.Error().Err(err).Str("handle", res.handle).Msg("failed to persist final attempt")
		}
		if err := s.store.Resolve(storeCtx, res.handle, models.NotificationStatusAbandoned, res.err.Error()); err != nil && !errors.Is(err, errs.ErrNotFound) {
			s.metrics.StoreErrors.WithLabelValues("resolve").Inc()
			s.logger.Error().Err(err).Str("handle", res.handle).Msg("failed to archive abandoned notification")
		}
		s.logger.Error().
			Err(errors.Wrap(errs.ErrAbandoned, res.err.Error())).
			Str("handle", res.handle).
			Int("attempts", res.attempt).
			Str("channel", channelName(s.deliverer)).
			Msg("notification abandoned after exhausting retries")

	default:
		e.state = StateRetrying
		e.attempts = res.attempt
		due := s.now().Add(s.backoff(res.attempt))
		s.metrics.Deliveries.WithLabelValues(metrics.OutcomeRetrying).Inc()

		if err := s.store.RecordAttempt(storeCtx, res.handle, res.attempt, due, res.err.Error()); err != nil {
			if errors.Is(err, errs.ErrNotFound) {
				delete(s.entries, res.handle)
				s.logger.Debug().Str("handle", res.handle).Msg("notification removed during delivery, not retrying")
				return
			}
			s.metrics.StoreErrors.WithLabelValues("record_attempt").Inc()
			s.logger.Error().Err(err).Str("handle", res.handle).Msg("failed to persist retry state")
		}

		delete(s.entries, res.handle)
		s.push(res.handle, due, res.attempt)
		s.logger.Warn().
			Err(res.err).
			Str("handle", res.handle).
			Int("attempt", res.attempt).
			Time("retry_at", due).
			Msg("delivery failed, retry scheduled")
	}
}

// maxRetryDelay caps the doubling so large attempt counts cannot overflow.
const maxRetryDelay = 24 * time.Hour

// backoff doubles the base delay for every failed attempt.
func (s *Scheduler) backoff(attempts int) time.Duration {
	delay := s.cfg.RetryBaseDelay
	for i := 1; i < attempts; i++ {
		if delay >= maxRetryDelay/2 {
			return maxRetryDelay
		}
		delay *= 2
	}
	if delay > maxRetryDelay {
		return maxRetryDelay
	}
	return delay
}

func (s *Scheduler) work(ctx context.Context, jobs <-chan job) {
	for {
		select {
		case <-ctx.Done():
			return
		case j := <-jobs:
			res := s.deliver(ctx, j)
			select {
			case s.results <- res:
			case <-ctx.Done():
				return
			}
		}
	}
}

// deliver re-reads the notification and hands it to the deliverer under a timeout.
func (s *Scheduler) deliver(ctx context.Context, j job) (res result) {
	res = result{handle: j.handle, attempt: j.attempt}

	storeCtx, cancel := context.WithTimeout(ctx, s.cfg.StoreTimeout)
	notif, err := s.store.Get(storeCtx, j.handle)
	cancel()
	if err != nil {
		if errors.Is(err, errs.ErrNotFound) {
			res.skipped = true
			return res
		}
		res.err = errors.Wrap(err, "failed to load notification")
		return res
	}

	deliverCtx, cancel := context.WithTimeout(ctx, s.cfg.DeliveryTimeout)
	defer cancel()

	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			res.err = errors.Wrapf(errs.ErrDeliveryFailure, "deliverer panicked: %v", r)
		}
		res.duration = time.Since(start)
	}()

	if err := s.deliverer.Deliver(deliverCtx, notif); err != nil {
		res.err = err
	}
	return res
}

func channelName(d Deliverer) string {
	if v, ok := d.(fmt.Stringer); ok {
		return v.String()
	}
	return fmt.Sprintf("%T", d)
}
