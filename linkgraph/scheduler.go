package linkgraph

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/signalsfoundry/cargodist/internal/logging"
	"github.com/signalsfoundry/cargodist/internal/observability"
	"github.com/signalsfoundry/cargodist/model"
	"github.com/signalsfoundry/cargodist/timectrl"
)

const (
	// DefaultMaxJobs is the default number of job slots.
	DefaultMaxJobs = 32
	// SpawnJoinTick is the tick within a day at which the scheduler acts.
	SpawnJoinTick timectrl.DateFract = 21
)

// StationStore owns the live link graphs and receives job results.
type StationStore interface {
	LinkGraph(id model.LinkGraphID) *LinkGraph
	LinkGraphs() []*LinkGraph
	ApplyJobResult(res *JobResult) error
}

// Scheduler rotates link graph components through background jobs. Its
// queues are only touched by the simulation goroutine; each job runs on
// its own goroutine and is joined before its result is applied.
type Scheduler struct {
	mu       sync.Mutex
	store    StationStore
	handlers []Handler
	maxJobs  int
	settings func() model.LinkGraphSettings
	mapSize  model.MapSize

	schedule []*LinkGraph
	running  []*Job

	log     logging.Logger
	metrics *observability.LinkGraphCollector
	tracer  trace.Tracer
}

// SchedulerOption configures a Scheduler.
type SchedulerOption func(*Scheduler)

// WithMaxJobs sets the number of job slots. Exceeding it panics.
func WithMaxJobs(n int) SchedulerOption {
	return func(s *Scheduler) {
		if n > 0 {
			s.maxJobs = n
		}
	}
}

// WithHandlers replaces the job pipeline.
func WithHandlers(handlers ...Handler) SchedulerOption {
	return func(s *Scheduler) { s.handlers = handlers }
}

// WithLogger sets the scheduler logger.
func WithLogger(l logging.Logger) SchedulerOption {
	return func(s *Scheduler) {
		if l != nil {
			s.log = l
		}
	}
}

// WithMetrics records scheduler activity on c.
func WithMetrics(c *observability.LinkGraphCollector) SchedulerOption {
	return func(s *Scheduler) { s.metrics = c }
}

// WithTracer sets the tracer used for job spans.
func WithTracer(t trace.Tracer) SchedulerOption {
	return func(s *Scheduler) { s.tracer = t }
}

// WithSettings sets the source of link graph settings. It is read once per
// spawned job, so settings changes apply to the next job only.
func WithSettings(f func() model.LinkGraphSettings) SchedulerOption {
	return func(s *Scheduler) {
		if f != nil {
			s.settings = f
		}
	}
}

// WithMapSize sets the map dimensions used for demand distance scaling.
func WithMapSize(size model.MapSize) SchedulerOption {
	return func(s *Scheduler) { s.mapSize = size }
}

// NewScheduler builds a scheduler over store.
func NewScheduler(store StationStore, opts ...SchedulerOption) *Scheduler {
	s := &Scheduler{
		store:    store,
		handlers: DefaultHandlers(),
		maxJobs:  DefaultMaxJobs,
		settings: model.DefaultLinkGraphSettings,
		mapSize:  model.MapSize{X: 256, Y: 256},
		log:      logging.Noop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.log = s.log.With(logging.String("component", "linkgraph_scheduler"))
	return s
}

// Queue appends lg to the back of the schedule.
func (s *Scheduler) Queue(lg *LinkGraph) {
	if lg == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.schedule = append(s.schedule, lg)
	s.metrics.SetQueued(len(s.schedule))
}

// Unqueue removes lg from the schedule if present.
func (s *Scheduler) Unqueue(lg *LinkGraph) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.unqueueLocked(lg)
}

func (s *Scheduler) unqueueLocked(lg *LinkGraph) {
	s.schedule = slices.DeleteFunc(s.schedule, func(q *LinkGraph) bool { return q == lg })
	s.metrics.SetQueued(len(s.schedule))
}

// SpawnNext starts a job for the least recently scheduled component with
// at least two nodes. Smaller components are rotated to the back. It
// returns the spawned job or nil.
func (s *Scheduler) SpawnNext(now timectrl.Date) *Job {
	s.mu.Lock()
	defer s.mu.Unlock()

	// Components deleted or replaced in the store since queueing are stale.
	s.schedule = slices.DeleteFunc(s.schedule, func(lg *LinkGraph) bool {
		return s.store.LinkGraph(lg.ID) != lg
	})
	if len(s.schedule) == 0 {
		s.metrics.SetQueued(0)
		return nil
	}

	first := s.schedule[0]
	for s.schedule[0].Size() < 2 {
		skipped := s.schedule[0]
		s.schedule = append(s.schedule[1:], skipped)
		s.metrics.ComponentSkipped()
		s.log.Debug(context.Background(), "skipping small link graph",
			logging.Uint("link_graph", uint64(skipped.ID)),
			logging.Int("nodes", skipped.Size()))
		if s.schedule[0] == first {
			return nil
		}
	}

	lg := s.schedule[0]
	s.schedule = s.schedule[1:]
	s.metrics.SetQueued(len(s.schedule))

	if len(s.running) >= s.maxJobs {
		panic(fmt.Sprintf("linkgraph: no free job slot (%d running)", len(s.running)))
	}

	job := NewJob(lg, s.settings(), s.mapSize, now)
	s.running = append(s.running, job)
	s.metrics.JobSpawned()
	s.log.Info(context.Background(), "link graph job spawned",
		logging.String("job_id", job.ID().String()),
		logging.Uint("link_graph", uint64(lg.ID)),
		logging.Int("nodes", lg.Size()),
		logging.String("distribution", job.Distribution().String()),
		logging.Int("join_date", int(job.JoinDate())))

	go s.run(job)
	return job
}

// run executes the pipeline for job on the calling goroutine.
func (s *Scheduler) run(job *Job) {
	ctx, log := logging.WithJobLogger(context.Background(), s.log, job.ID().String())
	ctx, span := observability.StartJobSpan(ctx, s.tracer, job.ID().String(),
		uint32(job.LinkGraphID()), uint8(job.Graph().Cargo.ID), job.Size())
	start := time.Now()

	var (
		stageStart time.Time
		stageSpan  trace.Span
	)
	job.Run(ctx, s.handlers, RunHooks{
		Before: func(ctx context.Context, h Handler) context.Context {
			stageStart = time.Now()
			ctx, stageSpan = observability.StartHandlerSpan(ctx, s.tracer, h.Name())
			return ctx
		},
		After: func(ctx context.Context, h Handler) {
			stageSpan.End()
			s.metrics.ObserveHandler(h.Name(), time.Since(stageStart))
			log.Debug(ctx, "job stage finished",
				logging.String("handler", h.Name()),
				logging.String("state", job.State().String()))
		},
	})

	if job.IsAborted() {
		span.SetStatus(codes.Error, "aborted")
	} else {
		observability.SetJobResult(span, formatFingerprint(job.ResultFingerprint()), job.CyclesEliminated())
	}
	span.End()
	s.metrics.ObserveJob(time.Since(start))
}

// JoinNext collects the oldest running job if it is finished and its join
// date has been reached. The result is applied to the store unless the job
// was aborted or its component no longer exists; the component is then
// queued again. It never waits for an unfinished job.
func (s *Scheduler) JoinNext(now timectrl.Date) *Job {
	s.mu.Lock()
	if len(s.running) == 0 || !s.running[0].IsFinished(now) {
		s.mu.Unlock()
		return nil
	}
	job := s.running[0]
	s.running = s.running[1:]
	s.mu.Unlock()

	// The store may notify subscribers that call back into the scheduler,
	// so the result is applied without holding s.mu.
	<-job.Done()
	ctx := logging.ContextWithJobID(context.Background(), job.ID().String())
	aborted := job.IsAborted()
	s.metrics.JobJoined(aborted)
	s.metrics.AddCyclesEliminated(job.CyclesEliminated())

	lg := s.store.LinkGraph(job.LinkGraphID())
	if lg == nil {
		s.log.Info(ctx, "link graph vanished while job was running",
			logging.Uint("link_graph", uint64(job.LinkGraphID())))
		return job
	}
	if !aborted {
		if err := s.store.ApplyJobResult(job.Result()); err != nil {
			s.log.Warn(ctx, "applying job result failed",
				logging.Uint("link_graph", uint64(job.LinkGraphID())), logging.Err(err))
		}
	}

	s.mu.Lock()
	s.unqueueLocked(lg)
	s.schedule = append(s.schedule, lg)
	s.metrics.SetQueued(len(s.schedule))
	s.mu.Unlock()

	fields := []logging.Field{
		logging.Uint("link_graph", uint64(lg.ID)),
		logging.Uint("cycles_eliminated", job.CyclesEliminated()),
		logging.Any("aborted", aborted),
	}
	if !aborted {
		fields = append(fields, logging.String("fingerprint", formatFingerprint(job.ResultFingerprint())))
	}
	s.log.Info(ctx, "link graph job joined", fields...)
	return job
}

func formatFingerprint(fp uint64) string {
	return fmt.Sprintf("%016x", fp)
}

// OnTick spawns at the start of each recalc interval and joins at its
// midpoint, both at SpawnJoinTick.
func (s *Scheduler) OnTick(now timectrl.Date, fract timectrl.DateFract) {
	if fract != SpawnJoinTick {
		return
	}
	interval := int32(s.settings().RecalcInterval)
	if interval <= 0 {
		return
	}
	offset := int32(now) % interval
	if offset < 0 {
		offset += interval
	}
	switch offset {
	case 0:
		s.SpawnNext(now)
	case interval / 2:
		s.JoinNext(now)
	}
}

// ShiftDates rebases every live component and running job after the
// calendar moved by interval days.
func (s *Scheduler) ShiftDates(interval int32) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, lg := range s.store.LinkGraphs() {
		lg.ShiftDates(interval)
	}
	for _, job := range s.running {
		job.ShiftJoinDate(interval)
	}
}

// Clear aborts every running job, waits for their goroutines and drops
// both queues without applying anything.
func (s *Scheduler) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, job := range s.running {
		job.Abort()
	}
	for _, job := range s.running {
		<-job.Done()
		s.metrics.JobJoined(true)
	}
	if n := len(s.running); n > 0 {
		s.log.Info(context.Background(), "aborted running link graph jobs", logging.Int("jobs", n))
	}
	s.running = nil
	s.schedule = nil
	s.metrics.SetQueued(0)
}

// Shutdown joins every worker. The scheduler is empty afterwards.
func (s *Scheduler) Shutdown() {
	s.Clear()
}

// Running returns the jobs in flight, oldest first.
func (s *Scheduler) Running() []*Job {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.running)
}

// Queued returns the IDs of the components waiting in the schedule.
func (s *Scheduler) Queued() []model.LinkGraphID {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]model.LinkGraphID, len(s.schedule))
	for i, lg := range s.schedule {
		ids[i] = lg.ID
	}
	return ids
}
