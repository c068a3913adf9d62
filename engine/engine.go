package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/xraph/docflow"
	"github.com/xraph/docflow/audit"
	"github.com/xraph/docflow/backoff"
	"github.com/xraph/docflow/convert"
	"github.com/xraph/docflow/ext"
	"github.com/xraph/docflow/id"
	"github.com/xraph/docflow/job"
	mw "github.com/xraph/docflow/middleware"
	"github.com/xraph/docflow/observability"
	"github.com/xraph/docflow/policy"
	"github.com/xraph/docflow/progress"
	"github.com/xraph/docflow/queue"
	"github.com/xraph/docflow/ratelimit"
	"github.com/xraph/docflow/storage"
	"github.com/xraph/docflow/tenant"
	"github.com/xraph/docflow/worker"
)

const instrumentationName = "github.com/xraph/docflow"

// Engine is the tenant-aware conversion service. It validates, rate-limits,
// persists and enqueues submissions, and runs the worker pool that executes
// them.
type Engine struct {
	config     docflow.Config
	store      job.Store
	broker     queue.Broker
	storage    storage.Storage
	routine    convert.Routine
	extensions *ext.Registry
	userExts   []ext.Extension
	progress   *progress.Broker
	limiter    *ratelimit.Limiter
	policy     policy.Policy
	manager    *queue.Manager
	executor   *worker.Executor
	pool       *worker.Pool
	mws        []mw.Middleware
	logger     *slog.Logger
	now        func() time.Time

	auditSink  audit.Logger
	auditAsync *audit.Async

	// OpenTelemetry providers (optional; nil means use global).
	tracerProvider trace.TracerProvider
	meterProvider  metric.MeterProvider

	estMu     sync.RWMutex
	estimates map[job.ConversionType]time.Duration
	estLoaded bool
}

// Option configures an Engine.
type Option func(*Engine)

// WithConfig sets the engine configuration. Zero fields keep their
// defaults. A negative AttemptTimeout, HeartbeatInterval or
// StaleJobThreshold turns that mechanism off.
func WithConfig(cfg docflow.Config) Option {
	return func(eng *Engine) { eng.config = mergeConfig(cfg) }
}

// WithLogger sets the engine's logger.
func WithLogger(l *slog.Logger) Option {
	return func(eng *Engine) {
		if l != nil {
			eng.logger = l
		}
	}
}

// WithExtension registers an extension with the engine. Extensions run
// after the built-in progress, metrics and audit extensions, in the order
// given.
func WithExtension(e ext.Extension) Option {
	return func(eng *Engine) { eng.userExts = append(eng.userExts, e) }
}

// WithMiddleware adds middleware to the attempt chain, inside the defaults.
func WithMiddleware(m mw.Middleware) Option {
	return func(eng *Engine) { eng.mws = append(eng.mws, m) }
}

// WithAuditLogger sets the audit sink. Records are delivered asynchronously
// and never block or fail the operation being audited. Without it audit
// records go to the engine's logger.
func WithAuditLogger(l audit.Logger) Option {
	return func(eng *Engine) { eng.auditSink = l }
}

// WithPolicy overrides the priority/delay policy, for example to change
// business hours.
func WithPolicy(p policy.Policy) Option {
	return func(eng *Engine) { eng.policy = p }
}

// WithRateLimiter replaces the per-user rate limiter.
func WithRateLimiter(l *ratelimit.Limiter) Option {
	return func(eng *Engine) { eng.limiter = l }
}

// WithClock sets the time source used for scheduling decisions.
func WithClock(now func() time.Time) Option {
	return func(eng *Engine) {
		if now != nil {
			eng.now = now
		}
	}
}

// WithTracerProvider sets a custom OTel TracerProvider for the engine.
// If not set, the global otel.GetTracerProvider() is used.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(eng *Engine) { eng.tracerProvider = tp }
}

// WithMeterProvider sets a custom OTel MeterProvider used by the metrics
// middleware and the observability extension.
// If not set, the global otel.GetMeterProvider() is used.
func WithMeterProvider(mp metric.MeterProvider) Option {
	return func(eng *Engine) { eng.meterProvider = mp }
}

// New builds an engine over the given collaborators.
func New(
	store job.Store,
	broker queue.Broker,
	files storage.Storage,
	routine convert.Routine,
	opts ...Option,
) (*Engine, error) {
	switch {
	case store == nil:
		return nil, docflow.ErrNoStore
	case broker == nil:
		return nil, docflow.ErrNoBroker
	case files == nil:
		return nil, docflow.ErrNoStorage
	case routine == nil:
		return nil, docflow.ErrNoRoutine
	}

	eng := &Engine{
		config:    docflow.DefaultConfig(),
		store:     store,
		broker:    broker,
		storage:   files,
		routine:   routine,
		manager:   queue.NewManager(),
		logger:    slog.Default(),
		now:       time.Now,
		estimates: make(map[job.ConversionType]time.Duration),
	}
	for _, opt := range opts {
		opt(eng)
	}
	eng.extensions = ext.NewRegistry(eng.logger)

	if eng.limiter == nil {
		eng.limiter = ratelimit.New(ratelimit.WithClock(eng.now))
	}

	eng.progress = progress.NewBroker(eng.logger, progress.WithBufferSize(eng.config.ProgressBuffer))
	eng.extensions.Register(eng.progress)

	var obsExt *observability.MetricsExtension
	if eng.meterProvider != nil {
		obsExt = observability.NewMetricsExtensionWithMeter(eng.meterProvider.Meter(instrumentationName + "/observability"))
	} else {
		obsExt = observability.NewMetricsExtension()
	}
	eng.extensions.Register(obsExt)

	sink := eng.auditSink
	if sink == nil {
		sink = audit.NewSlogLogger(eng.logger)
	}
	eng.auditAsync = audit.NewAsync(sink, eng.config.AuditBuffer, eng.logger)
	eng.extensions.Register(audit.New(eng.auditAsync, audit.WithLogger(eng.logger)))

	for _, e := range eng.userExts {
		eng.extensions.Register(e)
	}

	var tracingMw mw.Middleware
	if eng.tracerProvider != nil {
		tracingMw = mw.TracingWithTracer(eng.tracerProvider.Tracer(instrumentationName))
	} else {
		tracingMw = mw.Tracing()
	}

	var metricsMw mw.Middleware
	if eng.meterProvider != nil {
		metricsMw = mw.MetricsWithMeter(eng.meterProvider.Meter(instrumentationName))
	} else {
		metricsMw = mw.Metrics()
	}

	// recover → tracing → metrics → logging → timeout → custom.
	defaultMws := []mw.Middleware{
		mw.Recover(eng.logger),
		tracingMw,
		metricsMw,
		mw.Logging(eng.logger),
		mw.Timeout(eng.config.AttemptTimeout, eng.logger),
	}
	allMws := make([]mw.Middleware, 0, len(defaultMws)+len(eng.mws))
	allMws = append(allMws, defaultMws...)
	allMws = append(allMws, eng.mws...)

	retry := backoff.Policy{
		MaxAttempts: eng.config.MaxAttempts,
		Strategy:    backoff.NewExponential(eng.config.InitialBackoff, eng.config.MaxBackoff),
	}
	eng.executor = worker.NewExecutor(store, files, routine, broker, eng.extensions, retry, eng.logger, allMws...)

	eng.pool = worker.NewPool(store, broker, eng.executor, eng.logger,
		worker.WithPoolConcurrency(eng.config.Concurrency),
		worker.WithPollInterval(eng.config.PollInterval),
		worker.WithHeartbeatInterval(eng.config.HeartbeatInterval),
		worker.WithStaleJobThreshold(eng.config.StaleJobThreshold),
		worker.WithGate(eng.manager),
	)

	return eng, nil
}

// mergeConfig fills unset fields of cfg from the defaults.
func mergeConfig(cfg docflow.Config) docflow.Config {
	def := docflow.DefaultConfig()
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = def.Concurrency
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = def.PollInterval
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = def.MaxAttempts
	}
	if cfg.InitialBackoff <= 0 {
		cfg.InitialBackoff = def.InitialBackoff
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = def.MaxBackoff
	}
	if cfg.ProgressBuffer <= 0 {
		cfg.ProgressBuffer = def.ProgressBuffer
	}
	if cfg.AuditBuffer <= 0 {
		cfg.AuditBuffer = def.AuditBuffer
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = def.ShutdownTimeout
	}
	cfg.AttemptTimeout = switchable(cfg.AttemptTimeout, def.AttemptTimeout)
	cfg.HeartbeatInterval = switchable(cfg.HeartbeatInterval, def.HeartbeatInterval)
	cfg.StaleJobThreshold = switchable(cfg.StaleJobThreshold, def.StaleJobThreshold)
	return cfg
}

// switchable resolves a duration where zero means the default and a
// negative value means off, reported downstream as zero.
func switchable(d, def time.Duration) time.Duration {
	switch {
	case d < 0:
		return 0
	case d == 0:
		return def
	default:
		return d
	}
}

// ──────────────────────────────────────────────────
// Submission
// ──────────────────────────────────────────────────

// Submit validates and enqueues a conversion of the file at fileRef.
//
// fileRef must lie in the organization's inputs or its own job outputs.
// Checks run in order: input validation, file size, rate limit, active job
// count. A rejected submission leaves no job record behind. The active job
// count is read without locking, so concurrent submissions may each pass
// it; the worker pool still never runs more than the tenant's ceiling.
func (eng *Engine) Submit(
	ctx context.Context,
	t tenant.Context,
	userID string,
	fileRef string,
	ct job.ConversionType,
	opts map[string]string,
) (id.JobID, error) {
	if t.IsZero() {
		return id.Nil, fmt.Errorf("%w: missing tenant", docflow.ErrInvalidInput)
	}
	if userID == "" {
		return id.Nil, fmt.Errorf("%w: missing user id", docflow.ErrInvalidInput)
	}
	if fileRef == "" {
		return id.Nil, fmt.Errorf("%w: missing file reference", docflow.ErrInvalidInput)
	}
	if !ct.Valid() {
		return id.Nil, fmt.Errorf("%w: unknown conversion type %q", docflow.ErrInvalidInput, ct)
	}

	ref, ok := storage.ScopeRef(t.OrganizationID(), fileRef)
	if !ok {
		return id.Nil, fmt.Errorf("%w: file reference %q is outside the organization's storage", docflow.ErrInvalidInput, fileRef)
	}

	limits := t.Limits()

	info, err := eng.storage.Stat(ctx, ref)
	if errors.Is(err, storage.ErrNotFound) {
		return id.Nil, fmt.Errorf("%w: %v", docflow.ErrInvalidInput, err)
	}
	if err != nil {
		return id.Nil, docflow.NewSystemError("storage.stat", err)
	}
	if info.Size > limits.MaxFileSizeBytes() {
		return id.Nil, &docflow.ResourceLimitError{
			Limit:     docflow.LimitFileSize,
			Requested: int64(math.Ceil(float64(info.Size) / float64(tenant.MB))),
			Allowed:   limits.MaxFileSizeMB,
		}
	}

	if err := eng.limiter.Acquire(t, userID); err != nil {
		return id.Nil, err
	}

	active, err := eng.store.CountActive(ctx, t.OrganizationID())
	if err != nil {
		return id.Nil, docflow.NewSystemError("store.count_active", err)
	}
	if active >= int64(limits.MaxConcurrentJobs) {
		return id.Nil, &docflow.ResourceLimitError{
			Limit:     docflow.LimitConcurrentJobs,
			Requested: active + 1,
			Allowed:   int64(limits.MaxConcurrentJobs),
		}
	}

	hash := info.Hash
	if hash == "" {
		content, err := eng.storage.Load(ctx, ref)
		if err != nil {
			return id.Nil, docflow.NewSystemError("storage.load", err)
		}
		hash = convert.Hash(content)
	}

	now := eng.now()
	decision := eng.policy.Decide(t.Tier(), info.Size, now)

	created := now.UTC()
	j := &job.Job{
		ID:             id.NewJobID(),
		OrganizationID: t.OrganizationID(),
		UserID:         userID,
		ConversionType: ct,
		Options:        copyOptions(opts),
		Priority:       decision.Priority,
		MaxConcurrency: limits.MaxConcurrentJobs,
		InputFileName:  info.Name,
		InputFileSize:  info.Size,
		InputFileHash:  hash,
		InputPath:      ref,
		Status:         job.StatusPending,
		CurrentStep:    job.StepQueued,
		MaxAttempts:    eng.config.MaxAttempts,
		CreatedAt:      created,
		UpdatedAt:      created,
	}

	if err := eng.store.CreateJob(ctx, j); err != nil {
		return id.Nil, docflow.NewSystemError("store.create", err)
	}

	if err := eng.broker.Enqueue(ctx, worker.ItemFor(j, limits.MaxConcurrentJobs, decision.Delay)); err != nil {
		eng.abandon(ctx, j, err)
		return id.Nil, docflow.NewSystemError("broker.enqueue", err)
	}

	eng.extensions.EmitJobSubmitted(ctx, j)

	eng.logger.Info("job submitted",
		slog.String("job_id", j.ID.String()),
		slog.String("org_id", j.OrganizationID),
		slog.String("user_id", userID),
		slog.String("conversion_type", string(ct)),
		slog.String("priority", string(decision.Priority)),
		slog.Duration("delay", decision.Delay),
		slog.Int64("input_size", info.Size),
	)

	return j.ID, nil
}

// abandon fails a persisted job that could not be enqueued so it does not
// count against the tenant's active jobs.
func (eng *Engine) abandon(ctx context.Context, j *job.Job, cause error) {
	ctx = context.WithoutCancel(ctx)
	if err := j.Transition(job.StatusFailed, time.Now().UTC()); err != nil {
		return
	}
	j.ErrorMessage = cause.Error()
	j.ErrorDetails = &job.ErrorDetails{Kind: job.ErrorKindSystem, Op: "broker.enqueue", Recoverable: true}
	if err := eng.store.UpdateJob(ctx, j, job.StatusPending); err != nil {
		eng.logger.Error("failed to mark unqueued job as failed",
			slog.String("job_id", j.ID.String()),
			slog.String("error", err.Error()),
		)
	}
}

func copyOptions(opts map[string]string) map[string]string {
	if len(opts) == 0 {
		return nil
	}
	out := make(map[string]string, len(opts))
	for k, v := range opts {
		out[k] = v
	}
	return out
}

// ──────────────────────────────────────────────────
// Status, cancellation, history
// ──────────────────────────────────────────────────

// Status is the caller-facing view of a job.
type Status struct {
	JobID       id.JobID     `json:"job_id"`
	Status      job.Status   `json:"status"`
	Progress    int          `json:"progress"`
	CurrentStep job.Step     `json:"current_step"`
	Priority    job.Priority `json:"priority"`
	Attempts    int          `json:"attempts"`

	// EstimatedTimeRemaining is a best-effort guess for active jobs and nil
	// once the job is terminal or no history exists.
	EstimatedTimeRemaining *time.Duration `json:"estimated_time_remaining,omitempty"`

	OutputFileName string            `json:"output_file_name,omitempty"`
	OutputPath     string            `json:"output_path,omitempty"`
	ErrorMessage   string            `json:"error_message,omitempty"`
	ErrorDetails   *job.ErrorDetails `json:"error_details,omitempty"`

	CreatedAt   time.Time  `json:"created_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// lookup returns jobID if it belongs to t. Jobs of other tenants are
// reported as docflow.ErrJobNotFound.
func (eng *Engine) lookup(ctx context.Context, t tenant.Context, jobID id.JobID) (*job.Job, error) {
	j, err := eng.store.GetJob(ctx, jobID)
	if errors.Is(err, docflow.ErrJobNotFound) {
		return nil, docflow.ErrJobNotFound
	}
	if err != nil {
		return nil, docflow.NewSystemError("store.get", err)
	}
	if t.IsZero() || j.OrganizationID != t.OrganizationID() {
		return nil, docflow.ErrJobNotFound
	}
	return j, nil
}

// Job returns the full record of jobID as seen by t.
func (eng *Engine) Job(ctx context.Context, t tenant.Context, jobID id.JobID) (*job.Job, error) {
	return eng.lookup(ctx, t, jobID)
}

// GetStatus returns the status of jobID as seen by t. Repeated reads of a
// terminal job return identical results.
func (eng *Engine) GetStatus(ctx context.Context, t tenant.Context, jobID id.JobID) (*Status, error) {
	j, err := eng.lookup(ctx, t, jobID)
	if err != nil {
		return nil, err
	}

	st := &Status{
		JobID:          j.ID,
		Status:         j.Status,
		Progress:       j.Progress,
		CurrentStep:    j.CurrentStep,
		Priority:       j.Priority,
		Attempts:       j.Attempts,
		OutputFileName: j.OutputFileName,
		OutputPath:     j.OutputPath,
		ErrorMessage:   j.ErrorMessage,
		ErrorDetails:   j.ErrorDetails,
		CreatedAt:      j.CreatedAt,
		StartedAt:      j.StartedAt,
		CompletedAt:    j.CompletedAt,
	}
	if !j.Status.Terminal() {
		st.EstimatedTimeRemaining = eng.estimate(ctx, j)
	}
	return st, nil
}

// Cancel cancels jobID on behalf of userID. Only the job's owner within the
// same tenant may cancel it, and only while it is pending or processing.
// A running attempt stops at its next checkpoint; one that finishes first
// keeps its result.
func (eng *Engine) Cancel(ctx context.Context, t tenant.Context, jobID id.JobID, userID string) error {
	for {
		j, err := eng.lookup(ctx, t, jobID)
		if err != nil {
			return err
		}
		if j.UserID != userID {
			return docflow.ErrNotOwner
		}
		if j.Status.Terminal() {
			return fmt.Errorf("%w: job is %s", docflow.ErrNotCancelable, j.Status)
		}

		from := j.Status
		if err := j.Transition(job.StatusCanceled, time.Now().UTC()); err != nil {
			return err
		}
		err = eng.store.UpdateJob(ctx, j, from)
		if errors.Is(err, docflow.ErrStatusConflict) {
			// Claimed or finished concurrently; re-evaluate.
			continue
		}
		if err != nil {
			return docflow.NewSystemError("store.cancel", err)
		}

		if _, err := eng.broker.Remove(ctx, jobID); err != nil {
			eng.logger.Warn("failed to remove canceled job from queue",
				slog.String("job_id", jobID.String()),
				slog.String("error", err.Error()),
			)
		}
		eng.pool.Interrupt(jobID)

		eng.extensions.EmitJobCanceled(ctx, j)

		eng.logger.Info("job canceled",
			slog.String("job_id", jobID.String()),
			slog.String("org_id", j.OrganizationID),
			slog.String("previous_status", string(from)),
		)
		return nil
	}
}

// History is one page of a tenant's jobs.
type History struct {
	Jobs   []*job.Job `json:"jobs"`
	Total  int64      `json:"total"`
	Limit  int        `json:"limit"`
	Offset int        `json:"offset"`
}

// GetHistory lists t's jobs, newest first.
func (eng *Engine) GetHistory(ctx context.Context, t tenant.Context, f job.Filter, p job.Page) (*History, error) {
	if t.IsZero() {
		return nil, fmt.Errorf("%w: missing tenant", docflow.ErrInvalidInput)
	}
	p = p.Normalize()
	jobs, total, err := eng.store.ListJobs(ctx, t.OrganizationID(), f, p)
	if err != nil {
		return nil, docflow.NewSystemError("store.list", err)
	}
	return &History{Jobs: jobs, Total: total, Limit: p.Limit, Offset: p.Offset}, nil
}

// ──────────────────────────────────────────────────
// Progress
// ──────────────────────────────────────────────────

// OnProgress calls fn for every event on topics (all events when none are
// given) and returns a function that stops the subscription. fn runs on its
// own goroutine and never blocks workers.
func (eng *Engine) OnProgress(fn func(progress.Event), topics ...string) func() {
	return eng.progress.OnProgress(fn, topics...)
}

// Subscribe returns a buffered subscription to topics. Callers must drain
// it or lose events; RemoveSubscriber releases it.
func (eng *Engine) Subscribe(topics ...string) *progress.Subscriber {
	return eng.progress.Subscribe(topics...)
}

// Progress returns the progress broker.
func (eng *Engine) Progress() *progress.Broker { return eng.progress }

// ──────────────────────────────────────────────────
// Estimates
// ──────────────────────────────────────────────────

// RefreshEstimates recomputes average processing time per conversion type
// from completed jobs.
func (eng *Engine) RefreshEstimates(ctx context.Context) error {
	fresh := make(map[job.ConversionType]time.Duration, 2)
	for _, ct := range []job.ConversionType{job.RTFToMarkdown, job.MarkdownToRTF} {
		avg, n, err := eng.store.AverageDuration(ctx, ct)
		if err != nil {
			return docflow.NewSystemError("store.average_duration", err)
		}
		if n > 0 {
			fresh[ct] = avg
		}
	}

	eng.estMu.Lock()
	eng.estimates = fresh
	eng.estLoaded = true
	eng.estMu.Unlock()
	return nil
}

func (eng *Engine) estimate(ctx context.Context, j *job.Job) *time.Duration {
	eng.estMu.RLock()
	loaded := eng.estLoaded
	eng.estMu.RUnlock()
	if !loaded {
		if err := eng.RefreshEstimates(ctx); err != nil {
			eng.logger.Warn("estimate refresh failed", slog.String("error", err.Error()))
			return nil
		}
	}

	eng.estMu.RLock()
	avg, ok := eng.estimates[j.ConversionType]
	eng.estMu.RUnlock()
	if !ok {
		return nil
	}

	remaining := avg
	if j.Status == job.StatusProcessing && j.StartedAt != nil {
		remaining = avg - eng.now().Sub(*j.StartedAt)
	}
	if remaining < 0 {
		remaining = 0
	}
	return &remaining
}

// ──────────────────────────────────────────────────
// Lifecycle
// ──────────────────────────────────────────────────

// Start begins job processing.
func (eng *Engine) Start(ctx context.Context) error {
	if err := eng.RefreshEstimates(ctx); err != nil {
		eng.logger.Warn("initial estimate refresh failed", slog.String("error", err.Error()))
	}
	return eng.pool.Start(ctx)
}

// Stop gracefully shuts down the worker pool, waiting at most
// Config.ShutdownTimeout for running attempts, then notifies extensions.
func (eng *Engine) Stop(ctx context.Context) error {
	stopCtx, cancel := context.WithTimeout(ctx, eng.config.ShutdownTimeout)
	defer cancel()

	if err := eng.pool.Stop(stopCtx); err != nil {
		eng.logger.Error("worker pool stop error", slog.String("error", err.Error()))
	}
	eng.extensions.EmitShutdown(ctx)
	return nil
}

// Stats is a point-in-time view of queue and worker load.
type Stats struct {
	Queued          int                  `json:"queued"`
	Running         int                  `json:"running"`
	ActiveByTenant  map[string]int       `json:"active_by_tenant"`
	Progress        progress.BrokerStats `json:"progress"`
	Audit           audit.AsyncStats     `json:"audit"`
	TrackedLimiters int                  `json:"tracked_rate_limiters"`
}

// Stats returns queue and worker statistics.
func (eng *Engine) Stats(ctx context.Context) (*Stats, error) {
	queued, err := eng.broker.Len(ctx)
	if err != nil {
		return nil, docflow.NewSystemError("broker.len", err)
	}
	return &Stats{
		Queued:          queued,
		Running:         eng.pool.Active(),
		ActiveByTenant:  eng.manager.Snapshot(),
		Progress:        eng.progress.Stats(),
		Audit:           eng.auditAsync.Stats(),
		TrackedLimiters: eng.limiter.Len(),
	}, nil
}

// Config returns the effective configuration.
func (eng *Engine) Config() docflow.Config { return eng.config }

// Extensions returns the extension registry.
func (eng *Engine) Extensions() *ext.Registry { return eng.extensions }

// QueueManager returns the per-tenant concurrency gate.
func (eng *Engine) QueueManager() *queue.Manager { return eng.manager }

// Store returns the job store.
func (eng *Engine) Store() job.Store { return eng.store }
