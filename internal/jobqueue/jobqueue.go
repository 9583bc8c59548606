/*
Package jobqueue is the durable transport of the postgres runtime. Committed
envelopes become River jobs, one queue per destination, and workers hand them
to the handler registered for that destination.

For configuration options, retry policies, and tuning parameters, see queue_config.go.
*/
package jobqueue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/riverqueue/river"
	"github.com/riverqueue/river/riverdriver/riverpgxv5"
	"github.com/riverqueue/river/rivermigrate"
	"github.com/riverqueue/river/rivertype"
	"github.com/rs/zerolog/log"

	"github.com/chatbank/internal/logging"
	"github.com/chatbank/internal/messages"
	"github.com/chatbank/internal/saga"
	"github.com/chatbank/internal/storage"
	"github.com/chatbank/pkg/models"
)

// Handler processes one envelope. lastAttempt is true on the final delivery
// before the job is discarded.
type Handler func(ctx context.Context, env messages.Envelope, lastAttempt bool) error

// Sweeper removes expired rows.
type Sweeper interface {
	Sweep(ctx context.Context, now, finalizedBefore time.Time) (storage.SweepResult, error)
}

// EnvelopeJobArgs carries one envelope to its destination queue.
type EnvelopeJobArgs struct {
	Destination messages.Destination `json:"destination"`
	Envelope    messages.Envelope    `json:"envelope"`
}

// Kind returns the job kind for River
func (EnvelopeJobArgs) Kind() string {
	return "envelope"
}

// predecessorFunc reports whether an older job for the same destination and
// routing key has not finished yet.
type predecessorFunc func(ctx context.Context, job *rivertype.JobRow, env messages.Envelope) (bool, error)

// EnvelopeWorker delivers envelope jobs
type EnvelopeWorker struct {
	river.WorkerDefaults[EnvelopeJobArgs]
	handlers    map[messages.Destination]Handler
	predecessor predecessorFunc
	snooze      time.Duration
}

// Work delivers the envelope. A job waits while an older job for its routing
// key is unfinished, so one saga sees its messages in insert order. Permanent
// failures cancel the job instead of retrying it.
func (w *EnvelopeWorker) Work(ctx context.Context, job *river.Job[EnvelopeJobArgs]) error {
	args := job.Args
	h, ok := w.handlers[args.Destination]
	if !ok {
		return river.JobCancel(fmt.Errorf("no handler registered for destination %s", args.Destination))
	}

	if w.predecessor != nil {
		waiting, err := w.predecessor(ctx, job.JobRow, args.Envelope)
		if err != nil {
			return fmt.Errorf("check job order: %w", err)
		}
		if waiting {
			log.Debug().Int64("job_id", job.ID).Str("key", args.Envelope.Key.String()).Msg("older job pending, snoozing")
			return river.JobSnooze(w.snooze)
		}
	}

	lastAttempt := job.Attempt >= job.MaxAttempts
	err := h(ctx, args.Envelope, lastAttempt)
	if err == nil {
		return nil
	}
	if saga.IsPermanent(err) {
		return river.JobCancel(err)
	}
	return err
}

// unfinishedStates are the job states that still hold a routing key's turn.
var unfinishedStates = []string{
	string(rivertype.JobStateAvailable),
	string(rivertype.JobStatePending),
	string(rivertype.JobStateRetryable),
	string(rivertype.JobStateRunning),
	string(rivertype.JobStateScheduled),
}

// keyPredicate matches envelope jobs by the most specific routing key field,
// the same field saga.KeyedLocker stripes on.
func keyPredicate(key models.RoutingKey) (string, string, bool) {
	switch {
	case key.CorrelationID != "":
		return "correlation_id", key.CorrelationID, true
	case key.UserID != "":
		return "user_id", key.UserID, true
	case key.Phone != "":
		return "phone", key.Phone, true
	default:
		return "", "", false
	}
}

// poolPredecessor looks for older unfinished envelope jobs in the job's queue.
func poolPredecessor(pool *pgxpool.Pool) predecessorFunc {
	return func(ctx context.Context, job *rivertype.JobRow, env messages.Envelope) (bool, error) {
		field, value, ok := keyPredicate(env.Key)
		if !ok {
			return false, nil
		}
		var waiting bool
		err := pool.QueryRow(ctx, `
			SELECT EXISTS (
				SELECT 1 FROM river_job
				WHERE kind = $1 AND queue = $2 AND id < $3 AND state::text = ANY($4)
					AND args->'envelope'->'key'->>`+"'"+field+"'"+` = $5
			)`, EnvelopeJobArgs{}.Kind(), job.Queue, job.ID, unfinishedStates, value,
		).Scan(&waiting)
		return waiting, err
	}
}

// SweepJobArgs triggers one sweep.
type SweepJobArgs struct{}

// Kind returns the job kind for River
func (SweepJobArgs) Kind() string {
	return "sweep"
}

// SweepWorker runs Sweeper.Sweep
type SweepWorker struct {
	river.WorkerDefaults[SweepJobArgs]
	sweeper   Sweeper
	retention time.Duration
}

// Work sweeps rows expired now and conversations finalized before the retention window.
func (w *SweepWorker) Work(ctx context.Context, job *river.Job[SweepJobArgs]) error {
	now := time.Now().UTC()
	res, err := w.sweeper.Sweep(ctx, now, now.Add(-w.retention))
	if err != nil {
		return fmt.Errorf("sweep: %w", err)
	}
	log.Info().
		Int64("inbox", res.Inbox).
		Int64("sessions", res.Sessions).
		Int64("conversations", res.Conversations).
		Msg("sweep completed")
	return nil
}

// errorHandler logs failed deliveries and parked jobs.
type errorHandler struct{}

func (errorHandler) HandleError(ctx context.Context, job *rivertype.JobRow, err error) *river.ErrorHandlerResult {
	ev := log.Warn()
	msg := "job failed, will retry"
	if job.Attempt >= job.MaxAttempts {
		ev = log.Error()
		msg = "job dead-lettered"
	}
	ev.Err(err).
		Int64("job_id", job.ID).
		Str("kind", job.Kind).
		Str("queue", job.Queue).
		Int("attempt", job.Attempt).
		Int("max_attempts", job.MaxAttempts).
		Msg(msg)
	return nil
}

func (errorHandler) HandlePanic(ctx context.Context, job *rivertype.JobRow, panicVal any, trace string) *river.ErrorHandlerResult {
	log.Error().
		Int64("job_id", job.ID).
		Str("kind", job.Kind).
		Interface("panic", panicVal).
		Str("trace", trace).
		Msg("job panicked")
	return nil
}

// JobQueue manages the River job queue
type JobQueue struct {
	client   *river.Client[pgx.Tx]
	pool     *pgxpool.Pool
	config   *QueueConfig
	envelope *EnvelopeWorker
}

// NewJobQueue creates a new job queue on pool. Register handlers before Start.
func NewJobQueue(pool *pgxpool.Pool, config *QueueConfig, sweeper Sweeper) (*JobQueue, error) {
	if config == nil {
		config = DefaultQueueConfig()
	}
	if config.OrderSnooze <= 0 {
		config.OrderSnooze = DefaultQueueConfig().OrderSnooze
	}

	envelope := &EnvelopeWorker{
		handlers:    make(map[messages.Destination]Handler),
		predecessor: poolPredecessor(pool),
		snooze:      config.OrderSnooze,
	}
	workers := river.NewWorkers()
	river.AddWorker(workers, envelope)

	riverConfig := &river.Config{
		Queues:       config.RiverQueueConfig(),
		Workers:      workers,
		MaxAttempts:  config.MaxAttempts,
		RetryPolicy:  fixedRetryPolicy{interval: config.RetryInterval},
		JobTimeout:   config.JobTimeout,
		ErrorHandler: errorHandler{},
		Logger:       logging.Slog("river"),
	}
	if sweeper != nil {
		river.AddWorker(workers, &SweepWorker{sweeper: sweeper, retention: config.FinalizedRetention})
		riverConfig.PeriodicJobs = []*river.PeriodicJob{
			river.NewPeriodicJob(
				river.PeriodicInterval(config.SweepInterval),
				func() (river.JobArgs, *river.InsertOpts) {
					return SweepJobArgs{}, &river.InsertOpts{Queue: QueueMaintenance}
				},
				&river.PeriodicJobOpts{RunOnStart: true},
			),
		}
	}

	client, err := river.NewClient(riverpgxv5.New(pool), riverConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create River client: %w", err)
	}

	return &JobQueue{
		client:   client,
		pool:     pool,
		config:   config,
		envelope: envelope,
	}, nil
}

// Register installs the handler for dest. It must be called before Start.
func (jq *JobQueue) Register(dest messages.Destination, h Handler) {
	jq.envelope.handlers[dest] = h
}

// Start starts the job queue workers
func (jq *JobQueue) Start(ctx context.Context) error {
	log.Info().Int("max_workers", jq.config.MaxWorkers).Int("max_attempts", jq.config.MaxAttempts).Msg("job queue started")
	return jq.client.Start(ctx)
}

// Stop stops the job queue workers, letting running jobs finish
func (jq *JobQueue) Stop(ctx context.Context) error {
	return jq.client.Stop(ctx)
}

// EnqueueTx inserts one job per envelope on tx.
func (jq *JobQueue) EnqueueTx(ctx context.Context, tx pgx.Tx, envs []messages.Envelope) error {
	params, err := jq.insertParams(envs)
	if err != nil {
		return err
	}
	if _, err := jq.client.InsertManyTx(ctx, tx, params); err != nil {
		return fmt.Errorf("failed to queue envelopes: %w", err)
	}
	return nil
}

// Publish inserts envelopes outside any saga transaction.
func (jq *JobQueue) Publish(ctx context.Context, envs ...messages.Envelope) error {
	params, err := jq.insertParams(envs)
	if err != nil {
		return err
	}
	if _, err := jq.client.InsertMany(ctx, params); err != nil {
		return fmt.Errorf("failed to publish envelopes: %w", err)
	}
	return nil
}

func (jq *JobQueue) insertParams(envs []messages.Envelope) ([]river.InsertManyParams, error) {
	params := make([]river.InsertManyParams, 0, len(envs))
	for _, env := range envs {
		args, opts, err := jobFor(env, jq.config.MaxAttempts)
		if err != nil {
			return nil, err
		}
		params = append(params, river.InsertManyParams{Args: args, InsertOpts: opts})
	}
	return params, nil
}

// jobFor routes env to the queue of its destination.
func jobFor(env messages.Envelope, maxAttempts int) (EnvelopeJobArgs, *river.InsertOpts, error) {
	dest, ok := env.Destination()
	if !ok {
		return EnvelopeJobArgs{}, nil, fmt.Errorf("%w: %s", messages.ErrUnknownKind, env.Kind)
	}
	return EnvelopeJobArgs{Destination: dest, Envelope: env}, &river.InsertOpts{
		Queue:       string(dest),
		MaxAttempts: maxAttempts,
		Tags:        []string{string(env.Kind)},
	}, nil
}

// DeadLetters lists up to limit envelope jobs that were discarded or cancelled.
func (jq *JobQueue) DeadLetters(ctx context.Context, limit int) ([]messages.DeadLetter, error) {
	params := river.NewJobListParams().
		Kinds(EnvelopeJobArgs{}.Kind()).
		States(rivertype.JobStateDiscarded, rivertype.JobStateCancelled).
		First(limit)
	res, err := jq.client.JobList(ctx, params)
	if err != nil {
		return nil, fmt.Errorf("failed to list dead letters: %w", err)
	}
	out := make([]messages.DeadLetter, 0, len(res.Jobs))
	for _, job := range res.Jobs {
		out = append(out, deadLetterFromJob(job))
	}
	return out, nil
}

func deadLetterFromJob(job *rivertype.JobRow) messages.DeadLetter {
	var args EnvelopeJobArgs
	if err := json.Unmarshal(job.EncodedArgs, &args); err != nil {
		log.Warn().Err(err).Int64("job_id", job.ID).Msg("undecodable envelope job")
	}
	dl := messages.DeadLetter{
		Envelope:    args.Envelope,
		Destination: args.Destination,
		Attempts:    job.Attempt,
	}
	if n := len(job.Errors); n > 0 {
		dl.Error = job.Errors[n-1].Error
		dl.FailedAt = job.Errors[n-1].At
	}
	if job.FinalizedAt != nil {
		dl.FailedAt = *job.FinalizedAt
	}
	return dl
}

// Migrate applies River's own schema migrations.
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	migrator, err := rivermigrate.New(riverpgxv5.New(pool), nil)
	if err != nil {
		return fmt.Errorf("failed to create River migrator: %w", err)
	}
	res, err := migrator.Migrate(ctx, rivermigrate.DirectionUp, nil)
	if err != nil {
		return fmt.Errorf("failed to migrate River schema: %w", err)
	}
	for _, v := range res.Versions {
		log.Info().Int("version", v.Version).Msg("river migration applied")
	}
	return nil
}
