package worker

import (
	"context"
	"time"

	"github.com/bobarin/ttsfx/internal/logger"
	"github.com/bobarin/ttsfx/internal/models"
	"github.com/bobarin/ttsfx/internal/pipeline"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

const (
	dequeueTimeout = 5 * time.Second
	// Pause after a queue error so a redis outage does not spin the consumers.
	errorBackoff = time.Second
	// Budget for writing a job's final state once the run is over, even
	// when shutdown already cancelled the run's context.
	finalizeTimeout = 5 * time.Second
)

// JobQueue is the part of *queue.Queue the worker uses.
type JobQueue interface {
	Dequeue(ctx context.Context, timeout time.Duration) (*models.Job, error)
	SaveJob(ctx context.Context, job *models.Job) error
}

// RenderRecorder stores render history (*db.DB).
type RenderRecorder interface {
	CreateRender(ctx context.Context, render *models.Render) error
}

// Publisher uploads finished artifacts (*storage.Storage).
type Publisher interface {
	GenerateStoragePath(id, localPath string) string
	UploadFile(ctx context.Context, storagePath, localPath string) error
	GetPublicURL(path string) string
}

type Worker struct {
	queue     JobQueue
	pipeline  *pipeline.Pipeline
	recorder  RenderRecorder // Optional: nil when DATABASE_URL is unset
	publisher Publisher      // Optional: nil when Supabase is not configured
	log       zerolog.Logger
}

func New(q JobQueue, p *pipeline.Pipeline, recorder RenderRecorder, publisher Publisher) *Worker {
	return &Worker{
		queue:     q,
		pipeline:  p,
		recorder:  recorder,
		publisher: publisher,
		log:       logger.For("worker"),
	}
}

// Start runs concurrency consumers until ctx is cancelled.
func (w *Worker) Start(ctx context.Context, concurrency int) error {
	w.log.Info().Int("concurrency", concurrency).Msg("Worker started")

	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < concurrency; i++ {
		g.Go(func() error {
			w.processQueue(gctx)
			return nil
		})
	}

	err := g.Wait()
	w.log.Info().Msg("Worker shutting down...")
	return err
}

func (w *Worker) processQueue(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		job, err := w.queue.Dequeue(ctx, dequeueTimeout)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			w.log.Error().Err(err).Msg("Error dequeuing synthesis job")
			select {
			case <-ctx.Done():
				return
			case <-time.After(errorBackoff):
			}
			continue
		}

		if job == nil {
			continue // No job available, retry
		}

		w.handleJob(ctx, job)
	}
}

// handleJob runs one queued job through the pipeline and publishes its
// progress and outcome to the job record.
func (w *Worker) handleJob(ctx context.Context, job *models.Job) {
	log := w.log.With().Str("id", job.ID).Logger()
	log.Info().Msg("Processing synthesis job")

	job.Status = models.JobStatusRunning
	w.save(ctx, job)

	p := w.pipeline.WithObserver(func(id string, state pipeline.State) {
		if state.Terminal() {
			return
		}
		job.Stage = string(state)
		w.save(ctx, job)
	})

	req := pipeline.Request{ID: job.ID, Text: job.Text, Voice: job.Voice}
	res, err := p.Run(ctx, req)

	if err != nil {
		log.Error().Err(err).Msg("Job failed")
		msg := err.Error()
		job.Status = models.JobStatusFailed
		job.Error = &msg
		if stage := pipeline.FailedStage(err); stage != "" {
			job.Stage = string(stage)
		}
	} else {
		log.Info().Str("output", res.OutputPath).Msg("Job completed successfully")
		job.Status = models.JobStatusSucceeded
		job.Stage = string(pipeline.StateDone)
		job.OutputPath = &res.OutputPath
		job.Duration = &res.Duration
		job.PublicURL = w.publish(ctx, res)
	}

	// BLPOP already took the job off the list; this write is the only trace
	// of how it ended, so it must not share the run's cancellation.
	finalCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), finalizeTimeout)
	defer cancel()
	w.save(finalCtx, job)

	if w.recorder != nil {
		if normalized, nerr := w.pipeline.Normalize(req); nerr == nil {
			req = normalized
		}
		render := w.pipeline.Record(req, res, err)
		render.PublicURL = job.PublicURL
		if rerr := w.recorder.CreateRender(finalCtx, render); rerr != nil {
			log.Warn().Err(rerr).Msg("Failed to record render history")
		}
	}
}

// publish uploads the artifact when a publisher is configured. Failure is
// non-critical: the local artifact is the result of record.
func (w *Worker) publish(ctx context.Context, res *pipeline.Result) *string {
	if w.publisher == nil {
		return nil
	}

	storagePath := w.publisher.GenerateStoragePath(res.ID, res.OutputPath)
	if err := w.publisher.UploadFile(ctx, storagePath, res.OutputPath); err != nil {
		w.log.Warn().Err(err).Str("id", res.ID).Msg("Warning: artifact upload failed, keeping local file only")
		return nil
	}

	url := w.publisher.GetPublicURL(storagePath)
	return &url
}

func (w *Worker) save(ctx context.Context, job *models.Job) {
	if err := w.queue.SaveJob(ctx, job); err != nil {
		w.log.Warn().Err(err).Str("id", job.ID).Msg("Failed to update job status")
	}
}
