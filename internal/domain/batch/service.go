package batch

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/ehr/sleepetl/internal/domain/sleepimpr"
	"github.com/ehr/sleepetl/internal/platform/events"
	"github.com/ehr/sleepetl/internal/platform/filesource"
	"github.com/ehr/sleepetl/internal/platform/metrics"
	"github.com/ehr/sleepetl/internal/platform/runlock"
)

// SourceFactory returns a fresh, unconnected source for one run.
type SourceFactory func() filesource.Source

// Publisher announces finished files and runs.
type Publisher interface {
	PublishFileProcessed(ctx context.Context, e events.FileProcessedEvent) error
	PublishBatchCompleted(ctx context.Context, e events.BatchCompletedEvent) error
}

// Config holds the batch limits.
type Config struct {
	RemoteDir    string
	BatchTimeout time.Duration
	FileTimeout  time.Duration
}

// Service runs batches: connect, list, then each file in order through
// download, classify, transform, persist and archive.
type Service struct {
	cfg       Config
	newSource SourceFactory
	ingestor  *sleepimpr.Ingestor
	locker    runlock.Locker
	runs      RunRepository
	publisher Publisher
	metrics   *metrics.ETLMetrics
	logger    zerolog.Logger
	now       func() time.Time
	newID     func() uuid.UUID
}

type Option func(*Service)

func WithRunRepository(r RunRepository) Option { return func(s *Service) { s.runs = r } }

func WithPublisher(p Publisher) Option { return func(s *Service) { s.publisher = p } }

func WithMetrics(m *metrics.ETLMetrics) Option { return func(s *Service) { s.metrics = m } }

func WithLocker(l runlock.Locker) Option { return func(s *Service) { s.locker = l } }

func NewService(cfg Config, newSource SourceFactory, ingestor *sleepimpr.Ingestor, logger zerolog.Logger, opts ...Option) *Service {
	s := &Service{
		cfg:       cfg,
		newSource: newSource,
		ingestor:  ingestor,
		locker:    runlock.NewLocal(),
		logger:    logger.With().Str("component", "batch").Logger(),
		now:       time.Now,
		newID:     uuid.New,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

type runState struct {
	logger zerolog.Logger
	state  State
}

func (r *runState) enter(st State, file string) {
	r.state = st
	ev := r.logger.Debug().Str("state", string(st))
	if file != "" {
		ev = ev.Str("file", file)
	}
	ev.Msg("batch state")
}

// Run executes one batch. It returns an error only when the run could not
// start (lock held) or could not reach the drop (connect or list failed); the
// summary is non-nil in the latter case and records the failure. File and row
// failures are reported in the summary.
func (s *Service) Run(ctx context.Context, trigger string) (*Summary, error) {
	release, err := s.locker.TryLock(ctx)
	if err != nil {
		return nil, err
	}
	defer release()

	if s.cfg.BatchTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.cfg.BatchTimeout)
		defer cancel()
	}

	sum := newSummary(s.newID(), trigger, s.now().UTC())
	log := s.logger.With().Str("run_id", sum.RunID.String()).Str("trigger", trigger).Logger()
	rs := &runState{logger: log, state: StateIdle}
	log.Info().Str("dir", s.cfg.RemoteDir).Msg("batch started")

	runErr := s.run(ctx, rs, sum)

	rs.enter(StateSummarizing, "")
	sum.FinishedAt = s.now().UTC()
	sum.Success = runErr == nil
	if runErr != nil {
		sum.Error = runErr.Error()
	}
	s.finish(ctx, log, sum)

	if runErr != nil {
		return sum, runErr
	}
	return sum, nil
}

// run covers Connecting through Disconnected. The source is closed on every
// path out.
func (s *Service) run(ctx context.Context, rs *runState, sum *Summary) error {
	src := s.newSource()
	defer func() {
		if err := src.Close(); err != nil {
			rs.logger.Warn().Err(err).Msg("close source")
		}
		rs.enter(StateDisconnected, "")
	}()

	rs.enter(StateConnecting, "")
	if err := src.Connect(ctx); err != nil {
		rs.logger.Error().Err(err).Msg("connect failed")
		return err
	}

	rs.enter(StateListing, "")
	files, err := src.ListEligible(ctx, s.cfg.RemoteDir)
	if err != nil {
		rs.logger.Error().Err(err).Msg("listing failed")
		return fmt.Errorf("list eligible files: %w", err)
	}
	sum.FilesFound = len(files)
	rs.logger.Info().Int("files", len(files)).Msg("files discovered")

	for i, f := range files {
		if err := ctx.Err(); err != nil {
			for _, rest := range files[i:] {
				sum.addError(rest.Name, StageDeadline, fmt.Errorf("not attempted: %w", err))
				sum.addOutcome(FileOutcome{Name: rest.Name, Type: sleepimpr.Classify(rest.Name), Status: FileFailed})
			}
			rs.logger.Warn().Int("remaining", len(files)-i).Err(err).Msg("batch deadline reached")
			break
		}
		outcome := s.processFile(ctx, rs, src, f, sum)
		sum.addOutcome(outcome)
		s.afterFile(ctx, rs.logger, sum.RunID, outcome)
	}
	return nil
}

// processFile takes one file through the per-file states. Failures are
// recorded on sum and never returned.
func (s *Service) processFile(ctx context.Context, rs *runState, src filesource.Source, f filesource.SourceFile, sum *Summary) (out FileOutcome) {
	start := s.now()
	out = FileOutcome{Name: f.Name, Type: sleepimpr.FileTypeUnknown, Status: FileFailed}
	defer func() { out.Duration = s.now().Sub(start) }()

	if s.cfg.FileTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.cfg.FileTimeout)
		defer cancel()
	}
	log := rs.logger.With().Str("file", f.Name).Logger()

	rs.enter(StateDownloading, f.Name)
	text, err := src.Fetch(ctx, f.Path)
	if err != nil {
		log.Error().Err(err).Msg("download failed")
		sum.addError(f.Name, StageDownload, err)
		return out
	}

	rs.enter(StateClassifying, f.Name)
	out.Type = s.ingestor.Classify(f.Name)
	if out.Type == sleepimpr.FileTypeUnknown {
		log.Warn().Msg("unrecognized file name, skipping")
		sum.addError(f.Name, StageClassify, fmt.Errorf("%w: %s", sleepimpr.ErrUnknownFileType, f.Name))
		out.Status = FileSkipped
		return out
	}

	rs.enter(StateTransforming, f.Name)
	res, items, err := s.ingestor.Transform(out.Type, f.Name, text)
	out.Result = res
	if err != nil {
		log.Error().Err(err).Msg("transform failed")
		sum.addError(f.Name, StageTransform, err)
		return out
	}

	rs.enter(StatePersisting, f.Name)
	if err := s.ingestor.Persist(ctx, res, items); err != nil {
		log.Error().Err(err).Int("persisted", res.RowsPersisted).Msg("persist interrupted")
		sum.addError(f.Name, StagePersist, fmt.Errorf("interrupted after %d of %d rows: %w", res.RowsPersisted, len(items), err))
		return out
	}
	if res.Retryable() {
		err := fmt.Errorf("%d rows failed to persist, %d claim triggers failed; file left for retry",
			res.Failed(sleepimpr.StagePersist), res.TriggersFailed())
		log.Warn().Err(err).Msg("file partially persisted")
		sum.addError(f.Name, StagePersist, err)
		out.Status = FilePartial
		return out
	}

	rs.enter(StateArchiving, f.Name)
	dest, err := src.Archive(ctx, f.Path)
	if err != nil {
		log.Error().Err(err).Msg("ingested but archive failed")
		sum.addError(f.Name, StageArchive, fmt.Errorf("data persisted but file not archived: %w", err))
		out.Status = FileNotArchived
		return out
	}
	out.ArchivedTo = dest
	out.Status = FileProcessed
	log.Info().Str("type", string(out.Type)).Int("rows", res.RowsParsed).Int("persisted", res.RowsPersisted).
		Int("skipped", res.RowsSkipped).Int("steps", res.StepsEnqueued).Str("archived_to", dest).Msg("file processed")
	return out
}

func (s *Service) afterFile(ctx context.Context, log zerolog.Logger, runID uuid.UUID, o FileOutcome) {
	persisted, failed, steps := 0, 0, 0
	if o.Result != nil {
		persisted, failed, steps = o.Result.RowsPersisted, len(o.Result.RowErrors), o.Result.StepsEnqueued
	}
	s.metrics.ObserveFile(string(o.Type), string(o.Status), persisted, failed, steps)

	if s.publisher == nil || o.Result == nil {
		return
	}
	err := s.publisher.PublishFileProcessed(ctx, events.FileProcessedEvent{
		RunID:         runID.String(),
		FileName:      o.Name,
		FileType:      string(o.Type),
		Status:        string(o.Status),
		RowsParsed:    o.Result.RowsParsed,
		RowsPersisted: persisted,
		RowsFailed:    failed,
		StepsEnqueued: steps,
		ArchivedTo:    o.ArchivedTo,
	})
	if err != nil {
		log.Warn().Err(err).Str("file", o.Name).Msg("publish file event")
	}
}

// finish records the run. These side effects are best effort and use a
// fresh context so an expired batch deadline does not drop the run log.
func (s *Service) finish(ctx context.Context, log zerolog.Logger, sum *Summary) {
	s.metrics.ObserveBatch(sum.Trigger, sum.Outcome(), sum.FinishedAt.Sub(sum.StartedAt), sum.FinishedAt)

	bg, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()

	if s.runs != nil {
		if err := s.runs.Create(bg, RunFromSummary(sum)); err != nil {
			log.Error().Err(err).Msg("failed to record run")
		}
	}
	if s.publisher != nil {
		err := s.publisher.PublishBatchCompleted(bg, events.BatchCompletedEvent{
			RunID:          sum.RunID.String(),
			Trigger:        sum.Trigger,
			FilesFound:     sum.FilesFound,
			FilesProcessed: sum.FilesProcessed,
			FileErrors:     len(sum.Errors),
			RowsPersisted:  sum.RowsPersisted,
			RowsFailed:     sum.RowsFailed,
			StepsEnqueued:  sum.StepsEnqueued,
			StartedAt:      sum.StartedAt,
			CompletedAt:    sum.FinishedAt,
			Success:        sum.Success,
			Error:          sum.Error,
		})
		if err != nil {
			log.Warn().Err(err).Msg("publish batch event")
		}
	}

	ev := log.Info()
	if !sum.Success {
		ev = log.Error().Str("error", sum.Error)
	}
	ev.Int("found", sum.FilesFound).Int("processed", sum.FilesProcessed).Int("file_errors", len(sum.Errors)).
		Int("rows_persisted", sum.RowsPersisted).Int("rows_skipped", sum.RowsSkipped).Int("rows_failed", sum.RowsFailed).
		Int("steps", sum.StepsEnqueued).Int("triggers_failed", sum.TriggersFailed).
		Dur("took", sum.FinishedAt.Sub(sum.StartedAt)).Msg("batch finished")
}
