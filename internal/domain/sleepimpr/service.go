package sleepimpr

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/ehr/sleepetl/internal/platform/csvfile"
)

var ErrUnknownFileType = errors.New("unknown file type")

// FileResult tallies one file's trip through transform and persist.
type FileResult struct {
	FileName      string   `json:"fileName"`
	FileType      FileType `json:"fileType"`
	RowsParsed    int      `json:"rowsParsed"`
	RowsPersisted int      `json:"rowsPersisted"`
	// RowsSkipped counts insert-only rows already loaded from the same file
	// contents.
	RowsSkipped   int        `json:"rowsSkipped"`
	StepsEnqueued int        `json:"stepsEnqueued"`
	RowErrors     []RowError `json:"rowErrors,omitempty"`
	// TriggerErrors holds failed claim enqueues. Their rows are persisted, so
	// they are not row errors.
	TriggerErrors []RowError `json:"triggerErrors,omitempty"`
}

// TriggersFailed counts claim enqueues that failed.
func (r *FileResult) TriggersFailed() int { return len(r.TriggerErrors) }

// Failed counts row errors at the given stage.
func (r *FileResult) Failed(stage string) int {
	n := 0
	for _, e := range r.RowErrors {
		if e.Stage == stage {
			n++
		}
	}
	return n
}

// Retryable reports whether the file hit storage errors that a later run may
// get past. Such files are left in the drop.
func (r *FileResult) Retryable() bool {
	return r.Failed(StagePersist) > 0 || r.TriggersFailed() > 0
}

// Ingestor turns one extract into canonical rows and claim triggers.
type Ingestor struct {
	sink    Sink
	emitter *Emitter
	schemas SchemaMap
	logger  zerolog.Logger
}

func NewIngestor(sink Sink, schemas SchemaMap, logger zerolog.Logger) *Ingestor {
	return &Ingestor{
		sink:    sink,
		emitter: NewEmitter(sink, logger),
		schemas: schemas,
		logger:  logger.With().Str("component", "ingestor").Logger(),
	}
}

func (i *Ingestor) Classify(name string) FileType {
	return Classify(name)
}

// Transform parses text and maps its rows. A structural CSV failure returns
// an error and no items; bad rows are recorded on the result.
func (i *Ingestor) Transform(ft FileType, name, text string) (*FileResult, []Item, error) {
	res := &FileResult{FileName: name, FileType: ft}
	fs, ok := i.schemas[ft]
	if !ok {
		return res, nil, fmt.Errorf("%w: %s", ErrUnknownFileType, name)
	}
	rows, err := csvfile.Parse(text)
	if err != nil {
		return res, nil, fmt.Errorf("parse %s: %w", name, err)
	}
	res.RowsParsed = len(rows)

	meta := NewFileMeta(name)
	meta.Checksum = ContentChecksum(text)
	items, rowErrs, err := TransformRows(ft, fs, meta, rows)
	if err != nil {
		return res, nil, err
	}
	for _, re := range rowErrs {
		i.logger.Warn().Str("file", name).Int("line", re.Line).Str("row", re.Row).Err(re.Err).Msg("row skipped")
	}
	res.RowErrors = append(res.RowErrors, rowErrs...)
	return res, items, nil
}

// Persist writes items in file order. A failing row is recorded and the rest
// still run. It stops early only when ctx is done.
func (i *Ingestor) Persist(ctx context.Context, res *FileResult, items []Item) error {
	fs, ok := i.schemas[res.FileType]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownFileType, res.FileName)
	}
	for _, item := range items {
		if err := ctx.Err(); err != nil {
			return err
		}
		written, err := i.write(ctx, fs, item.Record)
		if err != nil {
			i.logger.Error().Str("file", res.FileName).Int("line", item.Line).Str("key", item.Record.NaturalKey()).
				Str("row", item.Row.String()).Err(err).Msg("row persist failed")
			res.RowErrors = append(res.RowErrors, RowError{
				Line: item.Line, Stage: StagePersist, Key: item.Record.NaturalKey(), Row: item.Row.String(), Err: err,
			})
			continue
		}
		if !written {
			res.RowsSkipped++
			continue
		}
		res.RowsPersisted++

		if item.Trigger == nil {
			continue
		}
		queued, err := i.emitter.MaybeEnqueue(ctx, item.Trigger)
		if err != nil {
			i.logger.Error().Str("file", res.FileName).Int("line", item.Line).Str("encounter_id", item.Trigger.EncounterID).
				Err(err).Msg("claims.submit enqueue failed")
			res.TriggerErrors = append(res.TriggerErrors, RowError{
				Line: item.Line, Stage: StageTrigger, Key: item.Trigger.EncounterID, Row: item.Row.String(), Err: err,
			})
			continue
		}
		if queued {
			res.StepsEnqueued++
		}
	}
	return nil
}

// write stores rec and reports whether a row was written. Insert-only tables
// with a conflict key skip rows an earlier attempt at the same contents
// already loaded.
func (i *Ingestor) write(ctx context.Context, fs FileSchema, rec Record) (bool, error) {
	switch {
	case !fs.InsertOnly:
		return true, i.sink.Upsert(ctx, fs.Table, rec, fs.ConflictKey...)
	case len(fs.ConflictKey) > 0:
		return i.sink.InsertOnce(ctx, fs.Table, rec, fs.ConflictKey...)
	default:
		return true, i.sink.Insert(ctx, fs.Table, rec)
	}
}

// IngestFile classifies, transforms and persists one file.
func (i *Ingestor) IngestFile(ctx context.Context, name, text string) (*FileResult, error) {
	ft := i.Classify(name)
	if ft == FileTypeUnknown {
		return &FileResult{FileName: name, FileType: ft}, fmt.Errorf("%w: %s", ErrUnknownFileType, name)
	}
	res, items, err := i.Transform(ft, name, text)
	if err != nil {
		return res, err
	}
	if err := i.Persist(ctx, res, items); err != nil {
		return res, err
	}
	i.logger.Info().Str("file", name).Str("type", string(ft)).Int("rows", res.RowsParsed).
		Int("persisted", res.RowsPersisted).Int("skipped", res.RowsSkipped).Int("failed", len(res.RowErrors)).
		Int("steps", res.StepsEnqueued).Int("triggers_failed", res.TriggersFailed()).
		Msg("file ingested")
	return res, nil
}
