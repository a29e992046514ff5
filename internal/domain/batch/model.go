package batch

import (
	"time"

	"github.com/google/uuid"

	"github.com/ehr/sleepetl/internal/domain/sleepimpr"
)

// State is a step of the batch state machine.
type State string

const (
	StateIdle         State = "idle"
	StateConnecting   State = "connecting"
	StateListing      State = "listing"
	StateDownloading  State = "downloading"
	StateClassifying  State = "classifying"
	StateTransforming State = "transforming"
	StatePersisting   State = "persisting"
	StateArchiving    State = "archiving"
	StateSummarizing  State = "summarizing"
	StateDisconnected State = "disconnected"
)

// Trigger names how a run was started.
const (
	TriggerHTTP     = "http"
	TriggerCLI      = "cli"
	TriggerSchedule = "schedule"
	TriggerWatch    = "watch"
	TriggerLocal    = "local"
)

// FileStatus is the final disposition of one file.
type FileStatus string

const (
	// FileProcessed: persisted and archived.
	FileProcessed FileStatus = "processed"
	// FilePartial: some rows failed to persist; left in the drop for retry.
	FilePartial FileStatus = "partial"
	// FileNotArchived: persisted but the archive move failed.
	FileNotArchived FileStatus = "not_archived"
	FileFailed      FileStatus = "failed"
	FileSkipped     FileStatus = "skipped"
)

// Stages reported in FileError. They mirror the state in which the file failed.
const (
	StageDownload  = "download"
	StageClassify  = "classify"
	StageTransform = "transform"
	StagePersist   = "persist"
	StageArchive   = "archive"
	StageDeadline  = "deadline"
)

// FileError is one file-level entry in the summary's error list.
type FileError struct {
	FileName string `json:"fileName"`
	Stage    string `json:"stage"`
	Error    string `json:"error"`
}

// FileOutcome is the per-file result aggregated into the summary.
type FileOutcome struct {
	Name       string                `json:"name"`
	Type       sleepimpr.FileType    `json:"type"`
	Status     FileStatus            `json:"status"`
	ArchivedTo string                `json:"archivedTo,omitempty"`
	Duration   time.Duration         `json:"durationNs"`
	Result     *sleepimpr.FileResult `json:"result,omitempty"`
}

// Summary describes one batch run.
type Summary struct {
	RunID      uuid.UUID `json:"runId"`
	Trigger    string    `json:"trigger"`
	Success    bool      `json:"success"`
	Error      string    `json:"error,omitempty"`
	StartedAt  time.Time `json:"startedAt"`
	FinishedAt time.Time `json:"finishedAt"`

	FilesFound     int           `json:"filesFound"`
	FilesProcessed int           `json:"filesProcessed"`
	ProcessedFiles []string      `json:"processedFiles"`
	Errors         []FileError   `json:"errors,omitempty"`
	Files          []FileOutcome `json:"files"`

	RowsParsed     int `json:"rowsParsed"`
	RowsPersisted  int `json:"rowsPersisted"`
	RowsSkipped    int `json:"rowsSkipped"`
	RowsFailed     int `json:"rowsFailed"`
	StepsEnqueued  int `json:"stepsEnqueued"`
	TriggersFailed int `json:"triggersFailed"`
}

func newSummary(id uuid.UUID, trigger string, started time.Time) *Summary {
	return &Summary{
		RunID:          id,
		Trigger:        trigger,
		StartedAt:      started,
		ProcessedFiles: []string{},
		Files:          []FileOutcome{},
	}
}

func (s *Summary) addError(file, stage string, err error) {
	s.Errors = append(s.Errors, FileError{FileName: file, Stage: stage, Error: err.Error()})
}

func (s *Summary) addOutcome(o FileOutcome) {
	s.Files = append(s.Files, o)
	if o.Status == FileProcessed {
		s.FilesProcessed++
		s.ProcessedFiles = append(s.ProcessedFiles, o.Name)
	}
	if o.Result != nil {
		s.RowsParsed += o.Result.RowsParsed
		s.RowsPersisted += o.Result.RowsPersisted
		s.RowsSkipped += o.Result.RowsSkipped
		s.RowsFailed += len(o.Result.RowErrors)
		s.StepsEnqueued += o.Result.StepsEnqueued
		s.TriggersFailed += o.Result.TriggersFailed()
	}
}

// Outcome is the metrics label for the run.
func (s *Summary) Outcome() string {
	switch {
	case !s.Success:
		return "failed"
	case len(s.Errors) > 0:
		return "partial"
	default:
		return "success"
	}
}

// TriggerResponse is the HTTP trigger's success body.
type TriggerResponse struct {
	Success        bool        `json:"success"`
	Timestamp      time.Time   `json:"timestamp"`
	FilesFound     int         `json:"filesFound"`
	FilesProcessed int         `json:"filesProcessed"`
	ProcessedFiles []string    `json:"processedFiles"`
	Errors         []FileError `json:"errors,omitempty"`
}

// FailureResponse is the HTTP body for runs that could not start or connect.
type FailureResponse struct {
	Success   bool      `json:"success"`
	Error     string    `json:"error"`
	Missing   []string  `json:"missing,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

func (s *Summary) Response() TriggerResponse {
	return TriggerResponse{
		Success:        s.Success,
		Timestamp:      s.FinishedAt,
		FilesFound:     s.FilesFound,
		FilesProcessed: s.FilesProcessed,
		ProcessedFiles: s.ProcessedFiles,
		Errors:         s.Errors,
	}
}

// Run is a row of the etl_runs log.
type Run struct {
	ID             uuid.UUID `json:"id"`
	Trigger        string    `json:"trigger"`
	Success        bool      `json:"success"`
	StartedAt      time.Time `json:"started_at"`
	FinishedAt     time.Time `json:"finished_at"`
	FilesFound     int       `json:"files_found"`
	FilesProcessed int       `json:"files_processed"`
	RowsPersisted  int       `json:"rows_persisted"`
	RowsFailed     int       `json:"rows_failed"`
	StepsEnqueued  int       `json:"steps_enqueued"`
	Error          *string   `json:"error,omitempty"`
	Summary        *Summary  `json:"summary,omitempty"`
}

// RunFromSummary builds the log row for a finished run.
func RunFromSummary(s *Summary) *Run {
	r := &Run{
		ID:             s.RunID,
		Trigger:        s.Trigger,
		Success:        s.Success,
		StartedAt:      s.StartedAt,
		FinishedAt:     s.FinishedAt,
		FilesFound:     s.FilesFound,
		FilesProcessed: s.FilesProcessed,
		RowsPersisted:  s.RowsPersisted,
		RowsFailed:     s.RowsFailed,
		StepsEnqueued:  s.StepsEnqueued,
		Summary:        s,
	}
	if s.Error != "" {
		e := s.Error
		r.Error = &e
	}
	return r
}
