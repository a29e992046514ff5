package sleepimpr

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// SourceTag is stamped on every canonical row written by this pipeline.
const SourceTag = "sleepimpr"

const (
	TableEncounters      = "encounters"
	TablePayerPolicies   = "payer_policies"
	TableLegacyClaimKPIs = "legacy_claim_kpis"
	TableAutomationSteps = "automation_steps"
)

// Automation step values.
const (
	ActionClaimsSubmit = "claims.submit"
	StepStatusPending  = "pending"
	DeliveryStage      = "Delivery"
)

// FileType identifies which transform applies to an extract.
type FileType string

const (
	FileTypeUnknown      FileType = "unknown"
	FileTypeBilling      FileType = "billing"
	FileTypeVisit        FileType = "visit"
	FileTypeInsuranceRef FileType = "insurance_ref"
	FileTypeLegacyClaims FileType = "legacy_claims"
)

// Record is a canonical row ready for the sink. Columns and Values are
// parallel slices.
type Record interface {
	Columns() []string
	Values() []any
	// NaturalKey identifies the record in logs and errors.
	NaturalKey() string
}

// EncounterKey derives the natural key shared by billing and visit rows so
// both files correlate to the same encounter.
func EncounterKey(patientID string, serviceDate time.Time) string {
	return patientID + "_" + serviceDate.Format(DateLayout)
}

// Encounter maps to the encounters table. Billing and visit extracts both
// produce encounters but own different columns; Origin selects which columns
// a given row writes so one file never blanks out the other's fields.
type Encounter struct {
	EncounterID string    `json:"encounter_id"`
	PatientID   string    `json:"patient_id"`
	PatientName *string   `json:"patient_name,omitempty"`
	ServiceDate time.Time `json:"service_date"`
	Origin      FileType  `json:"origin"`

	// Billing columns
	CPT         *string `json:"cpt,omitempty"`
	ICD10       *string `json:"icd10,omitempty"`
	PayerName   *string `json:"payer_name,omitempty"`
	ClaimStatus *string `json:"claim_status,omitempty"`
	Charge      float64 `json:"charge"`
	Paid        float64 `json:"paid"`
	Balance     float64 `json:"balance"`

	// Visit columns
	Stage     *string `json:"stage,omitempty"`
	VisitType *string `json:"visit_type,omitempty"`
	Location  *string `json:"location,omitempty"`

	Provider   *string `json:"provider,omitempty"`
	Source     string  `json:"source"`
	SourceFile string  `json:"source_file"`
}

func (e *Encounter) NaturalKey() string { return e.EncounterID }

// Shared optional columns are only written when present, so a file that
// omits them leaves the other file's values alone.
func (e *Encounter) Columns() []string {
	cols := []string{"encounter_id", "patient_id", "service_date"}
	if e.PatientName != nil {
		cols = append(cols, "patient_name")
	}
	if e.Provider != nil {
		cols = append(cols, "provider")
	}
	switch e.Origin {
	case FileTypeVisit:
		cols = append(cols, "stage", "visit_type", "location")
	default:
		cols = append(cols, "cpt", "icd10", "payer_name", "claim_status", "charge", "paid", "balance")
	}
	return append(cols, "source", "source_file")
}

func (e *Encounter) Values() []any {
	vals := []any{e.EncounterID, e.PatientID, e.ServiceDate}
	if e.PatientName != nil {
		vals = append(vals, e.PatientName)
	}
	if e.Provider != nil {
		vals = append(vals, e.Provider)
	}
	switch e.Origin {
	case FileTypeVisit:
		vals = append(vals, e.Stage, e.VisitType, e.Location)
	default:
		vals = append(vals, e.CPT, e.ICD10, e.PayerName, e.ClaimStatus, e.Charge, e.Paid, e.Balance)
	}
	return append(vals, e.Source, e.SourceFile)
}

// IsDelivery reports whether the visit stage triggers claim submission.
func (e *Encounter) IsDelivery() bool {
	return e.Stage != nil && strings.EqualFold(strings.TrimSpace(*e.Stage), DeliveryStage)
}

// PayerPolicy maps to payer_policies, keyed by (patient_id, payer_name)
// because a patient may carry several policies.
type PayerPolicy struct {
	PatientID       string     `json:"patient_id"`
	PayerName       string     `json:"payer_name"`
	MemberID        *string    `json:"member_id,omitempty"`
	GroupNumber     *string    `json:"group_number,omitempty"`
	PlanName        *string    `json:"plan_name,omitempty"`
	Priority        *string    `json:"priority,omitempty"`
	SubscriberName  *string    `json:"subscriber_name,omitempty"`
	EffectiveDate   *time.Time `json:"effective_date,omitempty"`
	TerminationDate *time.Time `json:"termination_date,omitempty"`
	Source          string     `json:"source"`
	SourceFile      string     `json:"source_file"`
}

func (p *PayerPolicy) NaturalKey() string { return p.PatientID + "/" + p.PayerName }

func (p *PayerPolicy) Columns() []string {
	return []string{
		"patient_id", "payer_name", "member_id", "group_number", "plan_name", "priority",
		"subscriber_name", "effective_date", "termination_date", "source", "source_file",
	}
}

func (p *PayerPolicy) Values() []any {
	return []any{
		p.PatientID, p.PayerName, p.MemberID, p.GroupNumber, p.PlanName, p.Priority,
		p.SubscriberName, p.EffectiveDate, p.TerminationDate, p.Source, p.SourceFile,
	}
}

// LegacyClaimKPI is a historical snapshot row. Snapshots accumulate; they are
// never merged.
type LegacyClaimKPI struct {
	ClaimNumber  *string         `json:"claim_number,omitempty"`
	PatientID    *string         `json:"patient_id,omitempty"`
	ServiceDate  *time.Time      `json:"service_date,omitempty"`
	PayerName    *string         `json:"payer_name,omitempty"`
	ClaimStatus  *string         `json:"claim_status,omitempty"`
	BilledAmount float64         `json:"billed_amount"`
	PaidAmount   float64         `json:"paid_amount"`
	DaysInAR     *int            `json:"days_in_ar,omitempty"`
	SnapshotDate *time.Time      `json:"snapshot_date,omitempty"`
	Raw          json.RawMessage `json:"raw"`
	Source       string          `json:"source"`
	SourceFile   string          `json:"source_file"`
	FileChecksum string          `json:"file_checksum"`
	SourceLine   int             `json:"source_line"`
}

func (k *LegacyClaimKPI) NaturalKey() string {
	return fmt.Sprintf("%s:%d", k.SourceFile, k.SourceLine)
}

func (k *LegacyClaimKPI) Columns() []string {
	return []string{
		"claim_number", "patient_id", "service_date", "payer_name", "claim_status",
		"billed_amount", "paid_amount", "days_in_ar", "snapshot_date", "raw",
		"source", "source_file", "file_checksum", "source_line",
	}
}

func (k *LegacyClaimKPI) Values() []any {
	return []any{
		k.ClaimNumber, k.PatientID, k.ServiceDate, k.PayerName, k.ClaimStatus,
		k.BilledAmount, k.PaidAmount, k.DaysInAR, k.SnapshotDate, []byte(k.Raw),
		k.Source, k.SourceFile, k.FileChecksum, k.SourceLine,
	}
}

// AutomationStep is a unit of work queued for the claims-automation worker.
// This pipeline only ever inserts steps.
type AutomationStep struct {
	ID             uuid.UUID      `json:"id"`
	ActionType     string         `json:"action_type"`
	Status         string         `json:"status"`
	IdempotencyKey string         `json:"idempotency_key"`
	EncounterID    string         `json:"encounter_id"`
	Metadata       map[string]any `json:"metadata"`
	CreatedAt      time.Time      `json:"created_at"`
}

func (s *AutomationStep) NaturalKey() string { return s.IdempotencyKey }

func (s *AutomationStep) Columns() []string {
	return []string{"id", "action_type", "status", "idempotency_key", "encounter_id", "metadata", "created_at"}
}

func (s *AutomationStep) Values() []any {
	meta, _ := json.Marshal(s.Metadata)
	return []any{s.ID, s.ActionType, s.Status, s.IdempotencyKey, s.EncounterID, meta, s.CreatedAt}
}

func strPtr(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func strPtrVal(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
