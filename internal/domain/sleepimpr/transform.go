package sleepimpr

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"path"
	"regexp"
	"sort"
	"time"

	"github.com/ehr/sleepetl/internal/platform/csvfile"
)

// Row-level stages reported in RowError.
const (
	StageTransform = "transform"
	StagePersist   = "persist"
	StageTrigger   = "trigger"
)

// Item is one transformed row. Trigger is set when persisting the record
// should also queue claim submission for the encounter.
type Item struct {
	Line    int
	Row     csvfile.Row
	Record  Record
	Trigger *Encounter
}

// RowError records a row that was skipped. It never aborts the file.
type RowError struct {
	Line  int    `json:"line"`
	Stage string `json:"stage"`
	Key   string `json:"key,omitempty"`
	Row   string `json:"row"`
	Err   error  `json:"-"`
}

func (e RowError) Error() string {
	if e.Key != "" {
		return fmt.Sprintf("line %d (%s) %s: %v", e.Line, e.Key, e.Stage, e.Err)
	}
	return fmt.Sprintf("line %d %s: %v", e.Line, e.Stage, e.Err)
}

func (e RowError) MarshalJSON() ([]byte, error) {
	type alias RowError
	msg := ""
	if e.Err != nil {
		msg = e.Err.Error()
	}
	return json.Marshal(struct {
		alias
		Error string `json:"error"`
	}{alias(e), msg})
}

// FileMeta carries file-level context into the transforms.
type FileMeta struct {
	Name string
	// ExtractDate is parsed from the file name when it carries one.
	ExtractDate *time.Time
	// Checksum is the hex SHA-256 of the file contents.
	Checksum string
}

var fileDateRe = regexp.MustCompile(`(\d{4}-\d{2}-\d{2}|\d{8})`)

// NewFileMeta builds FileMeta from a file name.
func NewFileMeta(name string) FileMeta {
	meta := FileMeta{Name: path.Base(name)}
	if m := fileDateRe.FindString(meta.Name); m != "" {
		meta.ExtractDate = ParseOptionalDate(m)
	}
	return meta
}

// ContentChecksum returns the hex SHA-256 of text.
func ContentChecksum(text string) string {
	sum := sha256.Sum256([]byte(text))
	return hex.EncodeToString(sum[:])
}

var (
	errMissingPatientID = errors.New("missing patient id")
	errMissingPayer     = errors.New("missing payer name")
	errMissingField     = errors.New("missing required field")
)

// missingFieldErrs gives the error for a blank required field when one is
// more specific than errMissingField.
var missingFieldErrs = map[string]error{
	"patient_id":   errMissingPatientID,
	"payer_name":   errMissingPayer,
	"service_date": ErrEmptyDate,
}

// checkRequired fails on the first field, in name order, that the mapping
// marks required and row leaves blank.
func checkRequired(row csvfile.Row, fs FileSchema) error {
	names := make([]string, 0, len(fs.Fields))
	for name, spec := range fs.Fields {
		if spec.Required {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	for _, name := range names {
		if fs.Value(row, name) != "" {
			continue
		}
		if err, ok := missingFieldErrs[name]; ok {
			return fmt.Errorf("%s: %w", name, err)
		}
		return fmt.Errorf("%w: %s", errMissingField, name)
	}
	return nil
}

type rowTransform func(row csvfile.Row, fs FileSchema, meta FileMeta) (Item, error)

var transforms = map[FileType]rowTransform{
	FileTypeBilling:      transformBilling,
	FileTypeVisit:        transformVisit,
	FileTypeInsuranceRef: transformInsuranceRef,
	FileTypeLegacyClaims: transformLegacyClaim,
}

// TransformRows maps parsed rows to canonical records. Rows that cannot be
// mapped are returned as RowErrors; the rest are returned in file order.
func TransformRows(ft FileType, fs FileSchema, meta FileMeta, rows []csvfile.Row) ([]Item, []RowError, error) {
	fn, ok := transforms[ft]
	if !ok {
		return nil, nil, fmt.Errorf("no transform for file type %s", ft)
	}
	items := make([]Item, 0, len(rows))
	var rowErrs []RowError
	for _, row := range rows {
		err := checkRequired(row, fs)
		var item Item
		if err == nil {
			item, err = fn(row, fs, meta)
		}
		if err != nil {
			rowErrs = append(rowErrs, RowError{Line: row.Line, Stage: StageTransform, Row: row.String(), Err: err})
			continue
		}
		item.Line = row.Line
		item.Row = row
		items = append(items, item)
	}
	return items, rowErrs, nil
}

func encounterBase(row csvfile.Row, fs FileSchema, meta FileMeta, origin FileType) (*Encounter, error) {
	patientID := fs.Value(row, "patient_id")
	if patientID == "" {
		return nil, errMissingPatientID
	}
	serviceDate, err := ParseDate(fs.Value(row, "service_date"))
	if err != nil {
		return nil, fmt.Errorf("service date: %w", err)
	}
	return &Encounter{
		EncounterID: EncounterKey(patientID, serviceDate),
		PatientID:   patientID,
		PatientName: strPtr(fs.Value(row, "patient_name")),
		ServiceDate: serviceDate,
		Origin:      origin,
		Provider:    strPtr(fs.Value(row, "provider")),
		Source:      SourceTag,
		SourceFile:  meta.Name,
	}, nil
}

func transformBilling(row csvfile.Row, fs FileSchema, meta FileMeta) (Item, error) {
	enc, err := encounterBase(row, fs, meta, FileTypeBilling)
	if err != nil {
		return Item{}, err
	}
	enc.CPT = strPtr(fs.Value(row, "cpt"))
	enc.ICD10 = strPtr(fs.Value(row, "icd10"))
	enc.PayerName = strPtr(fs.Value(row, "payer_name"))
	enc.ClaimStatus = strPtr(fs.Value(row, "claim_status"))
	enc.Charge = CoerceAmount(fs.Value(row, "charge"))
	enc.Paid = CoerceAmount(fs.Value(row, "paid"))
	if v, ok := ParseAmount(fs.Value(row, "balance")); ok {
		enc.Balance = v
	} else {
		enc.Balance = enc.Charge - enc.Paid
	}
	return Item{Record: enc}, nil
}

func transformVisit(row csvfile.Row, fs FileSchema, meta FileMeta) (Item, error) {
	enc, err := encounterBase(row, fs, meta, FileTypeVisit)
	if err != nil {
		return Item{}, err
	}
	enc.Stage = strPtr(fs.Value(row, "stage"))
	enc.VisitType = strPtr(fs.Value(row, "visit_type"))
	enc.Location = strPtr(fs.Value(row, "location"))
	item := Item{Record: enc}
	if enc.IsDelivery() {
		item.Trigger = enc
	}
	return item, nil
}

func transformInsuranceRef(row csvfile.Row, fs FileSchema, meta FileMeta) (Item, error) {
	patientID := fs.Value(row, "patient_id")
	if patientID == "" {
		return Item{}, errMissingPatientID
	}
	payer := fs.Value(row, "payer_name")
	if payer == "" {
		return Item{}, errMissingPayer
	}
	return Item{Record: &PayerPolicy{
		PatientID:       patientID,
		PayerName:       payer,
		MemberID:        strPtr(fs.Value(row, "member_id")),
		GroupNumber:     strPtr(fs.Value(row, "group_number")),
		PlanName:        strPtr(fs.Value(row, "plan_name")),
		Priority:        strPtr(fs.Value(row, "priority")),
		SubscriberName:  strPtr(fs.Value(row, "subscriber_name")),
		EffectiveDate:   ParseOptionalDate(fs.Value(row, "effective_date")),
		TerminationDate: ParseOptionalDate(fs.Value(row, "termination_date")),
		Source:          SourceTag,
		SourceFile:      meta.Name,
	}}, nil
}

func transformLegacyClaim(row csvfile.Row, fs FileSchema, meta FileMeta) (Item, error) {
	raw, err := json.Marshal(row.Values)
	if err != nil {
		return Item{}, fmt.Errorf("encode raw row: %w", err)
	}
	snapshot := ParseOptionalDate(fs.Value(row, "snapshot_date"))
	if snapshot == nil {
		snapshot = meta.ExtractDate
	}
	return Item{Record: &LegacyClaimKPI{
		ClaimNumber:  strPtr(fs.Value(row, "claim_number")),
		PatientID:    strPtr(fs.Value(row, "patient_id")),
		ServiceDate:  ParseOptionalDate(fs.Value(row, "service_date")),
		PayerName:    strPtr(fs.Value(row, "payer_name")),
		ClaimStatus:  strPtr(fs.Value(row, "claim_status")),
		BilledAmount: CoerceAmount(fs.Value(row, "billed_amount")),
		PaidAmount:   CoerceAmount(fs.Value(row, "paid_amount")),
		DaysInAR:     ParseOptionalInt(fs.Value(row, "days_in_ar")),
		SnapshotDate: snapshot,
		Raw:          raw,
		Source:       SourceTag,
		SourceFile:   meta.Name,
		FileChecksum: meta.Checksum,
		SourceLine:   row.Line,
	}}, nil
}
