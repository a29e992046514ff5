package sleepimpr

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
)

type execCall struct {
	sql  string
	args []interface{}
}

type fakeQuerier struct {
	calls []execCall
	tag   string
	err   error
}

func (f *fakeQuerier) Exec(_ context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error) {
	f.calls = append(f.calls, execCall{sql: sql, args: args})
	if f.err != nil {
		return pgconn.CommandTag{}, f.err
	}
	tag := f.tag
	if tag == "" {
		tag = "INSERT 0 1"
	}
	return pgconn.NewCommandTag(tag), nil
}

func testEncounter() *Encounter {
	return &Encounter{
		EncounterID: "P001_2025-01-15",
		PatientID:   "P001",
		ServiceDate: time.Date(2025, 1, 15, 0, 0, 0, 0, time.UTC),
		Origin:      FileTypeBilling,
		CPT:         strPtr("95810"),
		Charge:      200,
		Source:      SourceTag,
		SourceFile:  "billing_log.csv",
	}
}

func TestBuildUpsert(t *testing.T) {
	sql, err := buildUpsert("payer_policies", []string{"patient_id", "payer_name", "member_id"}, []string{"patient_id", "payer_name"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	want := `INSERT INTO "payer_policies" ("patient_id", "payer_name", "member_id") VALUES ($1, $2, $3)` +
		` ON CONFLICT ("patient_id", "payer_name") DO UPDATE SET "member_id" = EXCLUDED."member_id", "updated_at" = NOW()`
	if sql != want {
		t.Errorf("unexpected SQL:\n got: %s\nwant: %s", sql, want)
	}
}

func TestBuildUpsert_Errors(t *testing.T) {
	if _, err := buildUpsert("encounters", []string{"a"}, nil); err == nil {
		t.Error("expected error without conflict key")
	}
	if _, err := buildUpsert("encounters", []string{"a", "b"}, []string{"encounter_id"}); err == nil {
		t.Error("expected error when key is not a column")
	}
	if _, err := buildUpsert(`encounters"; DROP TABLE x; --`, []string{"a"}, []string{"a"}); err == nil {
		t.Error("expected error for unsafe table name")
	}
	if _, err := buildInsert("encounters", []string{"Bad Column"}); err == nil {
		t.Error("expected error for unsafe column name")
	}
	if _, err := buildInsert("encounters", nil); err == nil {
		t.Error("expected error for no columns")
	}
}

func TestSinkPG_Upsert(t *testing.T) {
	q := &fakeQuerier{}
	sink := newSinkWithQuerier(q)
	enc := testEncounter()

	if err := sink.Upsert(context.Background(), TableEncounters, enc, "encounter_id"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(q.calls) != 1 {
		t.Fatalf("expected 1 exec, got %d", len(q.calls))
	}
	call := q.calls[0]
	if !strings.Contains(call.sql, `ON CONFLICT ("encounter_id") DO UPDATE SET`) {
		t.Errorf("expected upsert SQL, got %s", call.sql)
	}
	if strings.Contains(call.sql, `"encounter_id" = EXCLUDED`) {
		t.Error("key column must not be in the update set")
	}
	if len(call.args) != len(enc.Columns()) {
		t.Errorf("expected %d args, got %d", len(enc.Columns()), len(call.args))
	}
	if call.args[0] != "P001_2025-01-15" {
		t.Errorf("expected first arg to be encounter id, got %v", call.args[0])
	}
}

func TestSinkPG_UpsertError(t *testing.T) {
	q := &fakeQuerier{err: errors.New("connection reset")}
	err := newSinkWithQuerier(q).Upsert(context.Background(), TableEncounters, testEncounter(), "encounter_id")
	if err == nil {
		t.Fatal("expected error")
	}
	if !strings.Contains(err.Error(), "P001_2025-01-15") {
		t.Errorf("expected natural key in error, got %v", err)
	}
}

func TestSinkPG_InsertOnce(t *testing.T) {
	step := NewClaimsSubmitStep([16]byte{1}, testEncounter(), time.Now())

	q := &fakeQuerier{tag: "INSERT 0 1"}
	inserted, err := newSinkWithQuerier(q).InsertOnce(context.Background(), TableAutomationSteps, step, "idempotency_key")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !inserted {
		t.Error("expected inserted=true")
	}
	if !strings.HasSuffix(q.calls[0].sql, `ON CONFLICT ("idempotency_key") DO NOTHING`) {
		t.Errorf("unexpected SQL %s", q.calls[0].sql)
	}

	q = &fakeQuerier{tag: "INSERT 0 0"}
	inserted, err = newSinkWithQuerier(q).InsertOnce(context.Background(), TableAutomationSteps, step, "idempotency_key")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if inserted {
		t.Error("expected inserted=false on conflict")
	}

	if _, err := newSinkWithQuerier(q).InsertOnce(context.Background(), TableAutomationSteps, step); err == nil {
		t.Error("expected error without conflict key")
	}
}

func TestSinkPG_Insert(t *testing.T) {
	q := &fakeQuerier{}
	k := &LegacyClaimKPI{SourceFile: "legacy_claims.csv", SourceLine: 2, Raw: []byte(`{}`)}
	if err := newSinkWithQuerier(q).Insert(context.Background(), TableLegacyClaimKPIs, k); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if strings.Contains(q.calls[0].sql, "ON CONFLICT") {
		t.Errorf("plain insert must not have a conflict clause: %s", q.calls[0].sql)
	}
}
