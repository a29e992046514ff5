package sleepimpr

import "testing"

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		want FileType
	}{
		{"billing_log_2025-01-15.csv", FileTypeBilling},
		{"BILLING_LOG_20250115.CSV", FileTypeBilling},
		{"/outbound/billing_log.csv", FileTypeBilling},
		{"patient_visit_log_2025-01-15.csv", FileTypeVisit},
		{"patient_visit_20250115.csv", FileTypeVisit},
		{"insurance_pat_ref_2025-01-15.csv", FileTypeInsuranceRef},
		{"legacy_claims_2024.csv", FileTypeLegacyClaims},
		{"claims_kpi_q4.csv", FileTypeLegacyClaims},
		{`C:\drop\legacy_claim_export.csv`, FileTypeLegacyClaims},
		{"random.csv", FileTypeUnknown},
		{"daily_billing_log.csv", FileTypeUnknown},
		{"", FileTypeUnknown},
	}
	for _, tt := range tests {
		if got := Classify(tt.name); got != tt.want {
			t.Errorf("Classify(%q): expected %s, got %s", tt.name, tt.want, got)
		}
	}
}

func TestKnownFileTypes(t *testing.T) {
	types := KnownFileTypes()
	if len(types) != 4 {
		t.Fatalf("expected 4 file types, got %d", len(types))
	}
	if types[0] != FileTypeBilling {
		t.Errorf("expected billing first, got %s", types[0])
	}
}
