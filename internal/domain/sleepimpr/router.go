package sleepimpr

import (
	"path"
	"strings"
)

type route struct {
	fileType FileType
	prefixes []string
}

// routes is evaluated top to bottom; the first match wins. Prefixes are
// lowercase and compared against the lowercased base name.
var routes = []route{
	{FileTypeBilling, []string{"billing_log"}},
	{FileTypeVisit, []string{"patient_visit_log", "patient_visit"}},
	{FileTypeInsuranceRef, []string{"insurance_pat_ref"}},
	{FileTypeLegacyClaims, []string{"legacy_claims", "legacy_claim", "claims_kpi"}},
}

// Classify maps a file name to its FileType. Names that match no route are
// FileTypeUnknown.
func Classify(name string) FileType {
	base := strings.ToLower(path.Base(strings.ReplaceAll(name, "\\", "/")))
	for _, r := range routes {
		for _, p := range r.prefixes {
			if strings.HasPrefix(base, p) {
				return r.fileType
			}
		}
	}
	return FileTypeUnknown
}

// KnownFileTypes lists every routable type in routing order.
func KnownFileTypes() []FileType {
	out := make([]FileType, 0, len(routes))
	for _, r := range routes {
		out = append(out, r.fileType)
	}
	return out
}
