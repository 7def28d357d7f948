package model

// ConfidenceLevel is the discrete bucket derived from overall confidence.
type ConfidenceLevel string

const (
	ConfidenceHigh   ConfidenceLevel = "high"
	ConfidenceMedium ConfidenceLevel = "medium"
	ConfidenceLow    ConfidenceLevel = "low"
)

// Resolution reasons recorded on fused fields and conflicts.
const (
	ResolutionUsedOCR          = "used_ocr"
	ResolutionUsedEmail        = "used_email"
	ResolutionHigherConfidence = "higher_confidence"
	ResolutionTieUsedOCR       = "tie_used_ocr"
)

// FusedField is the final value for one field after fusion.
type FusedField struct {
	Value      any     `json:"value"`
	Confidence float64 `json:"confidence"`
	Source     Source  `json:"source"`
}

// FieldConflict records a disagreement between the email and OCR values for
// one field, and how it was resolved.
type FieldConflict struct {
	Field           string  `json:"field"`
	EmailValue      any     `json:"email_value"`
	EmailConfidence float64 `json:"email_confidence"`
	OCRValue        any     `json:"ocr_value"`
	OCRConfidence   float64 `json:"ocr_confidence"`
	Resolution      string  `json:"resolution"`
	ChosenSource    Source  `json:"chosen_source"`
}

// FusedResult merges one email-derived and one OCR-derived extraction into a
// single record with per-field provenance. Built once per job attempt and
// never mutated afterward.
type FusedResult struct {
	Fields            map[string]FusedField `json:"fields"`
	Conflicts         []FieldConflict       `json:"conflicts,omitempty"`
	OverallConfidence float64               `json:"overall_confidence"`
	Level             ConfidenceLevel       `json:"confidence_level"`
	Warnings          []string              `json:"warnings,omitempty"`
}

// Get returns the fused field for key and whether it is populated.
func (f *FusedResult) Get(key string) (FusedField, bool) {
	if f == nil {
		return FusedField{}, false
	}
	ff, ok := f.Fields[key]
	if !ok || ff.Value == nil {
		return FusedField{}, false
	}
	return ff, true
}
