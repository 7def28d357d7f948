package model

// Source identifies where a field value was extracted from.
type Source string

const (
	SourceEmail Source = "email"
	SourceOCR   Source = "ocr"
	// SourceBoth marks a fused field whose email and OCR values agreed.
	SourceBoth Source = "both"
)

// FieldValue is a single extracted value with the extractor's confidence.
type FieldValue struct {
	Value      any     `json:"value"`
	Confidence float64 `json:"confidence"`
}

// Extraction is the full output of one extraction source for one job: a
// mapping from field key to value and confidence. Extractions are produced
// once per source per job and never mutated.
type Extraction struct {
	Source   Source                `json:"source"`
	EmailID  string                `json:"email_id,omitempty"`
	Filename string                `json:"filename,omitempty"`
	Fields   map[string]FieldValue `json:"fields"`
}

// Get returns the field value for key and whether it is populated. A field
// present in the map but holding a nil value counts as absent.
func (e *Extraction) Get(key string) (FieldValue, bool) {
	if e == nil {
		return FieldValue{}, false
	}
	fv, ok := e.Fields[key]
	if !ok || fv.Value == nil {
		return FieldValue{}, false
	}
	return fv, true
}

// Keys returns every populated field key across both extractions, without
// duplicates. Order is not specified.
func Keys(email, ocr *Extraction) []string {
	seen := make(map[string]bool)
	var keys []string
	for _, e := range []*Extraction{email, ocr} {
		if e == nil {
			continue
		}
		for k, fv := range e.Fields {
			if fv.Value == nil || seen[k] {
				continue
			}
			seen[k] = true
			keys = append(keys, k)
		}
	}
	return keys
}
