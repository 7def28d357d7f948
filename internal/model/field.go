package model

// FieldType declares how a field's values are compared during fusion.
type FieldType string

const (
	FieldTypeString FieldType = "string"
	FieldTypeNumber FieldType = "number"
	FieldTypeDate   FieldType = "date"
)

// FieldSpec describes one known claim field: its value type, whether it
// counts toward the required-field confidence weighting, and which source
// wins when both extractors produce a value.
type FieldSpec struct {
	Key      string    `json:"key" yaml:"key"`
	Type     FieldType `json:"type" yaml:"type"`
	Required bool      `json:"required" yaml:"required"`
	// Prefer names the source whose value wins on agreement or conflict.
	// Empty means no preference: the higher-confidence side wins.
	Prefer Source `json:"prefer,omitempty" yaml:"prefer,omitempty"`
}

// FieldRegistry is an indexed collection of field specs.
type FieldRegistry struct {
	Fields   []FieldSpec
	byKey    map[string]*FieldSpec
	required []*FieldSpec
}

// NewFieldRegistry creates a FieldRegistry with indexed lookups.
func NewFieldRegistry(fields []FieldSpec) *FieldRegistry {
	r := &FieldRegistry{
		Fields: fields,
		byKey:  make(map[string]*FieldSpec, len(fields)),
	}
	for i := range r.Fields {
		f := &r.Fields[i]
		r.byKey[f.Key] = f
		if f.Required {
			r.required = append(r.required, f)
		}
	}
	return r
}

// ByKey returns the field spec for the given key, or nil if not found.
func (r *FieldRegistry) ByKey(key string) *FieldSpec {
	return r.byKey[key]
}

// Required returns all required field specs.
func (r *FieldRegistry) Required() []*FieldSpec {
	return r.required
}

// DefaultFields is the claim field schema. OCR reads monetary, date and
// provider fields straight off the receipt, so it wins those; identity
// fields come from the member's own email and prefer the email side.
func DefaultFields() *FieldRegistry {
	return NewFieldRegistry([]FieldSpec{
		{Key: "amount", Type: FieldTypeNumber, Required: true, Prefer: SourceOCR},
		{Key: "service_date", Type: FieldTypeDate, Required: true, Prefer: SourceOCR},
		{Key: "provider", Type: FieldTypeString, Required: true, Prefer: SourceOCR},
		{Key: "invoice_number", Type: FieldTypeString, Prefer: SourceOCR},
		{Key: "member_id", Type: FieldTypeString, Required: true, Prefer: SourceEmail},
		{Key: "member_name", Type: FieldTypeString, Prefer: SourceEmail},
		{Key: "policy_number", Type: FieldTypeString, Required: true, Prefer: SourceEmail},
		{Key: "currency", Type: FieldTypeString},
		{Key: "treatment", Type: FieldTypeString},
		{Key: "notes", Type: FieldTypeString},
	})
}
