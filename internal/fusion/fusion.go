package fusion

import (
	"fmt"
	"sort"

	"go.uber.org/zap"

	"github.com/sells-group/claims-cli/internal/config"
	"github.com/sells-group/claims-cli/internal/model"
)

// Confidence boosts applied when both sources agree on a field, capped at 1.0.
const (
	exactMatchBoost = 0.10
	fuzzyMatchBoost = 0.05
)

// Aggregate weights for overall confidence: required fields carry 70%, all
// other populated fields share the remaining 30%.
const (
	requiredWeight = 0.70
	otherWeight    = 0.30
)

// Engine fuses two extractions into one FusedResult. It is pure given its
// configuration and holds no shared state, so it is safe for concurrent use.
type Engine struct {
	fields  *model.FieldRegistry
	matcher *Matcher
	high    float64
	medium  float64
}

// NewEngine creates a fusion engine from config and a field registry.
func NewEngine(cfg config.FusionConfig, fields *model.FieldRegistry) *Engine {
	high := cfg.HighThreshold
	if high <= 0 {
		high = 0.90
	}
	medium := cfg.MediumThreshold
	if medium <= 0 {
		medium = 0.75
	}
	if fields == nil {
		fields = model.DefaultFields()
	}
	return &Engine{
		fields:  fields,
		matcher: NewMatcher(cfg.FuzzyThreshold),
		high:    high,
		medium:  medium,
	}
}

// Fields returns the field registry the engine fuses against.
func (e *Engine) Fields() *model.FieldRegistry {
	return e.fields
}

// Fuse merges the email and OCR extractions. Either side may be nil; a
// single-source extraction is copied verbatim. Both sides nil yields a
// zero-confidence result with a warning rather than an error.
func (e *Engine) Fuse(email, ocr *model.Extraction) *model.FusedResult {
	result := &model.FusedResult{
		Fields: make(map[string]model.FusedField),
	}

	switch {
	case email == nil && ocr == nil:
		result.Level = model.ConfidenceLow
		result.Warnings = append(result.Warnings, "no extraction sources provided")
		return result
	case email == nil:
		e.copySingle(result, ocr)
	case ocr == nil:
		e.copySingle(result, email)
	default:
		for _, key := range e.fieldOrder(email, ocr) {
			e.fuseField(result, key, email, ocr)
		}
	}

	e.scoreOverall(result)
	e.warnMissingRequired(result)

	zap.L().Debug("fusion complete",
		zap.Int("fields", len(result.Fields)),
		zap.Int("conflicts", len(result.Conflicts)),
		zap.Float64("overall_confidence", result.OverallConfidence),
		zap.String("level", string(result.Level)),
	)
	return result
}

// copySingle copies one extraction's populated fields verbatim.
func (e *Engine) copySingle(result *model.FusedResult, src *model.Extraction) {
	for key, fv := range src.Fields {
		if fv.Value == nil {
			continue
		}
		result.Fields[key] = model.FusedField{
			Value:      fv.Value,
			Confidence: clamp(fv.Confidence),
			Source:     src.Source,
		}
	}
}

// fieldOrder returns the keys to fuse in a stable order: declared schema
// fields first, then any extra populated keys sorted. Stable order keeps
// fusion deterministic for identical inputs.
func (e *Engine) fieldOrder(email, ocr *model.Extraction) []string {
	var keys []string
	declared := make(map[string]bool, len(e.fields.Fields))
	for _, f := range e.fields.Fields {
		declared[f.Key] = true
		keys = append(keys, f.Key)
	}

	var extras []string
	for _, k := range model.Keys(email, ocr) {
		if !declared[k] {
			extras = append(extras, k)
		}
	}
	sort.Strings(extras)
	return append(keys, extras...)
}

func (e *Engine) fuseField(result *model.FusedResult, key string, email, ocr *model.Extraction) {
	ev, hasEmail := email.Get(key)
	ov, hasOCR := ocr.Get(key)

	switch {
	case !hasEmail && !hasOCR:
		return
	case !hasOCR:
		result.Fields[key] = model.FusedField{Value: ev.Value, Confidence: clamp(ev.Confidence), Source: model.SourceEmail}
		return
	case !hasEmail:
		result.Fields[key] = model.FusedField{Value: ov.Value, Confidence: clamp(ov.Confidence), Source: model.SourceOCR}
		return
	}

	spec := e.fields.ByKey(key)
	match := e.match(spec, ev.Value, ov.Value)

	if match.Agrees {
		value, conf := e.chooseAgreeing(spec, ev, ov)
		boost := fuzzyMatchBoost
		if match.Exact {
			boost = exactMatchBoost
		}
		result.Fields[key] = model.FusedField{
			Value:      value,
			Confidence: clamp(conf + boost),
			Source:     model.SourceBoth,
		}
		return
	}

	value, conf, source, resolution := e.resolveConflict(spec, ev, ov)
	result.Fields[key] = model.FusedField{Value: value, Confidence: clamp(conf), Source: source}
	result.Conflicts = append(result.Conflicts, model.FieldConflict{
		Field:           key,
		EmailValue:      ev.Value,
		EmailConfidence: ev.Confidence,
		OCRValue:        ov.Value,
		OCRConfidence:   ov.Confidence,
		Resolution:      resolution,
		ChosenSource:    source,
	})

	zap.L().Warn("fusion: field conflict",
		zap.String("field", key),
		zap.Any("email_value", ev.Value),
		zap.Float64("email_confidence", ev.Confidence),
		zap.Any("ocr_value", ov.Value),
		zap.Float64("ocr_confidence", ov.Confidence),
		zap.String("resolution", resolution),
	)
}

// match dispatches to the matcher by the field's declared type. Unknown
// fields compare as strings.
func (e *Engine) match(spec *model.FieldSpec, a, b any) MatchResult {
	fieldType := model.FieldTypeString
	if spec != nil {
		fieldType = spec.Type
	}
	switch fieldType {
	case model.FieldTypeNumber:
		return e.matcher.MatchNumbers(a, b)
	case model.FieldTypeDate:
		return e.matcher.MatchDates(a, b)
	default:
		return e.matcher.MatchStrings(a, b)
	}
}

// chooseAgreeing picks the winning value when both sources agree. The base
// confidence is the chosen side's score; the caller applies the boost.
func (e *Engine) chooseAgreeing(spec *model.FieldSpec, ev, ov model.FieldValue) (any, float64) {
	if spec != nil {
		switch spec.Prefer {
		case model.SourceOCR:
			return ov.Value, ov.Confidence
		case model.SourceEmail:
			return ev.Value, ev.Confidence
		}
	}
	if ev.Confidence > ov.Confidence {
		return ev.Value, ev.Confidence
	}
	return ov.Value, ov.Confidence
}

// resolveConflict picks the winner when the sources disagree. No boost is
// applied. Preference rules win outright; otherwise the higher-confidence
// side wins, with exact ties broken in favor of OCR.
func (e *Engine) resolveConflict(spec *model.FieldSpec, ev, ov model.FieldValue) (any, float64, model.Source, string) {
	if spec != nil {
		switch spec.Prefer {
		case model.SourceOCR:
			return ov.Value, ov.Confidence, model.SourceOCR, model.ResolutionUsedOCR
		case model.SourceEmail:
			return ev.Value, ev.Confidence, model.SourceEmail, model.ResolutionUsedEmail
		}
	}
	switch {
	case ev.Confidence > ov.Confidence:
		return ev.Value, ev.Confidence, model.SourceEmail, model.ResolutionHigherConfidence
	case ov.Confidence > ev.Confidence:
		return ov.Value, ov.Confidence, model.SourceOCR, model.ResolutionHigherConfidence
	default:
		return ov.Value, ov.Confidence, model.SourceOCR, model.ResolutionTieUsedOCR
	}
}

// scoreOverall computes the weighted overall confidence and its level.
// Required fields carry 70% in aggregate, all other populated fields 30%;
// with no required field populated it falls back to a simple average.
func (e *Engine) scoreOverall(result *model.FusedResult) {
	var reqSum, otherSum float64
	var reqCount, otherCount int

	for key, ff := range result.Fields {
		spec := e.fields.ByKey(key)
		if spec != nil && spec.Required {
			reqSum += ff.Confidence
			reqCount++
		} else {
			otherSum += ff.Confidence
			otherCount++
		}
	}

	switch {
	case reqCount == 0 && otherCount == 0:
		result.OverallConfidence = 0
	case reqCount == 0:
		result.OverallConfidence = otherSum / float64(otherCount)
	case otherCount == 0:
		result.OverallConfidence = reqSum / float64(reqCount)
	default:
		result.OverallConfidence = requiredWeight*(reqSum/float64(reqCount)) +
			otherWeight*(otherSum/float64(otherCount))
	}

	switch {
	case result.OverallConfidence >= e.high:
		result.Level = model.ConfidenceHigh
	case result.OverallConfidence >= e.medium:
		result.Level = model.ConfidenceMedium
	default:
		result.Level = model.ConfidenceLow
	}
}

func (e *Engine) warnMissingRequired(result *model.FusedResult) {
	for _, spec := range e.fields.Required() {
		if _, ok := result.Get(spec.Key); !ok {
			result.Warnings = append(result.Warnings, fmt.Sprintf("required field %s missing", spec.Key))
		}
	}
}

func clamp(conf float64) float64 {
	if conf > 1.0 {
		return 1.0
	}
	if conf < 0 {
		return 0
	}
	return conf
}
