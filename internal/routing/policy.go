// Package routing classifies a fused extraction and decides whether the job
// is auto-submitted, submitted flagged for review, or escalated to a human.
package routing

import (
	"fmt"
	"math/rand/v2"
	"strings"

	"go.uber.org/zap"

	"github.com/sells-group/claims-cli/internal/config"
	"github.com/sells-group/claims-cli/internal/model"
)

// Action is the routing outcome for one job.
type Action string

const (
	ActionAutoSubmit       Action = "auto_submit"
	ActionSubmitWithReview Action = "submit_with_review"
	ActionEscalate         Action = "escalate"
)

// Reason codes attached to routing decisions.
const (
	ReasonMissingRequired  = "missing_required_fields"
	ReasonLowConfidence    = "low_confidence"
	ReasonMediumConfidence = "medium_confidence"
	ReasonQASample         = "qa_sample"
	ReasonHighConfidence   = "high_confidence"
)

// Decision is the routing outcome with a machine code and a human-readable
// reason.
type Decision struct {
	Action     Action `json:"action"`
	ReasonCode string `json:"reason_code"`
	Reason     string `json:"reason"`
}

// identifierFields are interchangeable for the hard-required member
// identifier check: one of them present is enough.
var identifierFields = map[string]bool{
	"member_id":     true,
	"policy_number": true,
}

// Policy evaluates fused results against confidence thresholds and the QA
// sampling rate. It holds no mutable state beyond the sampler and is safe
// for concurrent use when the sampler is.
type Policy struct {
	fields *model.FieldRegistry
	high   float64
	medium float64
	qaRate float64
	// sample draws one uniform value in [0,1) per routed job.
	sample func() float64
}

// NewPolicy creates a routing policy. The fusion thresholds double as the
// routing ladder so the two stages can never disagree on bucket boundaries.
func NewPolicy(cfg config.RoutingConfig, fusionCfg config.FusionConfig, fields *model.FieldRegistry) *Policy {
	high := fusionCfg.HighThreshold
	if high <= 0 {
		high = 0.90
	}
	medium := fusionCfg.MediumThreshold
	if medium <= 0 {
		medium = 0.75
	}
	if fields == nil {
		fields = model.DefaultFields()
	}
	return &Policy{
		fields: fields,
		high:   high,
		medium: medium,
		qaRate: cfg.QASampleRate,
		sample: rand.Float64,
	}
}

// WithSampler overrides the QA sampling source. Used by tests and callers
// that need deterministic sampling.
func (p *Policy) WithSampler(sample func() float64) *Policy {
	p.sample = sample
	return p
}

// Route decides what happens to a job given its fused result. The
// required-field check runs before the confidence ladder: missing hard
// requirements escalate regardless of confidence.
func (p *Policy) Route(fused *model.FusedResult) Decision {
	if missing := p.missingRequired(fused); len(missing) > 0 {
		return decision(ActionEscalate, ReasonMissingRequired,
			fmt.Sprintf("required fields missing after fusion: %s", strings.Join(missing, ", ")))
	}

	conf := 0.0
	if fused != nil {
		conf = fused.OverallConfidence
	}

	switch {
	case conf < p.medium:
		return decision(ActionEscalate, ReasonLowConfidence,
			fmt.Sprintf("overall confidence %.3f below medium threshold %.2f", conf, p.medium))
	case conf < p.high:
		return decision(ActionSubmitWithReview, ReasonMediumConfidence,
			fmt.Sprintf("overall confidence %.3f below high threshold %.2f", conf, p.high))
	}

	if p.qaRate > 0 && p.sample() < p.qaRate {
		return decision(ActionSubmitWithReview, ReasonQASample, "QA sample")
	}
	return decision(ActionAutoSubmit, ReasonHighConfidence,
		fmt.Sprintf("overall confidence %.3f at or above high threshold %.2f", conf, p.high))
}

// missingRequired returns the hard-required fields absent from the fused
// result. Identifier fields are interchangeable: one populated identifier
// satisfies all required identifiers.
func (p *Policy) missingRequired(fused *model.FusedResult) []string {
	var missing []string
	identifierRequired := false
	identifierPresent := false

	for _, spec := range p.fields.Required() {
		if identifierFields[spec.Key] {
			identifierRequired = true
			if _, ok := fused.Get(spec.Key); ok {
				identifierPresent = true
			}
			continue
		}
		if _, ok := fused.Get(spec.Key); !ok {
			missing = append(missing, spec.Key)
		}
	}

	if identifierRequired && !identifierPresent {
		missing = append(missing, "member identifier")
	}
	return missing
}

func decision(action Action, code, reason string) Decision {
	d := Decision{Action: action, ReasonCode: code, Reason: reason}
	zap.L().Debug("routing decision",
		zap.String("action", string(action)),
		zap.String("reason_code", code),
	)
	return d
}
