package schema

import (
	"fmt"
	"math"
	"time"

	"github.com/rendis/drip/internal/xjson"
)

// Params is the decoded, kind-specific parameter payload of a node. The set of
// implementations is closed: one per NodeKind.
type Params interface {
	Kind() NodeKind
}

func (*TriggerParams) Kind() NodeKind     { return KindTrigger }
func (*TransformParams) Kind() NodeKind   { return KindTransform }
func (*ConditionalParams) Kind() NodeKind { return KindConditional }
func (*DelayParams) Kind() NodeKind       { return KindDelay }
func (*ActionParams) Kind() NodeKind      { return KindAction }

// DecodeParams decodes raw into the params type for kind. Empty raw decodes
// to the zero value.
func DecodeParams(kind NodeKind, raw xjson.RawMessage) (Params, error) {
	var p Params
	switch kind {
	case KindTrigger:
		p = &TriggerParams{}
	case KindTransform:
		p = &TransformParams{}
	case KindConditional:
		p = &ConditionalParams{}
	case KindDelay:
		p = &DelayParams{}
	case KindAction:
		p = &ActionParams{}
	default:
		return nil, NewErrorf(ErrCodeInvalidWorkflow, "unknown node kind %q", kind).WithReason(ReasonUnknownKind)
	}
	if len(raw) == 0 || string(raw) == "null" {
		return p, nil
	}
	if err := xjson.Unmarshal(raw, p); err != nil {
		return nil, NewErrorf(ErrCodeInvalidWorkflow, "decode %s params: %s", kind, err.Error()).
			WithReason(ReasonMalformedParams).
			WithCause(err)
	}
	return p, nil
}

// HTTPMethod returns the configured method, defaulting to POST.
func (p *TriggerParams) HTTPMethod() string {
	if p.Method == "" {
		return "POST"
	}
	return p.Method
}

// Unit durations accepted by delay nodes.
var delayUnits = map[string]time.Duration{
	"seconds": time.Second,
	"minutes": time.Minute,
	"hours":   time.Hour,
	"days":    24 * time.Hour,
}

// Duration converts Amount and Unit to a time.Duration.
func (p *DelayParams) Duration() (time.Duration, error) {
	unit, ok := delayUnits[p.Unit]
	if !ok {
		return 0, fmt.Errorf("unknown delay unit %q", p.Unit)
	}
	if p.Amount <= 0 {
		return 0, fmt.Errorf("delay amount must be positive, got %v", p.Amount)
	}
	total := p.Amount * float64(unit)
	if total >= math.MaxInt64 {
		return 0, fmt.Errorf("delay of %v %s exceeds the maximum of %s", p.Amount, p.Unit, time.Duration(math.MaxInt64))
	}
	return time.Duration(total), nil
}

// Structured reports whether the conditional uses value/operator/operand
// rather than a CEL expression.
func (p *ConditionalParams) Structured() bool {
	return p.Expression == ""
}

// ResolveRetry picks the effective retry policy for an action: the node's own
// policy, else the workflow default, else DefaultRetryPolicy. Unset fields
// fall back to the defaults and MaxAttempts is clamped to [1, MaxAttemptsCap].
func ResolveRetry(node, workflow *RetryPolicy) RetryPolicy {
	out := DefaultRetryPolicy()
	src := node
	if src == nil {
		src = workflow
	}
	if src != nil {
		if src.MaxAttempts > 0 {
			out.MaxAttempts = src.MaxAttempts
		}
		if src.Backoff != "" {
			out.Backoff = src.Backoff
		}
		if src.Delay != "" {
			out.Delay = src.Delay
		}
		if src.MaxDelay != "" {
			out.MaxDelay = src.MaxDelay
		}
	}
	if out.MaxAttempts > MaxAttemptsCap {
		out.MaxAttempts = MaxAttemptsCap
	}
	return out
}
