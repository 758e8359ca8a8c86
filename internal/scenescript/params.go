package scenescript

import (
	"time"

	"rcs/internal/domain"
	"rcs/internal/expr"
	"rcs/internal/schema"
	"rcs/pkg/errors"
)

// SelfValue bound to a filter parameter means "whatever the triggering
// occurrence carries in that field".
const SelfValue = "$SELF"

// Param is one [op, "SCENE::field", value] triple after schema coercion.
type Param struct {
	Field string
	Op    expr.Op
	Value interface{}
}

func (p Param) Self() bool {
	s, ok := p.Value.(string)
	return ok && s == SelfValue
}

// Holds reports whether actual <op> p.Value.
func (p Param) Holds(actual interface{}) (bool, error) {
	return expr.Compare(p.Op, actual, p.Value)
}

// Params is keyed by scene field name.
type Params map[string]Param

// NewParams builds the parameter map from the scene arguments of a call.
// A field bound twice keeps its last binding.
func NewParams(args []expr.SceneArg) Params {
	params := make(Params, len(args))
	for _, a := range args {
		params[a.Field] = Param{Field: a.Field, Op: a.Op, Value: a.Value}
	}
	return params
}

// Values returns field → bound value, the shape schema validation expects.
// Fields bound to SelfValue are left out so they are not coerced.
func (p Params) Values() map[string]interface{} {
	out := make(map[string]interface{}, len(p))
	for name, param := range p {
		if param.Self() {
			continue
		}
		out[name] = param.Value
	}
	return out
}

// WithValues replaces bound values with their coerced counterparts.
func (p Params) WithValues(values map[string]interface{}) Params {
	out := make(Params, len(p))
	for name, param := range p {
		if v, ok := values[name]; ok {
			param.Value = v
		}
		out[name] = param
	}
	return out
}

func (p Params) required(scene, name string) (Param, error) {
	param, ok := p[name]
	if !ok {
		return Param{}, errors.ErrReferenceResolution.
			WithMessage("scene %s requires parameter %s", scene, name).
			WithDetail("scene", scene)
	}
	if param.Self() {
		return Param{}, errors.ErrReferenceResolution.
			WithMessage("scene %s parameter %s cannot be bound to %s", scene, name, SelfValue).
			WithDetail("scene", scene)
	}
	return param, nil
}

func (p Params) window(scene string) (time.Duration, error) {
	param, err := p.required(scene, "unit_of_time")
	if err != nil {
		return 0, err
	}
	v, err := schema.Coerce(domain.FieldSpec{Type: domain.FieldDuration}, param.Value)
	if err != nil {
		return 0, errors.ErrReferenceResolution.
			WithMessage("scene %s: unit_of_time: %v", scene, err).
			WithDetail("scene", scene)
	}
	d := v.(time.Duration)
	if d <= 0 {
		return 0, errors.ErrReferenceResolution.
			WithMessage("scene %s: unit_of_time must be positive", scene).
			WithDetail("scene", scene)
	}
	return d, nil
}
