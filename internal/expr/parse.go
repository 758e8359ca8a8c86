package expr

import (
	"strconv"
	"strings"

	"go.mongodb.org/mongo-driver/bson/primitive"

	"rcs/internal/constants"
	"rcs/pkg/errors"
)

type Parser struct {
	// MaxDepth bounds nesting. Zero means constants.DefaultMaxRenderDepth.
	MaxDepth int
}

// Parse converts a stored nested-array expression into a Node tree. The
// top level must be a call. Unknown operators fail with ErrUnknownOperator,
// any other malformation with ErrValidation.
func Parse(raw interface{}) (Node, error) {
	return Parser{}.Parse(raw)
}

func (p Parser) Parse(raw interface{}) (Node, error) {
	if _, ok := asList(raw); !ok {
		return nil, errors.ErrValidation.WithMessage("expression must be a list, got %T", raw)
	}
	return p.parse(raw, 1)
}

func (p Parser) maxDepth() int {
	if p.MaxDepth > 0 {
		return p.MaxDepth
	}
	return constants.DefaultMaxRenderDepth
}

func (p Parser) parse(raw interface{}, depth int) (Node, error) {
	if depth > p.maxDepth() {
		return nil, errors.ErrValidation.WithMessage("expression nested deeper than %d", p.maxDepth())
	}

	list, ok := asList(raw)
	if !ok {
		return parseLeaf(raw)
	}
	if len(list) == 0 {
		return nil, errors.ErrValidation.WithMessage("empty expression")
	}

	alias, ok := list[0].(string)
	if !ok {
		return nil, errors.ErrUnknownOperator.WithMessage("operator must be a string, got %T", list[0])
	}
	op, ok := Lookup(alias)
	if !ok {
		return nil, errors.ErrUnknownOperator.WithMessage("unknown operator %q", alias).WithDetail("operator", alias)
	}

	if op == OpScene {
		return parseScene(list)
	}

	spec := operators[op]
	argc := len(list) - 1
	if argc < spec.minArgs || (spec.maxArgs != variadic && argc > spec.maxArgs) {
		return nil, errors.ErrValidation.WithMessage("%s expects %s arguments, got %d", alias, arity(spec), argc)
	}

	call := &Call{Op: op, Args: make([]Node, 0, argc)}
	for _, a := range list[1:] {
		n, err := p.parse(a, depth+1)
		if err != nil {
			return nil, err
		}
		call.Args = append(call.Args, n)
	}
	return call, nil
}

// parseScene accepts ["scene", name, [op, "SCENE::field", literal]...].
func parseScene(list []interface{}) (Node, error) {
	if len(list) < 2 {
		return nil, errors.ErrValidation.WithMessage("scene requires a name")
	}
	name, ok := list[1].(string)
	if !ok || name == "" {
		return nil, errors.ErrValidation.WithMessage("scene name must be a non-empty string")
	}

	call := &Call{Op: OpScene, Args: []Node{Literal{Value: name}}}
	for _, raw := range list[2:] {
		triple, ok := asList(raw)
		if !ok || len(triple) != 3 {
			return nil, errors.ErrValidation.WithMessage("scene %s: parameters must be [operator, field, value]", name)
		}
		alias, _ := triple[0].(string)
		op, ok := Lookup(alias)
		if !ok {
			return nil, errors.ErrUnknownOperator.WithMessage("scene %s: unknown operator %q", name, alias).WithDetail("operator", alias)
		}
		if !op.Comparison() {
			return nil, errors.ErrValidation.WithMessage("scene %s: %q cannot bind a parameter", name, alias)
		}
		field, ok := sceneField(triple[1])
		if !ok {
			return nil, errors.ErrValidation.WithMessage("scene %s: %v is not a scene field", name, triple[1])
		}
		if _, nested := asList(triple[2]); nested && op != OpIn {
			return nil, errors.ErrValidation.WithMessage("scene %s: parameter %s must be a literal", name, field)
		}
		call.Args = append(call.Args, &Call{
			Op:   op,
			Args: []Node{Ref{Kind: RefSceneField, Path: []string{field}}, Literal{Value: Normalize(triple[2])}},
		})
	}
	return call, nil
}

func parseLeaf(raw interface{}) (Node, error) {
	s, ok := raw.(string)
	if !ok {
		switch raw.(type) {
		case map[string]interface{}, primitive.M, primitive.D:
			return nil, errors.ErrValidation.WithMessage("objects are not valid expression values")
		}
		return Literal{Value: Normalize(raw)}, nil
	}

	switch {
	case strings.HasPrefix(s, DataPrefix):
		ref := Ref{Kind: RefData, Path: splitPath(s[len(DataPrefix):])}
		if _, err := ref.DataRef(); err != nil {
			return nil, errors.ErrValidation.WithCause(err).WithMessage("malformed data reference %q", s)
		}
		return ref, nil
	case strings.HasPrefix(s, PayloadPrefix):
		path := splitPath(s[len(PayloadPrefix):])
		if len(path) == 0 {
			return nil, errors.ErrValidation.WithMessage("empty payload reference")
		}
		return Ref{Kind: RefPayload, Path: path}, nil
	case strings.HasPrefix(strings.ToUpper(s), ScenePrefix):
		return nil, errors.ErrValidation.WithMessage("%q is only valid inside a scene", s)
	}
	return Literal{Value: s}, nil
}

// sceneField accepts "SCENE::field" in any case and returns the lower-cased
// field name.
func sceneField(raw interface{}) (string, bool) {
	s, ok := raw.(string)
	if !ok || !strings.HasPrefix(strings.ToUpper(s), ScenePrefix) {
		return "", false
	}
	field := strings.ToLower(s[len(ScenePrefix):])
	return field, field != ""
}

func splitPath(s string) []string {
	if s == "" {
		return nil
	}
	return strings.Split(s, pathSeparator)
}

func asList(raw interface{}) ([]interface{}, bool) {
	switch v := raw.(type) {
	case []interface{}:
		return v, true
	case primitive.A:
		return []interface{}(v), true
	}
	return nil, false
}

func arity(spec operator) string {
	if spec.maxArgs == variadic {
		return "at least " + strconv.Itoa(spec.minArgs)
	}
	if spec.minArgs == spec.maxArgs {
		return strconv.Itoa(spec.minArgs)
	}
	return strconv.Itoa(spec.minArgs) + "-" + strconv.Itoa(spec.maxArgs)
}
