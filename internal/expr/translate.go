package expr

import (
	"strings"

	"rcs/internal/domain"
	"rcs/pkg/errors"
)

const (
	SourceScene   = "scene"
	SourcePayload = "payload"
)

// Translate derives the executable nested-array form from an authoring tree.
// It is the only producer of stored rule expressions.
//
// A leaf (Type or Source set) with source "scene" becomes
// ["scene", <value>, [op, "scene::<argument>", <value>]...]. A leaf with source
// "payload" becomes [<key or and>, [op, "REPL::<argument>", <value>]...].
// Any other node becomes [<key>, children...].
func Translate(node domain.AuthoringNode) ([]interface{}, error) {
	return translate(node, 1)
}

// Compile translates node and parses the result, so a rule is only stored
// when its expression would also load.
func Compile(node domain.AuthoringNode) ([]interface{}, Node, error) {
	raw, err := Translate(node)
	if err != nil {
		return nil, nil, err
	}
	parsed, err := Parse(raw)
	if err != nil {
		return nil, nil, err
	}
	return raw, parsed, nil
}

func translate(node domain.AuthoringNode, depth int) ([]interface{}, error) {
	if depth > defaultParser.maxDepth() {
		return nil, errors.ErrValidation.WithMessage("rule nested deeper than %d", defaultParser.maxDepth())
	}

	if node.Type != "" || node.Source != "" {
		return translateLeaf(node)
	}

	if node.Key == "" {
		return nil, errors.ErrValidation.WithMessage("rule node requires a key")
	}
	if len(node.Children) == 0 {
		return nil, errors.ErrValidation.WithMessage("no children in %s", node.Key)
	}

	out := make([]interface{}, 0, len(node.Children)+1)
	out = append(out, node.Key)
	for _, child := range node.Children {
		c, err := translate(child, depth+1)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, nil
}

func translateLeaf(node domain.AuthoringNode) ([]interface{}, error) {
	source := node.Source
	if source == "" {
		source = SourceScene
	}
	if len(node.Children) == 0 {
		return nil, errors.ErrValidation.WithMessage("no children in %v", node.Value)
	}

	switch source {
	case SourceScene:
		name, ok := node.Value.(string)
		if !ok || name == "" {
			return nil, errors.ErrValidation.WithMessage("scene leaf requires a scene name")
		}
		out := []interface{}{source, name}
		for _, arg := range node.Children {
			if err := checkArgument(arg); err != nil {
				return nil, err
			}
			out = append(out, []interface{}{arg.Operator, source + pathSeparator + arg.Argument, arg.Value})
		}
		return out, nil

	case SourcePayload:
		key := node.Key
		if key == "" {
			key = string(OpAnd)
		}
		out := []interface{}{key}
		for _, arg := range node.Children {
			if err := checkArgument(arg); err != nil {
				return nil, err
			}
			path := PayloadPrefix + strings.ReplaceAll(arg.Argument, ".", pathSeparator)
			out = append(out, []interface{}{arg.Operator, path, arg.Value})
		}
		return out, nil
	}

	return nil, errors.ErrValidation.WithMessage("unsupported rule source %q", source)
}

func checkArgument(arg domain.AuthoringNode) error {
	if arg.Argument == "" || arg.Operator == "" {
		return errors.ErrValidation.WithMessage("rule argument requires argument and operator")
	}
	return nil
}

var defaultParser = Parser{}
