// Package expr parses, evaluates and serializes rule expressions.
//
// Rules are stored as nested arrays whose head names an operator, e.g.
//
//	["and", [">", "REPL::amount", 1000], ["=", "REPL::coin_name", "USDT"]]
//
// and are parsed once into a tree of Literal, Ref and Call nodes.
package expr

import (
	"fmt"
	"strings"
)

const (
	DataPrefix    = "DATA::"
	PayloadPrefix = "REPL::"
	ScenePrefix   = "SCENE::"

	pathSeparator = "::"
)

type Node interface {
	isNode()
}

type Literal struct {
	Value interface{}
}

type RefKind string

const (
	// RefData points at another entity: DATA::entity::id[::strategy]::metric.
	RefData RefKind = "data"
	// RefPayload is a path into the triggering occurrence's payload.
	RefPayload RefKind = "payload"
	// RefSceneField names a scene parameter and only appears inside a scene call.
	RefSceneField RefKind = "scene_field"
)

type Ref struct {
	Kind RefKind
	Path []string
}

type Call struct {
	Op   Op
	Args []Node
}

func (Literal) isNode() {}
func (Ref) isNode()     {}
func (*Call) isNode()   {}

func (r Ref) String() string {
	switch r.Kind {
	case RefData:
		return DataPrefix + strings.Join(r.Path, pathSeparator)
	case RefPayload:
		return PayloadPrefix + strings.Join(r.Path, pathSeparator)
	default:
		return ScenePrefix + strings.Join(r.Path, pathSeparator)
	}
}

// DataRef is the decoded form of a RefData path.
type DataRef struct {
	Entity   string
	ID       string
	Strategy string
	Metric   string
}

const StrategyLatestRecord = "latest_record"

func (r Ref) DataRef() (DataRef, error) {
	if r.Kind != RefData {
		return DataRef{}, fmt.Errorf("%s is not a data reference", r)
	}
	switch len(r.Path) {
	case 3:
		return DataRef{Entity: r.Path[0], ID: r.Path[1], Strategy: StrategyLatestRecord, Metric: r.Path[2]}, nil
	case 4:
		return DataRef{Entity: r.Path[0], ID: r.Path[1], Strategy: r.Path[2], Metric: r.Path[3]}, nil
	}
	return DataRef{}, fmt.Errorf("%s: expected entity::id[::strategy]::metric", r)
}

// SceneArg is one [operator, "SCENE::field", literal] triple of a scene call.
type SceneArg struct {
	Field string
	Op    Op
	Value interface{}
}

// SceneName returns the scene a scene call targets.
func (c *Call) SceneName() string {
	if c.Op != OpScene || len(c.Args) == 0 {
		return ""
	}
	lit, _ := c.Args[0].(Literal)
	name, _ := lit.Value.(string)
	return name
}

// SceneArgs returns the parameter triples of a scene call. Parse guarantees
// their shape.
func (c *Call) SceneArgs() []SceneArg {
	if c.Op != OpScene {
		return nil
	}
	args := make([]SceneArg, 0, len(c.Args)-1)
	for _, a := range c.Args[1:] {
		triple := a.(*Call)
		ref := triple.Args[0].(Ref)
		args = append(args, SceneArg{
			Field: ref.Path[0],
			Op:    triple.Op,
			Value: triple.Args[1].(Literal).Value,
		})
	}
	return args
}

// Walk visits n and its descendants depth first until fn returns false.
func Walk(n Node, fn func(Node) bool) {
	if !fn(n) {
		return
	}
	if c, ok := n.(*Call); ok {
		for _, a := range c.Args {
			Walk(a, fn)
		}
	}
}
