// Package selector evaluates the small expressions that pick a value out of
// an earlier task's result. Expressions use HCL expression syntax and may
// only read the variables result, rootTask and task.
package selector

import (
	"bytes"
	"encoding/json"
	"sync"

	"github.com/hashicorp/hcl/v2"
	"github.com/hashicorp/hcl/v2/hclsyntax"
	"github.com/pkg/errors"
	"github.com/zclconf/go-cty/cty"
	"github.com/zclconf/go-cty/cty/function"
	"github.com/zclconf/go-cty/cty/function/stdlib"
	ctyjson "github.com/zclconf/go-cty/cty/json"
)

const (
	VarResult   = "result"
	VarRootTask = "rootTask"
	VarTask     = "task"
)

var functions = map[string]function.Function{
	"upper":      stdlib.UpperFunc,
	"lower":      stdlib.LowerFunc,
	"format":     stdlib.FormatFunc,
	"jsonencode": stdlib.JSONEncodeFunc,
	"jsondecode": stdlib.JSONDecodeFunc,
	"length":     stdlib.LengthFunc,
	"concat":     stdlib.ConcatFunc,
	"coalesce":   stdlib.CoalesceFunc,
	"max":        stdlib.MaxFunc,
	"min":        stdlib.MinFunc,
}

// Vars are the JSON documents an expression can read.
type Vars struct {
	Result   json.RawMessage
	RootTask json.RawMessage
	Task     json.RawMessage
}

type Selector struct {
	src  string
	expr hclsyntax.Expression
}

func Compile(src string) (*Selector, error) {
	expr, diags := hclsyntax.ParseExpression([]byte(src), "selector", hcl.Pos{Line: 1, Column: 1, Byte: 0})
	if diags.HasErrors() {
		return nil, errors.Wrapf(diags, "parse selector %q", src)
	}

	for _, traversal := range expr.Variables() {
		switch traversal.RootName() {
		case VarResult, VarRootTask, VarTask:
		default:
			return nil, errors.Errorf("selector %q reads unknown variable %q", src, traversal.RootName())
		}
	}

	diags = hclsyntax.VisitAll(expr, func(node hclsyntax.Node) hcl.Diagnostics {
		call, ok := node.(*hclsyntax.FunctionCallExpr)
		if !ok {
			return nil
		}
		if _, ok := functions[call.Name]; ok {
			return nil
		}
		return hcl.Diagnostics{{
			Severity: hcl.DiagError,
			Summary:  "Unknown function",
			Detail:   "function " + call.Name + " is not available in selectors",
			Subject:  call.NameRange.Ptr(),
		}}
	})
	if diags.HasErrors() {
		return nil, errors.Wrapf(diags, "check selector %q", src)
	}

	return &Selector{
		src:  src,
		expr: expr,
	}, nil
}

func (sel *Selector) String() string {
	return sel.src
}

func (sel *Selector) Eval(vars Vars) (json.RawMessage, error) {
	variables := make(map[string]cty.Value, 3)
	for name, raw := range map[string]json.RawMessage{
		VarResult:   vars.Result,
		VarRootTask: vars.RootTask,
		VarTask:     vars.Task,
	} {
		v, err := fromJSON(raw)
		if err != nil {
			return nil, errors.Wrapf(err, "decode %s", name)
		}
		variables[name] = v
	}

	val, diags := sel.expr.Value(&hcl.EvalContext{
		Variables: variables,
		Functions: functions,
	})
	if diags.HasErrors() {
		return nil, errors.Wrapf(diags, "evaluate selector %q", sel.src)
	}
	if !val.IsWhollyKnown() {
		return nil, errors.Errorf("selector %q produced an unknown value", sel.src)
	}
	return toJSON(val)
}

func fromJSON(raw json.RawMessage) (cty.Value, error) {
	if len(raw) == 0 || string(bytes.TrimSpace(raw)) == "null" {
		return cty.NullVal(cty.DynamicPseudoType), nil
	}
	ty, err := ctyjson.ImpliedType(raw)
	if err != nil {
		return cty.NilVal, err
	}
	return ctyjson.Unmarshal(raw, ty)
}

func toJSON(val cty.Value) (json.RawMessage, error) {
	if val.IsNull() {
		return json.RawMessage("null"), nil
	}
	bs, err := ctyjson.Marshal(val, val.Type())
	if err != nil {
		return nil, errors.Wrap(err, "encode selector value")
	}
	return bs, nil
}

// Cache keeps compiled selectors by source text.
type Cache struct {
	m sync.Map
}

func (cache *Cache) Compile(src string) (*Selector, error) {
	if v, ok := cache.m.Load(src); ok {
		return v.(*Selector), nil
	}
	sel, err := Compile(src)
	if err != nil {
		return nil, err
	}
	v, _ := cache.m.LoadOrStore(src, sel)
	return v.(*Selector), nil
}
