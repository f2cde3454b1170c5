package capability

import (
	"context"
	"fmt"
	"go/ast"
	"go/parser"
	"go/token"
	"math"
	"strconv"

	"github.com/hupe1980/ragmesh/core"
)

// Calculator evaluates arithmetic expressions such as "(3 + 4) * pow(2, 3)".
type Calculator struct {
	base
}

// NewCalculator creates the calculator capability.
func NewCalculator() *Calculator {
	return &Calculator{base: base{
		name:        "calculator",
		kind:        core.CapabilityReasoning,
		description: "Evaluate an arithmetic expression (+ - * / %, parentheses, sqrt, pow, abs, log)",
		parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"expression": map[string]any{"type": "string", "minLength": 1},
			},
			"required": []string{"expression"},
		},
	}}
}

// Invoke implements Capability.
func (c *Calculator) Invoke(_ context.Context, args map[string]any) (map[string]any, error) {
	expr := stringArg(args, "expression")
	v, err := Evaluate(expr)
	if err != nil {
		return nil, NewError(c.name, err.Error(), CodeValidation)
	}
	text := fmt.Sprintf("%s = %s", expr, strconv.FormatFloat(v, 'g', -1, 64))
	return map[string]any{
		"success": true,
		"value":   v,
		"results": []any{map[string]any{"id": "calc:" + expr, "content": text, "score": 1.0, "source": "calculator"}},
		"count":   1,
	}, nil
}

// Evaluate parses and evaluates an arithmetic expression.
func Evaluate(expr string) (float64, error) {
	node, err := parser.ParseExpr(expr)
	if err != nil {
		return 0, fmt.Errorf("parse expression: %w", err)
	}
	return eval(node)
}

func eval(n ast.Expr) (float64, error) {
	switch e := n.(type) {
	case *ast.BasicLit:
		if e.Kind != token.INT && e.Kind != token.FLOAT {
			return 0, fmt.Errorf("unsupported literal %s", e.Value)
		}
		return strconv.ParseFloat(e.Value, 64)
	case *ast.ParenExpr:
		return eval(e.X)
	case *ast.UnaryExpr:
		x, err := eval(e.X)
		if err != nil {
			return 0, err
		}
		switch e.Op {
		case token.SUB:
			return -x, nil
		case token.ADD:
			return x, nil
		}
		return 0, fmt.Errorf("unsupported operator %s", e.Op)
	case *ast.BinaryExpr:
		x, err := eval(e.X)
		if err != nil {
			return 0, err
		}
		y, err := eval(e.Y)
		if err != nil {
			return 0, err
		}
		switch e.Op {
		case token.ADD:
			return x + y, nil
		case token.SUB:
			return x - y, nil
		case token.MUL:
			return x * y, nil
		case token.QUO:
			if y == 0 {
				return 0, fmt.Errorf("division by zero")
			}
			return x / y, nil
		case token.REM:
			if y == 0 {
				return 0, fmt.Errorf("division by zero")
			}
			return math.Mod(x, y), nil
		}
		return 0, fmt.Errorf("unsupported operator %s", e.Op)
	case *ast.CallExpr:
		return call(e)
	case *ast.Ident:
		switch e.Name {
		case "pi":
			return math.Pi, nil
		case "e":
			return math.E, nil
		}
		return 0, fmt.Errorf("unknown identifier %q", e.Name)
	}
	return 0, fmt.Errorf("unsupported expression")
}

func call(e *ast.CallExpr) (float64, error) {
	fn, ok := e.Fun.(*ast.Ident)
	if !ok {
		return 0, fmt.Errorf("unsupported call")
	}
	args := make([]float64, len(e.Args))
	for i, a := range e.Args {
		v, err := eval(a)
		if err != nil {
			return 0, err
		}
		args[i] = v
	}
	want := map[string]int{"sqrt": 1, "abs": 1, "log": 1, "pow": 2}
	n, known := want[fn.Name]
	if !known {
		return 0, fmt.Errorf("unknown function %q", fn.Name)
	}
	if len(args) != n {
		return 0, fmt.Errorf("%s expects %d argument(s)", fn.Name, n)
	}
	switch fn.Name {
	case "sqrt":
		return math.Sqrt(args[0]), nil
	case "abs":
		return math.Abs(args[0]), nil
	case "log":
		return math.Log(args[0]), nil
	default:
		return math.Pow(args[0], args[1]), nil
	}
}
