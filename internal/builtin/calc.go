package builtin

import (
	"context"
	"fmt"
	"go/ast"
	"go/constant"
	"go/parser"
	"go/token"
	"math"
	"strings"

	"OpenLaunch/pkg/plugin"
	"OpenLaunch/pkg/query"
)

// NewCalc 返回计算器插件，触发词 "="。
func NewCalc() plugin.Provider {
	return &plugin.FuncProvider{
		Meta: meta("calc", "Calculator", "Evaluates arithmetic expressions."),
		New: func(*plugin.ExecutionContext) (plugin.Instance, error) {
			return plugin.HandlerSet{calcHandler{}}, nil
		},
	}
}

type calcHandler struct{}

func (calcHandler) Describe() query.Descriptor {
	return query.Descriptor{ID: "calc", Name: "Calculator", Category: query.Trigger, DefaultTrigger: "=", AllowTriggerRemap: true}
}

func (calcHandler) Handle(_ context.Context, q query.Query) ([]query.Result, error) {
	expr := strings.TrimSpace(q.Text)
	if expr == "" {
		return nil, nil
	}
	v, err := Evaluate(expr)
	if err != nil {
		// 输入未完成时不报错，只是没有结果。
		return nil, nil
	}
	text := FormatValue(v)
	return []query.Result{{
		ID:      "result",
		Text:    text,
		Subtext: expr,
		Score:   1,
		Exact:   true,
		Actions: []string{"copy"},
		Payload: text,
	}}, nil
}

// Evaluate 计算算术表达式，支持 + - * / %、括号以及 sqrt、abs、pow、floor、ceil。
// 整数与小数运算都是精确的，只有函数调用会转换为浮点数。
func Evaluate(expr string) (constant.Value, error) {
	node, err := parser.ParseExpr(expr)
	if err != nil {
		return nil, fmt.Errorf("parse %q: %w", expr, err)
	}
	return eval(node)
}

func eval(node ast.Expr) (constant.Value, error) {
	switch n := node.(type) {
	case *ast.BasicLit:
		if n.Kind != token.INT && n.Kind != token.FLOAT {
			return nil, fmt.Errorf("unsupported literal %s", n.Value)
		}
		v := constant.MakeFromLiteral(n.Value, n.Kind, 0)
		if v.Kind() == constant.Unknown {
			return nil, fmt.Errorf("bad number %s", n.Value)
		}
		return v, nil
	case *ast.ParenExpr:
		return eval(n.X)
	case *ast.UnaryExpr:
		x, err := eval(n.X)
		if err != nil {
			return nil, err
		}
		switch n.Op {
		case token.ADD, token.SUB:
			return constant.UnaryOp(n.Op, x, 0), nil
		}
		return nil, fmt.Errorf("unsupported operator %s", n.Op)
	case *ast.BinaryExpr:
		x, err := eval(n.X)
		if err != nil {
			return nil, err
		}
		y, err := eval(n.Y)
		if err != nil {
			return nil, err
		}
		return binary(n.Op, x, y)
	case *ast.CallExpr:
		return call(n)
	case *ast.Ident:
		switch n.Name {
		case "pi":
			return constant.MakeFloat64(math.Pi), nil
		case "e":
			return constant.MakeFloat64(math.E), nil
		}
		return nil, fmt.Errorf("unknown name %s", n.Name)
	}
	return nil, fmt.Errorf("unsupported expression %T", node)
}

func binary(op token.Token, x, y constant.Value) (constant.Value, error) {
	switch op {
	case token.ADD, token.SUB, token.MUL:
		return constant.BinaryOp(x, op, y), nil
	case token.QUO:
		if constant.Sign(y) == 0 {
			return nil, fmt.Errorf("division by zero")
		}
		return constant.BinaryOp(x, op, y), nil
	case token.REM:
		xi, yi := constant.ToInt(x), constant.ToInt(y)
		if xi.Kind() != constant.Int || yi.Kind() != constant.Int {
			return nil, fmt.Errorf("%% requires integers")
		}
		if constant.Sign(yi) == 0 {
			return nil, fmt.Errorf("division by zero")
		}
		return constant.BinaryOp(xi, op, yi), nil
	}
	return nil, fmt.Errorf("unsupported operator %s", op)
}

var functions = map[string]func(args []float64) (float64, error){
	"sqrt": unary(func(x float64) (float64, error) {
		if x < 0 {
			return 0, fmt.Errorf("sqrt of negative number")
		}
		return math.Sqrt(x), nil
	}),
	"abs":   unary(func(x float64) (float64, error) { return math.Abs(x), nil }),
	"floor": unary(func(x float64) (float64, error) { return math.Floor(x), nil }),
	"ceil":  unary(func(x float64) (float64, error) { return math.Ceil(x), nil }),
	"pow": func(args []float64) (float64, error) {
		if len(args) != 2 {
			return 0, fmt.Errorf("pow takes 2 arguments")
		}
		return math.Pow(args[0], args[1]), nil
	},
}

func unary(fn func(float64) (float64, error)) func([]float64) (float64, error) {
	return func(args []float64) (float64, error) {
		if len(args) != 1 {
			return 0, fmt.Errorf("function takes 1 argument")
		}
		return fn(args[0])
	}
}

func call(n *ast.CallExpr) (constant.Value, error) {
	ident, ok := n.Fun.(*ast.Ident)
	if !ok {
		return nil, fmt.Errorf("unsupported call")
	}
	fn, ok := functions[ident.Name]
	if !ok {
		return nil, fmt.Errorf("unknown function %s", ident.Name)
	}
	args := make([]float64, len(n.Args))
	for i, a := range n.Args {
		v, err := eval(a)
		if err != nil {
			return nil, err
		}
		args[i], _ = constant.Float64Val(constant.ToFloat(v))
	}
	out, err := fn(args)
	if err != nil {
		return nil, err
	}
	if math.IsInf(out, 0) || math.IsNaN(out) {
		return nil, fmt.Errorf("result out of range")
	}
	return constant.MakeFloat64(out), nil
}

// FormatValue 把结果格式化为整数或最多 12 位有效数字的小数。
func FormatValue(v constant.Value) string {
	if i := constant.ToInt(v); i.Kind() == constant.Int {
		return i.ExactString()
	}
	f, _ := constant.Float64Val(constant.ToFloat(v))
	return fmt.Sprintf("%.12g", f)
}
