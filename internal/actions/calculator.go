package actions

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/flitsinc/toolbridge/internal/schema"
)

var calculatorSchema = schema.ActionSchema{
	Name:        "calculator",
	Description: "Evaluate an arithmetic expression with +, -, *, /, parentheses and exponentiation",
	Parameters: json.RawMessage(`{
		"type": "object",
		"properties": {
			"expression": {"type": "string", "description": "Expression to evaluate, e.g. (3 + 4) * 2"}
		},
		"required": ["expression"]
	}`),
}

func runCalculator(_ context.Context, args map[string]any) (string, error) {
	expr, err := stringArg(args, "expression")
	if err != nil {
		return "", err
	}
	value, err := evalExpression(expr)
	if err != nil {
		return "", fmt.Errorf("evaluate %q: %w", expr, err)
	}
	if math.IsInf(value, 0) || math.IsNaN(value) {
		return "", fmt.Errorf("evaluate %q: result is not a finite number", expr)
	}
	return encodeResult(map[string]any{"expression": expr, "result": value})
}

// evalExpression is a small recursive-descent evaluator over float64.
// Grammar: expr -> term (('+'|'-') term)*
//
//	term -> power (('*'|'/') power)*
//	power -> unary ('^' power)?
//	unary -> '-' unary | primary
//	primary -> number | '(' expr ')'
func evalExpression(input string) (float64, error) {
	p := &exprParser{src: input}
	value, err := p.expr()
	if err != nil {
		return 0, err
	}
	p.skipSpace()
	if p.pos < len(p.src) {
		return 0, fmt.Errorf("unexpected %q at offset %d", p.src[p.pos], p.pos)
	}
	return value, nil
}

type exprParser struct {
	src string
	pos int
}

func (p *exprParser) skipSpace() {
	for p.pos < len(p.src) && (p.src[p.pos] == ' ' || p.src[p.pos] == '\t') {
		p.pos++
	}
}

func (p *exprParser) peek() (byte, bool) {
	p.skipSpace()
	if p.pos >= len(p.src) {
		return 0, false
	}
	return p.src[p.pos], true
}

func (p *exprParser) expr() (float64, error) {
	left, err := p.term()
	if err != nil {
		return 0, err
	}
	for {
		c, ok := p.peek()
		if !ok || (c != '+' && c != '-') {
			return left, nil
		}
		p.pos++
		right, err := p.term()
		if err != nil {
			return 0, err
		}
		if c == '+' {
			left += right
		} else {
			left -= right
		}
	}
}

func (p *exprParser) term() (float64, error) {
	left, err := p.power()
	if err != nil {
		return 0, err
	}
	for {
		c, ok := p.peek()
		if !ok || (c != '*' && c != '/') {
			return left, nil
		}
		p.pos++
		right, err := p.power()
		if err != nil {
			return 0, err
		}
		if c == '*' {
			left *= right
		} else {
			if right == 0 {
				return 0, fmt.Errorf("division by zero")
			}
			left /= right
		}
	}
}

func (p *exprParser) power() (float64, error) {
	base, err := p.unary()
	if err != nil {
		return 0, err
	}
	c, ok := p.peek()
	if !ok || c != '^' {
		return base, nil
	}
	p.pos++
	// Right associative.
	exp, err := p.power()
	if err != nil {
		return 0, err
	}
	return math.Pow(base, exp), nil
}

func (p *exprParser) unary() (float64, error) {
	c, ok := p.peek()
	if ok && c == '-' {
		p.pos++
		v, err := p.unary()
		return -v, err
	}
	return p.primary()
}

func (p *exprParser) primary() (float64, error) {
	c, ok := p.peek()
	if !ok {
		return 0, fmt.Errorf("unexpected end of expression")
	}
	if c == '(' {
		p.pos++
		v, err := p.expr()
		if err != nil {
			return 0, err
		}
		c, ok := p.peek()
		if !ok || c != ')' {
			return 0, fmt.Errorf("missing closing parenthesis")
		}
		p.pos++
		return v, nil
	}
	start := p.pos
	for p.pos < len(p.src) {
		c := p.src[p.pos]
		if (c >= '0' && c <= '9') || c == '.' {
			p.pos++
			continue
		}
		break
	}
	if p.pos == start {
		return 0, fmt.Errorf("unexpected %q at offset %d", c, start)
	}
	lit := strings.TrimSpace(p.src[start:p.pos])
	v, err := strconv.ParseFloat(lit, 64)
	if err != nil {
		return 0, fmt.Errorf("bad number %q", lit)
	}
	return v, nil
}
