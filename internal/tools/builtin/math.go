// Package builtin provides small demonstration tools.
package builtin

import (
	"context"
	"errors"

	"agentrelay/internal/tools"
)

type Operands struct {
	A int64 `json:"a" jsonschema:"first operand"`
	B int64 `json:"b" jsonschema:"second operand"`
}

var ErrDivideByZero = errors.New("division by zero")

func Add(_ context.Context, in Operands) (int64, error) { return in.A + in.B, nil }

func Subtract(_ context.Context, in Operands) (int64, error) { return in.A - in.B, nil }

func Multiply(_ context.Context, in Operands) (int64, error) { return in.A * in.B, nil }

// Divide is floor division.
func Divide(_ context.Context, in Operands) (int64, error) {
	if in.B == 0 {
		return 0, ErrDivideByZero
	}
	q := in.A / in.B
	if in.A%in.B != 0 && (in.A < 0) != (in.B < 0) {
		q--
	}
	return q, nil
}

// Math returns add, subtract, multiply and divide, each charging
// priceSats per call.
func Math(priceSats int64) ([]*tools.Tool, error) {
	specs := []struct {
		fn   func(context.Context, Operands) (int64, error)
		desc string
	}{
		{Add, "Add two numbers"},
		{Subtract, "Subtract two numbers"},
		{Multiply, "Multiply two numbers"},
		{Divide, "Divide two numbers (integer division)"},
	}
	out := make([]*tools.Tool, 0, len(specs))
	for _, s := range specs {
		t, err := tools.Typed(s.fn, tools.WithDescription(s.desc), tools.WithPrice(priceSats))
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, nil
}
