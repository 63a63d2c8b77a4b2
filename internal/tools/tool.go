// Package tools holds the callable tools a server exposes, each with a
// fixed name, description, parameter schema and price.
package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"runtime"
	"strings"
	"unicode"

	"agentrelay/internal/protocol"

	"github.com/google/jsonschema-go/jsonschema"
)

// Handler runs a tool with arguments that already satisfied its schema.
type Handler func(ctx context.Context, args map[string]any) (any, error)

// Tool is immutable once built.
type Tool struct {
	meta     protocol.ToolMetadata
	resolved *jsonschema.Resolved
	handler  Handler
}

type Option func(*Tool)

func WithName(name string) Option {
	return func(t *Tool) { t.meta.Name = name }
}

func WithDescription(description string) Option {
	return func(t *Tool) { t.meta.Description = description }
}

// WithPrice sets the price in satoshis charged per call. Zero is free.
func WithPrice(sats int64) Option {
	return func(t *Tool) { t.meta.PriceSats = sats }
}

func WithSchema(schema *jsonschema.Schema) Option {
	return func(t *Tool) { t.meta.InputSchema = schema }
}

// New builds a tool around handler. Without WithName the name is derived
// from the handler's function name in snake case; anonymous functions must
// be named explicitly. Without WithSchema any JSON object is accepted.
func New(handler Handler, opts ...Option) (*Tool, error) {
	if handler == nil {
		return nil, errors.New("tools: nil handler")
	}
	return build(handler, funcName(handler), opts)
}

// Typed builds a tool from a function taking a struct of arguments. The
// parameter schema is inferred from In.
func Typed[In, Out any](fn func(ctx context.Context, in In) (Out, error), opts ...Option) (*Tool, error) {
	if fn == nil {
		return nil, errors.New("tools: nil function")
	}
	schema, err := jsonschema.For[In](nil)
	if err != nil {
		return nil, fmt.Errorf("tools: infer schema: %w", err)
	}
	handler := func(ctx context.Context, args map[string]any) (any, error) {
		raw, err := json.Marshal(args)
		if err != nil {
			return nil, err
		}
		var in In
		if err := json.Unmarshal(raw, &in); err != nil {
			return nil, fmt.Errorf("decode arguments: %w", err)
		}
		return fn(ctx, in)
	}
	return build(handler, funcName(fn), append([]Option{WithSchema(schema)}, opts...))
}

func build(handler Handler, defaultName string, opts []Option) (*Tool, error) {
	t := &Tool{handler: handler}
	t.meta.Name = defaultName
	for _, opt := range opts {
		opt(t)
	}
	if t.meta.Name == "" {
		return nil, errors.New("tools: name is required for anonymous functions")
	}
	if t.meta.PriceSats < 0 {
		return nil, fmt.Errorf("tools: %s: negative price", t.meta.Name)
	}
	if t.meta.InputSchema == nil {
		t.meta.InputSchema = &jsonschema.Schema{Type: "object"}
	}
	resolved, err := t.meta.InputSchema.Resolve(nil)
	if err != nil {
		return nil, fmt.Errorf("tools: %s: resolve schema: %w", t.meta.Name, err)
	}
	t.resolved = resolved
	return t, nil
}

func (t *Tool) Name() string { return t.meta.Name }

func (t *Tool) Price() int64 { return t.meta.PriceSats }

func (t *Tool) Metadata() protocol.ToolMetadata { return t.meta }

// Validate checks args against the tool's schema. The error matches
// protocol.ErrInvalidArguments.
func (t *Tool) Validate(args map[string]any) error {
	if args == nil {
		args = map[string]any{}
	}
	if err := t.resolved.Validate(args); err != nil {
		return protocol.NewError(protocol.CodeInvalidArguments, protocol.ErrInvalidArguments.Message, err.Error())
	}
	return nil
}

// Call runs the handler and encodes its result. Handler errors and panics
// come back as errors matching protocol.ErrToolExecution.
func (t *Tool) Call(ctx context.Context, args map[string]any) (result json.RawMessage, err error) {
	defer func() {
		if r := recover(); r != nil {
			result = nil
			err = protocol.NewError(protocol.CodeToolExecution, protocol.ErrToolExecution.Message, fmt.Sprint(r))
		}
	}()
	if args == nil {
		args = map[string]any{}
	}
	out, err := t.handler(ctx, args)
	if err != nil {
		return nil, protocol.NewError(protocol.CodeToolExecution, protocol.ErrToolExecution.Message, err.Error())
	}
	raw, err := json.Marshal(out)
	if err != nil {
		return nil, protocol.NewError(protocol.CodeToolExecution, "result is not JSON encodable", err.Error())
	}
	return raw, nil
}

// funcName returns the snake_case name of a named function, or "" for
// closures.
func funcName(fn any) string {
	f := runtime.FuncForPC(reflect.ValueOf(fn).Pointer())
	if f == nil {
		return ""
	}
	name := f.Name()
	if i := strings.LastIndex(name, "."); i >= 0 {
		name = name[i+1:]
	}
	name = strings.TrimSuffix(name, "-fm")
	if anonymous(name) {
		return ""
	}
	return snake(name)
}

// anonymous matches the compiler's closure names: func1, func2.3 (as "3").
func anonymous(name string) bool {
	digits := strings.TrimPrefix(name, "func")
	return strings.IndexFunc(digits, func(r rune) bool { return !unicode.IsDigit(r) }) < 0
}

func snake(s string) string {
	var b strings.Builder
	runes := []rune(s)
	for i, r := range runes {
		if unicode.IsUpper(r) {
			if i > 0 && (unicode.IsLower(runes[i-1]) || (i+1 < len(runes) && unicode.IsLower(runes[i+1]))) {
				b.WriteByte('_')
			}
			r = unicode.ToLower(r)
		}
		b.WriteRune(r)
	}
	return b.String()
}
