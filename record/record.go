// Package record commits one measurement per action to a set of sinks: a
// zap logger, a prometheus histogram and an opentracing span.
package record

import (
	"context"
	"fmt"
	"strconv"
)

type Recorder interface {
	Commit(err error, fields ...Field)
}

type Factory interface {
	ActionRecorder(ctx context.Context, name string, fields ...Field) (Recorder, context.Context)
}

type Field struct {
	Name  string
	value interface{}
}

func StringField(name, value string) Field {
	return Field{Name: name, value: value}
}

func BoolField(name string, value bool) Field {
	return Field{Name: name, value: value}
}

func IntField(name string, value int) Field {
	return Field{Name: name, value: value}
}

func (f Field) Value() interface{} {
	return f.value
}

func (f Field) StringValue() string {
	switch v := f.value.(type) {
	case string:
		return v
	case bool:
		return strconv.FormatBool(v)
	case int:
		return strconv.Itoa(v)
	case nil:
		return ""
	default:
		return fmt.Sprint(v)
	}
}

func ChainFactory(factories ...Factory) Factory {
	return chainFactory(factories)
}

type chainFactory []Factory

func (cf chainFactory) ActionRecorder(ctx context.Context, name string, fields ...Field) (Recorder, context.Context) {
	records := make(chainRecorder, 0, len(cf))
	for _, f := range cf {
		var rd Recorder
		rd, ctx = f.ActionRecorder(ctx, name, fields...)
		records = append(records, rd)
	}
	return records, ctx
}

type chainRecorder []Recorder

func (cr chainRecorder) Commit(err error, fields ...Field) {
	for _, rd := range cr {
		rd.Commit(err, fields...)
	}
}

// Nop records nothing.
var Nop Factory = nopFactory{}

type nopFactory struct{}

func (nopFactory) ActionRecorder(ctx context.Context, name string, fields ...Field) (Recorder, context.Context) {
	return skipRecorder{}, ctx
}

type skipRecorder struct{}

func (skipRecorder) Commit(err error, fields ...Field) {}

// Do runs f inside one action record.
func Do(ctx context.Context, factory Factory, name string, f func(ctx context.Context) error, fields ...Field) error {
	if factory == nil {
		factory = Nop
	}
	rd, ctx := factory.ActionRecorder(ctx, name, fields...)
	err := f(ctx)
	rd.Commit(err)
	return err
}
