package record

import (
	"context"
	"strconv"
	"time"

	"github.com/opentracing/opentracing-go"
	tracerLog "github.com/opentracing/opentracing-go/log"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
)

// EasyRecorders chains the logger, prometheus and tracer factories. The
// histogram is registered on reg when reg is not nil.
func EasyRecorders(desc string, logger *zap.Logger, reg prometheus.Registerer, fields ...string) Factory {
	prom := NewPromRecorderFactory(desc, fields...)
	if reg != nil {
		reg.MustRegister(prom.Collector())
	}
	return ChainFactory(
		NewLoggerRecorderFactory(logger, false, desc),
		prom,
		NewTracerFactory(nil),
	)
}

type PromFactory struct {
	fields map[string]bool
	hv     *prometheus.HistogramVec
}

func NewPromRecorderFactory(name string, fields ...string) *PromFactory {
	fields = append(fields, "err", "name")

	fs := make(map[string]bool)
	for _, f := range fields {
		fs[f] = true
	}

	hv := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name: name,
		Help: name + " duration in milliseconds",
	}, fields)

	return &PromFactory{
		fields: fs,
		hv:     hv,
	}
}

func (factory *PromFactory) Collector() prometheus.Collector {
	return factory.hv
}

func (factory *PromFactory) ActionRecorder(ctx context.Context, name string, fields ...Field) (Recorder, context.Context) {
	if factory.hv == nil {
		return skipRecorder{}, ctx
	}
	return &PromRecorder{
		fields:    fields,
		factory:   factory,
		startTime: time.Now(),
		name:      name,
	}, ctx
}

func (factory *PromFactory) buildLabel(name string, err error, fields []Field) prometheus.Labels {
	lbs := prometheus.Labels{}
	for f := range factory.fields {
		lbs[f] = ""
	}
	lbs["err"] = strconv.FormatBool(err != nil)
	lbs["name"] = name
	for _, f := range fields {
		if factory.fields[f.Name] && f.Name != "err" && f.Name != "name" {
			lbs[f.Name] = f.StringValue()
		}
	}
	return lbs
}

func (factory *PromFactory) commit(startTime time.Time, labels prometheus.Labels) {
	factory.hv.With(labels).Observe(float64(time.Since(startTime) / time.Millisecond))
}

type PromRecorder struct {
	fields    []Field
	factory   *PromFactory
	startTime time.Time
	name      string
}

func (recorder PromRecorder) Commit(err error, fields ...Field) {
	labels := recorder.factory.buildLabel(recorder.name, err, append(recorder.fields, fields...))
	recorder.factory.commit(recorder.startTime, labels)
}

type LoggerFactory struct {
	logger      *zap.Logger
	recordNoErr bool
	desc        string
}

func NewLoggerRecorderFactory(logger *zap.Logger, recordNoErr bool, messageDesc string) *LoggerFactory {
	return &LoggerFactory{
		logger:      logger,
		recordNoErr: recordNoErr,
		desc:        messageDesc,
	}
}

func (factory *LoggerFactory) ActionRecorder(ctx context.Context, name string, fields ...Field) (Recorder, context.Context) {
	return LoggerRecorder{
		fields:    fields,
		factory:   factory,
		startTime: time.Now(),
		name:      name,
	}, ctx
}

func (factory *LoggerFactory) commit(name string, startTime time.Time, err error, fields []Field) {
	if err == nil && !factory.recordNoErr {
		return
	}
	logger := factory.logger
	if logger == nil {
		logger = zap.L()
	}

	fs := make([]zap.Field, 0, len(fields)+4)
	if err != nil {
		fs = append(fs, zap.Error(err))
	}
	fs = append(fs, zap.String("name", name))
	fs = append(fs, zap.Duration("duration", time.Since(startTime)))
	fs = append(fs, zap.Time("startTime", startTime))
	for _, f := range fields {
		fs = append(fs, zap.String(f.Name, f.StringValue()))
	}

	if err == nil {
		logger.Info(factory.desc, fs...)
	} else {
		logger.Error(factory.desc, fs...)
	}
}

type LoggerRecorder struct {
	fields    []Field
	factory   *LoggerFactory
	startTime time.Time
	name      string
}

func (recorder LoggerRecorder) Commit(err error, fields ...Field) {
	recorder.factory.commit(recorder.name, recorder.startTime, err, append(recorder.fields, fields...))
}

type TracerFactory struct {
	tracer opentracing.Tracer
}

// NewTracerFactory uses the global tracer when tracer is nil.
func NewTracerFactory(tracer opentracing.Tracer) *TracerFactory {
	return &TracerFactory{
		tracer: tracer,
	}
}

func (factory *TracerFactory) ActionRecorder(ctx context.Context, name string, fields ...Field) (Recorder, context.Context) {
	tracer := factory.tracer
	if tracer == nil {
		tracer = opentracing.GlobalTracer()
	}

	opt := tracerOption{
		startTime: time.Now(),
		fields:    fields,
	}
	span, ctx := opentracing.StartSpanFromContextWithTracer(ctx, tracer, name, opt)
	return TracerRecorder{
		span: span,
	}, ctx
}

type TracerRecorder struct {
	span opentracing.Span
}

func (recorder TracerRecorder) Commit(err error, fields ...Field) {
	if err != nil {
		recorder.span.SetTag("error", true)
		recorder.span.LogFields(tracerLog.Error(err))
	}
	for _, f := range fields {
		recorder.span.SetTag(f.Name, f.Value())
	}
	recorder.span.Finish()
}

type tracerOption struct {
	startTime time.Time
	fields    []Field
}

func (opt tracerOption) Apply(options *opentracing.StartSpanOptions) {
	options.StartTime = opt.startTime
	if options.Tags == nil {
		options.Tags = map[string]interface{}{}
	}
	for _, f := range opt.fields {
		options.Tags[f.Name] = f.Value()
	}
}
