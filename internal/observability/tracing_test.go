package observability

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/pitabwire/rfiflow/internal/config"
)

// useTestTracer installs an always-sampling provider that records spans in
// memory.
func useTestTracer(t *testing.T) *tracetest.InMemoryExporter {
	t.Helper()
	exporter := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithSyncer(exporter),
		sdktrace.WithSampler(sdktrace.AlwaysSample()),
	)
	prevTP, prevProp := otel.GetTracerProvider(), otel.GetTextMapPropagator()
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))
	t.Cleanup(func() {
		_ = tp.Shutdown(context.Background())
		otel.SetTracerProvider(prevTP)
		otel.SetTextMapPropagator(prevProp)
	})
	return exporter
}

func attrs(s tracetest.SpanStub) map[string]string {
	m := make(map[string]string)
	for _, a := range s.Attributes {
		m[string(a.Key)] = a.Value.Emit()
	}
	return m
}

// --- InitTracing ---

func TestInitTracing(t *testing.T) {
	tests := []struct {
		name    string
		cfg     config.TracingConfig
		wantErr bool
	}{
		{name: "disabled", cfg: config.TracingConfig{Enabled: false, Exporter: "zipkin"}},
		{name: "stdout", cfg: config.TracingConfig{Enabled: true, Exporter: "stdout", SamplingRate: 1}},
		{name: "unsupported exporter", cfg: config.TracingConfig{Enabled: true, Exporter: "zipkin"}, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			prev := otel.GetTracerProvider()
			t.Cleanup(func() { otel.SetTracerProvider(prev) })

			shutdown, err := InitTracing(context.Background(), tt.cfg, "rfiflow-test", "0.0.1")
			if tt.wantErr {
				if err == nil || !strings.Contains(err.Error(), "unsupported exporter") {
					t.Fatalf("err = %v, want unsupported exporter", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("InitTracing: %v", err)
			}
			if err := shutdown(context.Background()); err != nil {
				t.Errorf("shutdown: %v", err)
			}
		})
	}
}

// --- Spans ---

func TestStartSpan_workflowHierarchy(t *testing.T) {
	exporter := useTestTracer(t)

	ctx, execute := StartSpan(context.Background(), "workflow.Execute",
		AttrRFIID.String("rfi-1"),
		AttrFromStatus.String("active"),
		AttrToStatus.String("sent"),
	)
	_, update := StartSpan(ctx, "store.UpdateIfStatus")
	update.End()
	_, noAttrs := StartSpan(ctx, "audit.Append")
	noAttrs.End()
	execute.End()

	spans := exporter.GetSpans()
	if len(spans) != 3 {
		t.Fatalf("spans = %d, want 3", len(spans))
	}

	byName := map[string]tracetest.SpanStub{}
	for _, s := range spans {
		byName[s.Name] = s
	}
	root := byName["workflow.Execute"]
	for _, child := range []string{"store.UpdateIfStatus", "audit.Append"} {
		s := byName[child]
		if s.Parent.SpanID() != root.SpanContext.SpanID() {
			t.Errorf("%s parent = %s, want workflow.Execute", child, s.Parent.SpanID())
		}
		if s.SpanContext.TraceID() != root.SpanContext.TraceID() {
			t.Errorf("%s is in a different trace", child)
		}
	}
	if got := attrs(root); got["rfi.id"] != "rfi-1" || got["rfi.to_status"] != "sent" {
		t.Errorf("attributes = %v", got)
	}
	if len(byName["audit.Append"].Attributes) != 0 {
		t.Error("span started without attributes has some")
	}
}

func TestEndSpanWithError(t *testing.T) {
	exporter := useTestTracer(t)

	_, failed := StartSpan(context.Background(), "workflow.Sweep")
	EndSpanWithError(failed, errors.New("store offline"))
	_, ok := StartSpan(context.Background(), "workflow.Create")
	EndSpanWithError(ok, nil)

	spans := exporter.GetSpans()
	if len(spans) != 2 {
		t.Fatalf("spans = %d, want 2", len(spans))
	}
	if spans[0].Status.Code != codes.Error || spans[0].Status.Description != "store offline" {
		t.Errorf("failed status = %+v", spans[0].Status)
	}
	if len(spans[0].Events) == 0 || spans[0].Events[0].Name != "exception" {
		t.Error("error was not recorded as an exception event")
	}
	if spans[1].Status.Code != codes.Unset {
		t.Errorf("ok status = %v, want unset", spans[1].Status.Code)
	}
}

func TestTraceAndSpanIDFromContext(t *testing.T) {
	useTestTracer(t)

	if TraceIDFromContext(context.Background()) != "" || SpanIDFromContext(context.Background()) != "" {
		t.Error("ids should be empty without a span")
	}

	ctx, span := StartSpan(context.Background(), "x")
	defer span.End()

	if got := TraceIDFromContext(ctx); len(got) != 32 || got != span.SpanContext().TraceID().String() {
		t.Errorf("trace id = %q", got)
	}
	if got := SpanIDFromContext(ctx); len(got) != 16 || got != span.SpanContext().SpanID().String() {
		t.Errorf("span id = %q", got)
	}
}

func TestAttributeKeysAreNamespaced(t *testing.T) {
	for _, k := range []attribute.Key{
		AttrRFIID, AttrFromStatus, AttrToStatus, AttrStage, AttrActorID, AttrSweepCount, AttrSweepSkipped,
	} {
		if !strings.HasPrefix(string(k), "rfi.") {
			t.Errorf("attribute key %q should have the rfi. prefix", k)
		}
	}
}

// --- TracingMiddleware ---

func tracedRouter(status int) http.Handler {
	r := chi.NewRouter()
	r.Use(TracingMiddleware)
	r.Post("/rfis/{id}/transitions", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(status)
	})
	return r
}

func TestTracingMiddleware_namesSpanByRoute(t *testing.T) {
	exporter := useTestTracer(t)

	w := httptest.NewRecorder()
	tracedRouter(http.StatusOK).ServeHTTP(w, httptest.NewRequest("POST", "/rfis/4b1f/transitions", nil))

	spans := exporter.GetSpans()
	if len(spans) != 1 {
		t.Fatalf("spans = %d, want 1", len(spans))
	}
	s := spans[0]
	if s.Name != "POST /rfis/{id}/transitions" {
		t.Errorf("name = %q, want the route pattern", s.Name)
	}
	got := attrs(s)
	if got["http.route"] != "/rfis/{id}/transitions" {
		t.Errorf("http.route = %q", got["http.route"])
	}
	if got["url.path"] != "/rfis/4b1f/transitions" {
		t.Errorf("url.path = %q", got["url.path"])
	}
	if got["http.response.status_code"] != "200" {
		t.Errorf("status attribute = %q", got["http.response.status_code"])
	}
	if s.Status.Code == codes.Error {
		t.Error("200 should not mark the span as failed")
	}
}

func TestTracingMiddleware_unroutedKeepsPath(t *testing.T) {
	exporter := useTestTracer(t)

	handler := TracingMiddleware(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest("GET", "/nowhere", nil))

	spans := exporter.GetSpans()
	if len(spans) != 1 || spans[0].Name != "GET /nowhere" {
		t.Fatalf("spans = %+v", spans)
	}
	if attrs(spans[0])["http.response.status_code"] != "404" {
		t.Errorf("status attribute = %v", attrs(spans[0]))
	}
}

func TestTracingMiddleware_serverErrorMarksSpan(t *testing.T) {
	exporter := useTestTracer(t)

	tracedRouter(http.StatusInternalServerError).ServeHTTP(httptest.NewRecorder(),
		httptest.NewRequest("POST", "/rfis/1/transitions", nil))

	if spans := exporter.GetSpans(); len(spans) != 1 || spans[0].Status.Code != codes.Error {
		t.Errorf("spans = %+v, want one error span", spans)
	}
}

func TestTracingMiddleware_propagation(t *testing.T) {
	exporter := useTestTracer(t)

	const traceID = "4bf92f3577b34da6a3ce929d0e0e4736"
	req := httptest.NewRequest("POST", "/rfis/1/transitions", nil)
	req.Header.Set("traceparent", "00-"+traceID+"-00f067aa0ba902b7-01")
	w := httptest.NewRecorder()
	tracedRouter(http.StatusOK).ServeHTTP(w, req)

	spans := exporter.GetSpans()
	if len(spans) != 1 {
		t.Fatalf("spans = %d", len(spans))
	}
	if got := spans[0].SpanContext.TraceID().String(); got != traceID {
		t.Errorf("trace id = %s, want the inbound one", got)
	}
	if !strings.Contains(w.Header().Get("traceparent"), traceID) {
		t.Errorf("response traceparent = %q", w.Header().Get("traceparent"))
	}
}

// --- Sampling ---

func TestNewSampler_description(t *testing.T) {
	tests := []struct {
		name string
		cfg  config.TracingConfig
		want string
	}{
		{"default rate", config.TracingConfig{}, "TraceIDRatioBased{0.1}"},
		{"explicit rate", config.TracingConfig{SamplingRate: 0.25}, "TraceIDRatioBased{0.25}"},
		{"always", config.TracingConfig{SamplingRate: 1}, "root:AlwaysOnSampler"},
		{"clamped", config.TracingConfig{SamplingRate: 3}, "root:AlwaysOnSampler"},
		{"force errors", config.TracingConfig{SamplingRate: 0.5, ForceSampleErrors: true}, "RecordAll{ParentBased{"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := newSampler(tt.cfg).Description(); !strings.Contains(got, tt.want) {
				t.Errorf("Description() = %q, want it to contain %q", got, tt.want)
			}
		})
	}
}

// exportedNames runs one passing and one failing span through a provider
// that samples almost nothing and returns what reached the exporter.
func exportedNames(t *testing.T, forceErrors bool) []tracetest.SpanStub {
	t.Helper()
	exporter := tracetest.NewInMemoryExporter()
	tp := newTracerProvider(sdktrace.NewSimpleSpanProcessor(exporter), resource.Empty(), config.TracingConfig{
		SamplingRate:      1e-12,
		ForceSampleErrors: forceErrors,
	})
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })

	tracer := tp.Tracer("test")
	_, ok := tracer.Start(context.Background(), "workflow.Create")
	EndSpanWithError(ok, nil)
	_, failed := tracer.Start(context.Background(), "workflow.Execute")
	EndSpanWithError(failed, errors.New("conflict"))

	return exporter.GetSpans()
}

func TestForceSampleErrors_exportsFailedSpans(t *testing.T) {
	spans := exportedNames(t, true)
	if len(spans) != 1 || spans[0].Name != "workflow.Execute" {
		t.Fatalf("exported = %+v, want only the failed span", spans)
	}
	if !spans[0].SpanContext.IsSampled() {
		t.Error("exported error span should carry the sampled flag")
	}
}

func TestForceSampleErrors_offDropsUnsampled(t *testing.T) {
	if spans := exportedNames(t, false); len(spans) != 0 {
		t.Errorf("exported = %d spans, want 0", len(spans))
	}
}
