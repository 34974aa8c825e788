package tracing

import (
	"context"
	"errors"
	"testing"

	"go.opentelemetry.io/otel/attribute"
)

func TestInit_DisabledIsNoOp(t *testing.T) {
	tp, err := Init(Config{Enabled: false})
	if err != nil {
		t.Fatalf("Init() with tracing disabled should not fail: %v", err)
	}
	if err := tp.Shutdown(context.Background()); err != nil {
		t.Errorf("Shutdown() of a disabled provider should not fail: %v", err)
	}
}

func TestStartSpan(t *testing.T) {
	// Without a configured provider the no-op tracer still hands back a
	// usable span.
	_, span := StartSpan(context.Background(), "test.operation")
	if span == nil {
		t.Error("expected non-nil span")
	}
	span.End()
}

func TestRecordError(t *testing.T) {
	ctx, span := StartSpan(context.Background(), "test")
	defer span.End()

	RecordError(ctx, errors.New("test error"))
}

func TestSpanAttributeKeys(t *testing.T) {
	// Shared keys keep span attribute names consistent across services.
	if got := PeerIDKey.String("peer-1").Key; got != attribute.Key("peer.id") {
		t.Errorf("PeerIDKey = %q, want peer.id", got)
	}
	if got := ContentIDKey.String("vid-1").Key; got != attribute.Key("content.id") {
		t.Errorf("ContentIDKey = %q, want content.id", got)
	}
}

func TestTraceHTTPRequest(t *testing.T) {
	_, span := TraceHTTPRequest(context.Background(), "GET", "/api/status")
	if span == nil {
		t.Error("expected non-nil span")
	}
	span.End()
}
