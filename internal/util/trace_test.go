package util

import (
	"context"
	"testing"
)

func TestTraceID(t *testing.T) {
	id := NewTraceID()
	if len(id) != 32 {
		t.Fatalf("Trace ID 应为 32 位十六进制, 得到 %q", id)
	}
	if NewTraceID() == id {
		t.Fatal("Trace ID 应唯一")
	}

	ctx := ContextWithTraceID(context.Background(), id)
	got, ok := TraceIDFromContext(ctx)
	if !ok || got != id {
		t.Errorf("预期 %s, 得到 %s", id, got)
	}
	if _, ok := TraceIDFromContext(context.Background()); ok {
		t.Error("空 Context 不应有 Trace ID")
	}
}
