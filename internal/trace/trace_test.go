package trace_test

import (
	"context"
	"testing"

	"github.com/aetherpro/fabric/internal/trace"
)

func TestNew(t *testing.T) {
	tc := trace.New()
	if tc.TraceID == "" {
		t.Error("New() produced empty trace id")
	}
	if tc.SpanID == "" {
		t.Error("New() produced empty span id")
	}
	if tc.ParentSpanID != nil {
		t.Errorf("New() parent span = %v, want nil", *tc.ParentSpanID)
	}
	if tc.TraceID == tc.SpanID {
		t.Error("trace id and span id should be independent")
	}
}

func TestAdopt(t *testing.T) {
	tc := trace.Adopt("trace-123", "span-parent")
	if tc.TraceID != "trace-123" {
		t.Errorf("TraceID = %q, want %q", tc.TraceID, "trace-123")
	}
	if tc.ParentSpanID == nil || *tc.ParentSpanID != "span-parent" {
		t.Errorf("ParentSpanID = %v, want span-parent", tc.ParentSpanID)
	}
	if tc.SpanID == "" {
		t.Error("Adopt() must mint a fresh span id")
	}
}

func TestAdoptEmptyBehavesLikeNew(t *testing.T) {
	tc := trace.Adopt("", "")
	if tc.TraceID == "" || tc.SpanID == "" {
		t.Error("Adopt with empty ids must mint fresh ones")
	}
	if tc.ParentSpanID != nil {
		t.Error("Adopt with empty parent must leave parent nil")
	}
}

func TestChild(t *testing.T) {
	parent := trace.New()
	child := parent.Child()

	if child.TraceID != parent.TraceID {
		t.Errorf("child trace id = %q, want %q", child.TraceID, parent.TraceID)
	}
	if child.SpanID == parent.SpanID {
		t.Error("child must have its own span id")
	}
	if child.ParentSpanID == nil || *child.ParentSpanID != parent.SpanID {
		t.Errorf("child parent span = %v, want %q", child.ParentSpanID, parent.SpanID)
	}
}

func TestContextRoundTrip(t *testing.T) {
	tc := trace.New()
	ctx := trace.WithContext(context.Background(), tc)

	got := trace.FromContext(ctx)
	if got.TraceID != tc.TraceID || got.SpanID != tc.SpanID {
		t.Errorf("FromContext = %+v, want %+v", got, tc)
	}
}

func TestFromContextMissing(t *testing.T) {
	got := trace.FromContext(context.Background())
	if got.TraceID == "" || got.SpanID == "" {
		t.Error("FromContext on a bare context must mint a fresh trace")
	}
}
