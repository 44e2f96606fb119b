package errors

import (
	stderrors "errors"
	"fmt"
	"testing"
)

func TestKindOfUnwrapsNestedErrors(t *testing.T) {
	inner := New(KindTimeout, "node exceeded 30s")
	wrapped := fmt.Errorf("level wrapper: %w", inner)

	if got := KindOf(wrapped); got != KindTimeout {
		t.Fatalf("expected Timeout, got %s", got)
	}
	if got := KindOf(stderrors.New("opaque")); got != KindTool {
		t.Fatalf("unclassified errors default to ToolError, got %s", got)
	}
}

func TestDefaultRetriableClassification(t *testing.T) {
	retriable := []Kind{KindTimeout, KindLLMProvider}
	for _, k := range retriable {
		if !DefaultRetriable(k) {
			t.Fatalf("%s should be retriable by default", k)
		}
	}
	terminal := []Kind{
		KindValidation, KindNotFound, KindFactory, KindCapability,
		KindUnresolvedBinding, KindCancelled, KindSandbox, KindBudget,
		KindAgentNonConverged, KindRecursionNonConverged,
	}
	for _, k := range terminal {
		if DefaultRetriable(k) {
			t.Fatalf("%s must not be retriable by default", k)
		}
	}
}

func TestToolErrorTransientFlag(t *testing.T) {
	transient := &Error{Kind: KindTool, Message: "rate limited", Transient: true}
	permanent := &Error{Kind: KindTool, Message: "bad arguments"}

	if !IsTransient(transient) {
		t.Fatalf("transient tool error should retry")
	}
	if IsTransient(permanent) {
		t.Fatalf("permanent tool error should not retry")
	}
}

func TestWithNodeDoesNotMutateOriginal(t *testing.T) {
	base := New(KindValidation, "missing field")
	annotated := base.WithNode("n1").WithAttempt(2).WithDetail("field", "msg")

	if base.NodeID != "" || base.Attempt != 0 || base.Details != nil {
		t.Fatalf("base error mutated: %+v", base)
	}
	if annotated.NodeID != "n1" || annotated.Attempt != 2 {
		t.Fatalf("annotation lost: %+v", annotated)
	}
	if annotated.Details["field"] != "msg" {
		t.Fatalf("detail lost: %+v", annotated.Details)
	}
}
