package errors

import (
	"fmt"
	"testing"
)

func TestFastPathNoReporting(t *testing.T) {
	t.Parallel()

	// Ensure no reporter or hooks
	SetReporter(nil)
	ClearErrorHooks()

	// Create an error - should use fast path
	err := fmt.Errorf("test error")
	ee := New(err).Build()

	if ee.Err.Error() != "test error" {
		t.Errorf("Expected error message 'test error', got '%s'", ee.Err.Error())
	}

	if ee.GetComponent() != "unknown" {
		t.Errorf("Expected component 'unknown' in fast path, got '%s'", ee.GetComponent())
	}

	if ee.Category != CategoryGeneric {
		t.Errorf("Expected category 'generic' in fast path, got '%s'", ee.Category)
	}
}

func TestExplicitComponentAndCategory(t *testing.T) {
	t.Parallel()

	ee := Newf("upload failed: %d", 503).
		Component("backend").
		Category(CategoryUpload).
		Context("status_code", 503).
		Build()

	if ee.GetComponent() != "backend" {
		t.Errorf("Expected component 'backend', got '%s'", ee.GetComponent())
	}

	if !IsCategory(ee, CategoryUpload) {
		t.Error("Expected IsCategory to match CategoryUpload")
	}

	ctx := ee.GetContext()
	if ctx["status_code"] != 503 {
		t.Errorf("Expected status_code context 503, got %v", ctx["status_code"])
	}
}

func TestCategoryMatchingThroughWrapping(t *testing.T) {
	t.Parallel()

	inner := Newf("cannot write queue state").
		Component("uploadqueue").
		Category(CategoryPersistence).
		Build()

	wrapped := fmt.Errorf("enqueue: %w", inner)

	if !IsPersistence(wrapped) {
		t.Error("Expected IsPersistence to match through wrapping")
	}

	if IsTimeout(wrapped) {
		t.Error("Did not expect IsTimeout to match a persistence error")
	}
}

func TestErrorHookInvocation(t *testing.T) {
	SetReporter(nil)
	ClearErrorHooks()
	defer ClearErrorHooks()

	var seen []*EnhancedError
	AddErrorHook(func(ee *EnhancedError) {
		seen = append(seen, ee)
	})

	ee := Newf("boom").Component("sensor").Category(CategoryState).Build()

	if len(seen) != 1 {
		t.Fatalf("Expected 1 hook invocation, got %d", len(seen))
	}
	if seen[0] != ee {
		t.Error("Hook received a different error instance")
	}
}

func TestInvalidPriorityFallsBackToMedium(t *testing.T) {
	t.Parallel()

	ee := Newf("x").Priority("urgent-ish").Build()
	if ee.GetPriority() != PriorityMedium {
		t.Errorf("Expected medium priority fallback, got %q", ee.GetPriority())
	}
}
