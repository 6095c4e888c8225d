package embedding

import (
	"testing"

	"github.com/000haoji/deep-student-sub006/internal/apperr"
)

func TestNewGenAIEngineDefaults(t *testing.T) {
	e, err := NewGenAIEngine("test-key", "", "bogus-task")
	if err != nil {
		t.Fatalf("NewGenAIEngine: %v", err)
	}
	if e.taskType != "RETRIEVAL_DOCUMENT" {
		t.Errorf("task type = %q, want RETRIEVAL_DOCUMENT", e.taskType)
	}
	if e.Model() != "gemini-embedding-001" {
		t.Errorf("model = %q", e.Model())
	}
	if e.Name() != "genai:gemini-embedding-001" {
		t.Errorf("name = %q", e.Name())
	}

	e, err = NewGenAIEngine("test-key", "custom-model", "RETRIEVAL_QUERY")
	if err != nil {
		t.Fatalf("NewGenAIEngine: %v", err)
	}
	if e.taskType != "RETRIEVAL_QUERY" {
		t.Errorf("task type = %q, want RETRIEVAL_QUERY", e.taskType)
	}

	if _, err := NewGenAIEngine("", "m", ""); !apperr.IsKind(err, apperr.KindConfiguration) {
		t.Errorf("missing key: err = %v, want configuration", err)
	}
}
