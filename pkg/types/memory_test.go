package types

import (
	"testing"
	"time"
)

func validMemory() *Memory {
	return &Memory{
		ID:         "mem-1",
		Content:    "prefer tabs over spaces",
		Type:       MemoryTypeRule,
		Layer:      LayerRule,
		Scope:      ScopeProject,
		ProjectID:  "proj-a",
		Confidence: 1.0,
	}
}

func TestMemoryValidate(t *testing.T) {
	if err := validMemory().Validate(); err != nil {
		t.Fatalf("valid memory rejected: %v", err)
	}

	tests := []struct {
		name   string
		mutate func(*Memory)
	}{
		{"missing id", func(m *Memory) { m.ID = "" }},
		{"missing content", func(m *Memory) { m.Content = "" }},
		{"bad type", func(m *Memory) { m.Type = "poem" }},
		{"bad layer", func(m *Memory) { m.Layer = "ephemeral" }},
		{"bad scope", func(m *Memory) { m.Scope = "universe" }},
		{"project scope without project", func(m *Memory) { m.ProjectID = "" }},
		{"working without expiry", func(m *Memory) { m.Layer = LayerWorking; m.ExpiresAt = nil }},
		{"confidence out of range", func(m *Memory) { m.Confidence = 1.5 }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := validMemory()
			tt.mutate(m)
			if err := m.Validate(); err == nil {
				t.Errorf("expected validation error, got nil")
			}
		})
	}
}

func TestMemoryValidateWorkingWithExpiry(t *testing.T) {
	m := validMemory()
	m.Layer = LayerWorking
	exp := time.Now().Add(time.Hour)
	m.ExpiresAt = &exp
	if err := m.Validate(); err != nil {
		t.Fatalf("working memory with expiry rejected: %v", err)
	}
}

func TestMemoryLive(t *testing.T) {
	now := time.Now()
	past := now.Add(-time.Minute)
	future := now.Add(time.Minute)

	m := validMemory()
	if !m.Live(now) {
		t.Error("plain memory should be live")
	}

	deleted := validMemory()
	deleted.DeletedAt = &past
	if deleted.Live(now) {
		t.Error("soft-deleted memory should not be live")
	}

	superseded := validMemory()
	superseded.SupersededAt = &past
	if superseded.Live(now) {
		t.Error("superseded memory should not be live")
	}

	expired := validMemory()
	expired.ExpiresAt = &past
	if expired.Live(now) {
		t.Error("expired memory should not be live")
	}

	expiring := validMemory()
	expiring.ExpiresAt = &future
	if !expiring.Live(now) {
		t.Error("memory with future expiry should be live")
	}
}

func TestEmbeddingValidate(t *testing.T) {
	e := &MemoryEmbedding{
		MemoryID:  "mem-1",
		Vector:    make([]float32, 8),
		Model:     "test-embed",
		Dimension: 8,
	}
	if err := e.Validate(); err != nil {
		t.Fatalf("valid embedding rejected: %v", err)
	}

	e.Dimension = 16
	if err := e.Validate(); err == nil {
		t.Error("dimension mismatch should be rejected")
	}
}

func TestDefaultLayerForType(t *testing.T) {
	if got := DefaultLayerForType(MemoryTypeRule); got != LayerRule {
		t.Errorf("rule type: got %q, want %q", got, LayerRule)
	}
	for _, mt := range []MemoryType{MemoryTypeDecision, MemoryTypeFact, MemoryTypeNote, MemoryTypeSkill} {
		if got := DefaultLayerForType(mt); got != LayerLongTerm {
			t.Errorf("%s: got %q, want %q", mt, got, LayerLongTerm)
		}
	}
}

func TestScopeKey(t *testing.T) {
	a := Scope{ProjectID: "p1", UserID: "u1"}
	b := Scope{ProjectID: "p1", UserID: "u2"}
	if a.Key() == b.Key() {
		t.Error("scopes with different users must have different keys")
	}
	if a.Key() != (Scope{ProjectID: "p1", UserID: "u1"}).Key() {
		t.Error("identical scopes must have identical keys")
	}
}

func TestSessionEventMeaningful(t *testing.T) {
	if (&SessionEvent{Role: "system", Content: "boot"}).Meaningful() {
		t.Error("system events are not meaningful")
	}
	if (&SessionEvent{Role: "user", Content: ""}).Meaningful() {
		t.Error("empty events are not meaningful")
	}
	if !(&SessionEvent{Role: "user", Content: "fix the bug"}).Meaningful() {
		t.Error("user turns with content are meaningful")
	}
}
