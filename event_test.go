package bridgekeeper

import (
	"encoding/json"
	"strings"
	"testing"
)

// --- Event validation tests ---

func validEvent() Event {
	return Event{
		Type:   EventTaskCompleted,
		Source: "test",
		Title:  "done",
	}
}

func TestValidateAcceptsMinimalEvent(t *testing.T) {
	ev := validEvent()
	if err := ev.Validate(0); err != nil {
		t.Fatalf("minimal event rejected: %v", err)
	}
}

func TestValidateRejectsUnknownType(t *testing.T) {
	ev := validEvent()
	ev.Type = "made_up_type"
	err := ev.Validate(0)
	if err == nil {
		t.Fatal("unknown type accepted")
	}
	if err.Code != CodeValidationFailed {
		t.Errorf("code = %s, want VALIDATION_FAILED", err.Code)
	}
}

func TestValidateRejectsMissingSource(t *testing.T) {
	ev := validEvent()
	ev.Source = ""
	if err := ev.Validate(0); err == nil {
		t.Fatal("missing source accepted")
	}
}

func TestValidateRejectsOversizeFields(t *testing.T) {
	ev := validEvent()
	ev.Title = strings.Repeat("x", MaxTitleLen+1)
	if err := ev.Validate(0); err == nil || err.Code != CodeSizeLimit {
		t.Errorf("oversize title: %v", err)
	}

	ev = validEvent()
	ev.Description = strings.Repeat("y", MaxDescriptionLen+1)
	if err := ev.Validate(0); err == nil || err.Code != CodeSizeLimit {
		t.Errorf("oversize description: %v", err)
	}
}

func TestValidateEnforcesSerializedCap(t *testing.T) {
	ev := validEvent()
	ev.Description = strings.Repeat("z", 600)
	if err := ev.Validate(512); err == nil || err.Code != CodeSizeLimit {
		t.Errorf("serialized cap not enforced: %v", err)
	}
	if err := ev.Validate(0); err != nil {
		t.Errorf("default cap should accept 600-byte description: %v", err)
	}
}

func TestValidateSeverityEnum(t *testing.T) {
	ev := validEvent()
	ev.Data.Severity = "catastrophic"
	if err := ev.Validate(0); err == nil {
		t.Error("invalid severity accepted")
	}
	ev.Data.Severity = "critical"
	if err := ev.Validate(0); err != nil {
		t.Errorf("valid severity rejected: %v", err)
	}
}

// --- Extension round-trip tests ---

func TestEventDataPreservesUnknownFields(t *testing.T) {
	raw := []byte(`{"status":"ok","todo_items":[{"text":"a","done":true}],"custom_tag":"v1"}`)

	var d EventData
	if err := json.Unmarshal(raw, &d); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if d.Status != "ok" {
		t.Errorf("known field lost: %q", d.Status)
	}
	if _, ok := d.Extra["todo_items"]; !ok {
		t.Fatal("unknown field todo_items not preserved")
	}

	out, err := json.Marshal(d)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var round map[string]json.RawMessage
	json.Unmarshal(out, &round)
	if _, ok := round["todo_items"]; !ok {
		t.Error("todo_items dropped on re-marshal")
	}
	if _, ok := round["custom_tag"]; !ok {
		t.Error("custom_tag dropped on re-marshal")
	}
}

func TestEventTypesSortedAndClosed(t *testing.T) {
	types := EventTypes()
	if len(types) == 0 {
		t.Fatal("no event types")
	}
	for i := 1; i < len(types); i++ {
		if types[i] < types[i-1] {
			t.Fatalf("types not sorted at %d: %s < %s", i, types[i], types[i-1])
		}
	}
	for _, typ := range types {
		if !ValidEventType(typ) {
			t.Errorf("listed type %s not valid", typ)
		}
	}
	if ValidEventType("nope") {
		t.Error("arbitrary string should not validate")
	}
	if !ValidEventType(EventTypeExtension) {
		t.Error("extension type must be part of the enum")
	}
}
