package schema

import (
	"testing"

	"signalmesh/apperr"
	"signalmesh/msg"
)

func TestValidatePropertiesMissingRequired(t *testing.T) {
	s := NewStore()
	s.Declare("E", &MsgSchema{
		Kind: msg.KindCmd, Name: "hello_world", Direction: DirIn,
		Properties: []PropertySchema{{Path: "greeting", Kind: msg.KindString, Required: true}},
	})

	m := msg.Create(msg.KindCmd, "hello_world")
	err := s.ValidateProperties("E", m)
	if err == nil {
		t.Fatal("expected schema mismatch for missing required property")
	}
	ae, ok := apperr.As(err)
	if !ok || ae.Code != apperr.SchemaMismatch {
		t.Fatalf("expected SchemaMismatch, got %v", err)
	}
}

func TestValidatePropertiesUndeclaredSkipsCheck(t *testing.T) {
	s := NewStore()
	m := msg.Create(msg.KindCmd, "unknown")
	if err := s.ValidateProperties("E", m); err != nil {
		t.Fatalf("expected no error for undeclared schema, got %v", err)
	}
}

func TestResultValidatedAgainstOriginalCmdResultSchema(t *testing.T) {
	s := NewStore()
	s.Declare("E", &MsgSchema{
		Kind: msg.KindCmd, Name: "hello_world", Direction: DirOut,
		Properties: []PropertySchema{{Path: "detail", Kind: msg.KindString, Required: true}},
	})

	req := msg.Create(msg.KindCmd, "hello_world")
	result := msg.NewResult(req, msg.StatusOk)

	err := s.ValidateProperties("E", result)
	if err == nil {
		t.Fatal("expected schema mismatch: result schema requires 'detail'")
	}

	result.SetProperty("detail", msg.String("hello world, too"))
	if err := s.ValidateProperties("E", result); err != nil {
		t.Fatalf("expected result to pass once detail is set: %v", err)
	}
}

func TestAdjustPropertiesCoercesFloatToInt(t *testing.T) {
	s := NewStore()
	s.Declare("E", &MsgSchema{
		Kind: msg.KindData, Name: "frame", Direction: DirIn,
		Properties: []PropertySchema{{Path: "count", Kind: msg.KindInt}},
	})
	m := msg.Create(msg.KindData, "frame")
	m.SetProperty("count", msg.Float(3))
	s.AdjustProperties("E", m)
	v, _ := m.PeekProperty("count")
	if v.Kind() != msg.KindInt {
		t.Fatalf("expected count adjusted to KindInt, got %v", v.Kind())
	}
}
