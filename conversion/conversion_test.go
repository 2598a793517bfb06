package conversion

import (
	"testing"

	"signalmesh/msg"
)

// S5 from spec.md §8: fixed_value rule with keep_original=false drops
// every property not named by a rule.
func TestApplyFixedValueDropsUnlistedProperties(t *testing.T) {
	src := msg.Create(msg.KindData, "frame")
	src.SetProperty("k", msg.Int(1))
	src.SetProperty("other", msg.Int(2))

	c := &Conversion{
		KeepOriginal: false,
		Rules: []Rule{
			{Path: "k", Mode: ModeFixedValue, Value: msg.Int(42)},
		},
	}

	out, err := c.Apply(src)
	if err != nil {
		t.Fatal(err)
	}
	v, ok := out.PeekProperty("k")
	if !ok {
		t.Fatal("expected k to be present")
	}
	if i, _ := v.Int(); i != 42 {
		t.Fatalf("expected k=42, got %d", i)
	}
	if _, ok := out.PeekProperty("other"); ok {
		t.Fatal("expected 'other' to be dropped under keep_original=false")
	}
}

func TestApplyKeepOriginalPreservesUnlistedProperties(t *testing.T) {
	src := msg.Create(msg.KindData, "frame")
	src.SetProperty("k", msg.Int(1))
	src.SetProperty("other", msg.Int(2))

	c := &Conversion{
		KeepOriginal: true,
		Rules: []Rule{
			{Path: "k", Mode: ModeFixedValue, Value: msg.Int(42)},
		},
	}

	out, err := c.Apply(src)
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := out.PeekProperty("other"); !ok {
		t.Fatal("expected 'other' preserved under keep_original=true")
	}
}

func TestApplyFromOriginalMissingPathErrors(t *testing.T) {
	src := msg.Create(msg.KindData, "frame")
	c := &Conversion{Rules: []Rule{
		{Path: "x", Mode: ModeFromOriginal, OriginalPath: "absent"},
	}}
	if _, err := c.Apply(src); err == nil {
		t.Fatal("expected an error for a from_original rule over an absent path")
	}
}

func TestApplyResultPreservesCmdID(t *testing.T) {
	req := msg.Create(msg.KindCmd, "foo")
	req.GenCmdIDIfEmpty()
	result := msg.NewResult(req, msg.StatusOk)

	c := &Conversion{Rules: []Rule{
		{Path: "k", Mode: ModeFixedValue, Value: msg.Int(1)},
	}}
	out, err := c.ApplyResult(result)
	if err != nil {
		t.Fatal(err)
	}
	if out.CmdID != result.CmdID {
		t.Fatalf("expected cmd_id preserved across result conversion, got %s want %s", out.CmdID, result.CmdID)
	}
}

func TestFromJSON(t *testing.T) {
	data := []byte(`{
		"type": "per_property",
		"keep_original": false,
		"rules": [
			{"path": "k", "conversion_mode": "fixed_value", "value": 42},
			{"path": "k2", "conversion_mode": "from_original", "original_path": "k3"}
		]
	}`)
	c, err := FromJSON(data)
	if err != nil {
		t.Fatal(err)
	}
	if c.KeepOriginal {
		t.Fatal("expected keep_original=false")
	}
	if len(c.Rules) != 2 {
		t.Fatalf("expected 2 rules, got %d", len(c.Rules))
	}
	if c.Rules[0].Mode != ModeFixedValue {
		t.Fatal("expected first rule to be fixed_value")
	}
	if c.Rules[1].Mode != ModeFromOriginal || c.Rules[1].OriginalPath != "k3" {
		t.Fatal("expected second rule to be from_original with original_path k3")
	}
}
