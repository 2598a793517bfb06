package msg

import "testing"

func TestGenCmdIDNeverOverwrites(t *testing.T) {
	m := Create(KindCmd, "hello_world")
	m.GenCmdIDIfEmpty()
	first := m.CmdID
	if first == "" {
		t.Fatal("expected a generated cmd_id")
	}
	m.GenCmdIDIfEmpty()
	if m.CmdID != first {
		t.Fatalf("GenCmdIDIfEmpty overwrote an existing id: %s -> %s", first, m.CmdID)
	}
	m.GenNewCmdIDForcibly()
	if m.CmdID == first {
		t.Fatal("GenNewCmdIDForcibly did not change the id")
	}
}

func TestSetStatusCodeForcesFinalOnError(t *testing.T) {
	m := Create(KindCmdResult, "")
	m.SetStatusCode(StatusError)
	if !m.IsFinal() {
		t.Fatal("a non-Ok result must always be final (spec.md §4.1 rule 4)")
	}
}

func TestCloneChangesCmdIDByDefault(t *testing.T) {
	orig := Create(KindCmd, "foo")
	orig.GenCmdIDIfEmpty()
	c := orig.Clone()
	if c.CmdID == orig.CmdID {
		t.Fatal("generic Clone must assign a new cmd_id")
	}
}

func TestCloneForResultConversionPreservesCmdID(t *testing.T) {
	req := Create(KindCmd, "foo")
	req.GenCmdIDIfEmpty()
	result := NewResult(req, StatusOk)
	converted := result.CloneForResultConversion()
	if converted.CmdID != result.CmdID {
		t.Fatalf("result conversion must preserve cmd_id: got %s want %s", converted.CmdID, result.CmdID)
	}
}

func TestClonePreservesExceptExcluded(t *testing.T) {
	orig := Create(KindData, "frame")
	orig.SetProperty("k", Int(1))
	orig.SetProperty("other", Int(2))
	orig.Dests = []Location{{ExtensionName: "E"}}

	full := orig.Clone()
	if _, ok := full.PeekProperty("k"); !ok {
		t.Fatal("expected properties preserved")
	}
	if len(full.Dests) != 1 {
		t.Fatal("expected dests preserved")
	}

	stripped := orig.Clone(FieldProperties, FieldDests)
	if _, ok := stripped.PeekProperty("k"); ok {
		t.Fatal("expected properties excluded")
	}
	if len(stripped.Dests) != 0 {
		t.Fatal("expected dests excluded")
	}
}

func TestWireRoundTrip(t *testing.T) {
	m := Create(KindCmd, "hello_world")
	m.GenCmdIDIfEmpty()
	m.Src = Location{ExtensionName: "client"}
	m.Dests = []Location{{ExtensionName: "E"}}
	m.SetProperty("greeting", String("hi"))

	w := ToWire(m)
	back := FromWire(w)

	if back.Kind != m.Kind || back.Name != m.Name || back.CmdID != m.CmdID {
		t.Fatalf("roundtrip mismatch: %+v vs %+v", back, m)
	}
	v, ok := back.PeekProperty("greeting")
	if !ok {
		t.Fatal("expected greeting property to survive roundtrip")
	}
	if s, _ := v.String(); s != "hi" {
		t.Fatalf("expected 'hi', got %q", s)
	}
}

func TestWireRoundTripFillsAbsentCmdID(t *testing.T) {
	w := Wire{Type: "cmd", Name: "x"}
	back := FromWire(w)
	if back.CmdID == "" {
		t.Fatal("expected a cmd_id to be generated when absent on roundtrip")
	}
}

func TestSynthesizePeerIdentity(t *testing.T) {
	m := Create(KindCmd, "hello_world")
	m.GenNewCmdIDForcibly()
	m.FromOutsideSystem = true
	m.Src = Location{AppURI: m.CmdID}
	m.SynthesizePeerIdentity()
	if m.Src.AppURI != m.CmdID {
		t.Fatalf("expected src app uri rewritten to cmd_id, got %s", m.Src.AppURI)
	}
}
