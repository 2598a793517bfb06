package path

import (
	"testing"
	"time"

	"signalmesh/msg"
)

func TestAddInThenProcessResultRewritesDest(t *testing.T) {
	tbl := NewTable(0)
	cmd := msg.Create(msg.KindCmd, "hello_world")
	cmd.GenCmdIDIfEmpty()
	cmd.Src = msg.Location{ExtensionName: "client"}
	tbl.AddIn(cmd, nil)

	result := msg.NewResult(cmd, msg.StatusOk)
	result.SetFinal(true)
	result.SetCompleted(true)

	forward, rewritten, removed := tbl.ProcessCmdResult(DirOut, result)
	if !forward {
		t.Fatal("expected forward=true")
	}
	if len(rewritten.Dests) != 1 || rewritten.Dests[0].ExtensionName != "client" {
		t.Fatalf("expected dest rewritten to client, got %+v", rewritten.Dests)
	}
	if !removed {
		t.Fatal("expected entry removed on final+completed result")
	}
	if tbl.Len() != 0 {
		t.Fatalf("expected table empty after removal, got %d", tbl.Len())
	}
}

func TestStreamingResultKeepsEntryUntilCompleted(t *testing.T) {
	tbl := NewTable(0)
	cmd := msg.Create(msg.KindCmd, "stream")
	cmd.GenCmdIDIfEmpty()
	cmd.Src = msg.Location{ExtensionName: "client"}
	tbl.AddOut(cmd, nil)

	for i := 0; i < 3; i++ {
		r := msg.NewResult(cmd, msg.StatusOk)
		r.SetFinal(false)
		r.SetCompleted(false)
		_, _, removed := tbl.ProcessCmdResult(DirIn, r)
		if removed {
			t.Fatalf("non-final result %d must not remove the entry", i)
		}
	}

	final := msg.NewResult(cmd, msg.StatusOk)
	final.SetFinal(true)
	final.SetCompleted(true)
	_, _, removed := tbl.ProcessCmdResult(DirIn, final)
	if !removed {
		t.Fatal("final+completed result must remove the entry")
	}
}

func TestUnmatchedResultIsNotForwarded(t *testing.T) {
	tbl := NewTable(0)
	r := msg.Create(msg.KindCmdResult, "")
	r.CmdID = "no-such-cmd"
	forward, _, _ := tbl.ProcessCmdResult(DirIn, r)
	if forward {
		t.Fatal("a result with no matching path entry must be dropped, not forwarded")
	}
}

func TestChainedCmdUpdatesParentNotNewEntry(t *testing.T) {
	tbl := NewTable(0)
	cmd := msg.Create(msg.KindCmd, "a")
	cmd.CmdID = "same-id"
	cmd.Src = msg.Location{ExtensionName: "first"}
	tbl.AddIn(cmd, nil)

	chained := msg.Create(msg.KindCmd, "a")
	chained.CmdID = "same-id"
	chained.ParentCmdID = "parent-1"
	chained.Src = msg.Location{ExtensionName: "second"}
	tbl.AddIn(chained, nil)

	if tbl.Len() != 1 {
		t.Fatalf("expected a single entry after re-adding the same cmd_id, got %d", tbl.Len())
	}
}

func TestExpirePathsSynthesizesErrorResult(t *testing.T) {
	tbl := NewTable(time.Millisecond)
	cmd := msg.Create(msg.KindCmd, "slow")
	cmd.GenCmdIDIfEmpty()
	cmd.Src = msg.Location{ExtensionName: "client"}
	tbl.AddOut(cmd, nil)

	results := tbl.ExpirePaths(time.Now().Add(time.Second))
	if len(results) != 1 {
		t.Fatalf("expected one synthesized result, got %d", len(results))
	}
	if results[0].StatusCode != msg.StatusError {
		t.Fatal("expected synthesized timeout result to carry StatusError")
	}
	if tbl.Len() != 0 {
		t.Fatal("expected expired entry removed")
	}
}
