// Package path implements the per-engine and per-extension PathTable:
// outstanding-command bookkeeping so that results route back to their
// originator (spec.md §4.2).
package path

import (
	"sync"
	"time"

	"signalmesh/msg"
)

// Direction names which of the two tables an entry belongs to. Entries are
// created in the IN table when a cmd enters an extension/engine, and in
// the OUT table when a cmd leaves it.
type Direction int

const (
	DirIn Direction = iota
	DirOut
)

// Entry is one outstanding-command record.
type Entry struct {
	CmdID             string
	ParentCmdID       string
	OriginalSrc       msg.Location
	OriginalDest      msg.Location
	ResultConversion  ResultConverter
	ExpireAt          time.Time // zero means "never expires"
	createdAt         time.Time
}

// ResultConverter lets the path table apply a per-edge conversion to a
// result before handing it back (set when the entry was created on the
// producing side of a converting edge). Implemented by package conversion;
// kept as an interface here to avoid an import cycle.
type ResultConverter interface {
	ApplyResult(m *msg.Msg) (*msg.Msg, error)
}

// Table holds outstanding IN and OUT entries keyed by cmd_id. One Table
// exists per engine; extension threads do not hold a Table of their own,
// so the engine-wide one tracks every cmd routed through the graph.
type Table struct {
	mu  sync.Mutex
	in  map[string]*Entry
	out map[string]*Entry

	defaultTimeout time.Duration // 0 = no default
	now            func() time.Time
}

func NewTable(defaultTimeout time.Duration) *Table {
	return &Table{
		in:             make(map[string]*Entry),
		out:            make(map[string]*Entry),
		defaultTimeout: defaultTimeout,
		now:            time.Now,
	}
}

// AddIn records an inbound cmd crossing into this owner. If an entry for
// the same cmd_id already exists, only ParentCmdID is updated (spec.md
// §4.1 rule 2: chained cmds keep their ancestry, not a fresh entry).
func (t *Table) AddIn(cmd *msg.Msg, conv ResultConverter) {
	t.add(DirIn, cmd, conv)
}

// AddOut records an outbound cmd leaving this owner.
func (t *Table) AddOut(cmd *msg.Msg, conv ResultConverter) {
	t.add(DirOut, cmd, conv)
}

func (t *Table) add(dir Direction, cmd *msg.Msg, conv ResultConverter) {
	t.mu.Lock()
	defer t.mu.Unlock()

	table := t.in
	if dir == DirOut {
		table = t.out
	}

	if existing, ok := table[cmd.CmdID]; ok {
		existing.ParentCmdID = cmd.ParentCmdID
		return
	}

	e := &Entry{
		CmdID:            cmd.CmdID,
		ParentCmdID:      cmd.ParentCmdID,
		OriginalSrc:      cmd.Src,
		ResultConversion: conv,
		createdAt:        t.now(),
	}
	if len(cmd.Dests) > 0 {
		e.OriginalDest = cmd.Dests[0]
	}
	if t.defaultTimeout > 0 {
		e.ExpireAt = e.createdAt.Add(t.defaultTimeout)
	}
	table[cmd.CmdID] = e
}

// ProcessCmdResult implements spec.md §4.2: a result arriving while
// traveling in dir is matched against the *opposite* table (an inbound
// result, dir=DirIn, is matched against OUT — "response to something we
// sent"; an outbound result, dir=DirOut, is matched against IN —
// "response we're forwarding back"). It rewrites the result's destination
// to the recorded original source, applies any per-edge result
// conversion, and reports whether the result should be forwarded at all
// (false if no matching entry exists — spec.md §4.1 rule 5, dropped with
// a warning by the caller). The entry is removed iff the (possibly
// converted) result is final and completed.
func (t *Table) ProcessCmdResult(dir Direction, result *msg.Msg) (forward bool, rewritten *msg.Msg, removed bool) {
	t.mu.Lock()
	table := t.out
	if dir == DirOut {
		table = t.in
	}
	entry, ok := table[result.CmdID]
	if !ok {
		t.mu.Unlock()
		return false, nil, false
	}
	t.mu.Unlock()

	out := result
	if entry.ResultConversion != nil {
		converted, err := entry.ResultConversion.ApplyResult(result)
		if err == nil {
			out = converted
		}
	}
	out.ClearAndSetDest(entry.OriginalSrc)

	if out.IsFinal() && out.IsCompleted() {
		t.mu.Lock()
		delete(table, result.CmdID)
		t.mu.Unlock()
		removed = true
	}

	return true, out, removed
}

// ExpirePaths sweeps both tables for entries whose ExpireAt has passed,
// synthesizing a Timeout Error result back to each original source and
// removing the entry. Returns the synthesized results for the caller to
// forward.
func (t *Table) ExpirePaths(now time.Time) []*msg.Msg {
	t.mu.Lock()
	defer t.mu.Unlock()

	var results []*msg.Msg
	for _, table := range []map[string]*Entry{t.in, t.out} {
		for id, e := range table {
			if e.ExpireAt.IsZero() || now.Before(e.ExpireAt) {
				continue
			}
			r := msg.Create(msg.KindCmdResult, "")
			r.CmdID = id
			r.OriginalCmdName = ""
			r.SetStatusCode(msg.StatusError)
			r.Detail = "path entry expired"
			r.SetCompleted(true)
			r.ClearAndSetDest(e.OriginalSrc)
			results = append(results, r)
			delete(table, id)
		}
	}
	return results
}

// Len reports the total number of outstanding entries across both tables
// (used by Engine teardown to assert the table drained, spec.md §8
// invariant 4).
func (t *Table) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.in) + len(t.out)
}
