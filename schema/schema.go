// Package schema implements SchemaStore: validation and type-adjustment of
// message properties against declared per-extension schemas (spec.md
// §4.4). Schema-language internals (a full schema DSL) are out of scope
// per spec.md §1 — this is a minimal type-only schema sufficient to
// exercise the validate/adjust contract.
package schema

import (
	"fmt"

	"signalmesh/apperr"
	"signalmesh/msg"
)

// Direction mirrors a message's travel direction relative to the
// extension the schema is declared on.
type Direction int

const (
	DirIn Direction = iota
	DirOut
)

// PropertySchema declares the expected kind for one property path.
type PropertySchema struct {
	Path     string
	Kind     msg.ValueKind
	Required bool
}

// MsgSchema is the declared schema for one (kind, name, direction) tuple.
type MsgSchema struct {
	Kind       msg.Kind
	Name       string
	Direction  Direction
	Properties []PropertySchema
}

// key identifies a schema for lookup. Results are looked up by the
// *original* cmd's key with the direction inverted (spec.md §4.4: "a
// result produced in response to inbound cmd X is validated against
// X.result.out").
type key struct {
	extension string
	kind      msg.Kind
	name      string
	dir       Direction
}

// Store is an in-memory, per-extension schema registry. Schemas enter it
// only through Declare; nothing loads them from the store package's
// sqlite-backed cache (manifest parsing itself is out of scope).
type Store struct {
	schemas map[key]*MsgSchema
}

func NewStore() *Store {
	return &Store{schemas: make(map[key]*MsgSchema)}
}

// Declare registers a schema for one extension.
func (s *Store) Declare(extension string, schema *MsgSchema) {
	s.schemas[key{extension, schema.Kind, schema.Name, schema.Direction}] = schema
}

// GetMsgSchema looks up the declared schema for (kind, name, direction) on
// extension. Returns nil if none was declared — absence is not an error;
// callers skip validation for undeclared message shapes.
func (s *Store) GetMsgSchema(extension string, kind msg.Kind, name string, dir Direction) *MsgSchema {
	return s.schemas[key{extension, kind, name, dir}]
}

// resultSchema resolves the schema a cmd-result must be validated against:
// the result schema of the extension that produced it, indexed by the
// original cmd's name with direction inverted (spec.md §4.4).
func (s *Store) resultSchema(extension string, m *msg.Msg) *MsgSchema {
	dir := DirOut
	return s.GetMsgSchema(extension, m.OriginalCmdType, m.OriginalCmdName, dir)
}

// ValidateProperties checks m's properties against the declared schema for
// extension, failing with apperr.SchemaMismatch. A cmd-result is validated
// against its original cmd's result schema rather than its own (empty)
// name.
func (s *Store) ValidateProperties(extension string, m *msg.Msg) error {
	var sch *MsgSchema
	if m.Kind == msg.KindCmdResult {
		sch = s.resultSchema(extension, m)
	} else {
		sch = s.GetMsgSchema(extension, m.Kind, m.Name, DirIn)
	}
	if sch == nil {
		return nil
	}
	for _, p := range sch.Properties {
		v, ok := m.PeekProperty(p.Path)
		if !ok {
			if p.Required {
				return apperr.New(apperr.SchemaMismatch, fmt.Sprintf("missing required property %q", p.Path))
			}
			continue
		}
		if v.Kind() != p.Kind {
			return apperr.New(apperr.SchemaMismatch, fmt.Sprintf("property %q: expected kind %v, got %v", p.Path, p.Kind, v.Kind()))
		}
	}
	return nil
}

// AdjustProperties coerces compatible property types in place (e.g. a
// float carrying an integral value arriving over a JSON transport is
// coerced to KindInt when the schema declares KindInt). Adjustment never
// fails — properties it can't coerce are left as-is for ValidateProperties
// to reject.
func (s *Store) AdjustProperties(extension string, m *msg.Msg) {
	var sch *MsgSchema
	if m.Kind == msg.KindCmdResult {
		sch = s.resultSchema(extension, m)
	} else {
		sch = s.GetMsgSchema(extension, m.Kind, m.Name, DirIn)
	}
	if sch == nil {
		return
	}
	for _, p := range sch.Properties {
		v, ok := m.PeekProperty(p.Path)
		if !ok {
			continue
		}
		if adjusted, ok := coerce(v, p.Kind); ok {
			m.SetProperty(p.Path, adjusted)
		}
	}
}

func coerce(v msg.Value, want msg.ValueKind) (msg.Value, bool) {
	if v.Kind() == want {
		return v, false
	}
	switch want {
	case msg.KindInt:
		if f, ok := v.Float(); ok && f == float64(int64(f)) {
			return msg.Int(int64(f)), true
		}
	case msg.KindFloat:
		if i, ok := v.Int(); ok {
			return msg.Float(float64(i)), true
		}
	}
	return v, false
}
