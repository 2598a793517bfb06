// Package conversion implements per-property MsgConversion: the per-edge
// rewrite applied on the producing side of an edge before a message is
// enqueued to its consumer (spec.md §4.3), consolidated to the single
// "msg_conversion" naming per spec.md §9's migration note (the original's
// parallel msg_conversion/msg_conversion_operation trees are not carried
// forward).
package conversion

import (
	"fmt"

	"signalmesh/msg"
)

// Mode names one rule's behavior.
type Mode int

const (
	// ModeFixedValue writes Value to Path in the new message.
	ModeFixedValue Mode = iota
	// ModeFromOriginal copies the value at OriginalPath in the source
	// message to Path in the new message.
	ModeFromOriginal
)

// Rule is one property rewrite.
type Rule struct {
	Path         string
	Mode         Mode
	Value        msg.Value // ModeFixedValue
	OriginalPath string    // ModeFromOriginal
}

// Conversion is a per-edge MsgConversion: an ordered list of rules plus the
// keep_original flag (spec.md §4.3).
type Conversion struct {
	KeepOriginal bool
	Rules        []Rule
}

// Apply clones msg and applies the conversion's rules, implementing
// spec.md §4.3's non-result path. When KeepOriginal is false, only the
// paths named by Rules exist in the output (spec.md §8 round-trip law).
func (c *Conversion) Apply(m *msg.Msg) (*msg.Msg, error) {
	var out *msg.Msg
	if c.KeepOriginal {
		out = m.Clone()
	} else {
		out = m.Clone(msg.FieldProperties)
	}
	if err := c.applyRules(m, out); err != nil {
		return nil, err
	}
	return out, nil
}

// ApplyResult is the §4.3 cmd-result exception: the same rule set applies,
// but the clone must preserve the original result's cmd_id so path-table
// lookup still succeeds. Implements path.ResultConverter so a Conversion
// can be installed directly into a path table entry.
func (c *Conversion) ApplyResult(m *msg.Msg) (*msg.Msg, error) {
	var out *msg.Msg
	if c.KeepOriginal {
		out = m.CloneForResultConversion()
	} else {
		out = m.CloneForResultConversion(msg.FieldProperties)
	}
	if err := c.applyRules(m, out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Conversion) applyRules(src, dst *msg.Msg) error {
	for _, rule := range c.Rules {
		switch rule.Mode {
		case ModeFixedValue:
			dst.SetProperty(rule.Path, rule.Value)
		case ModeFromOriginal:
			v, ok := src.PeekProperty(rule.OriginalPath)
			if !ok {
				return fmt.Errorf("conversion: original_path %q not present in source message", rule.OriginalPath)
			}
			dst.SetProperty(rule.Path, v)
		default:
			return fmt.Errorf("conversion: unknown rule mode %v", rule.Mode)
		}
	}
	return nil
}
