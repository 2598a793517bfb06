package conversion

import (
	"encoding/json"
	"fmt"

	"signalmesh/msg"
)

// wireRule and wireConversion mirror the graph JSON format in spec.md §6:
//
//	"msg_conversion": {
//	  "type": "per_property",
//	  "keep_original": false,
//	  "rules": [
//	    {"path": "k", "conversion_mode": "fixed_value", "value": 42},
//	    {"path": "k2", "conversion_mode": "from_original", "original_path": "k3"}
//	  ]
//	}
type wireRule struct {
	Path            string `json:"path"`
	ConversionMode  string `json:"conversion_mode"`
	Value           any    `json:"value,omitempty"`
	OriginalPath    string `json:"original_path,omitempty"`
}

type wireConversion struct {
	Type         string     `json:"type"`
	KeepOriginal bool       `json:"keep_original,omitempty"`
	Rules        []wireRule `json:"rules"`
}

// FromJSON parses one "msg_conversion" block from a start_graph connection.
func FromJSON(data []byte) (*Conversion, error) {
	var w wireConversion
	if err := json.Unmarshal(data, &w); err != nil {
		return nil, fmt.Errorf("conversion: parse: %w", err)
	}
	if w.Type != "" && w.Type != "per_property" {
		return nil, fmt.Errorf("conversion: unsupported type %q", w.Type)
	}

	c := &Conversion{KeepOriginal: w.KeepOriginal}
	for _, wr := range w.Rules {
		r := Rule{Path: wr.Path}
		switch wr.ConversionMode {
		case "fixed_value":
			r.Mode = ModeFixedValue
			r.Value = anyToValue(wr.Value)
		case "from_original":
			r.Mode = ModeFromOriginal
			r.OriginalPath = wr.OriginalPath
		default:
			return nil, fmt.Errorf("conversion: unknown conversion_mode %q", wr.ConversionMode)
		}
		c.Rules = append(c.Rules, r)
	}
	return c, nil
}

func anyToValue(a any) msg.Value {
	switch t := a.(type) {
	case bool:
		return msg.Bool(t)
	case float64:
		if t == float64(int64(t)) {
			return msg.Int(int64(t))
		}
		return msg.Float(t)
	case string:
		return msg.String(t)
	case nil:
		return msg.Invalid()
	default:
		return msg.Invalid()
	}
}
