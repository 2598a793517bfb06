package msg

// Wire is the on-the-wire representation of a Msg, shared by every
// concrete Protocol (msgpack, websocket-JSON): one wire message maps to
// one typed Msg value (spec.md §6). Wire never carries the zero-copy
// buffer for audio/video frames. The msgpack and websocket protocols do
// not send it at all; QuicProtocol sends only an audio frame's buffer, as
// a datagram of its own.
type Wire struct {
	Type  string           `msgpack:"type" json:"type"`
	Name  string           `msgpack:"name,omitempty" json:"name,omitempty"`
	Src   WireLocation      `msgpack:"src" json:"src"`
	Dest  []WireLocation    `msgpack:"dest" json:"dest"`
	Props map[string]any    `msgpack:"properties,omitempty" json:"properties,omitempty"`

	CmdID       string `msgpack:"cmd_id,omitempty" json:"cmd_id,omitempty"`
	SeqID       string `msgpack:"seq_id,omitempty" json:"seq_id,omitempty"`
	ParentCmdID string `msgpack:"parent_cmd_id,omitempty" json:"parent_cmd_id,omitempty"`

	OriginalCmdType string `msgpack:"original_cmd_type,omitempty" json:"original_cmd_type,omitempty"`
	OriginalCmdName string `msgpack:"original_cmd_name,omitempty" json:"original_cmd_name,omitempty"`
	StatusCode      int    `msgpack:"status_code,omitempty" json:"status_code,omitempty"`
	Detail          string `msgpack:"detail,omitempty" json:"detail,omitempty"`
	IsFinal         bool   `msgpack:"is_final,omitempty" json:"is_final,omitempty"`
	IsCompleted     bool   `msgpack:"is_completed,omitempty" json:"is_completed,omitempty"`

	SampleRate     int    `msgpack:"sample_rate,omitempty" json:"sample_rate,omitempty"`
	Channels       int    `msgpack:"channels,omitempty" json:"channels,omitempty"`
	BytesPerSample int    `msgpack:"bytes_per_sample,omitempty" json:"bytes_per_sample,omitempty"`
	Width          int    `msgpack:"width,omitempty" json:"width,omitempty"`
	Height         int    `msgpack:"height,omitempty" json:"height,omitempty"`
	PixelFormat    string `msgpack:"pixel_format,omitempty" json:"pixel_format,omitempty"`
	Timestamp      int64  `msgpack:"timestamp,omitempty" json:"timestamp,omitempty"`
}

type WireLocation struct {
	App       string `msgpack:"app,omitempty" json:"app,omitempty"`
	Graph     string `msgpack:"graph,omitempty" json:"graph,omitempty"`
	Extension string `msgpack:"extension,omitempty" json:"extension,omitempty"`
}

var kindToWireType = map[Kind]string{
	KindCmd:        "cmd",
	KindCmdResult:  "result",
	KindData:       "data",
	KindAudioFrame: "audio_frame",
	KindVideoFrame: "video_frame",
}

var wireTypeToKind = map[string]Kind{
	"cmd":         KindCmd,
	"result":      KindCmdResult,
	"data":        KindData,
	"audio_frame": KindAudioFrame,
	"video_frame": KindVideoFrame,
}

// ToWire converts m into its wire representation. The zero-copy buffer is
// not included.
func ToWire(m *Msg) Wire {
	w := Wire{
		Type:            kindToWireType[m.Kind],
		Name:            m.Name,
		Src:             locToWire(m.Src),
		CmdID:           m.CmdID,
		SeqID:           m.SeqID,
		ParentCmdID:     m.ParentCmdID,
		OriginalCmdType: kindToWireType[m.OriginalCmdType],
		OriginalCmdName: m.OriginalCmdName,
		StatusCode:      int(m.StatusCode),
		Detail:          m.Detail,
		IsFinal:         m.IsFinalFlag,
		IsCompleted:     m.IsCompletedFlag,
		SampleRate:      m.SampleRate,
		Channels:        m.Channels,
		BytesPerSample:  m.BytesPerSample,
		Width:           m.Width,
		Height:          m.Height,
		PixelFormat:     m.PixelFormat,
		Timestamp:       m.Timestamp,
	}
	for _, d := range m.Dests {
		w.Dest = append(w.Dest, locToWire(d))
	}
	if len(m.Properties) > 0 {
		w.Props = make(map[string]any, len(m.Properties))
		for k, v := range m.Properties {
			w.Props[k] = valueToAny(v)
		}
	}
	return w
}

// FromWire reconstructs a Msg from its wire form. A cmd/result with an
// empty CmdID gets a freshly generated one, matching the round-trip law in
// spec.md §8 ("a freshly generated cmd_id may be filled in on roundtrip if
// absent").
func FromWire(w Wire) *Msg {
	m := Create(wireTypeToKind[w.Type], w.Name)
	m.Src = wireToLoc(w.Src)
	for _, d := range w.Dest {
		m.Dests = append(m.Dests, wireToLoc(d))
	}
	m.CmdID = w.CmdID
	m.SeqID = w.SeqID
	m.ParentCmdID = w.ParentCmdID
	m.OriginalCmdType = wireTypeToKind[w.OriginalCmdType]
	m.OriginalCmdName = w.OriginalCmdName
	m.StatusCode = StatusCode(w.StatusCode)
	m.Detail = w.Detail
	m.IsFinalFlag = w.IsFinal
	m.IsCompletedFlag = w.IsCompleted
	m.SampleRate = w.SampleRate
	m.Channels = w.Channels
	m.BytesPerSample = w.BytesPerSample
	m.Width = w.Width
	m.Height = w.Height
	m.PixelFormat = w.PixelFormat
	m.Timestamp = w.Timestamp
	for k, v := range w.Props {
		m.Properties[k] = anyToValue(v)
	}
	if (m.Kind == KindCmd || m.Kind == KindCmdResult) && m.CmdID == "" {
		m.GenCmdIDIfEmpty()
	}
	return m
}

func locToWire(l Location) WireLocation {
	return WireLocation{App: l.AppURI, Graph: l.GraphID, Extension: l.ExtensionName}
}

func wireToLoc(w WireLocation) Location {
	return Location{AppURI: w.App, GraphID: w.Graph, ExtensionName: w.Extension}
}

func valueToAny(v Value) any {
	switch v.Kind() {
	case KindBool:
		b, _ := v.Bool()
		return b
	case KindInt:
		i, _ := v.Int()
		return i
	case KindFloat:
		f, _ := v.Float()
		return f
	case KindString:
		s, _ := v.String()
		return s
	case KindBytes:
		b, _ := v.Bytes()
		return b
	case KindArray:
		arr, _ := v.Array()
		out := make([]any, len(arr))
		for i, e := range arr {
			out[i] = valueToAny(e)
		}
		return out
	case KindObject:
		obj, _ := v.Object()
		out := make(map[string]any, len(obj))
		for k, e := range obj {
			out[k] = valueToAny(e)
		}
		return out
	default:
		return nil
	}
}

func anyToValue(a any) Value {
	switch t := a.(type) {
	case bool:
		return Bool(t)
	case int:
		return Int(int64(t))
	case int64:
		return Int(t)
	case int8:
		return Int(int64(t))
	case uint64:
		return Int(int64(t))
	case float32:
		return Float(float64(t))
	case float64:
		return Float(t)
	case string:
		return String(t)
	case []byte:
		return Bytes(t)
	case []any:
		out := make([]Value, len(t))
		for i, e := range t {
			out[i] = anyToValue(e)
		}
		return Array(out)
	case map[string]any:
		out := make(map[string]Value, len(t))
		for k, e := range t {
			out[k] = anyToValue(e)
		}
		return Object(out)
	default:
		return Invalid()
	}
}
