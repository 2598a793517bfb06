// Package msg implements the runtime's message family: the tagged variant
// carried between extensions, its shared-pointer ownership, and the
// command/result correlation fields used by package path.
package msg

import (
	"strings"
	"sync/atomic"

	"github.com/google/uuid"
)

// Kind discriminates the four message kinds the runtime routes, plus the
// cmd-result kind which is a cmd's reply.
type Kind int

const (
	KindCmd Kind = iota
	KindCmdResult
	KindData
	KindAudioFrame
	KindVideoFrame
)

func (k Kind) String() string {
	switch k {
	case KindCmd:
		return "cmd"
	case KindCmdResult:
		return "cmd_result"
	case KindData:
		return "data"
	case KindAudioFrame:
		return "audio_frame"
	case KindVideoFrame:
		return "video_frame"
	default:
		return "unknown"
	}
}

// StatusCode is the cmd-result outcome (spec.md §3).
type StatusCode int

const (
	StatusOk StatusCode = iota
	StatusError
)

// Field identifies one clonable field, used by Clone's exclusion list.
type Field int

const (
	FieldProperties Field = iota
	FieldDests
	FieldCmdID
)

// Msg is the tagged message variant. A Msg is reference-counted: Retain and
// Release manage its lifetime across queues/handlers, and it must be
// treated as immutable by every holder past the first Send — a consumer
// that needs to mutate calls Clone first.
type Msg struct {
	refs atomic.Int32

	Kind Kind
	Name string

	Src   Location
	Dests []Location

	Properties map[string]Value

	// Cmd / cmd-result fields.
	CmdID        string
	SeqID        string
	ParentCmdID  string

	// Result-only fields.
	OriginalCmdType Kind
	OriginalCmdName string
	StatusCode      StatusCode
	Detail          string
	IsFinalFlag     bool
	IsCompletedFlag bool

	// FromOutsideSystem is set when this message arrived from a peer the
	// runtime doesn't otherwise know (src_uri == cmd_id on ingress); it
	// tells the runtime to synthesize a peer identity (see SynthesizePeerIdentity).
	FromOutsideSystem bool

	// buf is the zero-copy payload for data/audio-frame/video-frame
	// messages. lockCount is non-zero while a consumer holds a borrowed
	// view via LockBuf; the message must not be recycled while locked.
	buf       []byte
	lockCount atomic.Int32

	// Audio/video frame metadata. Zero values are fine for cmd/data/result.
	SampleRate  int
	Channels    int
	BytesPerSample int
	Width       int
	Height      int
	PixelFormat string
	Timestamp   int64

	onRelease func(*Msg)
}

// Create makes a new message of the given kind and name with a refcount of
// one. For cmds, CmdID is left empty — callers use GenCmdIDIfEmpty or
// GenNewCmdIDForcibly before the message leaves the creating extension.
func Create(kind Kind, name string) *Msg {
	m := &Msg{
		Kind:       kind,
		Name:       name,
		Properties: make(map[string]Value),
	}
	m.refs.Store(1)
	return m
}

// Retain increments the refcount; call once per additional holder (e.g. a
// fan-out dispatch to N destinations after routing splits a single inbound
// message into per-extension deliveries).
func (m *Msg) Retain() *Msg {
	m.refs.Add(1)
	return m
}

// Release decrements the refcount; the message is considered dead once it
// reaches zero and onRelease (if set) fires.
func (m *Msg) Release() {
	if m.refs.Add(-1) == 0 && m.onRelease != nil {
		m.onRelease(m)
	}
}

// SetSrc sets the message's source location.
func (m *Msg) SetSrc(loc Location) { m.Src = loc }

// ClearAndSetDest replaces the destination list with a single location.
func (m *Msg) ClearAndSetDest(loc Location) { m.Dests = []Location{loc} }

// AddDest appends a destination location.
func (m *Msg) AddDest(loc Location) { m.Dests = append(m.Dests, loc) }

// SetProperty writes value at the given dotted path, creating intermediate
// levels as needed.
func (m *Msg) SetProperty(path string, v Value) {
	if m.Properties == nil {
		m.Properties = make(map[string]Value)
	}
	if !strings.Contains(path, ".") {
		m.Properties[path] = v
		return
	}
	// Dotted paths address into nested KindObject values.
	parts := strings.Split(path, ".")
	root, ok := m.Properties[parts[0]]
	if !ok || root.Kind() != KindObject {
		root = Object(make(map[string]Value))
	}
	obj, _ := root.Object()
	setNested(obj, parts[1:], v)
	m.Properties[parts[0]] = Object(obj)
}

func setNested(obj map[string]Value, parts []string, v Value) {
	if len(parts) == 1 {
		obj[parts[0]] = v
		return
	}
	child, ok := obj[parts[0]]
	if !ok || child.Kind() != KindObject {
		child = Object(make(map[string]Value))
	}
	childObj, _ := child.Object()
	setNested(childObj, parts[1:], v)
	obj[parts[0]] = Object(childObj)
}

// PeekProperty reads the value at a dotted path without removing it.
// Returns an invalid Value with ok=false if the path doesn't resolve.
func (m *Msg) PeekProperty(path string) (Value, bool) {
	if m.Properties == nil {
		return Invalid(), false
	}
	if !strings.Contains(path, ".") {
		v, ok := m.Properties[path]
		return v, ok
	}
	parts := strings.Split(path, ".")
	cur, ok := m.Properties[parts[0]]
	if !ok {
		return Invalid(), false
	}
	for _, p := range parts[1:] {
		obj, isObj := cur.Object()
		if !isObj {
			return Invalid(), false
		}
		cur, ok = obj[p]
		if !ok {
			return Invalid(), false
		}
	}
	return cur, true
}

// LockBuf returns the payload buffer for zero-copy read, incrementing the
// lock count. Callers must call UnlockBuf when done; Release is a no-op
// while any lock is outstanding is NOT enforced here (the owning queue is
// responsible for not recycling a still-locked message, mirroring the
// "locked buffer bookkeeping" contract in spec.md §3).
func (m *Msg) LockBuf() []byte {
	m.lockCount.Add(1)
	return m.buf
}

// UnlockBuf releases a prior LockBuf.
func (m *Msg) UnlockBuf() {
	m.lockCount.Add(-1)
}

// SetBuf sets the zero-copy payload (data/audio-frame/video-frame only).
func (m *Msg) SetBuf(b []byte) { m.buf = b }

// Buf returns the payload without taking a lock (safe once the message is
// no longer mutated concurrently, i.e. after it left its creating thread).
func (m *Msg) Buf() []byte { return m.buf }

// IsLocked reports whether any consumer currently holds the buffer locked.
func (m *Msg) IsLocked() bool { return m.lockCount.Load() > 0 }

// GenCmdIDIfEmpty assigns a fresh UUID4 cmd_id only if one isn't already
// set; it never overwrites an existing id.
func (m *Msg) GenCmdIDIfEmpty() {
	if m.CmdID == "" {
		m.CmdID = uuid.NewString()
	}
}

// GenNewCmdIDForcibly always assigns a fresh UUID4 cmd_id, overwriting any
// existing one. Used on client ingress, where an externally supplied
// cmd_id must not be trusted to be unique within this runtime.
func (m *Msg) GenNewCmdIDForcibly() {
	m.CmdID = uuid.NewString()
}

// SaveCmdIDToParentCmdID records the current cmd_id as the parent before a
// new cmd_id is assigned to a clone, so chained cmds stay traceable.
func (m *Msg) SaveCmdIDToParentCmdID() {
	m.ParentCmdID = m.CmdID
}

// SetSeqID sets the client-assigned correlator for a cmd.
func (m *Msg) SetSeqID(id string) { m.SeqID = id }

// IsFinal / SetFinal — cmd-result only.
func (m *Msg) IsFinal() bool     { return m.IsFinalFlag }
func (m *Msg) SetFinal(v bool)   { m.IsFinalFlag = v }
func (m *Msg) IsCompleted() bool { return m.IsCompletedFlag }
func (m *Msg) SetCompleted(v bool) { m.IsCompletedFlag = v }

// SetStatusCode sets the cmd-result status. Per spec.md §4.1 rule 4, a
// non-Ok status is always final.
func (m *Msg) SetStatusCode(code StatusCode) {
	m.StatusCode = code
	if code != StatusOk {
		m.IsFinalFlag = true
	}
}

// SynthesizePeerIdentity implements spec.md §4.1 rule 1: a cmd received
// from outside the system (src_uri == cmd_id) has its src AppURI rewritten
// to the cmd_id so the cmd_id doubles as the peer's identity for the
// lifetime of the exchange.
func (m *Msg) SynthesizePeerIdentity() {
	if m.FromOutsideSystem {
		m.Src.AppURI = m.CmdID
	}
}

// NewResult creates a cmd-result in reply to original, stamping
// OriginalCmdType/OriginalCmdName and the same cmd_id so path-table lookup
// succeeds. The result's destination starts empty; the path table
// (package path) rewrites it to the recorded original source.
func NewResult(original *Msg, status StatusCode) *Msg {
	r := Create(KindCmdResult, "")
	r.CmdID = original.CmdID
	r.OriginalCmdType = original.Kind
	r.OriginalCmdName = original.Name
	r.SetStatusCode(status)
	return r
}

// Clone deep-copies m, excluding the named fields (an excluded field is
// left at its zero value rather than copied). Per spec.md §8's round-trip
// law, cmd_id always changes on a generic Clone — use CloneForResultConversion
// for the one exception (§4.3: a cmd-result conversion must preserve
// cmd_id so path-table lookup still succeeds after the clone).
func (m *Msg) Clone(exclude ...Field) *Msg {
	c := m.cloneFields(exclude)
	if m.Kind == KindCmd || m.Kind == KindCmdResult {
		c.CmdID = ""
	}
	return c
}

// CloneForResultConversion is the §4.3 exception: used by package
// conversion when rewriting a cmd-result's properties, it preserves
// cmd_id exactly so the result still matches its path-table entry.
func (m *Msg) CloneForResultConversion(exclude ...Field) *Msg {
	c := m.cloneFields(exclude)
	c.CmdID = m.CmdID
	return c
}

func (m *Msg) cloneFields(exclude []Field) *Msg {
	excluded := make(map[Field]bool, len(exclude))
	for _, f := range exclude {
		excluded[f] = true
	}

	c := &Msg{
		Kind:            m.Kind,
		Name:            m.Name,
		Src:             m.Src,
		CmdID:           m.CmdID,
		SeqID:           m.SeqID,
		ParentCmdID:     m.ParentCmdID,
		OriginalCmdType: m.OriginalCmdType,
		OriginalCmdName: m.OriginalCmdName,
		StatusCode:      m.StatusCode,
		Detail:          m.Detail,
		IsFinalFlag:     m.IsFinalFlag,
		IsCompletedFlag: m.IsCompletedFlag,
		SampleRate:      m.SampleRate,
		Channels:        m.Channels,
		BytesPerSample:  m.BytesPerSample,
		Width:           m.Width,
		Height:          m.Height,
		PixelFormat:     m.PixelFormat,
		Timestamp:       m.Timestamp,
	}
	c.refs.Store(1)

	if !excluded[FieldCmdID] {
		c.CmdID = m.CmdID
	} else {
		c.CmdID = ""
	}

	if !excluded[FieldDests] {
		c.Dests = append([]Location(nil), m.Dests...)
	}

	if !excluded[FieldProperties] {
		c.Properties = make(map[string]Value, len(m.Properties))
		for k, v := range m.Properties {
			c.Properties[k] = v.clone()
		}
	} else {
		c.Properties = make(map[string]Value)
	}

	if len(m.buf) > 0 {
		c.buf = append([]byte(nil), m.buf...)
	}

	return c
}
