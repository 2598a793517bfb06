// Package protocol implements the abstract transport contract (spec.md
// §4.5): a Protocol owns one transport endpoint and translates between
// wire bytes and messages. Concrete protocols (msgpack TCP, websocket,
// QUIC/WebTransport) live in this package; connection.Connection is a thin
// owner of one Protocol instance.
package protocol

import (
	"sync"

	"signalmesh/msg"
)

// Role names the five connection roles spec.md §4.5 distinguishes.
type Role int

const (
	RoleListen Role = iota
	RoleInInternal
	RoleInExternal
	RoleOutInternal
	RoleOutExternal
)

func (r Role) Internal() bool {
	return r == RoleInInternal || r == RoleOutInternal
}

// Flavor names the two scheduling models a concrete protocol may use.
type Flavor int

const (
	// FlavorIntegrated shares the owning runloop: callbacks run
	// synchronously on whatever goroutine invoked them, already on the
	// right loop.
	FlavorIntegrated Flavor = iota
	// FlavorAsynced runs its own thread/goroutine and must post every
	// cross-thread handoff through runloop.PostTask.
	FlavorAsynced
)

// State is the protocol state machine (spec.md §4.5: Init → Closing →
// Closed).
type State int

const (
	StateInit State = iota
	StateClosing
	StateClosed
)

// AttachTarget names what a Protocol is attached to — set once at
// creation and never mutated (spec.md §4.5).
type AttachTarget int

const (
	AttachNone AttachTarget = iota
	AttachApp
	AttachConnection
)

// Protocol is the abstract transport contract every concrete transport
// implements.
type Protocol interface {
	Role() Role
	Flavor() Flavor
	State() State
	URI() string

	// Listen starts accepting inbound connections at uri, invoking
	// onAccept with a new Protocol for each accepted peer.
	Listen(uri string, onAccept func(Protocol)) error

	// ConnectTo dials uri, invoking onConnected with the error (nil on
	// success) once the dial completes.
	ConnectTo(uri string, onConnected func(error))

	// SetOnInput registers the callback the transport's read loop invokes
	// for every message decoded off the wire; the implementation's caller
	// (Connection) wires it to its own routing logic.
	SetOnInput(fn func(*msg.Msg))

	// OnOutput sends msgs to the wire. A send on a Closing/Closed protocol
	// is silently dropped (spec.md §4.5).
	OnOutput(msgs []*msg.Msg)

	// Migrate begins the migration handoff (spec.md §4.6): the protocol's
	// implementation thread performs whatever is needed to move ownership
	// and calls onMigrated once done.
	Migrate(onMigrated func())

	// Clean performs post-migration cleanup and calls onCleaned once the
	// implementation thread has finished.
	Clean(onCleaned func())

	// SetOnClosed registers the callback fired when this protocol closes,
	// whether by explicit Close or by a transport failure. connection.New
	// binds it once and migration does not rebind it; the Connection's
	// handler notifies its current dispatcher only if that dispatcher
	// implements OnConnectionClosed.
	SetOnClosed(fn func())

	Close()
}

// Base provides the common state-machine bookkeeping every concrete
// protocol embeds, mirroring how the teacher's Client type centralizes
// shared bookkeeping (health, migration-adjacent locks) behind small
// embeddable helpers.
type Base struct {
	mu       sync.Mutex
	role     Role
	flavor   Flavor
	state    State
	uri      string
	attach   AttachTarget
	onInput  func(*msg.Msg)
	onClosed func()
}

func NewBase(role Role, flavor Flavor, uri string) Base {
	return Base{role: role, flavor: flavor, uri: uri, state: StateInit}
}

func (b *Base) Role() Role     { return b.role }
func (b *Base) Flavor() Flavor { return b.flavor }
func (b *Base) URI() string    { return b.uri }

func (b *Base) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

func (b *Base) setState(s State) {
	b.mu.Lock()
	b.state = s
	b.mu.Unlock()
}

func (b *Base) SetOnInput(fn func(*msg.Msg)) {
	b.mu.Lock()
	b.onInput = fn
	b.mu.Unlock()
}

func (b *Base) deliver(m *msg.Msg) {
	b.mu.Lock()
	fn := b.onInput
	b.mu.Unlock()
	if fn != nil {
		fn(m)
	}
}

func (b *Base) SetOnClosed(fn func()) {
	b.mu.Lock()
	b.onClosed = fn
	b.mu.Unlock()
}

func (b *Base) fireClosed() {
	b.mu.Lock()
	fn := b.onClosed
	b.mu.Unlock()
	if fn != nil {
		fn()
	}
}

// droppable reports whether a send should be silently dropped per spec.md
// §4.5 ("a send attempt on a Closing or Closed protocol is silently
// dropped").
func (b *Base) droppable() bool {
	s := b.State()
	return s == StateClosing || s == StateClosed
}
