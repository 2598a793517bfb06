// Package connection implements the Connection type: a thin owner of one
// Protocol instance, the pre/post-migration routing split, and the
// migration state machine that hands a connection off from the app
// thread to its destination engine's runloop (spec.md §4.6).
package connection

import (
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"signalmesh/msg"
	"signalmesh/protocol"
	"signalmesh/runloop"
)

// AttachTarget names what a Connection currently routes inbound messages
// to. Mutated only on the owning runloop at the time (spec.md §4.6
// invariants).
type AttachTarget int

const (
	AttachApp AttachTarget = iota
	AttachEngine
	AttachRemote
)

// MigrationState is Init → FirstMsg → Doing → Done per spec.md §4.6. Doing
// is an internal refinement of the spec's three named states, marking the
// window between migrate() and upgrade_migration_state_to_done.
type MigrationState int

const (
	MigrationInit MigrationState = iota
	MigrationFirstMsg
	MigrationDoing
	MigrationDone
)

// State is the connection's own lifecycle, independent of migration
// progress.
type State int

const (
	StateInit State = iota
	StateClosing
	StateClosed
)

// Dispatcher is whatever attach target currently wants inbound messages:
// the App before migration, an Engine or Remote after. Implemented
// structurally by the app/engine/remote packages to avoid an import
// cycle (connection must not import app or engine).
type Dispatcher interface {
	OnConnectionMsgs(c *Connection, msgs []*msg.Msg)
}

// EngineTarget is the subset of an Engine's behavior Connection needs to
// drive migration, kept as an interface here for the same reason.
type EngineTarget interface {
	HasOwnLoop() bool
	Runloop() *runloop.Runloop
	// PostMigrated is called by the protocol's Migrate callback on
	// whatever thread the protocol implementation runs its handoff on;
	// the engine must post the continuation onto its own runloop.
	PostMigrated(fn func())
}

// Connection is a thin owner of one Protocol instance plus the migration
// and attachment bookkeeping spec.md §4.6 describes. It has no runloop of
// its own: all of its methods are meant to be invoked from whichever
// runloop currently owns it (app thread pre-migration, engine thread
// post-migration).
type Connection struct {
	ID string

	protocol protocol.Protocol

	mu             sync.Mutex
	attachTo       AttachTarget
	migrationState MigrationState
	state          State
	dispatcher     Dispatcher
	engine         EngineTarget

	closed atomic.Bool
}

// New wraps p as a freshly-accepted connection, attached to the App with
// migration state Init, per spec.md §4.6 "On accept, attach_to = App,
// state = Init."
func New(p protocol.Protocol, dispatcher Dispatcher) *Connection {
	c := &Connection{
		ID:             uuid.NewString(),
		protocol:       p,
		attachTo:       AttachApp,
		migrationState: MigrationInit,
		state:          StateInit,
		dispatcher:     dispatcher,
	}
	p.SetOnInput(c.onProtocolInput)
	p.SetOnClosed(c.onProtocolClosed)
	return c
}

func (c *Connection) Protocol() protocol.Protocol { return c.protocol }

func (c *Connection) AttachTo() AttachTarget {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.attachTo
}

func (c *Connection) MigrationState() MigrationState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.migrationState
}

// onProtocolInput is the Protocol.on_input callback. Per spec.md §4.6's
// first invariant, the protocol must deliver exactly one message during
// Init→FirstMsg; every message after the connection reaches Done is
// delivered in the same call path but routed straight to the attached
// engine/remote instead of back through the app.
func (c *Connection) onProtocolInput(m *msg.Msg) {
	c.mu.Lock()
	if c.migrationState == MigrationInit {
		c.migrationState = MigrationFirstMsg
	}
	dispatcher := c.dispatcher
	c.mu.Unlock()

	if dispatcher != nil {
		dispatcher.OnConnectionMsgs(c, []*msg.Msg{m})
	}
}

func (c *Connection) onProtocolClosed() {
	c.mu.Lock()
	c.state = StateClosed
	dispatcher := c.dispatcher
	c.mu.Unlock()
	if !c.closed.Swap(true) {
		if closer, ok := dispatcher.(interface{ OnConnectionClosed(*Connection) }); ok {
			closer.OnConnectionClosed(c)
		}
	}
}

// Send hands msgs to the protocol for transmission. Dropped silently on a
// closing/closed protocol, per protocol.Base's own droppable check.
func (c *Connection) Send(msgs []*msg.Msg) {
	c.protocol.OnOutput(msgs)
}

// Migrate drives the engine-has-own-loop migration path, spec.md §4.6
// steps 2–6. cmd is the first message that decided the destination
// engine; engine is where the connection is headed.
//
// Step 2 (App locates the engine and calls this) is the caller's
// responsibility; everything from step 3 onward happens here and in the
// callbacks it wires.
func (c *Connection) Migrate(engine EngineTarget, cmd *msg.Msg, onAppDetach func()) {
	if !engine.HasOwnLoop() {
		// Engine-shares-app-loop case: steps 3-6 collapse into one
		// synchronous transition (spec.md §4.6).
		onAppDetach()
		c.finishMigrationSync(engine)
		return
	}

	c.mu.Lock()
	c.migrationState = MigrationDoing
	c.engine = engine
	c.mu.Unlock()

	// Step 3: invoke Protocol.migrate; its implementation thread calls
	// on_migrated back on the engine thread.
	c.protocol.Migrate(func() {
		engine.PostMigrated(func() {
			c.onMigrated(engine, onAppDetach)
		})
	})
}

// onMigrated runs on the engine's runloop (step 4 onward).
func (c *Connection) onMigrated(engine EngineTarget, onAppDetach func()) {
	// Step 4: onAppDetach runs directly here on the engine runloop (no
	// task is posted to the app thread) to drop the connection from the
	// app's orphan list, then Protocol.clean is invoked.
	onAppDetach()
	c.protocol.Clean(func() {
		// Step 5: protocol implementation thread calls
		// on_cleaned_for_internal back on the engine thread — here that
		// is simply resuming on engine.Runloop().
		engine.Runloop().PostTask(func() {
			c.upgradeMigrationStateToDone(engine)
		})
	})
}

// upgradeMigrationStateToDone is step 6: attach the connection to the
// engine and resume processing queued inbound bytes on the engine thread.
func (c *Connection) upgradeMigrationStateToDone(engine EngineTarget) {
	c.mu.Lock()
	c.attachTo = AttachEngine
	c.migrationState = MigrationDone
	if d, ok := engine.(Dispatcher); ok {
		c.dispatcher = d
	}
	c.mu.Unlock()
}

// finishMigrationSync implements the engine-shares-app-loop collapsed
// path: attach directly, no protocol-thread round trip needed since the
// protocol already runs on the same loop as the engine.
func (c *Connection) finishMigrationSync(engine EngineTarget) {
	c.mu.Lock()
	c.attachTo = AttachEngine
	c.migrationState = MigrationDone
	c.engine = engine
	if d, ok := engine.(Dispatcher); ok {
		c.dispatcher = d
	}
	c.mu.Unlock()
}

// ResetMigrationWhenEngineNotFound implements
// migration_state_reset_when_engine_not_found (spec.md §4.6): the app
// calls this when cmd named a graph_id with no running engine, putting
// the connection back to Init so the protocol retries with the next
// message.
func (c *Connection) ResetMigrationWhenEngineNotFound() {
	c.mu.Lock()
	c.migrationState = MigrationInit
	c.attachTo = AttachApp
	c.mu.Unlock()
}

// AttachToRemote marks the connection as owned by a Remote rather than
// directly by an Engine (used once a duplicate-peer resolution, spec.md
// §4.7, settles on which connection survives).
func (c *Connection) AttachToRemote(d Dispatcher) {
	c.mu.Lock()
	c.attachTo = AttachRemote
	c.dispatcher = d
	c.mu.Unlock()
}

// Close begins the cascading close chain (spec.md §4 "graceful cascading
// close with bottom-up acknowledgement"): it closes the underlying
// protocol, which will in turn fire onProtocolClosed once the transport
// finishes tearing down.
func (c *Connection) Close() {
	c.mu.Lock()
	if c.state != StateInit {
		c.mu.Unlock()
		return
	}
	c.state = StateClosing
	c.mu.Unlock()
	c.protocol.Close()
}

func (c *Connection) IsClosed() bool { return c.closed.Load() }
