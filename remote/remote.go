// Package remote implements the post-migration (Connection, Engine) pair
// that identifies one peer by URI, forwards outbound messages to its
// connection, and relays inbound messages into its owning engine
// (spec.md §4.7).
package remote

import (
	"sync"

	"signalmesh/connection"
	"signalmesh/msg"
)

// State tracks whether a remote has been confirmed by the peer's
// start_graph response yet. A remote begins Weak (created proactively or
// reactively, unconfirmed) and is promoted to Strong once the peer
// returns StatusOk, or torn down on a "duplicate" result (spec.md §4.7).
type State int

const (
	StateWeak State = iota
	StateStrong
	StateClosed
)

// duplicateDetail is the cmd-result detail string the duplicate protocol
// matches on (spec.md §4.7, §8 scenario S3).
const duplicateDetail = "duplicate"

// EngineHost is the subset of Engine behavior a Remote needs: relaying an
// inbound message into the engine's dispatch pipeline and removing itself
// from the engine's remotes-by-uri map on close. Kept as an interface to
// avoid remote importing engine (engine imports remote instead).
type EngineHost interface {
	OnRemoteMsg(r *Remote, m *msg.Msg)
	RemoveRemote(uri string)
}

// Remote is interned by URI inside one engine (spec.md §4.3: "Remote:
// exists only between engine.add_remote and engine.close").
type Remote struct {
	URI string

	mu    sync.Mutex
	state State

	engine EngineHost
	conn   *connection.Connection

	onConnected func(error)
	onError     func(error)
}

// New creates a weak remote for uri, owned by engine, wrapping the given
// connection once it has been established. conn may be nil for a remote
// created reactively before the reverse connection completes.
func New(uri string, engine EngineHost, conn *connection.Connection) *Remote {
	return &Remote{
		URI:    uri,
		engine: engine,
		conn:   conn,
		state:  StateWeak,
	}
}

func (r *Remote) State() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

func (r *Remote) SetConnection(conn *connection.Connection) {
	r.mu.Lock()
	r.conn = conn
	r.mu.Unlock()
}

// SetEngineHost binds the engine this remote relays inbound messages into.
// Remotes produced by an AppHost.DialRemote dialer are constructed before
// the dialer knows which engine requested them, so the engine sets this
// itself once DialRemote returns.
func (r *Remote) SetEngineHost(engine EngineHost) {
	r.mu.Lock()
	r.engine = engine
	r.mu.Unlock()
}

// Promote upgrades a weak remote to strong, called when its remote's
// start_graph cmd-result returns StatusOk (spec.md §4.7).
func (r *Remote) Promote() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state == StateWeak {
		r.state = StateStrong
	}
}

// ResolveStartGraphResult implements the duplicate protocol (spec.md
// §4.7, §8 S3): if result carries detail=="duplicate", this remote loses
// the race and closes; a StatusOk result promotes it to strong, and any
// other error result leaves its state unchanged. Returns true if this remote was the losing side and has been closed.
func (r *Remote) ResolveStartGraphResult(result *msg.Msg) (closedAsDuplicate bool) {
	if result.StatusCode == msg.StatusError && result.Detail == duplicateDetail {
		r.Close()
		return true
	}
	if result.StatusCode == msg.StatusOk {
		r.Promote()
	}
	return false
}

// SendMsg forwards m to this remote's connection for transmission.
func (r *Remote) SendMsg(m *msg.Msg) {
	r.mu.Lock()
	conn := r.conn
	r.mu.Unlock()
	if conn == nil {
		return
	}
	conn.Send([]*msg.Msg{m})
}

// OnInput relays an inbound message up to the owning engine, per spec.md
// §4.7 "on_input(msg) (relayed to engine)".
func (r *Remote) OnInput(m *msg.Msg) {
	r.mu.Lock()
	engine := r.engine
	r.mu.Unlock()
	if engine != nil {
		engine.OnRemoteMsg(r, m)
	}
}

// Close tears the remote down: it is removed from the engine's
// remotes-by-uri map and its connection (if any) is closed.
func (r *Remote) Close() {
	r.mu.Lock()
	if r.state == StateClosed {
		r.mu.Unlock()
		return
	}
	r.state = StateClosed
	conn := r.conn
	engine := r.engine
	uri := r.URI
	r.mu.Unlock()

	if engine != nil {
		engine.RemoveRemote(uri)
	}
	if conn != nil {
		conn.Close()
	}
}
