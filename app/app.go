// Package app implements the process-wide App: addon registries, orphan
// connection bookkeeping, start_graph bring-up, close_app interception,
// and cascading process shutdown (spec.md §4.10).
package app

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"signalmesh/connection"
	"signalmesh/engine"
	"signalmesh/extension"
	"signalmesh/msg"
	"signalmesh/protocol"
	"signalmesh/remote"
	"signalmesh/runloop"
	"signalmesh/schema"
)

// closeAppCmdName is the reserved cmd name the App intercepts before
// graph dispatch (see SPEC_FULL.md's close_app supplement).
const closeAppCmdName = "close_app"

// State is the app's own lifecycle, guarded by a mutex because close is
// initiated from arbitrary threads (spec.md §5).
type State int

const (
	StateInit State = iota
	StateClosing
	StateClosed
)

// AddonRegistry resolves an addon name to a fresh Extension instance,
// backed by package store's sqlite-cached registry in production.
type AddonRegistry interface {
	Create(addonName string) (extension.Extension, error)
}

// PredefinedGraph is a named graph template loaded at app construction
// (SPEC_FULL.md's predefined-graphs supplement).
type PredefinedGraph struct {
	Name  string
	Graph *engine.Graph
}

// Config bundles the host-supplied wiring an App needs, mirroring the
// teacher's flag-populated startup struct in main.go.
type Config struct {
	URI              string // "localhost" disables listening (spec.md §6)
	Addons           AddonRegistry
	Schemas          *schema.Store
	PredefinedGraphs []PredefinedGraph
	Log              *slog.Logger

	// PathTimeout is the default cmd-result wait before a path-table entry
	// force-expires (spec.md §4.2). Zero falls back to 30s.
	PathTimeout time.Duration
	// PathSweepInterval controls how often each engine checks for expired
	// path-table entries. Zero falls back to 5s.
	PathSweepInterval time.Duration
}

// App is the top-level runtime owner: one per process (or more, for
// multi-app test topologies), holding every engine, every orphan
// connection, and the listening protocol.
type App struct {
	uri     string
	addons  AddonRegistry
	schemas *schema.Store
	log     *slog.Logger

	loop *runloop.Runloop

	mu               sync.Mutex
	state            State
	engines          map[string]*engine.Engine
	orphans          map[string]*connection.Connection
	predefinedGraphs map[string]*engine.Graph
	listenProtocol   protocol.Protocol
	endpointCtxStore []protocol.Protocol // every concrete protocol context this app created (listeners + dialed)
	remoteDialer     RemoteDialer

	pathTimeout       time.Duration
	pathSweepInterval time.Duration

	closedCh chan struct{}
}

// New constructs an App per spec.md §4.10's create(on_configure, on_init,
// on_deinit); this reference runtime folds those three hooks into cfg
// plus the caller's own setup, since addon wiring happens through
// AddonRegistry rather than process-wide callback injection.
func New(cfg Config) *App {
	log := cfg.Log
	if log == nil {
		log = slog.Default()
	}
	predefined := make(map[string]*engine.Graph, len(cfg.PredefinedGraphs))
	for _, g := range cfg.PredefinedGraphs {
		predefined[g.Name] = g.Graph
	}
	pathSweepInterval := cfg.PathSweepInterval
	if pathSweepInterval <= 0 {
		pathSweepInterval = 5 * time.Second
	}
	return &App{
		uri:               cfg.URI,
		addons:            cfg.Addons,
		schemas:           cfg.Schemas,
		log:               log.With("app_uri", cfg.URI),
		loop:              runloop.New(),
		engines:           make(map[string]*engine.Engine),
		orphans:           make(map[string]*connection.Connection),
		predefinedGraphs:  predefined,
		pathTimeout:       cfg.PathTimeout,
		pathSweepInterval: pathSweepInterval,
		closedCh:          make(chan struct{}),
	}
}

func (a *App) URI() string          { return a.uri }
func (a *App) Runloop() *runloop.Runloop { return a.loop }

// Listen starts accepting connections on cfg.URI via p, unless the app
// uri is "localhost" (spec.md §6: "Listening is enabled iff app uri !=
// localhost").
func (a *App) Listen(p protocol.Protocol) error {
	if a.uri == "" || a.uri == "localhost" {
		a.log.Debug("app uri is localhost, not listening")
		return nil
	}
	a.mu.Lock()
	a.listenProtocol = p
	a.endpointCtxStore = append(a.endpointCtxStore, p)
	a.mu.Unlock()

	return p.Listen(a.uri, a.onAccept)
}

func (a *App) onAccept(p protocol.Protocol) {
	conn := connection.New(p, connAppDispatcher{a})
	a.mu.Lock()
	a.orphans[conn.ID] = conn
	a.endpointCtxStore = append(a.endpointCtxStore, p)
	a.mu.Unlock()
}

// connAppDispatcher adapts App to connection.Dispatcher without exposing
// OnConnectionMsgs on App's own exported surface.
type connAppDispatcher struct{ a *App }

func (d connAppDispatcher) OnConnectionMsgs(c *connection.Connection, msgs []*msg.Msg) {
	d.a.onConnectionMsgs(c, msgs)
}

func (d connAppDispatcher) OnConnectionClosed(c *connection.Connection) {
	d.a.delOrphanConnection(c)
}

// onConnectionMsgs is the pre-migration message path (spec.md §4.6 step
// 1: "connection transitions Init→FirstMsg and hands the message to the
// App").
func (a *App) onConnectionMsgs(c *connection.Connection, msgs []*msg.Msg) {
	for _, m := range msgs {
		a.handleInbound(c, m)
	}
}

// handleInbound implements close_app interception ahead of
// handle_start_graph, per SPEC_FULL.md's supplement.
func (a *App) handleInbound(c *connection.Connection, m *msg.Msg) {
	if m.Kind == msg.KindCmd && m.Name == closeAppCmdName {
		a.log.Info("close_app received, initiating shutdown")
		result := msg.NewResult(m, msg.StatusOk)
		result.SetFinal(true)
		result.SetCompleted(true)
		c.Send([]*msg.Msg{result})
		go a.Close()
		return
	}

	if m.Kind == msg.KindCmd && m.Name == "start_graph" {
		a.HandleStartGraph(c, m)
		return
	}

	a.log.Warn("message arrived pre-migration with no known destination engine, dropping",
		"kind", m.Kind, "name", m.Name)
}

// HandleStartGraph implements spec.md §4.8 steps 1–3 plus the
// engine-not-found/migration wiring described in §4.6.
func (a *App) HandleStartGraph(c *connection.Connection, cmd *msg.Msg) {
	graphID, ok := cmd.PeekProperty("ten.graph_id")
	id := ""
	if ok {
		if s, isStr := graphID.String(); isStr {
			id = s
		}
	}
	if id == "" {
		id = engine.NewGraphID()
		cmd.SetProperty("ten.graph_id", msg.String(id))
	}

	g, err := a.parseGraph(cmd)
	if err != nil {
		a.replyError(c, cmd, err)
		return
	}
	if err := g.Validate(); err != nil {
		a.replyError(c, cmd, err)
		return
	}

	hasOwnLoop := true
	e := engine.New(id, engineAppHost{a}, hasOwnLoop, nil, a.addonOf, a.schemas, a.pathTimeout, a.log)
	e.StartExpirySweeper(a.pathSweepInterval)

	a.mu.Lock()
	a.engines[id] = e
	a.mu.Unlock()

	e.StartGraph(cmd, g, func(result *msg.Msg) {
		if c != nil {
			c.Send([]*msg.Msg{result})
		}
		if result.StatusCode == msg.StatusOk && c != nil {
			e.Runloop().PostTask(func() {
				c.Migrate(e, cmd, func() { a.delOrphanConnection(c) })
			})
		}
		if result.StatusCode == msg.StatusError {
			a.mu.Lock()
			delete(a.engines, id)
			a.mu.Unlock()
		}
	})
}

// parseGraph resolves cmd into an engine.Graph, honoring
// predefined_graph_name when present (SPEC_FULL.md's predefined-graphs
// supplement). Only predefined graphs are resolved: no node/edge decoding
// of a dynamic graph exists, so a start_graph without
// predefined_graph_name is rejected with an error.
func (a *App) parseGraph(cmd *msg.Msg) (*engine.Graph, error) {
	if v, ok := cmd.PeekProperty("ten.predefined_graph_name"); ok {
		if name, isStr := v.String(); isStr {
			a.mu.Lock()
			g, found := a.predefinedGraphs[name]
			a.mu.Unlock()
			if !found {
				return nil, fmt.Errorf("predefined graph %q not found", name)
			}
			return g, nil
		}
	}
	return nil, fmt.Errorf("start_graph: no predefined_graph_name and no dynamic graph decoder wired")
}

func (a *App) addonOf(n engine.Node) (extension.Extension, error) {
	return a.addons.Create(n.Addon)
}

func (a *App) replyError(c *connection.Connection, cmd *msg.Msg, err error) {
	result := msg.NewResult(cmd, msg.StatusError)
	result.Detail = err.Error()
	result.SetFinal(true)
	result.SetCompleted(true)
	if c != nil {
		c.Send([]*msg.Msg{result})
	}
}

func (a *App) delOrphanConnection(c *connection.Connection) {
	a.mu.Lock()
	delete(a.orphans, c.ID)
	a.mu.Unlock()
}

// EngineByGraphID implements engine.AppHost.
func (a *App) EngineByGraphID(graphID string) (*engine.Engine, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	e, ok := a.engines[graphID]
	return e, ok
}

// Engines returns every currently running engine, for the read-only
// diagnostics surface.
func (a *App) Engines() []*engine.Engine {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]*engine.Engine, 0, len(a.engines))
	for _, e := range a.engines {
		out = append(out, e)
	}
	return out
}

// OrphanCount returns the number of connections not yet migrated to an
// engine, for the diagnostics surface.
func (a *App) OrphanCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.orphans)
}

// DialRemote implements engine.AppHost: opens (or reuses) a protocol
// connection to uri and wraps it as a Remote. This reference
// implementation expects a transport factory to have been wired via
// SetRemoteDialer; without one, dialing fails closed rather than silently
// no-opping.
func (a *App) DialRemote(uri string) (*remote.Remote, error) {
	a.mu.Lock()
	dialer := a.remoteDialer
	a.mu.Unlock()
	if dialer == nil {
		return nil, fmt.Errorf("no remote dialer configured for uri %q", uri)
	}
	return dialer(uri)
}

// RemoteDialer opens a transport connection to uri and returns it wrapped
// as a weak Remote, ready for SendMsg.
type RemoteDialer func(uri string) (*remote.Remote, error)

// SetRemoteDialer wires the transport-specific dial logic (msgpack by
// default per spec.md §6) used by DialRemote.
func (a *App) SetRemoteDialer(d RemoteDialer) {
	a.mu.Lock()
	a.remoteDialer = d
	a.mu.Unlock()
}

// engineAppHost adapts App to engine.AppHost.
type engineAppHost struct{ a *App }

func (h engineAppHost) URI() string { return h.a.uri }
func (h engineAppHost) EngineByGraphID(graphID string) (*engine.Engine, bool) {
	return h.a.EngineByGraphID(graphID)
}
func (h engineAppHost) DialRemote(uri string) (*remote.Remote, error) {
	return h.a.DialRemote(uri)
}

// Close implements spec.md §4.10: broadcasts close to every engine
// (async), every orphan connection, the endpoint protocol, and the
// protocol context store. It does not check whether extensions still hold
// Env handles before marking the app closed.
func (a *App) Close() {
	a.mu.Lock()
	if a.state != StateInit {
		a.mu.Unlock()
		return
	}
	a.state = StateClosing
	engines := make([]*engine.Engine, 0, len(a.engines))
	for _, e := range a.engines {
		engines = append(engines, e)
	}
	orphans := make([]*connection.Connection, 0, len(a.orphans))
	for _, c := range a.orphans {
		orphans = append(orphans, c)
	}
	listenProto := a.listenProtocol
	endpointCtx := a.endpointCtxStore
	a.mu.Unlock()

	var wg sync.WaitGroup
	for _, e := range engines {
		wg.Add(1)
		go func(e *engine.Engine) {
			defer wg.Done()
			e.StopGraph("app closing")
		}(e)
	}
	for _, c := range orphans {
		c.Close()
	}
	if listenProto != nil {
		listenProto.Close()
	}
	for _, p := range endpointCtx {
		if p != listenProto {
			p.Close()
		}
	}
	wg.Wait()

	a.mu.Lock()
	a.state = StateClosed
	a.mu.Unlock()
	close(a.closedCh)
}

// Wait blocks until Close has fully torn the app down.
func (a *App) Wait() {
	<-a.closedCh
}

func (a *App) State() State {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.state
}
