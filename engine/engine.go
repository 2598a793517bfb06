// Package engine implements the per-graph runtime: extension bring-up
// (start_graph), message dispatch (dest resolution, msg-conversion,
// path-table result routing), and cascading close (spec.md §4.8, §4.2,
// §4.9).
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"signalmesh/apperr"
	"signalmesh/connection"
	"signalmesh/conversion"
	"signalmesh/extension"
	"signalmesh/msg"
	"signalmesh/path"
	"signalmesh/remote"
	"signalmesh/runloop"
	"signalmesh/schema"
)

// AppHost is the subset of App behavior an Engine needs: resolving a
// sibling engine by graph id and registering a Remote-backed protocol
// dial for a child app (spec.md §4.8 step 4).
type AppHost interface {
	EngineByGraphID(graphID string) (*Engine, bool)
	DialRemote(uri string) (*remote.Remote, error)
	URI() string
}

// Node is one `nodes[]` entry from the start_graph command (spec.md §6):
// one extension instance, the addon that implements it, and the app it
// runs on.
type Node struct {
	Name      string
	Addon     string
	AppURI    string
	GroupName string
}

// Edge is one destination a named message may travel from SrcExtension,
// with an optional per-edge conversion (spec.md §6).
type Edge struct {
	SrcExtension string
	Kind         msg.Kind
	Name         string
	Dest         []msg.Location
	Conversion   *conversion.Conversion
}

// Graph is the parsed, validated start_graph payload (spec.md §4.8 step
// 2: "schema, node/edge consistency, single-addon-per-extension").
type Graph struct {
	PredefinedName  string
	LongRunningMode bool
	Nodes           []Node
	Edges           []Edge
}

// Validate enforces the single-addon-per-extension invariant and that
// every edge's SrcExtension names a declared node (spec.md §4.8 step 2).
func (g *Graph) Validate() error {
	seen := make(map[string]string)
	for _, n := range g.Nodes {
		if addon, ok := seen[n.Name]; ok && addon != n.Addon {
			return apperr.New(apperr.InvalidGraph, fmt.Sprintf("extension %q bound to two addons (%q, %q)", n.Name, addon, n.Addon))
		}
		seen[n.Name] = n.Addon
	}
	for _, e := range g.Edges {
		if _, ok := seen[e.SrcExtension]; !ok {
			return apperr.New(apperr.InvalidGraph, fmt.Sprintf("edge references undeclared extension %q", e.SrcExtension))
		}
	}
	return nil
}

// AddonFactory builds a fresh Extension instance for one node, supplied
// by whatever addon registry the App owns.
type AddonFactory func(node Node) (extension.Extension, error)

// Engine owns one running graph: its extension threads, its remotes by
// uri, its path table, and the runloop-confined dispatch pipeline
// (spec.md §4.3 "Engine").
type Engine struct {
	GraphID string
	app     AppHost

	hasOwnLoop bool
	loop       *runloop.Runloop

	log *slog.Logger

	graph      *Graph
	addonOf    AddonFactory
	schemas    *schema.Store

	mu         sync.Mutex
	extensions map[string]*extension.Thread
	edgesBySrc map[string][]Edge
	remotes    map[string]*remote.Remote
	weakRemotes map[string]*remote.Remote

	paths *path.Table

	isClosing bool

	originalStartGraphCmd  *msg.Msg
	pendingStartGraphResult func(*msg.Msg)

	sweepCtx    context.Context
	sweepCancel context.CancelFunc
}

// New creates an Engine for graphID. hasOwnLoop selects between a
// dedicated runloop and sharing the app's (spec.md §4.3 "Engines may run
// on the app's runloop or a private thread depending on configuration").
// pathTimeout is the default cmd-result wait before a path-table entry is
// force-expired (spec.md §4.2); a zero value falls back to 30s.
func New(graphID string, app AppHost, hasOwnLoop bool, sharedLoop *runloop.Runloop, addonOf AddonFactory, schemas *schema.Store, pathTimeout time.Duration, log *slog.Logger) *Engine {
	if log == nil {
		log = slog.Default()
	}
	if pathTimeout <= 0 {
		pathTimeout = 30 * time.Second
	}
	loop := sharedLoop
	if hasOwnLoop {
		loop = runloop.New()
	}
	ctx, cancel := context.WithCancel(context.Background())
	e := &Engine{
		GraphID:     graphID,
		app:         app,
		hasOwnLoop:  hasOwnLoop,
		loop:        loop,
		log:         log.With("graph_id", graphID),
		addonOf:     addonOf,
		schemas:     schemas,
		extensions:  make(map[string]*extension.Thread),
		edgesBySrc:  make(map[string][]Edge),
		remotes:     make(map[string]*remote.Remote),
		weakRemotes: make(map[string]*remote.Remote),
		paths:       path.NewTable(pathTimeout),
		sweepCtx:    ctx,
		sweepCancel: cancel,
	}
	return e
}

func (e *Engine) HasOwnLoop() bool          { return e.hasOwnLoop }
func (e *Engine) Runloop() *runloop.Runloop { return e.loop }

// PostMigrated satisfies connection.EngineTarget: the protocol's
// implementation thread (or caller goroutine) invokes this to continue
// the migration handoff on the engine's own runloop.
func (e *Engine) PostMigrated(fn func()) { e.loop.PostTask(fn) }

// OnConnectionMsgs satisfies connection.Dispatcher: every message a
// migrated connection delivers from here on is pushed straight into this
// engine's dispatch pipeline (spec.md §4.6 step 7).
func (e *Engine) OnConnectionMsgs(c *connection.Connection, msgs []*msg.Msg) {
	e.loop.PostTask(func() {
		for _, m := range msgs {
			e.Dispatch(m)
		}
	})
}

// StartGraph runs spec.md §4.8 steps 3–7 for a graph this engine was just
// created to own. onResult is invoked exactly once with the outcome.
func (e *Engine) StartGraph(cmd *msg.Msg, g *Graph, onResult func(*msg.Msg)) {
	e.loop.PostTask(func() {
		if err := g.Validate(); err != nil {
			onResult(errorResult(cmd, err))
			return
		}
		e.graph = g
		e.originalStartGraphCmd = cmd
		for _, edge := range g.Edges {
			e.edgesBySrc[edge.SrcExtension] = append(e.edgesBySrc[edge.SrcExtension], edge)
		}

		remoteApps := remoteAppURIsOf(g, e.app.URI())
		if len(remoteApps) == 0 {
			e.enableExtensionSystem(cmd, onResult)
			return
		}
		e.bringUpRemotes(cmd, g, remoteApps, onResult)
	})
}

// remoteAppURIsOf collects every distinct app uri in g's nodes other than
// localAppURI (spec.md §4.8 step 4: "for each app-uri other than its
// own").
func remoteAppURIsOf(g *Graph, localAppURI string) []string {
	seen := make(map[string]bool)
	var uris []string
	for _, n := range g.Nodes {
		if n.AppURI == "" || n.AppURI == "localhost" || n.AppURI == localAppURI {
			continue
		}
		if !seen[n.AppURI] {
			seen[n.AppURI] = true
			uris = append(uris, n.AppURI)
		}
	}
	return uris
}

// bringUpRemotes implements step 4: open a Remote per remote app uri and
// send each a child start_graph, correlated via this engine's path
// table; step 7 short-circuits on the first child error.
func (e *Engine) bringUpRemotes(cmd *msg.Msg, g *Graph, uris []string, onResult func(*msg.Msg)) {
	e.mu.Lock()
	e.pendingStartGraphResult = onResult
	e.mu.Unlock()

	for _, uri := range uris {
		r, err := e.app.DialRemote(uri)
		if err != nil {
			onResult(errorResult(cmd, apperr.Wrap(apperr.NotFound, "dial remote for start_graph", err)))
			return
		}
		r.SetEngineHost(e)
		e.mu.Lock()
		e.weakRemotes[uri] = r
		e.remotes[uri] = r
		e.mu.Unlock()

		child := cmd.CloneForResultConversion()
		child.GenCmdIDIfEmpty()
		e.paths.AddOut(child, nil)

		e.log.Debug("sending child start_graph", "remote", uri)
		r.SendMsg(child)
		// The child result is fed back in by OnRemoteMsg, which calls
		// handleChildStartGraphResult via pendingStartGraphResult.
	}
}

// handleChildStartGraphResult is invoked from OnRemoteMsg when a result
// for one of the child start_graph cmds sent in bringUpRemotes arrives.
// When every outstanding child has answered Ok, it proceeds to step 5;
// the first Error short-circuits bring-up (step 7).
func (e *Engine) handleChildStartGraphResult(r *remote.Remote, result *msg.Msg, onResult func(*msg.Msg)) {
	if r.ResolveStartGraphResult(result) {
		e.log.Debug("remote lost duplicate-connect race, closed", "uri", r.URI)
		return
	}

	if result.StatusCode == msg.StatusError {
		e.clearPendingStartGraph()
		onResult(errorResult(e.originalStartGraphCmd, apperr.New(apperr.InvalidGraph, result.Detail)))
		return
	}

	e.mu.Lock()
	allStrong := true
	for _, wr := range e.weakRemotes {
		if wr.State() != remote.StateStrong {
			allStrong = false
			break
		}
	}
	e.mu.Unlock()

	if allStrong {
		e.clearPendingStartGraph()
		e.enableExtensionSystem(e.originalStartGraphCmd, onResult)
	}
}

func (e *Engine) clearPendingStartGraph() {
	e.mu.Lock()
	e.pendingStartGraphResult = nil
	e.mu.Unlock()
}

// enableExtensionSystem implements step 5: build extension threads and
// run on_configure → on_init → on_start on each in node order, then
// return Ok to the sender (step 6).
func (e *Engine) enableExtensionSystem(cmd *msg.Msg, onResult func(*msg.Msg)) {
	for _, node := range e.graph.Nodes {
		if node.AppURI != "" && node.AppURI != "localhost" && node.AppURI != e.app.URI() {
			continue
		}
		ext, err := e.addonOf(node)
		if err != nil {
			onResult(errorResult(cmd, apperr.Wrap(apperr.NotFound, fmt.Sprintf("addon %q for extension %q", node.Addon, node.Name), err)))
			return
		}
		th := extension.NewThread(node.Name, ext, e, e.log)
		e.mu.Lock()
		e.extensions[node.Name] = th
		e.mu.Unlock()

		th.OnConfigure()
		th.OnInit()
		th.OnStart()
	}

	result := msg.NewResult(cmd, msg.StatusOk)
	result.SetFinal(true)
	result.SetCompleted(true)
	onResult(result)
}

func errorResult(cmd *msg.Msg, err error) *msg.Msg {
	r := msg.NewResult(cmd, msg.StatusError)
	r.Detail = err.Error()
	r.SetFinal(true)
	r.SetCompleted(true)
	return r
}

// Dispatch routes one inbound message per spec.md §4.8's runtime
// dispatch rules. Must be called from the engine's own runloop.
func (e *Engine) Dispatch(m *msg.Msg) {
	if m.Kind == msg.KindCmdResult {
		e.dispatchResult(m)
		return
	}

	if !m.Dests[0].IsLocal(e.GraphID) && m.Dests[0].AppURI != "" && m.Dests[0].AppURI != "localhost" {
		e.forwardToRemote(m)
		return
	}

	e.mu.Lock()
	th, ok := e.extensions[m.Dests[0].ExtensionName]
	e.mu.Unlock()
	if !ok {
		e.log.Warn("dispatch: unknown destination extension, dropping", "extension", m.Dests[0].ExtensionName)
		return
	}
	e.deliverToExtension(th, m)
}

func (e *Engine) deliverToExtension(th *extension.Thread, m *msg.Msg) {
	switch m.Kind {
	case msg.KindCmd:
		e.paths.AddIn(m, nil)
		th.OnCmd(m)
	case msg.KindData:
		th.OnData(m)
	case msg.KindAudioFrame:
		th.OnAudioFrame(m)
	case msg.KindVideoFrame:
		th.OnVideoFrame(m)
	}
}

func (e *Engine) dispatchResult(result *msg.Msg) {
	forward, rewritten, _ := e.paths.ProcessCmdResult(path.DirIn, result)
	if !forward {
		e.log.Warn("dropping unmatched cmd result", "cmd_id", result.CmdID)
		return
	}
	e.routeOutbound(rewritten)
}

// RouteFromExtension implements extension.GraphHost: applies the
// producer-side edge conversion (spec.md §4.3) then routes onward,
// consulting the path table for results.
func (e *Engine) RouteFromExtension(name string, m *msg.Msg) {
	e.loop.PostTask(func() {
		if m.Kind != msg.KindCmdResult {
			m.SetSrc(msg.Location{GraphID: e.GraphID, ExtensionName: name})
		}
		if m.Kind == msg.KindCmdResult {
			forward, rewritten, _ := e.paths.ProcessCmdResult(path.DirOut, m)
			if !forward {
				e.log.Warn("dropping unmatched cmd result from extension", "extension", name, "cmd_id", m.CmdID)
				return
			}
			e.routeOutbound(rewritten)
			return
		}

		e.mu.Lock()
		edges := e.edgesBySrc[name]
		e.mu.Unlock()

		delivered := false
		for _, edge := range edges {
			if edge.Kind != m.Kind || edge.Name != m.Name {
				continue
			}
			for _, dest := range edge.Dest {
				out := m
				if edge.Conversion != nil {
					converted, err := edge.Conversion.Apply(m)
					if err != nil {
						e.log.Warn("msg conversion failed, dropping", "err", err)
						continue
					}
					out = converted
				}
				out.ClearAndSetDest(dest)
				if m.Kind == msg.KindCmd {
					// A converted cmd is a fresh clone with cmd_id
					// cleared (spec.md §4.3's exception names only the
					// result path); restamp one before it becomes the
					// path-table key.
					out.GenCmdIDIfEmpty()
					e.paths.AddOut(out, edgeResultConverter(edge))
				}
				e.routeOutbound(out)
				delivered = true
			}
		}
		if !delivered {
			e.log.Debug("no matching edge for extension output, dropping", "extension", name, "kind", m.Kind, "name", m.Name)
		}
	})
}

// edgeResultConverter exposes edge.Conversion as a path.ResultConverter
// when present, satisfying the interface structurally (package path
// cannot import conversion).
func edgeResultConverter(e Edge) path.ResultConverter {
	if e.Conversion == nil {
		return nil
	}
	return e.Conversion
}

func (e *Engine) routeOutbound(m *msg.Msg) {
	if len(m.Dests) == 0 {
		e.log.Warn("outbound message has no destination, dropping")
		return
	}
	dest := m.Dests[0]
	if dest.IsLocal(e.GraphID) {
		e.mu.Lock()
		th, ok := e.extensions[dest.ExtensionName]
		e.mu.Unlock()
		if ok {
			e.deliverToExtension(th, m)
			return
		}
	}
	e.forwardToRemote(m)
}

func (e *Engine) forwardToRemote(m *msg.Msg) {
	dest := m.Dests[0]
	e.mu.Lock()
	r, ok := e.remotes[dest.AppURI]
	e.mu.Unlock()
	if !ok {
		sibling, found := e.app.EngineByGraphID(dest.GraphID)
		if found {
			sibling.Runloop().PostTask(func() { sibling.Dispatch(m) })
			return
		}
		r2, err := e.app.DialRemote(dest.AppURI)
		if err != nil {
			e.log.Warn("cannot resolve remote destination, dropping", "app", dest.AppURI, "err", err)
			return
		}
		r2.SetEngineHost(e)
		e.mu.Lock()
		e.remotes[dest.AppURI] = r2
		e.mu.Unlock()
		r = r2
	}
	r.SendMsg(m)
}

// OnRemoteMsg implements remote.EngineHost: a message arrived from a
// peer app via one of this engine's remotes.
func (e *Engine) OnRemoteMsg(r *remote.Remote, m *msg.Msg) {
	e.loop.PostTask(func() {
		e.mu.Lock()
		_, isWeak := e.weakRemotes[r.URI]
		e.mu.Unlock()
		if isWeak && m.Kind == msg.KindCmdResult {
			e.handleChildStartGraphResultFromAnyWaiter(r, m)
			return
		}
		e.Dispatch(m)
	})
}

// handleChildStartGraphResultFromAnyWaiter routes a result arriving on a
// still-weak remote to handleChildStartGraphResult. The bring-up
// callback captured in StartGraph's onResult closure is looked up via
// pendingStartGraphResult, set for the duration of bringUpRemotes.
func (e *Engine) handleChildStartGraphResultFromAnyWaiter(r *remote.Remote, m *msg.Msg) {
	e.mu.Lock()
	onResult := e.pendingStartGraphResult
	e.mu.Unlock()
	if onResult == nil {
		e.log.Warn("result from weak remote but no start_graph bring-up in progress", "uri", r.URI)
		return
	}
	e.handleChildStartGraphResult(r, m, onResult)
}

// RemoveRemote implements remote.EngineHost.
func (e *Engine) RemoveRemote(uri string) {
	e.mu.Lock()
	delete(e.remotes, uri)
	delete(e.weakRemotes, uri)
	e.mu.Unlock()
}

// StartExpirySweeper begins the periodic path-table expiry sweep (spec.md
// §5 "engine's timer fires periodic sweeps and synthesizes Error results
// for expired entries").
func (e *Engine) StartExpirySweeper(interval time.Duration) {
	go func() {
		t := time.NewTicker(interval)
		defer t.Stop()
		for {
			select {
			case <-e.sweepCtx.Done():
				return
			case now := <-t.C:
				e.loop.PostTask(func() {
					for _, r := range e.paths.ExpirePaths(now) {
						e.routeOutbound(r)
					}
				})
			}
		}
	}()
}

// StopGraph implements extension.GraphHost's panic-containment callback
// and is also the entry point for a cascading close initiated elsewhere:
// it stops every extension thread and tears down remotes, without taking
// down the owning app (spec.md §9's try/catch fallback).
func (e *Engine) StopGraph(reason string) {
	e.loop.PostTask(func() {
		e.mu.Lock()
		if e.isClosing {
			e.mu.Unlock()
			return
		}
		e.isClosing = true
		exts := make([]*extension.Thread, 0, len(e.extensions))
		for _, th := range e.extensions {
			exts = append(exts, th)
		}
		remotes := make([]*remote.Remote, 0, len(e.remotes))
		for _, r := range e.remotes {
			remotes = append(remotes, r)
		}
		e.mu.Unlock()

		if reason != "" {
			e.log.Warn("stopping graph", "reason", reason)
		}

		for _, r := range e.paths.ExpirePaths(time.Now().Add(365 * 24 * time.Hour)) {
			_ = r // every remaining entry is force-expired on shutdown
		}

		for _, th := range exts {
			th.OnStop()
			th.OnDeinit()
			th.Close()
		}
		for _, r := range remotes {
			r.Close()
		}
		e.sweepCancel()
	})
}

// PathCount reports the number of outstanding path-table entries (spec.md
// §8 invariant 4: the table must drain to zero once every extension has
// torn down).
func (e *Engine) PathCount() int { return e.paths.Len() }

// ExtensionNames returns the names of every extension currently running in
// this graph, for the read-only diagnostics surface.
func (e *Engine) ExtensionNames() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	names := make([]string, 0, len(e.extensions))
	for name := range e.extensions {
		names = append(names, name)
	}
	return names
}

// RemoteURIs returns the URIs of every remote this engine currently holds
// (weak or strong), for the read-only diagnostics surface.
func (e *Engine) RemoteURIs() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	uris := make([]string, 0, len(e.remotes))
	for uri := range e.remotes {
		uris = append(uris, uri)
	}
	return uris
}

// NewGraphID generates a fresh UUID4 graph id (spec.md §4.8 step 1).
func NewGraphID() string { return uuid.NewString() }
