package engine

import (
	"testing"
	"time"

	"signalmesh/extension"
	"signalmesh/msg"
	"signalmesh/remote"
	"signalmesh/schema"
)

type fakeAppHost struct {
	uri     string
	engines map[string]*Engine
}

func (h *fakeAppHost) URI() string { return h.uri }
func (h *fakeAppHost) EngineByGraphID(graphID string) (*Engine, bool) {
	e, ok := h.engines[graphID]
	return e, ok
}
func (h *fakeAppHost) DialRemote(uri string) (*remote.Remote, error) {
	return remote.New(uri, nil, nil), nil
}

type echoExtension struct {
	gotCmd chan *msg.Msg
}

func (e *echoExtension) OnConfigure(env *extension.Env, done func()) { done() }
func (e *echoExtension) OnInit(env *extension.Env, done func())     { done() }
func (e *echoExtension) OnStart(env *extension.Env, done func())    { done() }
func (e *echoExtension) OnCmd(env *extension.Env, cmd *msg.Msg) {
	if e.gotCmd != nil {
		e.gotCmd <- cmd
	}
	result := msg.NewResult(cmd, msg.StatusOk)
	result.SetProperty("reply", msg.String("pong"))
	env.ReturnResult(result, cmd)
}
func (e *echoExtension) OnData(env *extension.Env, data *msg.Msg)        {}
func (e *echoExtension) OnAudioFrame(env *extension.Env, frame *msg.Msg) {}
func (e *echoExtension) OnVideoFrame(env *extension.Env, frame *msg.Msg) {}
func (e *echoExtension) OnStop(env *extension.Env, done func())         { done() }
func (e *echoExtension) OnDeinit(env *extension.Env, done func())       { done() }

func singleExtensionGraph() *Graph {
	return &Graph{
		Nodes: []Node{{Name: "ping_pong", Addon: "ping_pong_addon"}},
	}
}

func TestValidateRejectsTwoAddonsForSameExtension(t *testing.T) {
	g := &Graph{Nodes: []Node{
		{Name: "x", Addon: "addon_a"},
		{Name: "x", Addon: "addon_b"},
	}}
	if err := g.Validate(); err == nil {
		t.Fatal("expected validation error for conflicting addon bindings")
	}
}

func TestValidateRejectsEdgeToUndeclaredExtension(t *testing.T) {
	g := &Graph{
		Nodes: []Node{{Name: "a", Addon: "addon_a"}},
		Edges: []Edge{{SrcExtension: "ghost", Kind: msg.KindCmd, Name: "ping"}},
	}
	if err := g.Validate(); err == nil {
		t.Fatal("expected validation error for edge referencing undeclared extension")
	}
}

func TestStartGraphSingleAppReturnsOk(t *testing.T) {
	app := &fakeAppHost{uri: "localhost", engines: map[string]*Engine{}}
	addonOf := func(n Node) (extension.Extension, error) { return &echoExtension{}, nil }
	e := New(NewGraphID(), app, true, nil, addonOf, schema.NewStore(), 0, nil)
	defer e.StopGraph("test teardown")

	cmd := msg.Create(msg.KindCmd, "start_graph")
	cmd.GenCmdIDIfEmpty()

	resultCh := make(chan *msg.Msg, 1)
	e.StartGraph(cmd, singleExtensionGraph(), func(r *msg.Msg) { resultCh <- r })

	select {
	case r := <-resultCh:
		if r.StatusCode != msg.StatusOk {
			t.Fatalf("expected Ok, got status %v detail %q", r.StatusCode, r.Detail)
		}
	case <-time.After(time.Second):
		t.Fatal("start_graph result never arrived")
	}
}

func TestDispatchRoutesCmdToLocalExtension(t *testing.T) {
	app := &fakeAppHost{uri: "localhost", engines: map[string]*Engine{}}
	gotCmd := make(chan *msg.Msg, 1)
	addonOf := func(n Node) (extension.Extension, error) { return &echoExtension{gotCmd: gotCmd}, nil }
	e := New(NewGraphID(), app, true, nil, addonOf, schema.NewStore(), 0, nil)
	defer e.StopGraph("test teardown")

	startCmd := msg.Create(msg.KindCmd, "start_graph")
	startCmd.GenCmdIDIfEmpty()
	resultCh := make(chan *msg.Msg, 1)
	e.StartGraph(startCmd, singleExtensionGraph(), func(r *msg.Msg) { resultCh <- r })
	<-resultCh

	ping := msg.Create(msg.KindCmd, "ping")
	ping.GenCmdIDIfEmpty()
	ping.ClearAndSetDest(msg.Location{GraphID: e.GraphID, ExtensionName: "ping_pong"})

	e.Runloop().PostTask(func() { e.Dispatch(ping) })

	select {
	case got := <-gotCmd:
		if got.Name != "ping" {
			t.Fatalf("expected extension to receive ping, got %q", got.Name)
		}
	case <-time.After(time.Second):
		t.Fatal("extension never received dispatched cmd")
	}
}

func TestPathTableDrainsAfterStopGraph(t *testing.T) {
	app := &fakeAppHost{uri: "localhost", engines: map[string]*Engine{}}
	addonOf := func(n Node) (extension.Extension, error) { return &echoExtension{}, nil }
	e := New(NewGraphID(), app, true, nil, addonOf, schema.NewStore(), 0, nil)

	startCmd := msg.Create(msg.KindCmd, "start_graph")
	startCmd.GenCmdIDIfEmpty()
	resultCh := make(chan *msg.Msg, 1)
	e.StartGraph(startCmd, singleExtensionGraph(), func(r *msg.Msg) { resultCh <- r })
	<-resultCh

	done := make(chan struct{})
	e.loop.PostTask(func() { close(done) })
	<-done

	e.StopGraph("test teardown")
	time.Sleep(50 * time.Millisecond)
	if n := e.PathCount(); n != 0 {
		t.Fatalf("expected path table empty after StopGraph, got %d entries", n)
	}
}
