package app

import (
	"testing"
	"time"

	"signalmesh/connection"
	"signalmesh/engine"
	"signalmesh/extension"
	"signalmesh/msg"
	"signalmesh/protocol"
	"signalmesh/schema"
)

type pingPongExtension struct{}

func (pingPongExtension) OnConfigure(env *extension.Env, done func()) { done() }
func (pingPongExtension) OnInit(env *extension.Env, done func())      { done() }
func (pingPongExtension) OnStart(env *extension.Env, done func())     { done() }
func (pingPongExtension) OnCmd(env *extension.Env, cmd *msg.Msg) {
	result := msg.NewResult(cmd, msg.StatusOk)
	result.SetProperty("reply", msg.String("pong"))
	result.SetFinal(true)
	result.SetCompleted(true)
	env.ReturnResult(result, cmd)
}
func (pingPongExtension) OnData(env *extension.Env, data *msg.Msg)        {}
func (pingPongExtension) OnAudioFrame(env *extension.Env, frame *msg.Msg) {}
func (pingPongExtension) OnVideoFrame(env *extension.Env, frame *msg.Msg) {}
func (pingPongExtension) OnStop(env *extension.Env, done func())         { done() }
func (pingPongExtension) OnDeinit(env *extension.Env, done func())      { done() }

type fakeAddonRegistry struct{}

func (fakeAddonRegistry) Create(name string) (extension.Extension, error) {
	return pingPongExtension{}, nil
}

// loopbackProtocol is a minimal in-memory Protocol double that lets a
// test drive App.onAccept and observe what gets sent back, without a
// real transport.
type loopbackProtocol struct {
	protocol.Base
	sent []*msg.Msg
}

func newLoopbackProtocol() *loopbackProtocol {
	return &loopbackProtocol{Base: protocol.NewBase(protocol.RoleInInternal, protocol.FlavorIntegrated, "loopback://")}
}

func (p *loopbackProtocol) Listen(string, func(protocol.Protocol)) error { return nil }
func (p *loopbackProtocol) ConnectTo(string, func(error))                {}
func (p *loopbackProtocol) OnOutput(msgs []*msg.Msg)                     { p.sent = append(p.sent, msgs...) }
func (p *loopbackProtocol) Migrate(onMigrated func())                    { onMigrated() }
func (p *loopbackProtocol) Clean(onCleaned func())                       { onCleaned() }
func (p *loopbackProtocol) Close()                                       {}

func newTestApp() *App {
	predefined := []PredefinedGraph{{
		Name: "ping_pong",
		Graph: &engine.Graph{
			Nodes: []engine.Node{{Name: "ping_pong", Addon: "ping_pong_addon"}},
		},
	}}
	return New(Config{
		URI:              "localhost",
		Addons:           fakeAddonRegistry{},
		Schemas:          schema.NewStore(),
		PredefinedGraphs: predefined,
	})
}

func TestStartGraphWithPredefinedGraphReachesRunningEngine(t *testing.T) {
	a := newTestApp()
	defer a.Close()

	p := newLoopbackProtocol()
	conn := connection.New(p, connAppDispatcher{a})

	cmd := msg.Create(msg.KindCmd, "start_graph")
	cmd.GenCmdIDIfEmpty()
	cmd.SetProperty("ten.predefined_graph_name", msg.String("ping_pong"))

	a.HandleStartGraph(conn, cmd)

	deadline := time.Now().Add(time.Second)
	for len(p.sent) == 0 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	if len(p.sent) == 0 {
		t.Fatal("expected a start_graph result to be sent back")
	}
	result := p.sent[0]
	if result.StatusCode != msg.StatusOk {
		t.Fatalf("expected Ok, got %v detail %q", result.StatusCode, result.Detail)
	}

	graphID, ok := cmd.PeekProperty("ten.graph_id")
	if !ok {
		t.Fatal("expected graph_id to be generated and written back")
	}
	id, _ := graphID.String()
	if _, found := a.EngineByGraphID(id); !found {
		t.Fatal("expected engine registered under the generated graph id")
	}
}

func TestCloseAppCmdTriggersShutdown(t *testing.T) {
	a := newTestApp()

	p := newLoopbackProtocol()
	conn := connection.New(p, connAppDispatcher{a})

	cmd := msg.Create(msg.KindCmd, "close_app")
	cmd.GenCmdIDIfEmpty()
	a.handleInbound(conn, cmd)

	select {
	case <-a.closedCh:
	case <-time.After(2 * time.Second):
		t.Fatal("expected app to close after close_app cmd")
	}

	if len(p.sent) != 1 || p.sent[0].StatusCode != msg.StatusOk {
		t.Fatal("expected an Ok ack for close_app before shutdown")
	}
}

func TestUnknownPredefinedGraphNameIsRejected(t *testing.T) {
	a := newTestApp()
	defer a.Close()

	p := newLoopbackProtocol()
	conn := connection.New(p, connAppDispatcher{a})

	cmd := msg.Create(msg.KindCmd, "start_graph")
	cmd.GenCmdIDIfEmpty()
	cmd.SetProperty("ten.predefined_graph_name", msg.String("does_not_exist"))

	a.HandleStartGraph(conn, cmd)

	if len(p.sent) != 1 {
		t.Fatalf("expected exactly one error result, got %d", len(p.sent))
	}
	if p.sent[0].StatusCode != msg.StatusError {
		t.Fatal("expected StatusError for unknown predefined graph")
	}
}
