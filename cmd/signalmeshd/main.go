// Command signalmeshd runs one signalmesh App: it loads the addon registry
// from a sqlite database, listens for msgpack, websocket, and QUIC/
// WebTransport peers, serves the read-only diagnostics surface, and shuts
// the app down cleanly on SIGINT/SIGTERM.
package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"signalmesh/addons"
	"signalmesh/app"
	"signalmesh/connection"
	"signalmesh/diag"
	"signalmesh/engine"
	"signalmesh/extension"
	"signalmesh/msg"
	"signalmesh/protocol"
	"signalmesh/remote"
	"signalmesh/schema"
	"signalmesh/store"
)

// remoteDispatcher relays every message a freshly-dialed connection
// receives into the Remote that owns it. The engine attaches its own
// EngineHost to the Remote once DialRemote returns, so OnInput has
// somewhere to relay to by the time the peer actually replies.
type remoteDispatcher struct{ r *remote.Remote }

func (d remoteDispatcher) OnConnectionMsgs(c *connection.Connection, msgs []*msg.Msg) {
	for _, m := range msgs {
		d.r.OnInput(m)
	}
}

// builtinAddons lists the addons registered before the first start_graph
// cmd can reference them. Built as a var rather than inlined in main so
// tests can register the same set against an in-memory store.
var builtinAddons = []struct {
	name    string
	kind    store.AddonKind
	goType  string
	factory addons.Factory
}{
	{"echo", store.AddonKindExtension, "signalmesh/addons.Echo",
		func(n engine.Node) (extension.Extension, error) { return addons.Echo{}, nil }},
}

// buildRegistry registers every builtin addon against st and returns the
// resulting Registry, or the first registration error encountered.
func buildRegistry(st *store.Store) (*addons.Registry, error) {
	registry := addons.NewRegistry(st)
	for _, b := range builtinAddons {
		if err := registry.Register(b.name, b.kind, b.goType, b.factory); err != nil {
			return nil, err
		}
	}
	return registry, nil
}

// newRemoteDialer builds an app.RemoteDialer that opens an outbound
// msgpack connection to uri and wraps it in a Remote, relaying inbound
// messages back through remoteDispatcher. The engine that requested the
// dial attaches itself as the Remote's EngineHost once DialRemote
// returns (see engine.bringUpRemotes and engine.forwardToRemote).
func newRemoteDialer(log *slog.Logger) app.RemoteDialer {
	return func(uri string) (*remote.Remote, error) {
		p := protocol.NewMsgpackProtocol(protocol.RoleOutInternal, uri, nil, log)
		r := remote.New(uri, nil, nil)
		conn := connection.New(p, remoteDispatcher{r})

		done := make(chan error, 1)
		p.ConnectTo(uri, func(err error) { done <- err })
		if err := <-done; err != nil {
			return nil, err
		}
		r.SetConnection(conn)
		return r, nil
	}
}

func main() {
	uri := flag.String("uri", "localhost", "this app's own URI (\"localhost\" disables listening)")
	msgpackAddr := flag.String("msgpack-addr", "msgpack://:8001/", "msgpack listen URI (empty to disable)")
	wsAddr := flag.String("ws-addr", "ws://:8002/", "websocket listen URI (empty to disable)")
	quicAddr := flag.String("quic-addr", "", "QUIC/WebTransport listen URI (empty to disable)")
	diagAddr := flag.String("diag-addr", ":8080", "diagnostics HTTP listen address (empty to disable)")
	dbPath := flag.String("db", "signalmesh.db", "sqlite database path for the addon registry and schema cache")
	sweepInterval := flag.Duration("sweep-interval", 5*time.Second, "path-table expiry sweep interval")
	pathTimeout := flag.Duration("path-timeout", 30*time.Second, "path-table default cmd-result timeout")
	flag.Parse()

	log := slog.New(slog.NewTextHandler(os.Stdout, nil)).With("app_uri", *uri)

	st, err := store.New(*dbPath, log)
	if err != nil {
		log.Error("open store", "err", err)
		os.Exit(1)
	}
	defer st.Close()

	registry, err := buildRegistry(st)
	if err != nil {
		log.Error("register builtin addons", "err", err)
		os.Exit(1)
	}

	a := app.New(app.Config{
		URI:               *uri,
		Addons:            registry,
		Schemas:           schema.NewStore(),
		Log:               log,
		PathTimeout:       *pathTimeout,
		PathSweepInterval: *sweepInterval,
	})
	a.SetRemoteDialer(newRemoteDialer(log))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigCh
		log.Info("shutting down")
		a.Close()
		cancel()
	}()

	if *msgpackAddr != "" {
		p := protocol.NewMsgpackProtocol(protocol.RoleListen, *msgpackAddr, nil, log)
		if err := a.Listen(p); err != nil {
			log.Error("msgpack listen", "err", err)
		} else {
			log.Info("listening", "transport", "msgpack", "addr", *msgpackAddr)
		}
	}
	if *wsAddr != "" {
		p := protocol.NewWebSocketProtocol(protocol.RoleListen, *wsAddr, nil, log)
		if err := a.Listen(p); err != nil {
			log.Error("websocket listen", "err", err)
		} else {
			log.Info("listening", "transport", "websocket", "addr", *wsAddr)
		}
	}
	if *quicAddr != "" {
		p := protocol.NewQuicProtocol(protocol.RoleListen, *quicAddr, nil, log)
		if err := a.Listen(p); err != nil {
			log.Error("quic listen", "err", err)
		} else {
			log.Info("listening", "transport", "quic", "addr", *quicAddr)
		}
	}

	if *diagAddr != "" {
		d := diag.New(a, log)
		go d.Run(ctx, *diagAddr)
		log.Info("diagnostics listening", "addr", *diagAddr)
	}

	a.Wait()
}
