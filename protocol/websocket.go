package protocol

import (
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	tenmsg "signalmesh/msg"
)

// WebSocketProtocol is the reference External transport for browser/CLI
// clients, grounded on server.go's websocket.Upgrader + ReadJSON loop. It
// runs integrated: the read goroutine calls straight into Base.deliver,
// same as MsgpackProtocol, and JSON (not msgpack) is the wire encoding —
// this is the "native" variant of the external URI scheme alongside the
// canonical msgpack one (spec.md §6 names msgpack:// as the reference
// transport but does not forbid others).
type WebSocketProtocol struct {
	Base

	log      *slog.Logger
	conn     *websocket.Conn
	writeMu  sync.Mutex
	upgrader websocket.Upgrader
}

func NewWebSocketProtocol(role Role, uri string, conn *websocket.Conn, log *slog.Logger) *WebSocketProtocol {
	if log == nil {
		log = slog.Default()
	}
	p := &WebSocketProtocol{
		Base: NewBase(role, FlavorIntegrated, uri),
		log:  log.With("protocol", "websocket", "uri", uri),
		conn: conn,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(_ *http.Request) bool { return true },
		},
	}
	if conn != nil {
		go p.readLoop()
	}
	return p
}

// ListenOnMux registers an HTTP handler at path on mux and upgrades each
// request to a websocket connection, mirroring server.go's /ws route.
func (p *WebSocketProtocol) ListenOnMux(mux *http.ServeMux, path string, onAccept func(Protocol)) {
	mux.HandleFunc(path, func(w http.ResponseWriter, r *http.Request) {
		conn, err := p.upgrader.Upgrade(w, r, nil)
		if err != nil {
			p.log.Error("websocket upgrade failed", "remote", r.RemoteAddr, "err", err)
			return
		}
		peer := NewWebSocketProtocol(RoleInExternal, "ws://"+conn.RemoteAddr().String()+"/", conn, p.log)
		onAccept(peer)
	})
}

// Listen satisfies the Protocol interface but always returns an error:
// websocket listening is done via ListenOnMux against an http.ServeMux the
// caller supplies and serves.
func (p *WebSocketProtocol) Listen(uri string, onAccept func(Protocol)) error {
	return fmt.Errorf("websocket: use ListenOnMux, not Listen")
}

func (p *WebSocketProtocol) ConnectTo(uri string, onConnected func(error)) {
	go func() {
		conn, _, err := websocket.DefaultDialer.Dial(uri, nil)
		if err != nil {
			onConnected(fmt.Errorf("websocket: dial: %w", err))
			return
		}
		p.conn = conn
		go p.readLoop()
		onConnected(nil)
	}()
}

func (p *WebSocketProtocol) readLoop() {
	for {
		var w tenmsg.Wire
		if err := p.conn.ReadJSON(&w); err != nil {
			p.log.Debug("read error", "err", err)
			p.Close()
			return
		}
		p.deliver(tenmsg.FromWire(w))
	}
}

func (p *WebSocketProtocol) OnOutput(msgs []*tenmsg.Msg) {
	if p.droppable() {
		return
	}
	p.writeMu.Lock()
	defer p.writeMu.Unlock()
	for _, m := range msgs {
		_ = p.conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
		if err := p.conn.WriteJSON(tenmsg.ToWire(m)); err != nil {
			p.log.Debug("write error", "err", err)
			p.Close()
			return
		}
	}
}

func (p *WebSocketProtocol) Migrate(onMigrated func()) { onMigrated() }
func (p *WebSocketProtocol) Clean(onCleaned func())    { onCleaned() }

func (p *WebSocketProtocol) Close() {
	p.mu.Lock()
	if p.state == StateClosed {
		p.mu.Unlock()
		return
	}
	p.state = StateClosed
	conn := p.conn
	p.mu.Unlock()

	if conn != nil {
		_ = conn.Close()
	}
	p.fireClosed()
}
