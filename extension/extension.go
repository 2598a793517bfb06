// Package extension schedules user extension callbacks on one dedicated
// goroutine per extension instance, enforcing the fixed lifecycle order
// and the cross-thread EnvProxy handoff (spec.md §4.9).
package extension

import (
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"signalmesh/apperr"
	"signalmesh/msg"
	"signalmesh/runloop"
)

// Extension is the user-implemented callback set. Every method receives
// an Env for posting replies and async work back onto the extension's own
// thread; implementations must not block and must call the matching
// doneFn before returning if the callback is asynchronous-done-gated
// (on_configure/on_init/on_start/on_stop/on_deinit).
type Extension interface {
	OnConfigure(env *Env, done func())
	OnInit(env *Env, done func())
	OnStart(env *Env, done func())
	OnCmd(env *Env, cmd *msg.Msg)
	OnData(env *Env, data *msg.Msg)
	OnAudioFrame(env *Env, frame *msg.Msg)
	OnVideoFrame(env *Env, frame *msg.Msg)
	OnStop(env *Env, done func())
	OnDeinit(env *Env, done func())
}

// GraphHost is the subset of Engine behavior a Thread needs: delivering
// an outbound message into the routing pipeline and tearing down the
// whole graph when an extension callback panics (spec.md §9's try/catch
// fallback — "any panic within an extension callback terminates that
// graph, not the whole process").
type GraphHost interface {
	RouteFromExtension(name string, m *msg.Msg)
	StopGraph(reason string)
}

// Env is the EnvProxy handle (spec.md §4.9/§5): the cross-thread facade
// an extension uses to send messages and schedule work back onto its own
// runloop. It counts references taken with Retain and dropped with
// Release; no App or Engine teardown path waits for that count to drop.
type Env struct {
	name   string
	loop   *runloop.Runloop
	host   GraphHost
	refs   atomic.Int32
}

func newEnv(name string, loop *runloop.Runloop, host GraphHost) *Env {
	e := &Env{name: name, loop: loop, host: host}
	e.refs.Store(1)
	return e
}

// Retain takes an additional reference on this handle, e.g. before
// handing it to an application-owned worker thread that will post a
// reply later.
func (e *Env) Retain() *Env {
	e.refs.Add(1)
	return e
}

// Release drops a reference. The live count is reported by the owning
// Thread's LiveEnvRefs.
func (e *Env) Release() {
	e.refs.Add(-1)
}

func (e *Env) liveRefs() int32 { return e.refs.Load() }

// SendMsg routes m into the owning graph as if this extension produced
// it, e.g. a cmd result or a forwarded data message.
func (e *Env) SendMsg(m *msg.Msg) {
	e.host.RouteFromExtension(e.name, m)
}

// ReturnResult implements return_result(result, original_cmd) (spec.md
// §4.9): it stamps original_cmd_type/original_cmd_name and cmd_id from
// original, without consulting the path table's in-path entry, then
// routes the result like any other outbound message.
func (e *Env) ReturnResult(result *msg.Msg, original *msg.Msg) {
	result.OriginalCmdType = original.Kind
	result.OriginalCmdName = original.Name
	result.CmdID = original.CmdID
	e.SendMsg(result)
}

// Notify posts fn back onto this extension's own runloop — the only
// sanctioned way an application-owned worker thread may touch extension
// state (spec.md §5 "EnvProxy.notify(fn) posts a task back to the
// extension's runloop").
func (e *Env) Notify(fn func()) {
	e.loop.PostTask(fn)
}

// Thread is the scheduler for one extension instance: one dedicated
// runloop, lifecycle callbacks gated on their done acknowledgement, and
// panic containment so a misbehaving extension only takes down its own
// graph (spec.md §4.9, §9).
type Thread struct {
	name string
	ext  Extension
	loop *runloop.Runloop
	env  *Env
	log  *slog.Logger
	host GraphHost

	mu      sync.Mutex
	started bool
	stopped bool
}

// NewThread creates a Thread for ext named name, wired to host for
// outbound routing and graph-level panic containment.
func NewThread(name string, ext Extension, host GraphHost, log *slog.Logger) *Thread {
	if log == nil {
		log = slog.Default()
	}
	loop := runloop.New()
	t := &Thread{
		name: name,
		ext:  ext,
		loop: loop,
		log:  log.With("extension", name),
		host: host,
	}
	t.env = newEnv(name, loop, host)
	return t
}

func (t *Thread) Runloop() *runloop.Runloop { return t.loop }

// runLifecycle posts one lifecycle step onto the thread's runloop,
// guards it with panic containment, and blocks the caller until the
// extension calls done — mirroring spec.md §4.9's "the runtime does not
// advance until the done callback fires."
func (t *Thread) runLifecycle(step string, fn func(env *Env, done func())) {
	doneCh := make(chan struct{})
	var once sync.Once
	done := func() { once.Do(func() { close(doneCh) }) }

	t.loop.PostTask(func() {
		defer t.recoverFromPanic(step, done)
		fn(t.env, done)
	})
	<-doneCh
}

// recoverFromPanic implements the try/catch fallback (spec.md §9): any
// panic inside an extension callback stops the owning graph, not the
// process, and the done/ack is then still fired so the caller doesn't
// hang; StopGraph has already been requested by the time the caller
// resumes.
func (t *Thread) recoverFromPanic(step string, done func()) {
	if r := recover(); r != nil {
		t.log.Error("extension callback panicked", "step", step, "panic", fmt.Sprint(r))
		if t.host != nil {
			t.host.StopGraph(fmt.Sprintf("extension %q panicked in %s: %v", t.name, step, r))
		}
		done()
	}
}

func (t *Thread) OnConfigure() { t.runLifecycle("on_configure", t.ext.OnConfigure) }
func (t *Thread) OnInit()      { t.runLifecycle("on_init", t.ext.OnInit) }

func (t *Thread) OnStart() {
	t.runLifecycle("on_start", t.ext.OnStart)
	t.mu.Lock()
	t.started = true
	t.mu.Unlock()
}

func (t *Thread) OnStop() {
	t.runLifecycle("on_stop", t.ext.OnStop)
	t.mu.Lock()
	t.stopped = true
	t.mu.Unlock()
}

func (t *Thread) OnDeinit() {
	t.runLifecycle("on_deinit", t.ext.OnDeinit)
}

// post delivers one non-lifecycle message to the extension's runloop,
// preserving per-upstream FIFO order (spec.md §5).
func (t *Thread) post(fn func(env *Env)) {
	t.loop.PostTask(func() {
		defer t.recoverNoDone("on_msg")
		fn(t.env)
	})
}

func (t *Thread) recoverNoDone(step string) {
	if r := recover(); r != nil {
		t.log.Error("extension callback panicked", "step", step, "panic", fmt.Sprint(r))
		if t.host != nil {
			t.host.StopGraph(fmt.Sprintf("extension %q panicked in %s: %v", t.name, step, r))
		}
	}
}

func (t *Thread) OnCmd(cmd *msg.Msg) {
	cmd = cmd.Retain()
	t.post(func(env *Env) {
		defer cmd.Release()
		t.ext.OnCmd(env, cmd)
	})
}

func (t *Thread) OnData(data *msg.Msg) {
	data = data.Retain()
	t.post(func(env *Env) {
		defer data.Release()
		t.ext.OnData(env, data)
	})
}

func (t *Thread) OnAudioFrame(frame *msg.Msg) {
	frame = frame.Retain()
	t.post(func(env *Env) {
		defer frame.Release()
		t.ext.OnAudioFrame(env, frame)
	})
}

func (t *Thread) OnVideoFrame(frame *msg.Msg) {
	frame = frame.Retain()
	t.post(func(env *Env) {
		defer frame.Release()
		t.ext.OnVideoFrame(env, frame)
	})
}

// LiveEnvRefs reports the Env's live reference count. App and Engine
// teardown do not consult it.
func (t *Thread) LiveEnvRefs() int32 { return t.env.liveRefs() }

// Close stops the extension's runloop. Callers must have already driven
// OnStop/OnDeinit through to completion.
func (t *Thread) Close() {
	t.loop.Close()
	t.loop.Wait()
}

// ErrEnvHeldAtDeinit names the condition of an extension's Env still
// having outstanding references at on_deinit time. No teardown path in
// this module returns it.
var ErrEnvHeldAtDeinit = apperr.New(apperr.IsClosed, "extension env handle still held at deinit")
