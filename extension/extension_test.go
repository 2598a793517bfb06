package extension

import (
	"testing"
	"time"

	"signalmesh/msg"
)

type fakeHost struct {
	routed []*msg.Msg
	stopReason string
	stopped bool
}

func (h *fakeHost) RouteFromExtension(name string, m *msg.Msg) { h.routed = append(h.routed, m) }
func (h *fakeHost) StopGraph(reason string) {
	h.stopped = true
	h.stopReason = reason
}

// recordingExtension logs callback order and can be told to panic on a
// specific step.
type recordingExtension struct {
	order     []string
	panicStep string
}

func (r *recordingExtension) OnConfigure(env *Env, done func()) {
	r.order = append(r.order, "configure")
	if r.panicStep == "configure" {
		panic("boom")
	}
	done()
}
func (r *recordingExtension) OnInit(env *Env, done func()) {
	r.order = append(r.order, "init")
	done()
}
func (r *recordingExtension) OnStart(env *Env, done func()) {
	r.order = append(r.order, "start")
	done()
}
func (r *recordingExtension) OnCmd(env *Env, cmd *msg.Msg) {
	r.order = append(r.order, "cmd:"+cmd.Name)
	if r.panicStep == "cmd" {
		panic("cmd boom")
	}
	result := msg.NewResult(cmd, msg.StatusOk)
	env.ReturnResult(result, cmd)
}
func (r *recordingExtension) OnData(env *Env, data *msg.Msg)             { r.order = append(r.order, "data") }
func (r *recordingExtension) OnAudioFrame(env *Env, frame *msg.Msg)      { r.order = append(r.order, "audio") }
func (r *recordingExtension) OnVideoFrame(env *Env, frame *msg.Msg)      { r.order = append(r.order, "video") }
func (r *recordingExtension) OnStop(env *Env, done func())               { r.order = append(r.order, "stop"); done() }
func (r *recordingExtension) OnDeinit(env *Env, done func())             { r.order = append(r.order, "deinit"); done() }

func TestLifecycleOrderIsFixed(t *testing.T) {
	ext := &recordingExtension{}
	host := &fakeHost{}
	th := NewThread("ping", ext, host, nil)
	defer th.Close()

	th.OnConfigure()
	th.OnInit()
	th.OnStart()
	th.OnCmd(msg.Create(msg.KindCmd, "ping"))
	th.OnStop()
	th.OnDeinit()

	// Drain: OnCmd is fire-and-forget, give its task a moment to run.
	deadline := time.Now().Add(time.Second)
	for len(host.routed) == 0 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}

	want := []string{"configure", "init", "start", "cmd:ping", "stop", "deinit"}
	if len(ext.order) != len(want) {
		t.Fatalf("expected order %v, got %v", want, ext.order)
	}
	for i, v := range want {
		if ext.order[i] != v {
			t.Fatalf("expected order %v, got %v", want, ext.order)
		}
	}
	if len(host.routed) != 1 {
		t.Fatalf("expected one routed result, got %d", len(host.routed))
	}
}

func TestPanicInCmdStopsGraphNotProcess(t *testing.T) {
	ext := &recordingExtension{panicStep: "cmd"}
	host := &fakeHost{}
	th := NewThread("boomer", ext, host, nil)
	defer th.Close()

	th.OnConfigure()
	th.OnInit()
	th.OnStart()
	th.OnCmd(msg.Create(msg.KindCmd, "crash"))

	deadline := time.Now().Add(time.Second)
	for !host.stopped && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	if !host.stopped {
		t.Fatal("expected StopGraph to be called after panic")
	}
}

func TestPanicInConfigureStillCallsDone(t *testing.T) {
	ext := &recordingExtension{panicStep: "configure"}
	host := &fakeHost{}
	th := NewThread("boomer", ext, host, nil)
	defer th.Close()

	// If recoverFromPanic did not call done(), this would hang forever
	// and fail via test timeout rather than an assertion.
	th.OnConfigure()

	if !host.stopped {
		t.Fatal("expected StopGraph to be called after panic in on_configure")
	}
}

func TestEnvRetainReleaseTracksLiveRefs(t *testing.T) {
	ext := &recordingExtension{}
	host := &fakeHost{}
	th := NewThread("ping", ext, host, nil)
	defer th.Close()

	if th.LiveEnvRefs() != 1 {
		t.Fatalf("expected 1 live ref at creation, got %d", th.LiveEnvRefs())
	}
	th.env.Retain()
	if th.LiveEnvRefs() != 2 {
		t.Fatalf("expected 2 live refs after Retain, got %d", th.LiveEnvRefs())
	}
	th.env.Release()
	if th.LiveEnvRefs() != 1 {
		t.Fatalf("expected 1 live ref after Release, got %d", th.LiveEnvRefs())
	}
}
