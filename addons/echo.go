// Package addons holds the built-in extension addons shipped with
// signalmeshd, and the sqlite-backed Registry that resolves addon names to
// factories for package engine's AddonFactory.
package addons

import (
	"signalmesh/extension"
	"signalmesh/msg"
)

// Echo is a minimal extension that answers every cmd with an Ok result
// carrying the same properties back, and otherwise drops everything it
// receives. signalmeshd registers it as its builtin "echo" addon.
type Echo struct{}

func (Echo) OnConfigure(env *extension.Env, done func()) { done() }
func (Echo) OnInit(env *extension.Env, done func())      { done() }
func (Echo) OnStart(env *extension.Env, done func())     { done() }

func (Echo) OnCmd(env *extension.Env, cmd *msg.Msg) {
	result := msg.NewResult(cmd, msg.StatusOk)
	for k, v := range cmd.Properties {
		result.Properties[k] = v
	}
	result.SetFinal(true)
	result.SetCompleted(true)
	env.ReturnResult(result, cmd)
}

func (Echo) OnData(env *extension.Env, data *msg.Msg)        {}
func (Echo) OnAudioFrame(env *extension.Env, frame *msg.Msg) {}
func (Echo) OnVideoFrame(env *extension.Env, frame *msg.Msg) {}
func (Echo) OnStop(env *extension.Env, done func())          { done() }
func (Echo) OnDeinit(env *extension.Env, done func())        { done() }
