// Package handler defines the process-local handler registry, per
// spec.md §4.6: a map from (action_name, action_function) to a
// Handler function invoked by the worker pool.
package handler

import (
	"context"
	"fmt"
)

// Outcome classifies how a handler invocation ended.
type Outcome struct {
	Success   bool
	Retryable bool
	Message   string
	Stdout    string
}

// Handler runs one firing's action. configuration is the opaque
// payload carried on the Firing; deadline bounds the invocation's
// wall-clock budget and is enforced by the caller's context.
type Handler func(ctx context.Context, configuration []byte) (Outcome, error)

// Key identifies a registered handler by the (action_name,
// action_function) pair the scheduler's ScheduledTask rows carry.
type Key struct {
	ActionName     string
	ActionFunction string
}

func (k Key) String() string {
	return fmt.Sprintf("%s/%s", k.ActionName, k.ActionFunction)
}

// Registry is a process-local map built once at startup, mirroring
// the teacher's command.Handler dispatch-by-name pattern generalized
// from slash commands to (action_name, action_function) pairs.
type Registry struct {
	handlers map[Key]Handler
}

func NewRegistry() *Registry {
	return &Registry{handlers: make(map[Key]Handler)}
}

// Register adds or overwrites the handler for key.
func (r *Registry) Register(key Key, h Handler) {
	r.handlers[key] = h
}

// Resolve looks up a handler, reporting ok=false if none is registered.
func (r *Registry) Resolve(key Key) (Handler, bool) {
	h, ok := r.handlers[key]
	return h, ok
}
