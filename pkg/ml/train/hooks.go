// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package train

import (
	"iter"
	"sort"

	"github.com/pkg/errors"
)

// Priority for hooks, the lowest values are run first. Defaults to 0, but negative
// values are ok.
type Priority int

// ErrStopTraining can be returned by an OnEpochEnd hook to end training after the current epoch,
// without an error.
var ErrStopTraining = errors.New("stop training")

// OnStartFn is the type of OnStart hooks.
type OnStartFn func(loop *Loop) error

// OnEpochStartFn is the type of OnEpochStart hooks.
type OnEpochStartFn func(loop *Loop, epoch int) error

// OnStepFn is the type of OnStep hooks.
type OnStepFn func(loop *Loop, step StepInfo) error

// OnEpochEndFn is the type of OnEpochEnd hooks.
type OnEpochEndFn func(loop *Loop, result EpochResult) error

// OnEndFn is the type of OnEnd hooks.
type OnEndFn func(loop *Loop, result *Result) error

// hooks registered in a Loop.
type hooks struct {
	onStart      *priorityHooks[*hookWithName[OnStartFn]]
	onEpochStart *priorityHooks[*hookWithName[OnEpochStartFn]]
	onStep       *priorityHooks[*hookWithName[OnStepFn]]
	onEpochEnd   *priorityHooks[*hookWithName[OnEpochEndFn]]
	onEnd        *priorityHooks[*hookWithName[OnEndFn]]
}

func newHooks() hooks {
	return hooks{
		onStart:      newPriorityHooks[*hookWithName[OnStartFn]](),
		onEpochStart: newPriorityHooks[*hookWithName[OnEpochStartFn]](),
		onStep:       newPriorityHooks[*hookWithName[OnStepFn]](),
		onEpochEnd:   newPriorityHooks[*hookWithName[OnEpochEndFn]](),
		onEnd:        newPriorityHooks[*hookWithName[OnEndFn]](),
	}
}

// OnStart adds a hook with given priority and name (for error reporting) to the start of a run,
// after the state is restored (if resuming) and before the first epoch.
func (loop *Loop) OnStart(name string, priority Priority, fn OnStartFn) {
	loop.hooks.onStart.Add(priority, &hookWithName[OnStartFn]{name: name, fn: fn})
}

// OnEpochStart adds a hook with given priority and name (for error reporting) to the start of each epoch.
func (loop *Loop) OnEpochStart(name string, priority Priority, fn OnEpochStartFn) {
	loop.hooks.onEpochStart.Add(priority, &hookWithName[OnEpochStartFn]{name: name, fn: fn})
}

// OnStep adds a hook with given priority and name (for error reporting) to each training step.
// The function `fn` is called after the optimizer step.
func (loop *Loop) OnStep(name string, priority Priority, fn OnStepFn) {
	loop.hooks.onStep.Add(priority, &hookWithName[OnStepFn]{name: name, fn: fn})
}

// OnEpochEnd adds a hook with given priority and name (for error reporting) to the end of each epoch,
// after validation and checkpointing. If fn returns ErrStopTraining, training ends after the epoch.
func (loop *Loop) OnEpochEnd(name string, priority Priority, fn OnEpochEndFn) {
	loop.hooks.onEpochEnd.Add(priority, &hookWithName[OnEpochEndFn]{name: name, fn: fn})
}

// OnEnd adds a hook with given priority and name (for error reporting) to the end of a run.
// It is only called if the run succeeds.
func (loop *Loop) OnEnd(name string, priority Priority, fn OnEndFn) {
	loop.hooks.onEnd.Add(priority, &hookWithName[OnEndFn]{name: name, fn: fn})
}

func (loop *Loop) start() error {
	for hook := range loop.hooks.onStart.All() {
		if err := hook.fn(loop); err != nil {
			return errors.WithMessagef(err, "OnStart(hook %q)", hook.name)
		}
	}
	return nil
}

func (loop *Loop) epochStart(epoch int) error {
	for hook := range loop.hooks.onEpochStart.All() {
		if err := hook.fn(loop, epoch); err != nil {
			return errors.WithMessagef(err, "OnEpochStart(hook %q)", hook.name)
		}
	}
	return nil
}

func (loop *Loop) step(info StepInfo) error {
	for hook := range loop.hooks.onStep.All() {
		if err := hook.fn(loop, info); err != nil {
			return errors.WithMessagef(err, "OnStep(hook %q)", hook.name)
		}
	}
	return nil
}

// epochEnd calls the OnEpochEnd hooks: all hooks are called even if one of them requests to stop.
func (loop *Loop) epochEnd(result EpochResult) (stop bool, err error) {
	for hook := range loop.hooks.onEpochEnd.All() {
		hookErr := hook.fn(loop, result)
		if errors.Is(hookErr, ErrStopTraining) {
			stop = true
			continue
		}
		if hookErr != nil {
			return false, errors.WithMessagef(hookErr, "OnEpochEnd(hook %q)", hook.name)
		}
	}
	return stop, nil
}

func (loop *Loop) end(result *Result) error {
	for hook := range loop.hooks.onEnd.All() {
		if err := hook.fn(loop, result); err != nil {
			return errors.WithMessagef(err, "OnEnd(hook %q)", hook.name)
		}
	}
	return nil
}

// hookWithName stores a hook name and function.
type hookWithName[F any] struct {
	name string
	fn   F
}

// priorityHooks organizes hooks for type F per priority.
type priorityHooks[H any] struct {
	hooks map[Priority][]H
}

func newPriorityHooks[H any]() *priorityHooks[H] {
	return &priorityHooks[H]{
		hooks: make(map[Priority][]H),
	}
}

// Add hook at the given priority.
func (h *priorityHooks[H]) Add(priority Priority, hook H) {
	h.hooks[priority] = append(h.hooks[priority], hook)
}

// All returns an iterator over all registered hooks in priority order.
// Hooks with the same priority are returned in the order they were added.
func (h *priorityHooks[H]) All() iter.Seq[H] {
	return func(yield func(H) bool) {
		keys := make([]Priority, 0, len(h.hooks))
		for key := range h.hooks {
			keys = append(keys, key)
		}
		sort.Slice(keys, func(i, j int) bool {
			return keys[i] < keys[j]
		})
		for _, key := range keys {
			for _, hook := range h.hooks[key] {
				if !yield(hook) {
					return
				}
			}
		}
	}
}
