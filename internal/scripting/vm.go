// Package scripting evaluates user-written stop conditions in a sandboxed
// JavaScript runtime.
package scripting

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/dop251/goja"
)

// LogEntry is a single log line written by a script.
type LogEntry struct {
	Time    time.Time `json:"time"`
	Message string    `json:"message"`
}

// VM wraps a goja runtime with sandbox restrictions and injected helpers.
type VM struct {
	runtime *goja.Runtime
	mu      sync.Mutex

	logs    []LogEntry
	logsMu  sync.Mutex
	maxLogs int

	// stopRequested is set when the script calls stop().
	stopRequested bool
}

const (
	scriptInitTimeout = 2 * time.Second
	scriptEvalTimeout = 250 * time.Millisecond
)

// NewVM creates a sandboxed runtime.
func NewVM() *VM {
	vm := &VM{
		runtime: goja.New(),
		maxLogs: 200,
	}
	vm.injectGlobalFunctions()
	return vm
}

// injectGlobalFunctions registers log, console.log and stop.
func (vm *VM) injectGlobalFunctions() {
	vm.runtime.Set("log", func(call goja.FunctionCall) goja.Value {
		parts := make([]string, len(call.Arguments))
		for i, arg := range call.Arguments {
			parts[i] = arg.String()
		}

		vm.logsMu.Lock()
		if len(vm.logs) >= vm.maxLogs {
			vm.logs = vm.logs[1:]
		}
		vm.logs = append(vm.logs, LogEntry{Time: time.Now(), Message: strings.Join(parts, " ")})
		vm.logsMu.Unlock()

		return goja.Undefined()
	})

	console := vm.runtime.NewObject()
	console.Set("log", vm.runtime.Get("log"))
	vm.runtime.Set("console", console)

	// stop() ends the session at the next check, whatever the expression returns
	vm.runtime.Set("stop", func(call goja.FunctionCall) goja.Value {
		vm.stopRequested = true
		return goja.Undefined()
	})

	// Block dangerous globals.
	vm.runtime.Set("require", goja.Undefined())
	vm.runtime.Set("fetch", goja.Undefined())
	vm.runtime.Set("XMLHttpRequest", goja.Undefined())
	vm.runtime.Set("eval", goja.Undefined())
	vm.runtime.Set("Function", goja.Undefined())
}

// Execute runs source once, for scripts that define helper functions.
func (vm *VM) Execute(source string) error {
	return vm.runWithTimeout(scriptInitTimeout, func() error {
		vm.mu.Lock()
		defer vm.mu.Unlock()
		if _, err := vm.runtime.RunString(source); err != nil {
			return fmt.Errorf("script execution error: %w", err)
		}
		return nil
	})
}

// Evaluate sets vars as globals and runs a compiled program, returning its
// truthiness. A stop() call during the run also yields true.
func (vm *VM) Evaluate(prog *goja.Program, vars map[string]any) (bool, error) {
	var out bool
	err := vm.runWithTimeout(scriptEvalTimeout, func() error {
		vm.mu.Lock()
		defer vm.mu.Unlock()
		for k, v := range vars {
			if err := vm.runtime.Set(k, v); err != nil {
				return fmt.Errorf("set %s: %w", k, err)
			}
		}
		v, err := vm.runtime.RunProgram(prog)
		if err != nil {
			return fmt.Errorf("stop condition error: %w", err)
		}
		out = v.ToBoolean() || vm.stopRequested
		return nil
	})
	return out, err
}

// IsStopRequested reports whether stop() has been called.
func (vm *VM) IsStopRequested() bool {
	vm.mu.Lock()
	defer vm.mu.Unlock()
	return vm.stopRequested
}

// Logs returns a copy of the log buffer.
func (vm *VM) Logs() []LogEntry {
	vm.logsMu.Lock()
	defer vm.logsMu.Unlock()
	out := make([]LogEntry, len(vm.logs))
	copy(out, vm.logs)
	return out
}

func (vm *VM) runWithTimeout(timeout time.Duration, fn func() error) error {
	done := make(chan error, 1)
	go func() {
		done <- fn()
	}()

	select {
	case err := <-done:
		return err
	case <-time.After(timeout):
		vm.runtime.Interrupt("script execution timeout")
		select {
		case err := <-done:
			vm.runtime.ClearInterrupt()
			if err != nil {
				return fmt.Errorf("script timed out: %w", err)
			}
			return fmt.Errorf("script timed out")
		case <-time.After(200 * time.Millisecond):
			return fmt.Errorf("script timed out")
		}
	}
}
