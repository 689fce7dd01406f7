// Package js runs script extensions inside pooled v8 isolates.
//
// A script registers commands by calling addCommand. Every run gets a fresh
// v8 context on a pooled isolate, so scripts never see each other's globals.
package js

import (
	"context"
	"fmt"
	"io"
	"log"
	"runtime"
	"sort"
	"sync"
	"time"

	"github.com/carfigures/carfigures"
	"github.com/goccy/go-json"
	"rogchap.com/v8go"
)

var (
	machines     chan *machine
	machinesOnce sync.Once
)

func pool() chan *machine {
	machinesOnce.Do(func() {
		machines = make(chan *machine, runtime.NumCPU())
		for i := 0; i < runtime.NumCPU(); i++ {
			machines <- newMachine()
		}
	})
	return machines
}

type machine struct {
	iso *v8go.Isolate
}

func newMachine() *machine {
	return &machine{
		iso: v8go.NewIsolate(),
	}
}

type Callbacks map[string]func(rc *RunContext, info *v8go.FunctionCallbackInfo) *v8go.Value

// Target is a script and the host functions it can call.
type Target struct {
	Source    string
	Origin    string
	Callbacks Callbacks
	Console   io.Writer
}

// Registration describes a command a script added with addCommand or
// addOwnerCommand.
type Registration struct {
	Name        string
	Description string
	OwnerOnly   bool
}

type registered struct {
	Registration
	fun *v8go.Function
}

type RunContext struct {
	m        *machine
	t        *Target
	vctx     *v8go.Context
	commands map[string]registered
}

func (rc *RunContext) Context() *v8go.Context {
	return rc.vctx
}

func (rc *RunContext) log(format string, args ...any) {
	if rc.t.Console != nil {
		log.New(rc.t.Console, "", 0).Printf(format, args...)
	}
}

func (rc *RunContext) String(s string) *v8go.Value {
	res, err := v8go.NewValue(rc.m.iso, s)
	if err != nil {
		log.Panic(err)
	}
	return res
}

// JSON returns v parsed as a JS value, or throws in the script.
func (rc *RunContext) JSON(v any) *v8go.Value {
	b, err := json.Marshal(v)
	if err != nil {
		return rc.Throw("marshaling %v: %v", v, err)
	}
	res, err := v8go.JSONParse(rc.vctx, string(b))
	if err != nil {
		return rc.Throw("parsing %s: %v", b, err)
	}
	return res
}

func (rc *RunContext) Throw(format string, args ...any) *v8go.Value {
	return rc.m.iso.ThrowException(rc.String(fmt.Sprintf(format, args...)))
}

func addCommandFunc(ownerOnly bool) func(*RunContext, *v8go.FunctionCallbackInfo) *v8go.Value {
	return func(rc *RunContext, info *v8go.FunctionCallbackInfo) *v8go.Value {
		args := info.Args()
		if len(args) == 3 && args[0].IsString() && args[1].IsString() && args[2].IsFunction() {
			fun, err := args[2].AsFunction()
			if err != nil {
				return rc.Throw("trying to cast %v to *v8go.Function: %v", args[2], err)
			}
			name := args[0].String()
			if name == "" {
				return rc.Throw("command name can't be empty")
			}
			if _, found := rc.commands[name]; found {
				return rc.Throw("command %q registered twice", name)
			}
			rc.commands[name] = registered{
				Registration: Registration{
					Name:        name,
					Description: args[1].String(),
					OwnerOnly:   ownerOnly,
				},
				fun: fun,
			}
			return nil
		}
		return rc.Throw("addCommand takes [string, string, function] arguments")
	}
}

func logFunc(w io.Writer) func(*RunContext, *v8go.FunctionCallbackInfo) *v8go.Value {
	return func(rc *RunContext, info *v8go.FunctionCallbackInfo) *v8go.Value {
		anyArgs := []any{}
		for _, arg := range info.Args() {
			stringArg := arg.String()
			if stringArg == "[object Object]" {
				jsonArg, err := v8go.JSONStringify(rc.vctx, arg)
				if err == nil {
					stringArg = jsonArg
				}
			}
			anyArgs = append(anyArgs, stringArg)
		}
		log.New(w, "", 0).Println(anyArgs...)
		return nil
	}
}

func (rc *RunContext) addCallback(
	name string,
	f func(*RunContext, *v8go.FunctionCallbackInfo) *v8go.Value,
) error {
	return carfigures.WithStack(
		rc.vctx.Global().Set(
			name,
			v8go.NewFunctionTemplate(
				rc.m.iso,
				func(info *v8go.FunctionCallbackInfo) *v8go.Value {
					return f(rc, info)
				},
			).GetFunction(rc.vctx),
		),
	)
}

func (rc *RunContext) prepareV8Context() error {
	for name, fun := range rc.t.Callbacks {
		if err := rc.addCallback(name, fun); err != nil {
			return carfigures.WithStack(err)
		}
	}
	if err := rc.addCallback("addCommand", addCommandFunc(false)); err != nil {
		return carfigures.WithStack(err)
	}
	if err := rc.addCallback("addOwnerCommand", addCommandFunc(true)); err != nil {
		return carfigures.WithStack(err)
	}
	if rc.t.Console != nil {
		if err := rc.addCallback("log", logFunc(rc.t.Console)); err != nil {
			return carfigures.WithStack(err)
		}
	}
	return nil
}

var (
	ErrTimeout         = fmt.Errorf("Timeout")
	ErrUnknownCommand  = fmt.Errorf("script did not register command")
	ErrNoRegistrations = fmt.Errorf("script registered no commands")
)

type result struct {
	value *v8go.Value
	err   error
}

func (rc *RunContext) withTimeout(ctx context.Context, f func() (*v8go.Value, error), timeout *time.Duration) (*v8go.Value, error) {
	start := time.Now()
	timer := time.NewTimer(*timeout)
	defer timer.Stop()
	defer func() { *timeout -= time.Since(start) }()

	results := make(chan result, 1)
	go func() {
		val, err := f()
		results <- result{value: val, err: err}
	}()

	select {
	case res := <-results:
		if res.err != nil {
			rc.log("-- error in %q --\n%v\n", rc.t.Origin, res.err)
		}
		return res.value, carfigures.WithStack(res.err)
	case <-ctx.Done():
		rc.m.iso.TerminateExecution()
		<-results
		return nil, carfigures.WithStack(ctx.Err())
	case <-timer.C:
		rc.m.iso.TerminateExecution()
		<-results
		return nil, carfigures.WithStack(ErrTimeout)
	}
}

// run evaluates the script in a fresh context and calls f with the
// resulting registrations before the context is closed.
func (t Target) run(ctx context.Context, timeout time.Duration, f func(rc *RunContext) error) error {
	m := <-pool()
	defer func() { pool() <- m }()

	rc := &RunContext{
		m:        m,
		t:        &t,
		vctx:     v8go.NewContext(m.iso),
		commands: map[string]registered{},
	}
	defer rc.vctx.Close()

	if err := rc.prepareV8Context(); err != nil {
		return carfigures.WithStack(err)
	}
	if _, err := rc.withTimeout(ctx, func() (*v8go.Value, error) {
		return rc.vctx.RunScript(t.Source, t.Origin)
	}, &timeout); err != nil {
		return carfigures.WithStack(err)
	}
	return f(rc)
}

// Compile runs the script and returns the commands it registers, sorted by
// name. A script registering nothing is an error.
func (t Target) Compile(ctx context.Context, timeout time.Duration) ([]Registration, error) {
	result := []Registration{}
	if err := t.run(ctx, timeout, func(rc *RunContext) error {
		for _, reg := range rc.commands {
			result = append(result, reg.Registration)
		}
		return nil
	}); err != nil {
		return nil, err
	}
	if len(result) == 0 {
		return nil, carfigures.WithStack(ErrNoRegistrations)
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].Name < result[j].Name
	})
	return result, nil
}

// Call runs the script, then invokes the registered command with request
// marshaled to JSON as its only argument. A returned string is the reply
// as is, other values are JSON encoded, and null or undefined give "".
func (t Target) Call(ctx context.Context, command string, request any, timeout time.Duration) (string, error) {
	reply := ""
	err := t.run(ctx, timeout, func(rc *RunContext) error {
		reg, found := rc.commands[command]
		if !found {
			return carfigures.WithStack(fmt.Errorf("%w: %q", ErrUnknownCommand, command))
		}
		b, err := json.Marshal(request)
		if err != nil {
			return carfigures.WithStack(err)
		}
		start := time.Now()
		arg, err := v8go.JSONParse(rc.vctx, string(b))
		if err != nil {
			return carfigures.WithStack(err)
		}
		timeout -= time.Since(start)
		val, err := rc.withTimeout(ctx, func() (*v8go.Value, error) {
			return reg.fun.Call(rc.vctx.Global(), arg)
		}, &timeout)
		if err != nil {
			return carfigures.WithStack(err)
		}
		reply, err = stringify(rc, val)
		return err
	})
	return reply, err
}

func stringify(rc *RunContext, val *v8go.Value) (string, error) {
	switch {
	case val == nil || val.IsNullOrUndefined():
		return "", nil
	case val.IsString():
		return val.String(), nil
	default:
		s, err := v8go.JSONStringify(rc.vctx, val)
		return s, carfigures.WithStack(err)
	}
}
