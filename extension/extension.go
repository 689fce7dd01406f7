// Package extension keeps the set of loaded extensions and swaps a single
// extension's commands at runtime.
//
// The loaded set is an immutable snapshot behind an atomic pointer. A reload
// builds the new extension completely and then publishes a new snapshot,
// so dispatch either sees the old commands or the new ones.
package extension

import (
	"context"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"regexp"
	"sort"
	"strings"
	"sync/atomic"
	"time"

	"github.com/carfigures/carfigures"
	"github.com/carfigures/carfigures/js"
	"github.com/carfigures/carfigures/js/imports"
	"github.com/pkg/errors"
)

var (
	ErrExtensionNotFound = errors.New("extension not found")
	ErrNotLoaded         = errors.New("extension not loaded")
	ErrCommandCollision  = errors.New("command already provided")
	ErrReservedCommand   = errors.New("command name reserved")
)

// ReloadFailedError is returned when an extension was found but building or
// publishing it failed. The registry is unchanged when it is returned.
type ReloadFailedError struct {
	Name string
	Err  error
}

func (r *ReloadFailedError) Error() string {
	return fmt.Sprintf("reloading %q: %v", r.Name, r.Err)
}

func (r *ReloadFailedError) Unwrap() error {
	return r.Err
}

type Kind string

const (
	Builtin Kind = "builtin"
	Script  Kind = "script"
)

type Outcome int

const (
	Reloaded Outcome = iota
	Loaded
)

func (o Outcome) String() string {
	switch o {
	case Reloaded:
		return "reloaded"
	case Loaded:
		return "loaded"
	}
	return fmt.Sprintf("Outcome(%d)", int(o))
}

// Request is one invocation of an extension command.
type Request struct {
	Invoker string
	Owner   bool
	Channel string
	Line    string
	Args    []string
}

type Command struct {
	Name        string
	Description string
	OwnerOnly   bool
	// Extension is filled in by the registry.
	Extension string
	F         func(ctx context.Context, req *Request) (string, error)
}

// Factory builds a fresh set of commands for a builtin extension.
type Factory func(ctx context.Context) ([]*Command, error)

// Extension is one loaded handler-set.
type Extension struct {
	Name     string
	Kind     Kind
	LoadedAt time.Time
	Commands map[string]*Command
	// Source is the resolved script for script extensions.
	Source string
}

func (e *Extension) commandNames() []string {
	result := make([]string, 0, len(e.Commands))
	for name := range e.Commands {
		result = append(result, name)
	}
	sort.Strings(result)
	return result
}

// Handle is the visible state of a known extension.
type Handle struct {
	Name     string
	Kind     Kind
	Loaded   bool
	LoadedAt time.Time
	Commands []string
}

type snapshot struct {
	loaded   map[string]*Extension
	commands map[string]*Command
}

func (s *snapshot) with(ext *Extension) *snapshot {
	next := &snapshot{
		loaded:   make(map[string]*Extension, len(s.loaded)+1),
		commands: make(map[string]*Command, len(s.commands)+len(ext.Commands)),
	}
	for name, loaded := range s.loaded {
		if name != ext.Name {
			next.add(loaded)
		}
	}
	next.add(ext)
	return next
}

func (s *snapshot) without(name string) *snapshot {
	next := &snapshot{
		loaded:   make(map[string]*Extension, len(s.loaded)),
		commands: make(map[string]*Command, len(s.commands)),
	}
	for loadedName, loaded := range s.loaded {
		if loadedName != name {
			next.add(loaded)
		}
	}
	return next
}

func (s *snapshot) add(ext *Extension) {
	s.loaded[ext.Name] = ext
	for name, cmd := range ext.Commands {
		s.commands[name] = cmd
	}
}

// collision returns the name of another loaded extension providing one of
// ext's commands.
func (s *snapshot) collision(ext *Extension) (string, string, bool) {
	for _, name := range ext.commandNames() {
		if other, found := s.commands[name]; found && other.Extension != ext.Name {
			return name, other.Extension, true
		}
	}
	return "", "", false
}

type resolution int

const (
	unknown resolution = iota
	notLoaded
	alreadyLoaded
)

var validName = regexp.MustCompile(`^[a-z0-9_]+$`)

const (
	scriptSuffix         = ".js"
	defaultScriptTimeout = 2 * time.Second
)

type Option func(*Registry)

func WithBuiltin(name string, factory Factory) Option {
	return func(r *Registry) {
		r.builtins[name] = factory
	}
}

// WithScriptDir makes every <dir>/<name>.js a script extension.
func WithScriptDir(dir string) Option {
	return func(r *Registry) {
		r.scripts = os.DirFS(dir)
	}
}

// WithScriptFS is WithScriptDir for an arbitrary file system.
func WithScriptFS(fsys fs.FS) Option {
	return func(r *Registry) {
		r.scripts = fsys
	}
}

func WithScriptTimeout(timeout time.Duration) Option {
	return func(r *Registry) {
		r.scriptTimeout = timeout
	}
}

// WithCallbacks exposes host functions to every script extension.
func WithCallbacks(callbacks js.Callbacks) Option {
	return func(r *Registry) {
		for name, f := range callbacks {
			r.callbacks[name] = f
		}
	}
}

// WithConsole sends script log output to w.
func WithConsole(w io.Writer) Option {
	return func(r *Registry) {
		r.console = w
	}
}

type Registry struct {
	builtins      map[string]Factory
	scripts       fs.FS
	scriptTimeout time.Duration
	callbacks     js.Callbacks
	console       io.Writer
	reserved      map[string]bool

	locks   *carfigures.KeyLock[string]
	current atomic.Pointer[snapshot]
}

func New(opts ...Option) *Registry {
	r := &Registry{
		builtins:      map[string]Factory{},
		scriptTimeout: defaultScriptTimeout,
		callbacks:     js.Callbacks{},
		reserved:      map[string]bool{},
		locks:         carfigures.NewKeyLock[string](),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.current.Store(&snapshot{
		loaded:   map[string]*Extension{},
		commands: map[string]*Command{},
	})
	return r
}

// Reserve stops extensions from providing the given command names.
// It must be called before any extension is loaded.
func (r *Registry) Reserve(names ...string) {
	for _, name := range names {
		r.reserved[name] = true
	}
}

// Normalize strips the package prefix from name.
func Normalize(name string) string {
	return strings.TrimPrefix(strings.TrimSpace(name), carfigures.PackagePrefix)
}

func (r *Registry) scriptPath(name string) string {
	return name + scriptSuffix
}

func (r *Registry) scriptExists(name string) bool {
	if r.scripts == nil {
		return false
	}
	info, err := fs.Stat(r.scripts, r.scriptPath(name))
	return err == nil && !info.IsDir()
}

func (r *Registry) resolve(name string) resolution {
	if _, found := r.current.Load().loaded[name]; found {
		return alreadyLoaded
	}
	if !validName.MatchString(name) {
		return unknown
	}
	if _, found := r.builtins[name]; found {
		return notLoaded
	}
	if r.scriptExists(name) {
		return notLoaded
	}
	return unknown
}

// Reload loads name if it isn't loaded, or replaces its commands if it is.
// Names may carry the package prefix.
func (r *Registry) Reload(ctx context.Context, name string) (Outcome, error) {
	name = Normalize(name)
	r.locks.Lock(name)
	defer r.locks.Unlock(name)

	var outcome Outcome
	switch r.resolve(name) {
	case unknown:
		return 0, errors.Wrap(ErrExtensionNotFound, name)
	case notLoaded:
		outcome = Loaded
	case alreadyLoaded:
		outcome = Reloaded
	}

	ext, err := r.build(ctx, name)
	if err != nil {
		return 0, &ReloadFailedError{Name: name, Err: carfigures.WithStack(err)}
	}
	if err := r.publish(ext); err != nil {
		return 0, &ReloadFailedError{Name: name, Err: carfigures.WithStack(err)}
	}
	return outcome, nil
}

func (r *Registry) build(ctx context.Context, name string) (*Extension, error) {
	ext := &Extension{
		Name:     name,
		LoadedAt: time.Now(),
		Commands: map[string]*Command{},
	}
	var commands []*Command
	if factory, found := r.builtins[name]; found {
		ext.Kind = Builtin
		var err error
		if commands, err = factory(ctx); err != nil {
			return nil, err
		}
	} else {
		ext.Kind = Script
		var err error
		if commands, ext.Source, err = r.compile(ctx, name); err != nil {
			return nil, err
		}
	}
	if len(commands) == 0 {
		return nil, errors.Errorf("extension %q provides no commands", name)
	}
	for _, cmd := range commands {
		if r.reserved[cmd.Name] {
			return nil, errors.Wrap(ErrReservedCommand, cmd.Name)
		}
		if _, found := ext.Commands[cmd.Name]; found {
			return nil, errors.Wrapf(ErrCommandCollision, "%q twice in %q", cmd.Name, name)
		}
		cp := *cmd
		cp.Extension = name
		ext.Commands[cp.Name] = &cp
	}
	return ext, nil
}

type scriptRequest struct {
	Invoker string   `json:"invoker"`
	Owner   bool     `json:"owner"`
	Channel string   `json:"channel"`
	Line    string   `json:"line"`
	Args    []string `json:"args"`
}

func (r *Registry) compile(ctx context.Context, name string) ([]*Command, string, error) {
	resolved, err := imports.Resolve(r.scripts, r.scriptPath(name))
	if err != nil {
		return nil, "", err
	}
	target := js.Target{
		Source:    resolved.Source,
		Origin:    path.Join(name, r.scriptPath(name)),
		Callbacks: r.callbacks,
		Console:   r.console,
	}
	regs, err := target.Compile(ctx, r.scriptTimeout)
	if err != nil {
		return nil, "", err
	}
	timeout := r.scriptTimeout
	result := make([]*Command, 0, len(regs))
	for _, reg := range regs {
		commandName := reg.Name
		result = append(result, &Command{
			Name:        reg.Name,
			Description: reg.Description,
			OwnerOnly:   reg.OwnerOnly,
			F: func(ctx context.Context, req *Request) (string, error) {
				return target.Call(ctx, commandName, scriptRequest{
					Invoker: req.Invoker,
					Owner:   req.Owner,
					Channel: req.Channel,
					Line:    req.Line,
					Args:    req.Args,
				}, timeout)
			},
		})
	}
	return result, resolved.Source, nil
}

func (r *Registry) publish(ext *Extension) error {
	for {
		old := r.current.Load()
		if command, other, found := old.collision(ext); found {
			return errors.Wrapf(ErrCommandCollision, "%q by %q", command, other)
		}
		if r.current.CompareAndSwap(old, old.with(ext)) {
			return nil
		}
	}
}

// Unload removes name and its commands.
func (r *Registry) Unload(name string) error {
	name = Normalize(name)
	r.locks.Lock(name)
	defer r.locks.Unlock(name)
	for {
		old := r.current.Load()
		if _, found := old.loaded[name]; !found {
			return errors.Wrap(ErrNotLoaded, name)
		}
		if r.current.CompareAndSwap(old, old.without(name)) {
			return nil
		}
	}
}

// Available returns every extension name that could be loaded, sorted.
func (r *Registry) Available() []string {
	names := map[string]bool{}
	for name := range r.builtins {
		names[name] = true
	}
	if r.scripts != nil {
		if entries, err := fs.ReadDir(r.scripts, "."); err == nil {
			for _, entry := range entries {
				name, isScript := strings.CutSuffix(entry.Name(), scriptSuffix)
				if isScript && !entry.IsDir() && validName.MatchString(name) {
					names[name] = true
				}
			}
		}
	}
	for name := range r.current.Load().loaded {
		names[name] = true
	}
	result := make([]string, 0, len(names))
	for name := range names {
		result = append(result, name)
	}
	sort.Strings(result)
	return result
}

// Get returns the loaded handler-set for name.
func (r *Registry) Get(name string) (*Extension, bool) {
	ext, found := r.current.Load().loaded[Normalize(name)]
	return ext, found
}

// Lookup finds the loaded command with the given name.
func (r *Registry) Lookup(command string) (*Command, bool) {
	cmd, found := r.current.Load().commands[command]
	return cmd, found
}

// Commands returns every loaded command, sorted by name.
func (r *Registry) Commands() []*Command {
	snap := r.current.Load()
	result := make([]*Command, 0, len(snap.commands))
	for _, cmd := range snap.commands {
		result = append(result, cmd)
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].Name < result[j].Name
	})
	return result
}

// Handles describes every available extension and whether it is loaded.
func (r *Registry) Handles() []Handle {
	snap := r.current.Load()
	result := []Handle{}
	for _, name := range r.Available() {
		h := Handle{Name: name, Kind: Script}
		if _, found := r.builtins[name]; found {
			h.Kind = Builtin
		}
		if ext, found := snap.loaded[name]; found {
			h.Kind = ext.Kind
			h.Loaded = true
			h.LoadedAt = ext.LoadedAt
			h.Commands = ext.commandNames()
		}
		result = append(result, h)
	}
	return result
}

// Loaded returns the handles of the loaded extensions.
func (r *Registry) Loaded() []Handle {
	result := []Handle{}
	for _, h := range r.Handles() {
		if h.Loaded {
			result = append(result, h)
		}
	}
	return result
}
