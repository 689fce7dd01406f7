// Package console is the command surface of the bot.
//
// Every line a session sends with the command prefix becomes an invocation
// that moves Received -> Authorized -> Executing -> Succeeded or Failed.
// Operator commands are only visible to owners, everyone else gets the same
// reply as for a command that doesn't exist.
package console

import (
	"context"
	"fmt"
	"io"
	"log"
	"time"

	"github.com/buildkite/shellwords"
	"github.com/carfigures/carfigures"
	"github.com/carfigures/carfigures/cache"
	"github.com/carfigures/carfigures/extension"
	"github.com/carfigures/carfigures/metrics"
	"github.com/carfigures/carfigures/spawn"
	"github.com/carfigures/carfigures/storage"
	"github.com/carfigures/carfigures/structs"
	"github.com/pkg/errors"
)

// Store is the part of the persistent store the console uses.
type Store interface {
	spawn.Finder
	Analyze(ctx context.Context) (time.Duration, error)
	LoadGuilds(ctx context.Context) ([]*structs.Guild, error)
	LoadAdmin(ctx context.Context, username string) (*structs.Admin, error)
	AuditLog(ctx context.Context, event string, data storage.AuditData)
}

// Invoker is who sent a command, and from where.
type Invoker struct {
	Name    string
	Owner   bool
	Channel string
}

type State int

const (
	Received State = iota
	Authorized
	Executing
	Succeeded
	Failed
	// Rejected ends invocations that were never authorized.
	Rejected
)

func (s State) String() string {
	switch s {
	case Received:
		return "received"
	case Authorized:
		return "authorized"
	case Executing:
		return "executing"
	case Succeeded:
		return "succeeded"
	case Failed:
		return "failed"
	case Rejected:
		return "rejected"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

var transitions = map[State]map[State]bool{
	Received:   {Authorized: true, Rejected: true},
	Authorized: {Executing: true},
	Executing:  {Succeeded: true, Failed: true},
}

type invocation struct {
	ctx     context.Context
	invoker *Invoker
	name    string
	line    string
	args    []string
	out     io.Writer
	state   State
}

func (i *invocation) advance(to State) {
	if !transitions[i.state][to] {
		log.Panicf("invalid invocation transition %v -> %v", i.state, to)
	}
	i.state = to
}

type Options struct {
	Registry   *extension.Registry
	Cache      *cache.Store
	Store      Store
	Hub        *Hub
	Metrics    *metrics.Metrics
	Appearance structs.Appearance
	// Owners are the admin usernames allowed to run operator commands. An
	// empty list makes every admin an owner.
	Owners []string
}

// Console owns the registry and cache on behalf of every session.
type Console struct {
	registry   *extension.Registry
	cache      *cache.Store
	store      Store
	hub        *Hub
	metrics    *metrics.Metrics
	appearance structs.Appearance
	owners     map[string]bool

	spawner *spawn.Spawner
	tree    *Tree
	ops     *carfigures.KeyLock[string]
	core    commands
}

// New creates a console and reserves the core command names in the
// registry, so it must run before extensions are loaded.
func New(opts Options) *Console {
	c := &Console{
		registry:   opts.Registry,
		cache:      opts.Cache,
		store:      opts.Store,
		hub:        opts.Hub,
		metrics:    opts.Metrics,
		appearance: opts.Appearance,
		owners:     map[string]bool{},
		tree:       newTree(),
		ops:        carfigures.NewKeyLock[string](),
	}
	for _, owner := range opts.Owners {
		c.owners[owner] = true
	}
	if c.metrics == nil {
		c.metrics = metrics.New()
	}
	c.spawner = &spawn.Spawner{
		Finder: c.store,
		Picker: c.cache,
		Sink:   countingSink{sink: c.hub, metrics: c.metrics},
	}
	c.core = c.coreCommands()
	for _, cmd := range c.core {
		for name := range cmd.names {
			c.registry.Reserve(name)
		}
	}
	c.ReloadTree()
	return c
}

type countingSink struct {
	sink    spawn.Sink
	metrics *metrics.Metrics
}

func (c countingSink) Deliver(ctx context.Context, instance *spawn.Instance) error {
	if err := c.sink.Deliver(ctx, instance); err != nil {
		return err
	}
	c.metrics.Spawned.Inc()
	return nil
}

func (c *Console) Tree() *Tree {
	return c.tree
}

// IsOwner reports whether the admin username may run operator commands.
func (c *Console) IsOwner(username string) bool {
	return len(c.owners) == 0 || c.owners[username]
}

// ReloadTree publishes the current core and extension commands.
func (c *Console) ReloadTree() {
	c.ops.WithLock("reloadtree", func() {
		entries := []TreeEntry{}
		for _, cmd := range c.core {
			for name := range cmd.names {
				entries = append(entries, TreeEntry{
					Name:        name,
					Usage:       cmd.usage,
					Description: cmd.description,
					OwnerOnly:   cmd.owner,
				})
			}
		}
		for _, cmd := range c.registry.Commands() {
			entries = append(entries, TreeEntry{
				Name:        cmd.Name,
				Usage:       cmd.Name,
				Description: cmd.Description,
				OwnerOnly:   cmd.OwnerOnly,
				Extension:   cmd.Extension,
			})
		}
		c.tree.publish(entries)
	})
}

// ReloadExtension loads or reloads name. Concurrent calls for the same
// extension run one at a time, and cancellation of ctx is ignored so a
// reload is never abandoned halfway.
func (c *Console) ReloadExtension(ctx context.Context, name string) (extension.Outcome, error) {
	name = extension.Normalize(name)
	ctx = context.WithoutCancel(ctx)
	var outcome extension.Outcome
	var err error
	c.ops.WithLock("reload:"+name, func() {
		outcome, err = c.registry.Reload(ctx, name)
	})
	audit := storage.AuditReload{Extension: name, Outcome: outcome.String()}
	label := name
	switch {
	case errors.Is(err, extension.ErrExtensionNotFound):
		audit.Outcome = "not_found"
		label = "unknown"
	case err != nil:
		audit.Outcome = "failed"
		audit.Error = err.Error()
	}
	c.metrics.Reloads.WithLabelValues(label, audit.Outcome).Inc()
	c.store.AuditLog(ctx, "EXTENSION_RELOAD", audit)
	return outcome, err
}

// LoadExtensions loads every available extension through ReloadExtension.
// It returns the names that failed.
func (c *Console) LoadExtensions(ctx context.Context) []string {
	failed := []string{}
	for _, name := range c.registry.Available() {
		if _, err := c.ReloadExtension(ctx, name); err != nil {
			log.Printf("loading extension %q: %v", name, err)
			log.Println(carfigures.StackTrace(err))
			failed = append(failed, name)
		}
	}
	return failed
}

// UnloadExtension removes name from the registry.
func (c *Console) UnloadExtension(ctx context.Context, name string) error {
	name = extension.Normalize(name)
	var err error
	c.ops.WithLock("reload:"+name, func() {
		err = c.registry.Unload(name)
	})
	audit := storage.AuditReload{Extension: name, Outcome: "unloaded"}
	if err != nil {
		audit.Outcome = "failed"
		audit.Error = err.Error()
	}
	c.metrics.Reloads.WithLabelValues(name, audit.Outcome).Inc()
	c.store.AuditLog(ctx, "EXTENSION_UNLOAD", audit)
	return err
}

// RefreshCache rebuilds the model cache. Like ReloadExtension it ignores
// cancellation of ctx.
func (c *Console) RefreshCache(ctx context.Context) (*cache.Generation, error) {
	ctx = context.WithoutCancel(ctx)
	var gen *cache.Generation
	var err error
	c.ops.WithLock("reloadcache", func() {
		gen, err = c.cache.Refresh(ctx)
	})
	audit := storage.AuditCacheRefresh{}
	if err != nil {
		audit.Error = err.Error()
		audit.Generation = c.cache.Generation().Number
	} else {
		audit.Generation = gen.Number
		audit.Records = gen.Len()
		c.metrics.CacheGeneration.Set(float64(gen.Number))
		c.metrics.CacheRecords.Set(float64(gen.Len()))
	}
	c.store.AuditLog(ctx, "CACHE_REFRESH", audit)
	return gen, err
}

// Analyze refreshes the statistics of the store.
func (c *Console) Analyze(ctx context.Context) (time.Duration, error) {
	var dur time.Duration
	var err error
	c.ops.WithLock("analyzedb", func() {
		dur, err = c.store.Analyze(ctx)
	})
	audit := storage.AuditAnalyze{Millis: dur.Milliseconds()}
	if err != nil {
		audit.Error = err.Error()
	}
	c.store.AuditLog(ctx, "DATABASE_ANALYZE", audit)
	return dur, err
}

// Spawn delivers instances as described by req.
func (c *Console) Spawn(ctx context.Context, req spawn.Request) (int, error) {
	n, err := c.spawner.Spawn(ctx, req)
	audit := storage.AuditSpawn{Channel: req.Channel, Count: n, Name: req.Name}
	if err != nil {
		audit.Error = err.Error()
	}
	c.store.AuditLog(ctx, "SPAWN", audit)
	return n, err
}

func (c *Console) reply(out io.Writer, format string, args ...any) {
	fmt.Fprintf(out, format+"\n", args...)
}

// Dispatch runs one command line (without the command prefix) and returns
// the state the invocation ended in.
func (c *Console) Dispatch(ctx context.Context, invoker *Invoker, line string, out io.Writer) State {
	inv := &invocation{
		ctx:     storage.SetActor(ctx, invoker.Name),
		invoker: invoker,
		line:    line,
		out:     out,
		state:   Received,
	}
	words, err := shellwords.SplitPosix(line)
	if err != nil {
		inv.advance(Rejected)
		c.reply(out, "Unable to parse command: %v", err)
		c.metrics.Commands.WithLabelValues("unparsable", inv.state.String()).Inc()
		return inv.state
	}
	if len(words) == 0 {
		inv.advance(Rejected)
		return inv.state
	}
	inv.name, inv.args = words[0], words[1:]

	label := inv.name
	var run func(*invocation) error
	failure := "Something went wrong."
	if cmd, isCore := c.core.find(inv.name); isCore {
		if !cmd.owner || invoker.Owner {
			run = func(inv *invocation) error {
				return cmd.f(c, inv)
			}
			if cmd.failure != "" {
				failure = cmd.failure
			}
		}
	} else if ext, found := c.registry.Lookup(inv.name); found && (!ext.OwnerOnly || invoker.Owner) {
		run = func(inv *invocation) error {
			res, err := ext.F(inv.ctx, &extension.Request{
				Invoker: invoker.Name,
				Owner:   invoker.Owner,
				Channel: invoker.Channel,
				Line:    line,
				Args:    inv.args,
			})
			if err != nil {
				return err
			}
			if res != "" {
				c.reply(inv.out, "%s", res)
			}
			return nil
		}
		failure = "Command failed."
	}
	if run == nil {
		inv.advance(Rejected)
		c.reply(out, "Unknown command: %q", inv.name)
		c.metrics.Commands.WithLabelValues("unknown", inv.state.String()).Inc()
		return inv.state
	}

	inv.advance(Authorized)
	inv.advance(Executing)
	start := time.Now()
	if err := c.execute(inv, run); err != nil {
		inv.advance(Failed)
		log.Printf("%s by %q failed: %v", inv.name, invoker.Name, err)
		log.Println(carfigures.StackTrace(err))
		c.reply(out, "%s", failure)
	} else {
		inv.advance(Succeeded)
	}
	c.metrics.CommandDuration.WithLabelValues(label).Observe(time.Since(start).Seconds())
	c.metrics.Commands.WithLabelValues(label, inv.state.String()).Inc()
	return inv.state
}

func (c *Console) execute(inv *invocation, run func(*invocation) error) (err error) {
	defer func() {
		if e := recover(); e != nil {
			err = errors.Errorf("panic: %v", e)
		}
	}()
	return run(inv)
}
