package console

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/carfigures/carfigures"
	"github.com/carfigures/carfigures/cache"
	"github.com/carfigures/carfigures/extension"
	"github.com/carfigures/carfigures/ranking"
	"github.com/carfigures/carfigures/spawn"
	"github.com/pkg/errors"
	"github.com/rodaine/table"
)

const (
	defaultTopServers = 10
)

type command struct {
	names       map[string]bool
	owner       bool
	usage       string
	description string
	// failure is the reply when f returns an error.
	failure string
	f       func(c *Console, inv *invocation) error
}

type commands []command

func (c commands) find(name string) (*command, bool) {
	for i := range c {
		if c[i].names[name] {
			return &c[i], true
		}
	}
	return nil, false
}

func m(s ...string) map[string]bool {
	res := map[string]bool{}
	for _, p := range s {
		res[p] = true
	}
	return res
}

func (c *Console) coreCommands() commands {
	return []command{
		{
			names:       m("ping"),
			usage:       "ping",
			description: "Ping!",
			f: func(c *Console, inv *invocation) error {
				c.reply(inv.out, "Pong.")
				return nil
			},
		},
		{
			names:       m("help"),
			usage:       "help",
			description: "List the commands you can use.",
			f: func(c *Console, inv *invocation) error {
				t := table.New("Command", "Description").WithWriter(inv.out)
				for _, entry := range c.tree.Visible(inv.invoker.Owner) {
					t.AddRow(c.appearance.CommandPrefix+entry.Usage, entry.Description)
				}
				t.Print()
				return nil
			},
		},
		{
			names:       m("reloadtree"),
			owner:       true,
			usage:       "reloadtree",
			description: "Publish the current command list to every session.",
			f: func(c *Console, inv *invocation) error {
				c.ReloadTree()
				c.reply(inv.out, "Application commands tree reloaded.")
				return nil
			},
		},
		{
			names:       m("reload"),
			owner:       true,
			usage:       "reload <extension>",
			description: "Load or reload an extension.",
			failure:     "Failed to reload extension.",
			f: func(c *Console, inv *invocation) error {
				if len(inv.args) != 1 {
					c.reply(inv.out, "usage: reload <extension>")
					return nil
				}
				_, err := c.ReloadExtension(inv.ctx, inv.args[0])
				if errors.Is(err, extension.ErrExtensionNotFound) {
					c.reply(inv.out, "Extension not found.")
					return nil
				} else if err != nil {
					return err
				}
				c.reply(inv.out, "Extension reloaded.")
				return nil
			},
		},
		{
			names:       m("unload"),
			owner:       true,
			usage:       "unload <extension>",
			description: "Unload an extension.",
			failure:     "Failed to unload extension.",
			f: func(c *Console, inv *invocation) error {
				if len(inv.args) != 1 {
					c.reply(inv.out, "usage: unload <extension>")
					return nil
				}
				if err := c.UnloadExtension(inv.ctx, inv.args[0]); errors.Is(err, extension.ErrNotLoaded) {
					c.reply(inv.out, "Extension not loaded.")
					return nil
				} else if err != nil {
					return err
				}
				c.reply(inv.out, "Extension unloaded.")
				return nil
			},
		},
		{
			names:       m("extensions"),
			owner:       true,
			usage:       "extensions",
			description: "List known extensions.",
			f: func(c *Console, inv *invocation) error {
				t := table.New("Extension", "Kind", "Loaded", "Commands").WithWriter(inv.out)
				for _, h := range c.registry.Handles() {
					loaded := "no"
					if h.Loaded {
						loaded = h.LoadedAt.Format(time.DateTime)
					}
					t.AddRow(h.Name, h.Kind, loaded, strings.Join(h.Commands, " "))
				}
				t.Print()
				return nil
			},
		},
		{
			names:       m("reloadcache"),
			owner:       true,
			usage:       "reloadcache",
			description: "Reload the cache of database models.",
			failure:     "Failed to reload the database models cache.",
			f: func(c *Console, inv *invocation) error {
				if _, err := c.RefreshCache(inv.ctx); err != nil {
					return err
				}
				c.reply(inv.out, "Database models cache have been reloaded.")
				return nil
			},
		},
		{
			names:       m("analyzedb"),
			owner:       true,
			usage:       "analyzedb",
			description: "Analyze the database, refreshing the counts shown by status.",
			failure:     "Failed to analyze database.",
			f: func(c *Console, inv *invocation) error {
				dur, err := c.Analyze(inv.ctx)
				if err != nil {
					return err
				}
				c.reply(inv.out, "Analyzed database in %dms.", dur.Round(time.Millisecond).Milliseconds())
				return nil
			},
		},
		{
			names:       m("spawn"),
			owner:       true,
			usage:       "spawn [amount] [full name] [#channel]",
			description: fmt.Sprintf("Spawn %s.", c.appearance.CollectiblePlural),
			failure:     "Failed to spawn.",
			f: func(c *Console, inv *invocation) error {
				req, err := c.parseSpawn(inv)
				if err != nil {
					c.reply(inv.out, "%v", err)
					return nil
				}
				_, err = c.Spawn(inv.ctx, req)
				switch {
				case errors.Is(err, spawn.ErrNotFound):
					c.reply(inv.out, "No such %s exists.", c.appearance.CollectibleSingular)
					return nil
				case errors.Is(err, cache.ErrEmptyCache):
					c.reply(inv.out, "No %s can spawn.", c.appearance.CollectiblePlural)
					return nil
				}
				return carfigures.WithStack(err)
			},
		},
		{
			names:       m("topservers"),
			owner:       true,
			usage:       "topservers [amount]",
			description: "List the largest servers by member count.",
			failure:     "Failed to list servers.",
			f: func(c *Console, inv *invocation) error {
				amount := defaultTopServers
				if len(inv.args) > 1 {
					c.reply(inv.out, "usage: topservers [amount]")
					return nil
				} else if len(inv.args) == 1 {
					var err error
					if amount, err = strconv.Atoi(inv.args[0]); err != nil {
						c.reply(inv.out, "usage: topservers [amount]")
						return nil
					}
				}
				guilds, err := c.store.LoadGuilds(inv.ctx)
				if err != nil {
					return err
				}
				return ranking.Render(inv.out, amount, ranking.Top(guilds, amount))
			},
		},
	}
}

// parseSpawn reads [amount] [full name...] [#channel].
func (c *Console) parseSpawn(inv *invocation) (spawn.Request, error) {
	req := spawn.Request{
		Count:   1,
		Channel: inv.invoker.Channel,
	}
	args := inv.args
	if len(args) > 0 {
		if amount, err := strconv.Atoi(args[0]); err == nil {
			if amount < 1 {
				return req, errors.New("Amount must be positive.")
			}
			req.Count = amount
			args = args[1:]
		}
	}
	if len(args) > 0 && strings.HasPrefix(args[len(args)-1], "#") {
		channel := strings.TrimPrefix(args[len(args)-1], "#")
		if !c.hub.Known(channel) {
			return req, errors.New("No such channel.")
		}
		req.Channel = channel
		args = args[:len(args)-1]
	}
	req.Name = strings.Join(args, " ")
	if req.Channel == "" {
		return req, errors.New("Join a channel or name one with #channel.")
	}
	return req, nil
}
