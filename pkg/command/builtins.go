package command

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"chatgate/pkg/bus"
	"chatgate/pkg/plugin"
	"chatgate/pkg/ratelimit"
)

// Limits is the rate limiter surface exposed to admins.
type Limits interface {
	SetUserLimit(userID string, limit int) error
	ClearUserLimit(userID string) bool
	UserLimit(userID string) (int, bool)
	Status(key string) ratelimit.Status
}

// Plugins is the plugin chain surface exposed to admins.
type Plugins interface {
	Register(ctx context.Context, h plugin.Handle) error
	Unregister(ctx context.Context, name string) error
	Reload(ctx context.Context, name string) error
	Handles() []plugin.Info
	Has(name string) bool
}

type Deps struct {
	Limits        Limits
	Plugins       Plugins
	Registry      *plugin.Registry
	PluginOptions func(name string) map[string]any
	Stats         func() string
	ResetMemory   func(ctx context.Context, key bus.ConversationKey) error
}

// RegisterBuiltins installs the standard command set on r.
func RegisterBuiltins(r *Router, deps Deps) {
	r.Handle("help", "help", "show this list", LevelUser, func(_ context.Context, inv Invocation) (string, error) {
		return r.Help(inv.Level), nil
	})

	r.Handle("limit", "limit", "show your permission level and rate limit", LevelUser, func(_ context.Context, inv Invocation) (string, error) {
		msg := fmt.Sprintf("Level: %s (%d)", inv.Level, inv.Level)
		if deps.Limits != nil {
			limit, override := deps.Limits.UserLimit(inv.Event.SenderID)
			suffix := ""
			if override {
				suffix = " (custom)"
			}
			msg += fmt.Sprintf("\nRate limit: %d/s%s", limit, suffix)
		}
		return msg, nil
	})

	if deps.Stats != nil {
		r.Handle("stats", "stats", "show gateway statistics", LevelAdmin, func(context.Context, Invocation) (string, error) {
			return deps.Stats(), nil
		})
	}

	if deps.ResetMemory != nil {
		r.Handle("reset", "reset", "forget this conversation's history", LevelUser, func(ctx context.Context, inv Invocation) (string, error) {
			if err := deps.ResetMemory(ctx, inv.Event.Key); err != nil {
				return "", fmt.Errorf("reset memory: %w", err)
			}
			return "Conversation history cleared.", nil
		})
	}

	if deps.Limits != nil {
		registerRateLimit(r, deps.Limits)
	}
	if deps.Plugins != nil {
		registerPlugins(r, deps)
	}

	perms := r.Permissions()
	r.Handle("op", "op <user>", "grant admin", LevelOwner, func(_ context.Context, inv Invocation) (string, error) {
		target := inv.Arg(0)
		if target == "" {
			return "Usage: " + r.Prefix() + "op <user>", nil
		}
		if !perms.Grant(target) {
			return fmt.Sprintf("%s is already an admin.", target), nil
		}
		return fmt.Sprintf("%s is now an admin.", target), nil
	})
	r.Handle("deop", "deop <user>", "revoke admin", LevelOwner, func(_ context.Context, inv Invocation) (string, error) {
		target := inv.Arg(0)
		if target == "" {
			return "Usage: " + r.Prefix() + "deop <user>", nil
		}
		if !perms.Revoke(target) {
			return fmt.Sprintf("%s is not an admin.", target), nil
		}
		return fmt.Sprintf("%s is no longer an admin.", target), nil
	})
}

func registerRateLimit(r *Router, limits Limits) {
	usage := r.Prefix() + "ratelimit show | set <user> <n> | clear <user>"

	r.Handle("ratelimit", "ratelimit show|set|clear", "inspect or override rate limits", LevelUser, func(_ context.Context, inv Invocation) (string, error) {
		sub := strings.ToLower(inv.Arg(0))
		if sub == "" || sub == "show" {
			status := limits.Status(inv.Event.Key.String())
			msg := fmt.Sprintf("Requests in the last second: %d", status.RequestsLastSecond)
			if status.InCooldown {
				msg += fmt.Sprintf("\nCooling down for %.1fs", status.CooldownRemaining.Seconds())
			}
			return msg, nil
		}

		if inv.Level < LevelAdmin {
			return "Permission denied: changing rate limits requires admin.", nil
		}

		switch sub {
		case "set":
			user, raw := inv.Arg(1), inv.Arg(2)
			n, err := strconv.Atoi(raw)
			if user == "" || err != nil {
				return "Usage: " + usage, nil
			}
			if err := limits.SetUserLimit(user, n); err != nil {
				return err.Error(), nil
			}
			return fmt.Sprintf("Rate limit for %s set to %d/s.", user, n), nil
		case "clear":
			user := inv.Arg(1)
			if user == "" {
				return "Usage: " + usage, nil
			}
			if !limits.ClearUserLimit(user) {
				return fmt.Sprintf("%s has no custom rate limit.", user), nil
			}
			return fmt.Sprintf("Rate limit for %s reset to default.", user), nil
		default:
			return "Usage: " + usage, nil
		}
	})
}

func registerPlugins(r *Router, deps Deps) {
	r.Handle("plugins", "plugins", "list loaded plugins", LevelUser, func(context.Context, Invocation) (string, error) {
		handles := deps.Plugins.Handles()
		if len(handles) == 0 {
			return "No plugins loaded.", nil
		}
		var b strings.Builder
		b.WriteString("Plugins:")
		for _, h := range handles {
			fmt.Fprintf(&b, "\n- %s", h.Name)
			if h.Description != "" {
				fmt.Fprintf(&b, ": %s", h.Description)
			}
		}
		if deps.Registry != nil {
			fmt.Fprintf(&b, "\nAvailable: %s", strings.Join(deps.Registry.Names(), ", "))
		}
		return b.String(), nil
	})

	withName := func(verb string, fn func(ctx context.Context, name string) (string, error)) Handler {
		return func(ctx context.Context, inv Invocation) (string, error) {
			name := inv.Arg(0)
			if name == "" {
				return fmt.Sprintf("Usage: %s%s <plugin>", r.Prefix(), verb), nil
			}
			return fn(ctx, name)
		}
	}

	r.Handle("load", "load <plugin>", "load a plugin", LevelAdmin, withName("load", func(ctx context.Context, name string) (string, error) {
		if deps.Registry == nil {
			return "Plugin loading is not available.", nil
		}
		if deps.Plugins.Has(name) {
			return fmt.Sprintf("Plugin %s is already loaded.", name), nil
		}
		var options map[string]any
		if deps.PluginOptions != nil {
			options = deps.PluginOptions(name)
		}
		h, err := deps.Registry.Build(name, options)
		if err != nil {
			return err.Error(), nil
		}
		if err := deps.Plugins.Register(ctx, h); err != nil {
			return fmt.Sprintf("Failed to load %s: %v", name, err), nil
		}
		return fmt.Sprintf("Plugin %s loaded.", name), nil
	}))

	r.Handle("unload", "unload <plugin>", "unload a plugin", LevelAdmin, withName("unload", func(ctx context.Context, name string) (string, error) {
		if err := deps.Plugins.Unregister(ctx, name); err != nil {
			return fmt.Sprintf("Failed to unload %s: %v", name, err), nil
		}
		return fmt.Sprintf("Plugin %s unloaded.", name), nil
	}))

	r.Handle("reload", "reload <plugin>", "reload a plugin", LevelAdmin, withName("reload", func(ctx context.Context, name string) (string, error) {
		if err := deps.Plugins.Reload(ctx, name); err != nil {
			return fmt.Sprintf("Failed to reload %s: %v", name, err), nil
		}
		return fmt.Sprintf("Plugin %s reloaded.", name), nil
	}))
}
