package command

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"chatgate/pkg/bus"
	"chatgate/pkg/plugin"
)

const DefaultPrefix = "/"

type Level int

const (
	LevelUser  Level = 1
	LevelAdmin Level = 2
	LevelOwner Level = 3
)

func (l Level) String() string {
	switch l {
	case LevelOwner:
		return "owner"
	case LevelAdmin:
		return "admin"
	default:
		return "user"
	}
}

// Permissions resolves a sender's level from the owner and admin lists.
type Permissions struct {
	mu     sync.RWMutex
	owners map[string]bool
	admins map[string]bool
}

func NewPermissions(owners, admins []string) *Permissions {
	p := &Permissions{owners: make(map[string]bool), admins: make(map[string]bool)}
	for _, id := range owners {
		if id = strings.TrimSpace(id); id != "" {
			p.owners[id] = true
		}
	}
	for _, id := range admins {
		if id = strings.TrimSpace(id); id != "" {
			p.admins[id] = true
		}
	}
	return p
}

func (p *Permissions) Level(userID string) Level {
	p.mu.RLock()
	defer p.mu.RUnlock()
	switch {
	case p.owners[userID]:
		return LevelOwner
	case p.admins[userID]:
		return LevelAdmin
	default:
		return LevelUser
	}
}

// Grant makes userID an admin. It reports false when nothing changed.
func (p *Permissions) Grant(userID string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.admins[userID] {
		return false
	}
	p.admins[userID] = true
	return true
}

func (p *Permissions) Revoke(userID string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.admins[userID] {
		return false
	}
	delete(p.admins, userID)
	return true
}

func (p *Permissions) Admins() []string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]string, 0, len(p.admins))
	for id := range p.admins {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// Parse extracts a command from text when it starts with prefix.
func Parse(text, prefix string) (*plugin.Command, bool) {
	if prefix == "" {
		prefix = DefaultPrefix
	}
	text = strings.TrimSpace(text)
	if !strings.HasPrefix(text, prefix) {
		return nil, false
	}

	fields := strings.Fields(strings.TrimPrefix(text, prefix))
	if len(fields) == 0 {
		return nil, false
	}

	return &plugin.Command{
		Name: strings.ToLower(fields[0]),
		Args: fields[1:],
		Raw:  text,
	}, true
}

// Invocation is one command call as seen by a handler.
type Invocation struct {
	Event   bus.InboundEvent
	Command plugin.Command
	Level   Level
}

func (inv Invocation) Arg(i int) string {
	if i < 0 || i >= len(inv.Command.Args) {
		return ""
	}
	return inv.Command.Args[i]
}

type Handler func(ctx context.Context, inv Invocation) (string, error)

type route struct {
	name    string
	usage   string
	help    string
	level   Level
	handler Handler
}

// Router executes built-in commands. Unknown names are left to plugins.
type Router struct {
	prefix string
	perms  *Permissions

	mu     sync.RWMutex
	routes map[string]*route
}

func NewRouter(prefix string, perms *Permissions) *Router {
	if prefix == "" {
		prefix = DefaultPrefix
	}
	if perms == nil {
		perms = NewPermissions(nil, nil)
	}
	return &Router{prefix: prefix, perms: perms, routes: make(map[string]*route)}
}

func (r *Router) Prefix() string { return r.prefix }

func (r *Router) Permissions() *Permissions { return r.perms }

// Handle registers a command. level is the minimum caller level.
func (r *Router) Handle(name, usage, help string, level Level, handler Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.routes[name] = &route{name: name, usage: usage, help: help, level: level, handler: handler}
}

func (r *Router) Has(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.routes[name]
	return ok
}

// Execute runs cmd. found is false when no built-in command has that name.
func (r *Router) Execute(ctx context.Context, ev bus.InboundEvent, cmd plugin.Command) (reply string, found bool, err error) {
	r.mu.RLock()
	rt, ok := r.routes[cmd.Name]
	r.mu.RUnlock()
	if !ok {
		return "", false, nil
	}

	level := r.perms.Level(ev.SenderID)
	if level < rt.level {
		return fmt.Sprintf("Permission denied: /%s requires %s.", rt.name, rt.level), true, nil
	}

	reply, err = rt.handler(ctx, Invocation{Event: ev, Command: cmd, Level: level})
	return reply, true, err
}

// Help lists the commands visible at level.
func (r *Router) Help(level Level) string {
	r.mu.RLock()
	routes := make([]*route, 0, len(r.routes))
	for _, rt := range r.routes {
		if rt.level <= level {
			routes = append(routes, rt)
		}
	}
	r.mu.RUnlock()

	sort.Slice(routes, func(i, j int) bool { return routes[i].name < routes[j].name })

	var b strings.Builder
	b.WriteString("Commands:")
	for _, rt := range routes {
		usage := rt.usage
		if usage == "" {
			usage = rt.name
		}
		fmt.Fprintf(&b, "\n%s%s - %s", r.prefix, usage, rt.help)
	}
	return b.String()
}
