package plugin

import (
	"context"
	"fmt"
	"os"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"
)

const (
	PingName      = "ping"
	AutoReplyName = "autoreply"
)

// Ping answers /ping.
type Ping struct{}

func NewPing() *Ping { return &Ping{} }

func (*Ping) Name() string        { return PingName }
func (*Ping) Description() string { return "replies pong to /ping" }

func (*Ping) HandleCommand(_ context.Context, req *Request) (bool, error) {
	if req.Command == nil || req.Command.Name != "ping" {
		return false, nil
	}
	req.Reply = "pong"
	return true, nil
}

// AutoReplyRule maps a keyword to a canned reply.
type AutoReplyRule struct {
	Keyword string `yaml:"keyword"`
	Reply   string `yaml:"reply"`
	Exact   bool   `yaml:"exact"`
}

// AutoReply answers messages matching keyword rules. Rules come from an
// inline list, a YAML file, or both; the file is re-read on every load.
type AutoReply struct {
	file   string
	inline []AutoReplyRule

	mu    sync.RWMutex
	rules []AutoReplyRule
}

func NewAutoReply(file string, inline []AutoReplyRule) *AutoReply {
	return &AutoReply{file: file, inline: inline, rules: inline}
}

// NewAutoReplyFromOptions reads "rules_file" and "rules" from a plugin
// config block.
func NewAutoReplyFromOptions(options map[string]any) (Handle, error) {
	file, _ := options["rules_file"].(string)

	var inline []AutoReplyRule
	if raw, ok := options["rules"]; ok {
		// Round-trip through YAML to accept the generic decoded shape.
		data, err := yaml.Marshal(raw)
		if err != nil {
			return nil, fmt.Errorf("autoreply rules: %w", err)
		}
		if err := yaml.Unmarshal(data, &inline); err != nil {
			return nil, fmt.Errorf("autoreply rules: %w", err)
		}
	}

	return NewAutoReply(file, inline), nil
}

func (*AutoReply) Name() string        { return AutoReplyName }
func (*AutoReply) Description() string { return "keyword based canned replies" }

func (a *AutoReply) OnLoad(context.Context, Host) error {
	rules := append([]AutoReplyRule(nil), a.inline...)
	if a.file != "" {
		data, err := os.ReadFile(a.file)
		if err != nil {
			return fmt.Errorf("read autoreply rules: %w", err)
		}
		var fromFile []AutoReplyRule
		if err := yaml.Unmarshal(data, &fromFile); err != nil {
			return fmt.Errorf("parse autoreply rules: %w", err)
		}
		rules = append(rules, fromFile...)
	}

	a.mu.Lock()
	a.rules = rules
	a.mu.Unlock()
	return nil
}

func (a *AutoReply) OnUnload(context.Context) error {
	a.mu.Lock()
	a.rules = nil
	a.mu.Unlock()
	return nil
}

func (a *AutoReply) HandleMessage(_ context.Context, req *Request) (bool, error) {
	text := strings.TrimSpace(req.Text)
	if text == "" {
		return false, nil
	}

	a.mu.RLock()
	defer a.mu.RUnlock()

	for _, rule := range a.rules {
		if rule.Keyword == "" {
			continue
		}
		if (rule.Exact && text == rule.Keyword) || (!rule.Exact && strings.Contains(text, rule.Keyword)) {
			req.Reply = rule.Reply
			return true, nil
		}
	}
	return false, nil
}
