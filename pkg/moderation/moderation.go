package moderation

import (
	"fmt"
	"log/slog"
	"os"
	"regexp"
	"strings"
	"sync"
	"sync/atomic"

	"gopkg.in/yaml.v3"
)

const (
	BlockedByBlacklist = "blacklist"
	BlockedByPattern   = "pattern"
)

// DefaultPatterns flag phone numbers, national ID numbers and e-mail addresses.
var DefaultPatterns = []string{
	`1[3-9]\d{9}`,
	`\d{17}[\dXx]`,
	`[a-zA-Z0-9._%+-]+@[a-zA-Z0-9.-]+\.[a-zA-Z]{2,}`,
}

// Rules is the on-disk ruleset format.
type Rules struct {
	Blacklist []string `yaml:"blacklist" json:"blacklist"`
	Whitelist []string `yaml:"whitelist" json:"whitelist"`
	Patterns  []string `yaml:"patterns" json:"patterns"`
}

// DefaultRules returns a ruleset with only the default patterns.
func DefaultRules() Rules {
	return Rules{Patterns: append([]string(nil), DefaultPatterns...)}
}

// LoadRules reads a YAML ruleset.
func LoadRules(path string) (Rules, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Rules{}, fmt.Errorf("read moderation rules %s: %w", path, err)
	}

	var rules Rules
	if err := yaml.Unmarshal(data, &rules); err != nil {
		return Rules{}, fmt.Errorf("parse moderation rules %s: %w", path, err)
	}
	return rules, nil
}

// Merge concatenates two rulesets. Duplicates are harmless.
func Merge(a, b Rules) Rules {
	return Rules{
		Blacklist: append(append([]string(nil), a.Blacklist...), b.Blacklist...),
		Whitelist: append(append([]string(nil), a.Whitelist...), b.Whitelist...),
		Patterns:  append(append([]string(nil), a.Patterns...), b.Patterns...),
	}
}

type Verdict struct {
	Safe      bool   `json:"safe"`
	Reason    string `json:"reason,omitempty"`
	BlockedBy string `json:"blocked_by,omitempty"`
	Match     string `json:"match,omitempty"`
}

type Stats struct {
	Checks    uint64 `json:"checks"`
	Blocked   uint64 `json:"blocked"`
	Filtered  uint64 `json:"filtered"`
	Blacklist int    `json:"blacklist"`
	Whitelist int    `json:"whitelist"`
	Patterns  int    `json:"patterns"`
}

type compiled struct {
	blacklist []string
	whitelist []string
	patterns  []*regexp.Regexp
}

// Moderator classifies and masks message text. Rulesets are swapped
// atomically so checks never see a half-applied reload.
type Moderator struct {
	log *slog.Logger

	mu    sync.RWMutex
	rules compiled

	checks   atomic.Uint64
	blocked  atomic.Uint64
	filtered atomic.Uint64
}

func New(rules Rules, logger *slog.Logger) (*Moderator, error) {
	if logger == nil {
		logger = slog.Default()
	}

	m := &Moderator{log: logger.With("component", "moderation")}
	if err := m.Replace(rules); err != nil {
		return nil, err
	}
	return m, nil
}

// Replace compiles rules and swaps them in. Invalid patterns reject the whole set.
func (m *Moderator) Replace(rules Rules) error {
	next := compiled{
		blacklist: nonEmpty(rules.Blacklist),
		whitelist: nonEmpty(rules.Whitelist),
	}
	for _, pattern := range rules.Patterns {
		if strings.TrimSpace(pattern) == "" {
			continue
		}
		re, err := regexp.Compile(pattern)
		if err != nil {
			return fmt.Errorf("compile moderation pattern %q: %w", pattern, err)
		}
		next.patterns = append(next.patterns, re)
	}

	m.mu.Lock()
	m.rules = next
	m.mu.Unlock()

	m.log.Info("Moderation rules loaded",
		"blacklist", len(next.blacklist),
		"whitelist", len(next.whitelist),
		"patterns", len(next.patterns),
	)
	return nil
}

// Check applies whitelist, then blacklist, then patterns.
func (m *Moderator) Check(text string) Verdict {
	m.checks.Add(1)

	m.mu.RLock()
	rules := m.rules
	m.mu.RUnlock()

	for _, keyword := range rules.whitelist {
		if strings.Contains(text, keyword) {
			return Verdict{Safe: true}
		}
	}

	for _, keyword := range rules.blacklist {
		if strings.Contains(text, keyword) {
			m.blocked.Add(1)
			return Verdict{
				Reason:    "contains blocked keyword",
				BlockedBy: BlockedByBlacklist,
				Match:     keyword,
			}
		}
	}

	for _, re := range rules.patterns {
		if match := re.FindString(text); match != "" {
			m.blocked.Add(1)
			return Verdict{
				Reason:    fmt.Sprintf("matches rule %s", re.String()),
				BlockedBy: BlockedByPattern,
				Match:     match,
			}
		}
	}

	return Verdict{Safe: true}
}

// Filter masks every blacklisted keyword and pattern match with '*'.
func (m *Moderator) Filter(text string) string {
	m.mu.RLock()
	rules := m.rules
	m.mu.RUnlock()

	out := text
	for _, keyword := range rules.blacklist {
		if strings.Contains(out, keyword) {
			out = strings.ReplaceAll(out, keyword, mask(keyword))
			m.filtered.Add(1)
		}
	}
	for _, re := range rules.patterns {
		out = re.ReplaceAllStringFunc(out, func(match string) string {
			m.filtered.Add(1)
			return mask(match)
		})
	}
	return out
}

func (m *Moderator) Stats() Stats {
	m.mu.RLock()
	rules := m.rules
	m.mu.RUnlock()

	return Stats{
		Checks:    m.checks.Load(),
		Blocked:   m.blocked.Load(),
		Filtered:  m.filtered.Load(),
		Blacklist: len(rules.blacklist),
		Whitelist: len(rules.whitelist),
		Patterns:  len(rules.patterns),
	}
}

func mask(s string) string {
	return strings.Repeat("*", len([]rune(s)))
}

func nonEmpty(in []string) []string {
	out := make([]string, 0, len(in))
	for _, s := range in {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}
