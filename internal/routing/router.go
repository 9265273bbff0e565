// Package routing resolves a model name to the provider that should serve it
// and the ordered providers to try if that one fails.
package routing

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
	"sync/atomic"
	"time"

	"github.com/visiquate/cco-sub021/config"
)

// ErrNoRouteFound is returned when no rule matches and no default provider is configured.
var ErrNoRouteFound = errors.New("no route found")

// DefaultTimeout applies when neither the rule nor the routing config sets one.
const DefaultTimeout = 120 * time.Second

// Decision is the outcome of resolving one request.
type Decision struct {
	Provider   string
	Endpoint   string
	Timeout    time.Duration
	MaxRetries int
	// Fallbacks are tried in order after Provider fails. Never contains Provider.
	Fallbacks []string
	// Reason records which step selected Provider, e.g. "rule:^claude-".
	Reason string
}

// Chain returns the provider followed by its fallbacks.
func (d Decision) Chain() []string {
	chain := make([]string, 0, 1+len(d.Fallbacks))
	chain = append(chain, d.Provider)
	return append(chain, d.Fallbacks...)
}

type compiledRule struct {
	re   *regexp.Regexp
	rule config.RouteRule
}

// table is an immutable compiled routing configuration.
type table struct {
	rules          []compiledRule
	agentRules     map[string]string
	fallbacks      map[string][]string
	markers        []string
	primary        string
	defaultRoute   string
	protectPrimary bool
	local          map[string]bool
	timeout        time.Duration
	cooldown       time.Duration
}

// Router resolves routes against a table that can be swapped at runtime.
// Resolve is safe for concurrent use with Reload.
type Router struct {
	table atomic.Pointer[table]
}

// New compiles cfg. providers is used to identify local providers for
// protect_primary; it may be nil.
func New(cfg config.RoutingConfig, providers map[string]config.ProviderConfig) (*Router, error) {
	t, err := compile(cfg, providers)
	if err != nil {
		return nil, err
	}
	r := &Router{}
	r.table.Store(t)
	return r, nil
}

// Reload compiles cfg and swaps it in. On error the current table is kept.
func (r *Router) Reload(cfg config.RoutingConfig, providers map[string]config.ProviderConfig) error {
	t, err := compile(cfg, providers)
	if err != nil {
		return err
	}
	r.table.Store(t)
	return nil
}

// Cooldown is the configured pause between fallback attempts.
func (r *Router) Cooldown() time.Duration {
	return r.table.Load().cooldown
}

func compile(cfg config.RoutingConfig, providers map[string]config.ProviderConfig) (*table, error) {
	t := &table{
		rules:          make([]compiledRule, 0, len(cfg.Rules)),
		agentRules:     make(map[string]string, len(cfg.AgentRules)),
		fallbacks:      make(map[string][]string, len(cfg.Fallbacks)),
		primary:        cfg.PrimaryProvider,
		defaultRoute:   cfg.DefaultProvider,
		protectPrimary: cfg.ProtectPrimary,
		local:          make(map[string]bool),
		timeout:        cfg.DefaultTimeout,
		cooldown:       cfg.FallbackCooldown,
	}
	if t.timeout <= 0 {
		t.timeout = DefaultTimeout
	}

	for i, rule := range cfg.Rules {
		re, err := regexp.Compile(rule.Pattern)
		if err != nil {
			return nil, fmt.Errorf("rule %d: invalid pattern %q: %w", i, rule.Pattern, err)
		}
		if rule.Provider == "" {
			return nil, fmt.Errorf("rule %d: provider is required", i)
		}
		t.rules = append(t.rules, compiledRule{re: re, rule: rule})
	}
	for agent, provider := range cfg.AgentRules {
		t.agentRules[normalizeAgent(agent)] = provider
	}
	for primary, chain := range cfg.Fallbacks {
		t.fallbacks[primary] = append([]string(nil), chain...)
	}
	for _, m := range cfg.PrimaryMarkers {
		if m = strings.ToLower(strings.TrimSpace(m)); m != "" {
			t.markers = append(t.markers, m)
		}
	}
	for name, p := range providers {
		if p.Type == "ollama" {
			t.local[name] = true
		}
	}
	return t, nil
}

func normalizeAgent(agent string) string {
	return strings.ToLower(strings.TrimSpace(agent))
}

// Resolve picks the provider for model. The order is: primary marker, agent
// rule, route rules in configuration order (first match wins), default provider.
func (r *Router) Resolve(model, agentType string) (Decision, error) {
	t := r.table.Load()

	if t.primary != "" {
		lower := strings.ToLower(model)
		for _, m := range t.markers {
			if strings.Contains(lower, m) {
				d := t.decision(t.primary, model, "primary_marker:"+m)
				if t.protectPrimary {
					d.Fallbacks = t.withoutLocal(d.Fallbacks)
				}
				return d, nil
			}
		}
	}

	if agent := normalizeAgent(agentType); agent != "" {
		if provider, ok := t.agentRules[agent]; ok {
			return t.decision(provider, model, "agent_rule:"+agent), nil
		}
	}

	for _, cr := range t.rules {
		if cr.re.MatchString(model) {
			return t.fromRule(cr.rule, "rule:"+cr.rule.Pattern), nil
		}
	}

	if t.defaultRoute != "" {
		return t.decision(t.defaultRoute, model, "default"), nil
	}
	return Decision{}, fmt.Errorf("%w for model %q", ErrNoRouteFound, model)
}

// decision builds a Decision for provider, taking endpoint and limits from the
// first rule for that provider that also matches model.
func (t *table) decision(provider, model, reason string) Decision {
	for _, cr := range t.rules {
		if cr.rule.Provider == provider && cr.re.MatchString(model) {
			return t.fromRule(cr.rule, reason)
		}
	}
	return Decision{
		Provider:  provider,
		Timeout:   t.timeout,
		Fallbacks: t.fallbacksFor(provider),
		Reason:    reason,
	}
}

func (t *table) fromRule(rule config.RouteRule, reason string) Decision {
	timeout := rule.Timeout
	if timeout <= 0 {
		timeout = t.timeout
	}
	return Decision{
		Provider:   rule.Provider,
		Endpoint:   rule.Endpoint,
		Timeout:    timeout,
		MaxRetries: rule.MaxRetries,
		Fallbacks:  t.fallbacksFor(rule.Provider),
		Reason:     reason,
	}
}

// fallbacksFor returns the chain for provider without the provider itself or duplicates.
func (t *table) fallbacksFor(provider string) []string {
	chain := t.fallbacks[provider]
	if len(chain) == 0 {
		return nil
	}
	seen := map[string]bool{provider: true}
	out := make([]string, 0, len(chain))
	for _, p := range chain {
		if seen[p] {
			continue
		}
		seen[p] = true
		out = append(out, p)
	}
	return out
}

func (t *table) withoutLocal(chain []string) []string {
	out := chain[:0:0]
	for _, p := range chain {
		if !t.local[p] {
			out = append(out, p)
		}
	}
	return out
}
