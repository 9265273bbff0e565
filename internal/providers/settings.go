package providers

import (
	"net/http"
	"os"
	"regexp"
	"strings"

	"github.com/visiquate/cco-sub021/config"
)

// envName matches references that look like an environment variable name
// rather than a literal key.
var envName = regexp.MustCompile(`^[A-Z_][A-Z0-9_]*$`)

// ResolveAPIKey turns a configured key reference into the key itself.
//
//	env:NAME, $NAME, ${NAME}  read the environment variable NAME
//	NAME (upper-case)         read NAME from the environment
//	anything else             used literally
//
// If the result is empty each fallback variable is tried in order.
func ResolveAPIKey(ref string, fallbacks ...string) string {
	key := resolveRef(strings.TrimSpace(ref))
	for _, name := range fallbacks {
		if key != "" {
			break
		}
		key = os.Getenv(name)
	}
	return key
}

func resolveRef(ref string) string {
	switch {
	case ref == "":
		return ""
	case strings.HasPrefix(ref, "env:"):
		return os.Getenv(strings.TrimPrefix(ref, "env:"))
	case strings.HasPrefix(ref, "${") && strings.HasSuffix(ref, "}"):
		return os.Getenv(ref[2 : len(ref)-1])
	case strings.HasPrefix(ref, "$"):
		return os.Getenv(ref[1:])
	case envName.MatchString(ref):
		return os.Getenv(ref)
	default:
		return ref
	}
}

// Settings is the per-provider behaviour shared by every adapter: model
// aliasing, the default model and extra headers.
type Settings struct {
	Name         string
	DefaultModel string
	aliases      map[string]string
	headers      map[string]string
}

// SettingsFrom extracts the shared settings from a provider config.
func SettingsFrom(name string, cfg config.ProviderConfig) Settings {
	s := Settings{
		Name:         name,
		DefaultModel: cfg.DefaultModel,
		aliases:      make(map[string]string, len(cfg.Aliases)),
		headers:      cfg.Headers,
	}
	// Config keys arrive lower-cased, so lookups are case-insensitive.
	for alias, model := range cfg.Aliases {
		s.aliases[strings.ToLower(alias)] = model
	}
	return s
}

// ResolveModel maps a requested model to the upstream model name.
func (s Settings) ResolveModel(model string) string {
	if model == "" {
		return s.DefaultModel
	}
	if target, ok := s.aliases[strings.ToLower(model)]; ok {
		return target
	}
	return model
}

// ApplyHeaders sets the configured extra headers on req.
func (s Settings) ApplyHeaders(req *http.Request) {
	for k, v := range s.headers {
		req.Header.Set(k, v)
	}
}
