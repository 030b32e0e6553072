package session

import (
	"embed"
	"fmt"
	"os"
	"strings"
)

const (
	defaultPersonaName = "default"
	providerOpenCode   = "opencode"
)

//go:embed templates/*.md
var templatesFS embed.FS

// ResolvePersona picks the system prompt for generation. Inline text wins
// over a persona file; without either the embedded default template is used.
// OpenCode agents carry their own system prompt, so they get none by default.
func ResolvePersona(provider string, inline string, file string) (string, error) {
	if persona := strings.TrimSpace(inline); persona != "" {
		return persona, nil
	}

	if file = strings.TrimSpace(file); file != "" {
		content, err := os.ReadFile(file)
		if err != nil {
			return "", fmt.Errorf("read persona file: %w", err)
		}
		persona := strings.TrimSpace(string(content))
		if persona == "" {
			return "", fmt.Errorf("persona file %q is empty", file)
		}
		return persona, nil
	}

	if strings.EqualFold(strings.TrimSpace(provider), providerOpenCode) {
		return "", nil
	}

	content, err := templatesFS.ReadFile(templatePath(defaultPersonaName))
	if err != nil {
		return "", fmt.Errorf("load %s persona template: %w", defaultPersonaName, err)
	}

	return strings.TrimSpace(string(content)), nil
}

func templatePath(name string) string {
	return "templates/" + strings.TrimSpace(name) + ".md"
}
