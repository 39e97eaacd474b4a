// Package locale holds the localized bot replies.
package locale

import (
	_ "embed"
	"fmt"
	"os"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

//go:embed messages.yaml
var defaultMessages []byte

// Message keys.
const (
	LinkSuccess        = "link_success"
	AdminLinked        = "admin_linked"
	IdentityLinked     = "identity_linked"
	NotFound           = "not_found"
	GenericError       = "generic_error"
	ContactPrompt      = "contact_prompt"
	ShareContactButton = "share_contact_button"
	RatingPrompt       = "rating_prompt"
	RatingThanks       = "rating_thanks"
	RatingSaved        = "rating_saved"
	DebugInfo          = "debug_info"
)

// Catalog maps language -> key -> template.
type Catalog struct {
	fallback string
	messages map[string]map[string]string
}

// Load parses the embedded catalog and merges overridePath on top of it when
// given. fallback is the language used for unknown or empty languages.
func Load(fallback, overridePath string) (*Catalog, error) {
	c := &Catalog{fallback: fallback, messages: make(map[string]map[string]string)}
	if err := c.merge(defaultMessages); err != nil {
		return nil, fmt.Errorf("parse default messages: %w", err)
	}
	if overridePath != "" {
		data, err := os.ReadFile(overridePath)
		if err != nil {
			return nil, fmt.Errorf("read messages %s: %w", overridePath, err)
		}
		if err := c.merge(data); err != nil {
			return nil, fmt.Errorf("parse messages %s: %w", overridePath, err)
		}
	}
	if _, ok := c.messages[c.fallback]; !ok {
		return nil, fmt.Errorf("fallback language %q has no messages", fallback)
	}
	return c, nil
}

// MustDefault returns the embedded catalog. It panics on a malformed
// embedded file, which is a build defect.
func MustDefault(fallback string) *Catalog {
	c, err := Load(fallback, "")
	if err != nil {
		panic(err)
	}
	return c
}

func (c *Catalog) merge(data []byte) error {
	var parsed map[string]map[string]string
	if err := yaml.Unmarshal(data, &parsed); err != nil {
		return err
	}
	for lang, msgs := range parsed {
		if c.messages[lang] == nil {
			c.messages[lang] = make(map[string]string, len(msgs))
		}
		for k, v := range msgs {
			c.messages[lang][k] = v
		}
	}
	return nil
}

// Languages returns the loaded languages, sorted.
func (c *Catalog) Languages() []string {
	langs := make([]string, 0, len(c.messages))
	for l := range c.messages {
		langs = append(langs, l)
	}
	sort.Strings(langs)
	return langs
}

// T renders key in lang. args are name/value pairs substituted into {name}
// placeholders. Missing keys fall back to the fallback language, then to the
// key itself.
func (c *Catalog) T(lang, key string, args ...string) string {
	tmpl, ok := c.messages[lang][key]
	if !ok {
		tmpl, ok = c.messages[c.fallback][key]
	}
	if !ok {
		return key
	}
	if len(args) == 0 {
		return tmpl
	}
	pairs := make([]string, 0, len(args))
	for i := 0; i+1 < len(args); i += 2 {
		pairs = append(pairs, "{"+args[i]+"}", args[i+1])
	}
	return strings.NewReplacer(pairs...).Replace(tmpl)
}

// Stars renders a 1..5 rating as filled and empty stars.
func Stars(n int) string {
	if n < 0 {
		n = 0
	}
	if n > 5 {
		n = 5
	}
	return strings.Repeat("⭐", n) + strings.Repeat("☆", 5-n)
}
