package providers

import "strings"

// ProviderRef names one provider variant, optionally with the env var its API
// key is read from: "openai" or "openai:OPENAI_KEY_LAB".
type ProviderRef struct {
	Raw      string
	Name     string
	KeyAlias string
}

// ParseProviderRef reads a provider setting. Settings written as a "|" list
// select their first non-empty entry; an empty setting selects the mock.
func ParseProviderRef(raw string) ProviderRef {
	for _, p := range strings.Split(raw, "|") {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		name, alias, _ := strings.Cut(p, ":")
		return ProviderRef{
			Raw:      p,
			Name:     strings.ToLower(strings.TrimSpace(name)),
			KeyAlias: strings.TrimSpace(alias),
		}
	}
	return ProviderRef{Raw: "mock", Name: "mock"}
}
