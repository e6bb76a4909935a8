// Package codingagents holds the backend catalog: builtin agent
// definitions embedded in the binary plus per-repo custom definitions
// under .agentdeck/coding-agents/.
package codingagents

import (
	"embed"
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

//go:embed builtin/*.yaml
var builtinFS embed.FS

const (
	builtinBackendDir    = "builtin"
	codingAgentConfigDir = ".agentdeck"
	customBackendRelPath = "coding-agents"
)

// Adapter names form a closed set; the executor package dispatches on them
// exhaustively.
const (
	AdapterOpencode = "opencode"
	AdapterCodex    = "codex"
	AdapterClaude   = "claude"
	AdapterCommand  = "command"
)

type BackendDefinition struct {
	Name    string   `yaml:"name" json:"name"`
	Adapter string   `yaml:"adapter" json:"adapter"`
	Binary  string   `yaml:"binary" json:"binary"`
	Command string   `yaml:"command" json:"command,omitempty"`
	Args    []string `yaml:"args" json:"args,omitempty"`

	// ConfigPath and AuthPath are home-relative when prefixed with "~/";
	// they feed availability probing. AuthPath points at the credential
	// file whose mtime indicates a login.
	ConfigPath string `yaml:"config_path" json:"config_path,omitempty"`
	AuthPath   string `yaml:"auth_path" json:"auth_path,omitempty"`

	SupportsFollowUp    bool     `yaml:"supports_follow_up" json:"supports_follow_up"`
	SupportsApprovals   bool     `yaml:"supports_approvals" json:"supports_approvals"`
	SupportedModels     []string `yaml:"supported_models" json:"supported_models,omitempty"`
	RequiredCredentials []string `yaml:"required_credentials" json:"required_credentials,omitempty"`
}

type Catalog struct {
	backends map[string]BackendDefinition
}

// LoadCatalog reads the embedded builtin definitions, then layers custom
// definitions from <repoRoot>/.agentdeck/coding-agents on top. Custom
// definitions are validated against the embedded JSON Schema before use;
// a custom definition may override a builtin of the same name.
func LoadCatalog(repoRoot string) (Catalog, error) {
	catalog := Catalog{backends: map[string]BackendDefinition{}}

	builtin, err := loadBuiltinBackends()
	if err != nil {
		return Catalog{}, err
	}
	for _, definition := range builtin {
		if err := catalog.add(definition); err != nil {
			return Catalog{}, err
		}
	}

	repoRoot = strings.TrimSpace(repoRoot)
	if repoRoot == "" {
		return catalog, nil
	}

	customDir := filepath.Join(repoRoot, codingAgentConfigDir, customBackendRelPath)
	entries, err := os.ReadDir(customDir)
	if err != nil {
		if os.IsNotExist(err) {
			return catalog, nil
		}
		return Catalog{}, fmt.Errorf("cannot read custom coding agents from %q: %w", customDir, err)
	}

	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		extension := strings.ToLower(filepath.Ext(entry.Name()))
		switch extension {
		case ".yaml", ".yml", ".json":
		default:
			continue
		}

		fullPath := filepath.Join(customDir, entry.Name())
		payload, err := os.ReadFile(fullPath)
		if err != nil {
			return Catalog{}, fmt.Errorf("read custom backend definition %q: %w", fullPath, err)
		}

		if err := validateAgainstSchema(payload, extension); err != nil {
			return Catalog{}, fmt.Errorf("custom backend definition %q violates schema: %w", fullPath, err)
		}

		definition, err := parseBackendDefinition(payload, extension)
		if err != nil {
			return Catalog{}, fmt.Errorf("parse custom backend definition %q: %w", fullPath, err)
		}
		if err := catalog.add(definition); err != nil {
			return Catalog{}, fmt.Errorf("invalid custom backend definition %q: %w", fullPath, err)
		}
	}

	return catalog, nil
}

func (c *Catalog) add(raw BackendDefinition) error {
	if c.backends == nil {
		c.backends = map[string]BackendDefinition{}
	}
	definition := normalizeBackendDefinition(raw)
	if err := validateBackendDefinition(definition); err != nil {
		return err
	}
	c.backends[definition.Name] = definition
	return nil
}

func (c Catalog) Backend(name string) (BackendDefinition, bool) {
	if c.backends == nil {
		return BackendDefinition{}, false
	}
	backend, ok := c.backends[normalizeBackendName(name)]
	return backend, ok
}

func (c Catalog) Names() []string {
	if len(c.backends) == 0 {
		return nil
	}
	values := make([]string, 0, len(c.backends))
	for name := range c.backends {
		values = append(values, name)
	}
	sort.Strings(values)
	return values
}

// ValidateBackendUsage checks model support and credential presence before
// an execution is started, so misconfiguration fails fast instead of
// surfacing as a subprocess crash mid-run.
func (c Catalog) ValidateBackendUsage(name string, model string, getenv func(string) string) error {
	backend, ok := c.Backend(name)
	if !ok {
		return fmt.Errorf("unsupported backend %q", name)
	}

	if strings.TrimSpace(model) != "" && !supportsModelPattern(backend.SupportedModels, model) {
		return fmt.Errorf("unsupported model %q for backend %q (supported: %s)", strings.TrimSpace(model), backend.Name, strings.Join(backend.SupportedModels, ", "))
	}

	if getenv == nil {
		getenv = os.Getenv
	}
	for _, envVar := range backend.RequiredCredentials {
		trimmed := strings.TrimSpace(envVar)
		if trimmed == "" {
			continue
		}
		if strings.TrimSpace(getenv(trimmed)) == "" {
			return fmt.Errorf("missing auth token from %s for backend %q", trimmed, backend.Name)
		}
	}
	return nil
}

func loadBuiltinBackends() ([]BackendDefinition, error) {
	entries, err := fs.ReadDir(builtinFS, builtinBackendDir)
	if err != nil {
		return nil, fmt.Errorf("read builtin backend definitions: %w", err)
	}
	out := make([]BackendDefinition, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		extension := strings.ToLower(filepath.Ext(entry.Name()))
		switch extension {
		case ".yaml", ".yml":
		default:
			continue
		}
		payload, err := fs.ReadFile(builtinFS, filepath.ToSlash(filepath.Join(builtinBackendDir, entry.Name())))
		if err != nil {
			return nil, fmt.Errorf("read builtin backend definition %q: %w", entry.Name(), err)
		}
		definition, err := parseBackendDefinition(payload, extension)
		if err != nil {
			return nil, fmt.Errorf("parse builtin backend definition %q: %w", entry.Name(), err)
		}
		definition = normalizeBackendDefinition(definition)
		if err := validateBackendDefinition(definition); err != nil {
			return nil, fmt.Errorf("invalid builtin backend definition %q: %w", entry.Name(), err)
		}
		out = append(out, definition)
	}
	return out, nil
}

func parseBackendDefinition(payload []byte, extension string) (BackendDefinition, error) {
	definition := BackendDefinition{}
	content := strings.TrimSpace(string(payload))
	if content == "" {
		return BackendDefinition{}, fmt.Errorf("backend definition is empty")
	}
	switch strings.TrimSpace(strings.ToLower(extension)) {
	case ".json":
		if err := json.Unmarshal([]byte(content), &definition); err != nil {
			return BackendDefinition{}, err
		}
	default:
		if err := yaml.Unmarshal([]byte(content), &definition); err != nil {
			return BackendDefinition{}, err
		}
	}
	return normalizeBackendDefinition(definition), nil
}

func validateBackendDefinition(definition BackendDefinition) error {
	if definition.Name == "" {
		return fmt.Errorf("backend name is required")
	}
	if definition.Adapter == "" {
		return fmt.Errorf("backend adapter is required")
	}
	switch definition.Adapter {
	case AdapterOpencode, AdapterCodex, AdapterClaude, AdapterCommand:
	default:
		return fmt.Errorf("unsupported adapter %q", definition.Adapter)
	}
	if strings.TrimSpace(definition.Binary) == "" {
		return fmt.Errorf("backend binary is required")
	}
	for _, raw := range definition.SupportedModels {
		trimmed := strings.TrimSpace(raw)
		if trimmed == "" {
			continue
		}
		if _, err := filepath.Match(trimmed, "sample-text"); err != nil {
			return fmt.Errorf("invalid supported model pattern %q", trimmed)
		}
	}
	return nil
}

func normalizeBackendDefinition(definition BackendDefinition) BackendDefinition {
	definition.Name = normalizeBackendName(definition.Name)
	definition.Adapter = strings.ToLower(strings.TrimSpace(definition.Adapter))
	definition.Binary = strings.TrimSpace(definition.Binary)
	definition.Command = strings.TrimSpace(definition.Command)
	if definition.Command != "" && definition.Binary == "" {
		definition.Binary = definition.Command
	}
	definition.ConfigPath = strings.TrimSpace(definition.ConfigPath)
	definition.AuthPath = strings.TrimSpace(definition.AuthPath)

	definition.Args = normalizeStringSlice(definition.Args)
	definition.RequiredCredentials = normalizeStringSlice(definition.RequiredCredentials)
	definition.SupportedModels = normalizeStringSlice(definition.SupportedModels)
	return definition
}

func supportsModelPattern(patterns []string, model string) bool {
	if len(patterns) == 0 {
		return true
	}
	trimmedModel := strings.TrimSpace(model)
	if trimmedModel == "" {
		return true
	}
	for _, pattern := range patterns {
		trimmedPattern := strings.TrimSpace(pattern)
		if trimmedPattern == "" {
			continue
		}
		matched, err := filepath.Match(trimmedPattern, trimmedModel)
		if err == nil && matched {
			return true
		}
	}
	return false
}

func normalizeStringSlice(values []string) []string {
	if len(values) == 0 {
		return nil
	}
	out := make([]string, 0, len(values))
	seen := map[string]struct{}{}
	for _, raw := range values {
		value := strings.TrimSpace(raw)
		if value == "" {
			continue
		}
		if _, ok := seen[value]; ok {
			continue
		}
		seen[value] = struct{}{}
		out = append(out, value)
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

func normalizeBackendName(raw string) string {
	return strings.ToLower(strings.TrimSpace(raw))
}

// ResolvePath expands a leading "~/" against the user's home directory.
// Empty input stays empty.
func ResolvePath(path string) string {
	path = strings.TrimSpace(path)
	if path == "" {
		return ""
	}
	if path == "~" || strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return ""
		}
		return filepath.Join(home, strings.TrimPrefix(strings.TrimPrefix(path, "~"), "/"))
	}
	return path
}
