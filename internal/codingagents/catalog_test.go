package codingagents

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestLoadCatalog_BuiltinBackends(t *testing.T) {
	catalog, err := LoadCatalog("")
	if err != nil {
		t.Fatalf("LoadCatalog: %v", err)
	}

	for _, name := range []string{"codex", "claude", "opencode", "gemini"} {
		backend, ok := catalog.Backend(name)
		if !ok {
			t.Fatalf("expected builtin backend %q, have %v", name, catalog.Names())
		}
		if backend.Binary == "" {
			t.Fatalf("builtin backend %q has no binary", name)
		}
	}

	codex, _ := catalog.Backend("codex")
	if codex.Adapter != AdapterCodex {
		t.Fatalf("expected codex adapter, got %q", codex.Adapter)
	}
	if !codex.SupportsFollowUp || !codex.SupportsApprovals {
		t.Fatalf("codex should support follow-up and approvals: %+v", codex)
	}
}

func TestLoadCatalog_CustomDefinitionOverridesBuiltin(t *testing.T) {
	root := t.TempDir()
	customDir := filepath.Join(root, ".agentdeck", "coding-agents")
	if err := os.MkdirAll(customDir, 0o755); err != nil {
		t.Fatal(err)
	}
	custom := `name: codex
adapter: codex
binary: /opt/codex/bin/codex
args: ["app-server"]
supports_follow_up: true
supports_approvals: true
`
	if err := os.WriteFile(filepath.Join(customDir, "codex.yaml"), []byte(custom), 0o644); err != nil {
		t.Fatal(err)
	}

	catalog, err := LoadCatalog(root)
	if err != nil {
		t.Fatalf("LoadCatalog: %v", err)
	}
	backend, ok := catalog.Backend("codex")
	if !ok {
		t.Fatal("codex missing after override")
	}
	if backend.Binary != "/opt/codex/bin/codex" {
		t.Fatalf("expected overridden binary, got %q", backend.Binary)
	}
}

func TestLoadCatalog_CustomJSONDefinition(t *testing.T) {
	root := t.TempDir()
	customDir := filepath.Join(root, ".agentdeck", "coding-agents")
	if err := os.MkdirAll(customDir, 0o755); err != nil {
		t.Fatal(err)
	}
	custom := `{"name": "aider", "adapter": "command", "binary": "aider", "args": ["--yes"], "required_credentials": ["OPENAI_API_KEY"]}`
	if err := os.WriteFile(filepath.Join(customDir, "aider.json"), []byte(custom), 0o644); err != nil {
		t.Fatal(err)
	}

	catalog, err := LoadCatalog(root)
	if err != nil {
		t.Fatalf("LoadCatalog: %v", err)
	}
	backend, ok := catalog.Backend("aider")
	if !ok {
		t.Fatal("custom backend aider missing")
	}
	if backend.Adapter != AdapterCommand {
		t.Fatalf("expected command adapter, got %q", backend.Adapter)
	}
	if len(backend.RequiredCredentials) != 1 || backend.RequiredCredentials[0] != "OPENAI_API_KEY" {
		t.Fatalf("unexpected credentials %v", backend.RequiredCredentials)
	}
}

func TestLoadCatalog_RejectsSchemaViolation(t *testing.T) {
	root := t.TempDir()
	customDir := filepath.Join(root, ".agentdeck", "coding-agents")
	if err := os.MkdirAll(customDir, 0o755); err != nil {
		t.Fatal(err)
	}
	// adapter outside the closed set
	custom := `name: mystery
adapter: telepathy
binary: mystery
`
	if err := os.WriteFile(filepath.Join(customDir, "mystery.yaml"), []byte(custom), 0o644); err != nil {
		t.Fatal(err)
	}

	if _, err := LoadCatalog(root); err == nil {
		t.Fatal("expected schema violation error")
	} else if !strings.Contains(err.Error(), "violates schema") {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestLoadCatalog_IgnoresUnrelatedFiles(t *testing.T) {
	root := t.TempDir()
	customDir := filepath.Join(root, ".agentdeck", "coding-agents")
	if err := os.MkdirAll(customDir, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(customDir, "README.md"), []byte("# notes"), 0o644); err != nil {
		t.Fatal(err)
	}

	if _, err := LoadCatalog(root); err != nil {
		t.Fatalf("LoadCatalog should skip non-definition files: %v", err)
	}
}

func TestValidateBackendUsage(t *testing.T) {
	catalog, err := LoadCatalog("")
	if err != nil {
		t.Fatalf("LoadCatalog: %v", err)
	}

	env := func(key string) string {
		if key == "GEMINI_API_KEY" {
			return "token"
		}
		return ""
	}

	if err := catalog.ValidateBackendUsage("codex", "gpt-5", env); err != nil {
		t.Fatalf("gpt-5 should be supported: %v", err)
	}
	if err := catalog.ValidateBackendUsage("codex", "", env); err != nil {
		t.Fatalf("empty model should pass: %v", err)
	}
	if err := catalog.ValidateBackendUsage("codex", "llama-3", env); err == nil {
		t.Fatal("expected unsupported model error")
	}
	if err := catalog.ValidateBackendUsage("gemini", "", env); err != nil {
		t.Fatalf("expected credential check to pass: %v", err)
	}
	if err := catalog.ValidateBackendUsage("gemini", "", func(string) string { return "" }); err == nil {
		t.Fatal("expected missing credential error")
	}
	if err := catalog.ValidateBackendUsage("no-such", "", env); err == nil {
		t.Fatal("expected unsupported backend error")
	}
}

func TestBackendLookupIsCaseInsensitive(t *testing.T) {
	catalog, err := LoadCatalog("")
	if err != nil {
		t.Fatalf("LoadCatalog: %v", err)
	}
	if _, ok := catalog.Backend("  Codex "); !ok {
		t.Fatal("lookup should normalize name")
	}
}

func TestResolvePath(t *testing.T) {
	home, err := os.UserHomeDir()
	if err != nil {
		t.Skip("no home directory")
	}

	if got := ResolvePath("~/.codex/auth.json"); got != filepath.Join(home, ".codex", "auth.json") {
		t.Fatalf("unexpected expansion %q", got)
	}
	if got := ResolvePath("/etc/hosts"); got != "/etc/hosts" {
		t.Fatalf("absolute path should pass through, got %q", got)
	}
	if got := ResolvePath("  "); got != "" {
		t.Fatalf("blank path should stay empty, got %q", got)
	}
}
