package executor

import (
	"os"

	"github.com/egv/agentdeck/internal/codingagents"
)

// probeAvailability implements the shared availability heuristic: a
// credential file's mtime counts as the last login, a bare config path
// only proves an installation.
func probeAvailability(definition codingagents.BackendDefinition) AvailabilityInfo {
	if authPath := codingagents.ResolvePath(definition.AuthPath); authPath != "" {
		if info, err := os.Stat(authPath); err == nil {
			modified := info.ModTime().UTC()
			return AvailabilityInfo{Status: LoginDetected, LastAuthAt: &modified}
		}
	}
	if configPath := codingagents.ResolvePath(definition.ConfigPath); configPath != "" {
		if _, err := os.Stat(configPath); err == nil {
			return AvailabilityInfo{Status: InstallationFound}
		}
	}
	return AvailabilityInfo{Status: NotFound}
}

// lookPathAvailability is the fallback for backends without config or auth
// paths: the binary being on PATH counts as an installation.
func lookPathAvailability(binary string, lookPath func(string) (string, error)) AvailabilityInfo {
	if binary == "" {
		return AvailabilityInfo{Status: NotFound}
	}
	if _, err := lookPath(binary); err == nil {
		return AvailabilityInfo{Status: InstallationFound}
	}
	return AvailabilityInfo{Status: NotFound}
}
