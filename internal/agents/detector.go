// Package agents detects the reasoning CLIs installed on the host.
package agents

import (
	"os/exec"
	"strings"
)

// Agent represents a reasoning CLI that steps can invoke.
type Agent struct {
	ID      string `json:"id"`
	Name    string `json:"name"`
	Binary  string `json:"binary"`
	Status  string `json:"status"` // online, offline
	Path    string `json:"path,omitempty"`
	Version string `json:"version,omitempty"`
}

// Online reports whether the agent binary was found.
func (a Agent) Online() bool {
	return a.Status == "online"
}

// Known reasoning CLIs, in order of preference.
var known = []Agent{
	{ID: "claude-cli", Name: "Claude CLI", Binary: "claude"},
	{ID: "gemini-cli", Name: "Gemini CLI", Binary: "gemini"},
	{ID: "codex-cli", Name: "Codex CLI", Binary: "codex"},
}

// Detector scans for installed reasoning CLIs.
type Detector struct {
	lookPath func(string) (string, error)
	version  func(path string) string
}

// NewDetector creates a new agent detector.
func NewDetector() *Detector {
	return &Detector{
		lookPath: exec.LookPath,
		version:  func(path string) string { return getCommandVersion(path, "--version") },
	}
}

// Scan reports every known CLI, online or not.
func (d *Detector) Scan() []Agent {
	agents := make([]Agent, 0, len(known))
	for _, k := range known {
		agents = append(agents, d.detect(k))
	}
	return agents
}

// Find returns the agent for binary. Unknown binaries are looked up on PATH too.
func (d *Detector) Find(binary string) Agent {
	for _, k := range known {
		if k.Binary == binary {
			return d.detect(k)
		}
	}
	return d.detect(Agent{ID: binary, Name: binary, Binary: binary})
}

// Preferred returns the first online agent, or false when none is installed.
func (d *Detector) Preferred() (Agent, bool) {
	for _, a := range d.Scan() {
		if a.Online() {
			return a, true
		}
	}
	return Agent{}, false
}

func (d *Detector) detect(a Agent) Agent {
	path, err := d.lookPath(a.Binary)
	if err != nil {
		a.Status = "offline"
		return a
	}
	a.Status = "online"
	a.Path = path
	a.Version = d.version(path)
	return a
}

func getCommandVersion(cmd string, flag string) string {
	out, err := exec.Command(cmd, flag).Output()
	if err != nil {
		return ""
	}
	version := strings.TrimSpace(string(out))
	// Take first line only
	if idx := strings.Index(version, "\n"); idx > 0 {
		version = version[:idx]
	}
	// Limit length
	if len(version) > 30 {
		version = version[:30]
	}
	return version
}
