package executor

import (
	"fmt"
	"os"
	"os/exec"
	"os/user"
	"sort"
	"strings"

	"github.com/samber/lo"

	"salharness/internal/config"
)

// ToolManager detects container runtimes and helper tools.
type ToolManager struct {
	cfg *config.Config

	lookPath func(string) (string, error)
	output   func(name string, args ...string) ([]byte, error)
}

// NewToolManager creates a tool manager with configuration.
func NewToolManager(cfg *config.Config) *ToolManager {
	return &ToolManager{
		cfg:      cfg,
		lookPath: exec.LookPath,
		output: func(name string, args ...string) ([]byte, error) {
			return exec.Command(name, args...).CombinedOutput()
		},
	}
}

// ToolStatus represents the availability of a tool
type ToolStatus struct {
	Available bool
	Version   string
	Path      string
	Error     error
}

// CheckTool verifies if a tool is available and working
func (tm *ToolManager) CheckTool(toolName string) ToolStatus {
	binaryName := toolName
	if toolName == "imagemagick" {
		binaryName = "magick"
		if _, err := tm.lookPath(binaryName); err != nil {
			binaryName = "convert"
		}
	}

	path, err := tm.lookPath(binaryName)
	if err != nil {
		return ToolStatus{Available: false, Error: err}
	}

	var versionCmd []string
	switch toolName {
	case "docker", "nvidia-docker", "podman":
		versionCmd = []string{binaryName, "--version"}
	case "imagemagick":
		versionCmd = []string{binaryName, "-version"}
	case "sudo":
		versionCmd = []string{"sudo", "--version"}
	default:
		// For unknown tools, just check if they exist
		return ToolStatus{Available: true, Path: path}
	}

	output, err := tm.output(versionCmd[0], versionCmd[1:]...)
	if err != nil {
		// Some tools return non-zero exit codes for version/help
		// but still show useful output
		if len(output) > 0 {
			return ToolStatus{Available: true, Version: extractVersion(string(output)), Path: path}
		}
		return ToolStatus{Available: false, Path: path, Error: err}
	}
	return ToolStatus{Available: true, Version: extractVersion(string(output)), Path: path}
}

// Runtimes returns the configured runtimes in preference order.
func (tm *ToolManager) Runtimes() []string {
	c := tm.cfg.Container
	tools := []string{c.Runtime}
	if c.GPU && c.Runtime == "docker" {
		tools = []string{"nvidia-docker", "docker"}
	}
	for _, f := range c.Fallbacks {
		if f != "" && !lo.Contains(tools, f) {
			tools = append(tools, f)
		}
	}
	return tools
}

// AvailableRuntime returns the best available container runtime.
func (tm *ToolManager) AvailableRuntime() (string, error) {
	for _, tool := range tm.Runtimes() {
		if status := tm.CheckTool(tool); status.Available {
			return tool, nil
		}
	}
	return "", fmt.Errorf("%w: no container runtime found (tried %s)", ErrUnavailable, strings.Join(tm.Runtimes(), ", "))
}

// NeedsSudo reports whether runtime must be invoked through sudo: either
// configured so, or a docker runtime used by a non-root user outside the
// docker group.
func (tm *ToolManager) NeedsSudo(runtime string) bool {
	if tm.cfg.Container.UseSudo {
		return true
	}
	if os.Geteuid() == 0 || !strings.Contains(runtime, "docker") {
		return false
	}
	return !inGroup("docker")
}

func inGroup(name string) bool {
	g, err := user.LookupGroup(name)
	if err != nil {
		return false
	}
	u, err := user.Current()
	if err != nil {
		return false
	}
	ids, err := u.GroupIds()
	if err != nil {
		return false
	}
	return lo.Contains(ids, g.Gid)
}

// GetToolStatus returns the status of every runtime and helper tool.
func (tm *ToolManager) GetToolStatus() map[string]ToolStatus {
	status := make(map[string]ToolStatus)
	for _, tool := range tm.Runtimes() {
		status[tool] = tm.CheckTool(tool)
	}
	for _, tool := range []string{"sudo", "imagemagick"} {
		status[tool] = tm.CheckTool(tool)
	}
	return status
}

// ToolNames returns the keys of a status map sorted.
func ToolNames(status map[string]ToolStatus) []string {
	names := make([]string, 0, len(status))
	for n := range status {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// extractVersion extracts version information from tool output
func extractVersion(output string) string {
	lines := strings.Split(output, "\n")
	for _, line := range lines {
		line = strings.TrimSpace(line)
		if strings.Contains(line, "version") || strings.Contains(line, "Version") {
			return line
		}
	}
	if len(lines) > 0 {
		return strings.TrimSpace(lines[0])
	}
	return "unknown"
}
