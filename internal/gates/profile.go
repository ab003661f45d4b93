package gates

import (
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"time"

	"github.com/fyrsmithlabs/sentinel/internal/config"
)

// GateCommand is the external tool behind a command gate.
type GateCommand struct {
	Command  []string      `json:"command"`
	Blocking bool          `json:"blocking"`
	Timeout  time.Duration `json:"timeout,omitempty"`
}

// Profile describes a project type and the commands its gates run.
type Profile struct {
	Name             string                 `json:"name"`
	DetectFiles      []string               `json:"detect_files,omitempty"`
	DetectExtensions []string               `json:"detect_extensions,omitempty"`
	Gates            map[string]GateCommand `json:"gates,omitempty"`
}

// Command returns the configured command for gate, if any.
func (p Profile) Command(gate string) (GateCommand, bool) {
	c, ok := p.Gates[gate]
	if !ok || len(c.Command) == 0 {
		return GateCommand{}, false
	}
	return c, true
}

// ProfileGeneral is the fallback profile with no commands.
const ProfileGeneral = "general"

// detectOrder is the order profiles are tried in by DetectProfile.
var detectOrder = []string{"python", "typescript", "go", "rust"}

// BuiltinProfiles returns the built-in profiles keyed by name.
func BuiltinProfiles() map[string]Profile {
	return map[string]Profile{
		"python": {
			Name:             "python",
			DetectFiles:      []string{"pyproject.toml", "setup.py", "requirements.txt"},
			DetectExtensions: []string{".py"},
			Gates: map[string]GateCommand{
				Lint:      {Command: []string{"ruff", "check", "."}, Blocking: true},
				Test:      {Command: []string{"pytest", "--cov", "--cov-report=term"}, Blocking: true},
				Typecheck: {Command: []string{"pyright"}, Blocking: false},
			},
		},
		"typescript": {
			Name:             "typescript",
			DetectFiles:      []string{"tsconfig.json", "package.json"},
			DetectExtensions: []string{".ts", ".tsx"},
			Gates: map[string]GateCommand{
				Lint:      {Command: []string{"npm", "run", "lint"}, Blocking: true},
				Test:      {Command: []string{"npm", "test"}, Blocking: true},
				Typecheck: {Command: []string{"npx", "tsc", "--noEmit"}, Blocking: true},
			},
		},
		"go": {
			Name:             "go",
			DetectFiles:      []string{"go.mod"},
			DetectExtensions: []string{".go"},
			Gates: map[string]GateCommand{
				Lint:      {Command: []string{"golangci-lint", "run"}, Blocking: true},
				Typecheck: {Command: []string{"go", "vet", "./..."}, Blocking: true},
				Test:      {Command: []string{"go", "test", "-cover", "./..."}, Blocking: true},
			},
		},
		"rust": {
			Name:             "rust",
			DetectFiles:      []string{"Cargo.toml"},
			DetectExtensions: []string{".rs"},
			Gates: map[string]GateCommand{
				Lint: {Command: []string{"cargo", "clippy"}, Blocking: true},
				Test: {Command: []string{"cargo", "test"}, Blocking: true},
			},
		},
		ProfileGeneral: {
			Name:  ProfileGeneral,
			Gates: map[string]GateCommand{},
		},
	}
}

// DetectProfile picks the first built-in profile whose marker files or
// extensions appear at the top of dir, falling back to general.
func DetectProfile(dir string) Profile {
	builtins := BuiltinProfiles()
	for _, name := range detectOrder {
		p := builtins[name]
		if matches(dir, p) {
			return p
		}
	}
	return builtins[ProfileGeneral]
}

func matches(dir string, p Profile) bool {
	for _, f := range p.DetectFiles {
		if _, err := os.Stat(filepath.Join(dir, f)); err == nil {
			return true
		}
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		return false
	}
	for _, e := range entries {
		if !e.IsDir() && slices.Contains(p.DetectExtensions, filepath.Ext(e.Name())) {
			return true
		}
	}
	return false
}

// ResolveProfile returns the profile for dir: the named profile from cfg,
// or the detected one when cfg.Profile is "auto" or empty. Per-gate command
// overrides from cfg are applied on top, and every command gets a timeout.
func ResolveProfile(dir string, cfg config.GatesConfig) (Profile, error) {
	var p Profile
	switch cfg.Profile {
	case "", "auto":
		p = DetectProfile(dir)
	default:
		var ok bool
		p, ok = BuiltinProfiles()[cfg.Profile]
		if !ok {
			return Profile{}, fmt.Errorf("unknown profile %q", cfg.Profile)
		}
	}

	gates := make(map[string]GateCommand, len(p.Gates)+len(cfg.Commands))
	for name, c := range p.Gates {
		gates[name] = c
	}
	for name, override := range cfg.Commands {
		c := gates[name]
		if len(override.Command) > 0 {
			c.Command = slices.Clone(override.Command)
			if _, existed := p.Gates[name]; !existed {
				c.Blocking = true
			}
		}
		if override.Blocking != nil {
			c.Blocking = *override.Blocking
		}
		if override.Timeout > 0 {
			c.Timeout = override.Timeout.Duration()
		}
		gates[name] = c
	}
	for name, c := range gates {
		if c.Timeout <= 0 {
			c.Timeout = cfg.Timeout.Duration()
		}
		gates[name] = c
	}
	p.Gates = gates
	return p, nil
}
