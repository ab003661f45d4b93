package gates

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"

	"github.com/BurntSushi/toml"
	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing/filemode"
	gitleaksConfig "github.com/zricethezav/gitleaks/v8/config"
	"github.com/zricethezav/gitleaks/v8/detect"
	gitleaksRegexp "github.com/zricethezav/gitleaks/v8/regexp"
)

var (
	// ErrInvalidRegex indicates an allowlist pattern failed to compile.
	ErrInvalidRegex = errors.New("invalid regex pattern")

	// ErrInvalidTOML indicates an allowlist file could not be parsed.
	ErrInvalidTOML = errors.New("invalid TOML format")
)

// maxScanSize skips files larger than this.
const maxScanSize = 1 << 20

// skipDirs are never scanned.
var skipDirs = map[string]bool{
	".git": true, "node_modules": true, "vendor": true, ".venv": true,
	"venv": true, "target": true, "dist": true, "build": true, ".sentinel": true,
	"__pycache__": true,
}

// Allowlist holds path and content patterns excluded from secret scanning.
type Allowlist struct {
	Paths   []string
	Regexes []string
}

// LoadAllowlists merges the project's .gitleaks.toml with a user allowlist
// file. Missing files are ignored; invalid TOML or patterns are errors.
func LoadAllowlists(projectDir, userPath string) (*Allowlist, error) {
	merged := &Allowlist{}
	var paths []string
	if projectDir != "" {
		paths = append(paths, filepath.Join(projectDir, ".gitleaks.toml"))
	}
	if userPath != "" {
		paths = append(paths, userPath)
	}
	for _, path := range paths {
		al, err := loadAllowlist(path)
		if errors.Is(err, fs.ErrNotExist) {
			continue
		}
		if err != nil {
			return nil, err
		}
		merged.Paths = append(merged.Paths, al.Paths...)
		merged.Regexes = append(merged.Regexes, al.Regexes...)
	}
	return merged, nil
}

func loadAllowlist(path string) (*Allowlist, error) {
	var doc struct {
		Allowlist struct {
			Paths   []string
			Regexes []string
		}
	}
	if _, err := os.Stat(path); err != nil {
		return nil, err
	}
	if _, err := toml.DecodeFile(path, &doc); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrInvalidTOML, path, err)
	}
	for _, p := range append(doc.Allowlist.Paths, doc.Allowlist.Regexes...) {
		if _, err := regexp.Compile(p); err != nil {
			return nil, fmt.Errorf("%w: %q in %s: %v", ErrInvalidRegex, p, path, err)
		}
	}
	return &Allowlist{Paths: doc.Allowlist.Paths, Regexes: doc.Allowlist.Regexes}, nil
}

// SecretFinding is a detected secret. The secret value itself is never kept.
type SecretFinding struct {
	RuleID string
	File   string
	Line   int
}

func (f SecretFinding) String() string {
	return fmt.Sprintf("%s:%d (%s)", f.File, f.Line, f.RuleID)
}

// SecurityGate scans the files git tracks for secrets with the gitleaks
// default rule set.
type SecurityGate struct {
	allowlist *Allowlist
	skipPaths []*regexp.Regexp

	once     sync.Once
	detector *detect.Detector
	initErr  error
}

// NewSecurityGate creates the gate. The allowlist may be nil.
func NewSecurityGate(allowlist *Allowlist) (*SecurityGate, error) {
	g := &SecurityGate{allowlist: allowlist}
	if allowlist != nil {
		for _, p := range allowlist.Paths {
			re, err := regexp.Compile(p)
			if err != nil {
				return nil, fmt.Errorf("%w: %q: %v", ErrInvalidRegex, p, err)
			}
			g.skipPaths = append(g.skipPaths, re)
		}
	}
	return g, nil
}

// Name returns the gate identifier.
func (g *SecurityGate) Name() string {
	return Security
}

// Evaluate scans the tracked files.
func (g *SecurityGate) Evaluate(ctx context.Context, state RepoState) Result {
	findings, err := g.Scan(ctx, state.Dir)
	if err != nil {
		return fail(Security, fmt.Sprintf("secret scan failed: %v", err))
	}
	if len(findings) == 0 {
		return pass(Security, "no secrets detected")
	}

	lines := make([]string, 0, len(findings))
	for _, f := range findings {
		lines = append(lines, f.String())
	}
	res := fail(Security, fmt.Sprintf("%d potential secret(s) detected", len(findings)))
	res.Output = strings.Join(lines, "\n")
	return res
}

// Scan returns every finding in the files git tracks under dir, staged
// files included. Outside a repository every regular file is scanned.
func (g *SecurityGate) Scan(ctx context.Context, dir string) ([]SecretFinding, error) {
	g.once.Do(func() {
		g.detector, g.initErr = detect.NewDetectorDefaultConfig()
		if g.initErr == nil && g.allowlist != nil {
			applyAllowlist(&g.detector.Config, g.allowlist)
		}
	})
	if g.initErr != nil {
		return nil, fmt.Errorf("creating detector: %w", g.initErr)
	}

	files, err := TrackedFiles(dir)
	if errors.Is(err, git.ErrRepositoryNotExists) {
		files, err = walkFiles(ctx, dir)
	}
	if err != nil {
		return nil, err
	}

	var findings []SecretFinding
	for _, rel := range files {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if inSkippedDir(rel) || g.skipped(rel) {
			continue
		}
		findings = append(findings, g.scanFile(dir, rel)...)
	}
	return findings, nil
}

func (g *SecurityGate) scanFile(dir, rel string) []SecretFinding {
	path := filepath.Join(dir, filepath.FromSlash(rel))
	info, err := os.Lstat(path)
	if err != nil || !info.Mode().IsRegular() || info.Size() > maxScanSize {
		return nil
	}
	data, err := os.ReadFile(path)
	if err != nil || bytes.IndexByte(data, 0) >= 0 {
		return nil
	}
	var out []SecretFinding
	for _, f := range g.detector.Detect(detect.Fragment{Raw: string(data), FilePath: rel, StartLine: 1}) {
		out = append(out, SecretFinding{RuleID: f.RuleID, File: rel, Line: f.StartLine})
	}
	return out
}

// TrackedFiles lists the index entries under dir as slash-separated paths
// relative to dir.
func TrackedFiles(dir string) ([]string, error) {
	repo, err := git.PlainOpenWithOptions(dir, &git.PlainOpenOptions{DetectDotGit: true})
	if err != nil {
		return nil, err
	}
	wt, err := repo.Worktree()
	if err != nil {
		return nil, err
	}
	idx, err := repo.Storer.Index()
	if err != nil {
		return nil, fmt.Errorf("reading git index: %w", err)
	}
	prefix, err := worktreePrefix(wt.Filesystem.Root(), dir)
	if err != nil {
		return nil, err
	}

	files := make([]string, 0, len(idx.Entries))
	for _, e := range idx.Entries {
		if e.Mode != filemode.Regular && e.Mode != filemode.Executable {
			continue
		}
		if !strings.HasPrefix(e.Name, prefix) {
			continue
		}
		files = append(files, strings.TrimPrefix(e.Name, prefix))
	}
	return files, nil
}

// worktreePrefix is dir's slash path inside the worktree, ending in "/",
// or "" at the root.
func worktreePrefix(root, dir string) (string, error) {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return "", err
	}
	if r, err := filepath.EvalSymlinks(root); err == nil {
		root = r
	}
	if d, err := filepath.EvalSymlinks(abs); err == nil {
		abs = d
	}
	rel, err := filepath.Rel(root, abs)
	if err != nil {
		return "", err
	}
	if rel == "." {
		return "", nil
	}
	return filepath.ToSlash(rel) + "/", nil
}

func walkFiles(ctx context.Context, dir string) ([]string, error) {
	var files []string
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		if d.IsDir() {
			if path != dir && skipDirs[d.Name()] {
				return filepath.SkipDir
			}
			return nil
		}
		if d.Type().IsRegular() {
			rel, _ := filepath.Rel(dir, path)
			files = append(files, filepath.ToSlash(rel))
		}
		return nil
	})
	return files, err
}

func inSkippedDir(rel string) bool {
	parts := strings.Split(rel, "/")
	for _, p := range parts[:len(parts)-1] {
		if skipDirs[p] {
			return true
		}
	}
	return false
}

func (g *SecurityGate) skipped(rel string) bool {
	for _, re := range g.skipPaths {
		if re.MatchString(rel) {
			return true
		}
	}
	return false
}

// applyAllowlist appends the content patterns to the detector config.
// Patterns were validated when the allowlist was loaded.
func applyAllowlist(cfg *gitleaksConfig.Config, al *Allowlist) {
	global := &gitleaksConfig.Allowlist{Description: "sentinel project/user allowlist"}
	for _, p := range al.Regexes {
		re, err := regexp.Compile(p)
		if err != nil {
			continue
		}
		global.Regexes = append(global.Regexes, (*gitleaksRegexp.Regexp)(re))
	}
	cfg.Allowlists = append(cfg.Allowlists, global)
}
