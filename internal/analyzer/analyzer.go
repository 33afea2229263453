package analyzer

import (
	"encoding/json"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
)

// The bot framework the platform hosts. Dependency declarations and code
// heuristics both key off this package name.
const frameworkPackage = "discord.js"

// ManifestName is the project metadata file inspected during analysis.
const ManifestName = "package.json"

// Report is the analysis verdict for an extracted project tree. A negative
// Valid verdict is security-relevant: the caller must purge the tree so
// non-bot code never reaches the supervisor.
type Report struct {
	Valid             bool
	EntryPoint        string
	FrameworkDetected bool
	Warnings          []string
}

// Manifest mirrors the optional fields of package.json. Parsed defensively:
// absence or malformation of any field degrades to heuristic scanning.
type Manifest struct {
	Name            string            `json:"name"`
	Version         string            `json:"version"`
	Main            string            `json:"main"`
	Dependencies    map[string]string `json:"dependencies"`
	DevDependencies map[string]string `json:"devDependencies"`
	Scripts         map[string]string `json:"scripts"`
}

// HasDependency reports whether the manifest declares a dependency on the
// named package, in either dependency block.
func (m *Manifest) HasDependency(name string) bool {
	if m == nil {
		return false
	}
	target := strings.ToLower(strings.TrimSpace(name))
	if target == "" {
		return false
	}
	for dep := range m.Dependencies {
		if strings.EqualFold(dep, target) {
			return true
		}
	}
	for dep := range m.DevDependencies {
		if strings.EqualFold(dep, target) {
			return true
		}
	}
	return false
}

// SafeEntryPath normalizes a manifest main path and reports whether it stays
// inside the project directory. Absolute paths and paths climbing above the
// project root are rejected, the same containment the archive extractor and
// the storage locator enforce on their inputs.
func SafeEntryPath(main string) (string, bool) {
	main = strings.TrimSpace(main)
	if main == "" {
		return "", false
	}
	entry := filepath.Clean(filepath.FromSlash(main))
	if entry == "." || filepath.IsAbs(entry) {
		return "", false
	}
	if entry == ".." || strings.HasPrefix(entry, ".."+string(filepath.Separator)) {
		return "", false
	}
	return entry, true
}

// LoadManifest reads and parses the project manifest. ok is false when the
// file is absent or unparseable.
func LoadManifest(dir string) (*Manifest, bool) {
	data, err := os.ReadFile(filepath.Join(dir, ManifestName))
	if err != nil {
		return nil, false
	}
	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, false
	}
	return &m, true
}

// Permissive textual signals for bot code. False positives are acceptable;
// false negatives would reject legitimate bots, which is the failure mode to
// avoid.
var botCodePatterns = []*regexp.Regexp{
	regexp.MustCompile(`require\s*\(\s*['"]discord\.js['"]\s*\)`),
	regexp.MustCompile(`from\s+['"]discord\.js['"]`),
	regexp.MustCompile(`import\s*\(\s*['"]discord\.js['"]\s*\)`),
	regexp.MustCompile(`new\s+(?:Discord\s*\.\s*)?Client\s*\(`),
	regexp.MustCompile(`\.login\s*\(`),
	regexp.MustCompile(`\.(?:on|once)\s*\(\s*['"](?:ready|clientReady)['"]`),
	regexp.MustCompile(`class\s+\w+\s+extends\s+(?:Discord\s*\.\s*)?Client\b`),
}

// LooksLikeBotCode applies the content heuristic to a file's text.
func LooksLikeBotCode(content string) bool {
	for _, pattern := range botCodePatterns {
		if pattern.MatchString(content) {
			return true
		}
	}
	return false
}

// Basenames preferred when ranking candidate entry files, in priority order.
var preferredBasenames = []string{"index", "bot", "main", "app", "client"}

func basenameRank(path string) int {
	base := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	for i, name := range preferredBasenames {
		if strings.EqualFold(base, name) {
			return i
		}
	}
	return len(preferredBasenames)
}

// CandidateEntryFiles lists script files in the project root and in a
// conventional src subdirectory, ranked by preferred basename then
// alphabetically. Paths are relative to dir. The scan is deliberately
// non-recursive beyond src.
func CandidateEntryFiles(dir string) []string {
	var candidates []string
	for _, sub := range []string{"", "src"} {
		entries, err := os.ReadDir(filepath.Join(dir, sub))
		if err != nil {
			continue
		}
		for _, entry := range entries {
			if entry.IsDir() {
				continue
			}
			name := entry.Name()
			ext := strings.ToLower(filepath.Ext(name))
			if ext != ".js" && ext != ".mjs" && ext != ".cjs" {
				continue
			}
			candidates = append(candidates, filepath.Join(sub, name))
		}
	}
	sort.SliceStable(candidates, func(i, j int) bool {
		ri, rj := basenameRank(candidates[i]), basenameRank(candidates[j])
		if ri != rj {
			return ri < rj
		}
		return candidates[i] < candidates[j]
	})
	return candidates
}

// Analyze inspects an extracted project tree and decides whether it is a
// plausible bot project, which file to execute, and what to warn about.
//
// Decision policy: a manifest entry point whose content passes the heuristic
// wins outright. A manifest entry point that fails the heuristic is still
// accepted when the manifest declares the framework dependency; declared
// intent is trusted over the pattern match, with a warning. Otherwise
// candidates are scanned in priority order and the first heuristic pass is
// taken. When nothing passes, the fallback to a conventionally-named (or
// first) candidate applies only if the manifest declares the framework
// dependency; otherwise the tree is rejected.
func Analyze(dir string) Report {
	var report Report

	manifest, manifestOK := LoadManifest(dir)
	if manifestOK && manifest.HasDependency(frameworkPackage) {
		report.FrameworkDetected = true
	}

	if manifestOK && strings.TrimSpace(manifest.Main) != "" {
		entry, contained := SafeEntryPath(manifest.Main)
		if !contained {
			report.Warnings = append(report.Warnings,
				"manifest main resolves outside the project directory; ignoring it")
		} else if content, err := os.ReadFile(filepath.Join(dir, entry)); err == nil {
			if LooksLikeBotCode(string(content)) {
				report.Valid = true
				report.EntryPoint = entry
			} else if report.FrameworkDetected {
				report.Valid = true
				report.EntryPoint = entry
				report.Warnings = append(report.Warnings,
					"declared entry file does not look like bot code; accepted because the manifest depends on "+frameworkPackage)
			}
		}
	}

	if !report.Valid {
		candidates := CandidateEntryFiles(dir)
		for _, candidate := range candidates {
			content, err := os.ReadFile(filepath.Join(dir, candidate))
			if err != nil {
				continue
			}
			if LooksLikeBotCode(string(content)) {
				report.Valid = true
				report.EntryPoint = candidate
				break
			}
		}
		// The fallback chain trusts declared intent: without the framework
		// dependency in the manifest, a script matching no pattern is
		// rejected rather than executed on a guess.
		switch {
		case report.Valid:
		case len(candidates) == 0:
			report.Warnings = append(report.Warnings, "no entry file found")
		case !report.FrameworkDetected:
			report.Warnings = append(report.Warnings,
				"no file matched bot code patterns and the manifest does not depend on "+frameworkPackage)
		default:
			if fallback := firstPreferred(candidates); fallback != "" {
				report.Valid = true
				report.EntryPoint = fallback
				report.Warnings = append(report.Warnings,
					"no file matched bot code patterns; falling back to conventionally named "+fallback)
			} else {
				report.Valid = true
				report.EntryPoint = candidates[0]
				report.Warnings = append(report.Warnings,
					"no file matched bot code patterns; falling back to first script "+candidates[0])
			}
		}
	}

	if report.Valid && !report.FrameworkDetected {
		report.Warnings = append(report.Warnings,
			"manifest does not declare a dependency on "+frameworkPackage)
	}
	return report
}

func firstPreferred(candidates []string) string {
	for _, candidate := range candidates {
		if basenameRank(candidate) < len(preferredBasenames) {
			return candidate
		}
	}
	return ""
}
