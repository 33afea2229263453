package supervisor

import (
	"encoding/json"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/botdock/botdock/internal/analyzer"
)

var packageNameSanitizer = regexp.MustCompile(`[^a-z0-9-]+`)

const heartbeatEntry = `// Placeholder entry generated because no bot code has been uploaded yet.
// Upload a project archive to replace this file.
console.log("no bot code uploaded yet; idling");
setInterval(() => {}, 60000);
`

// ensureScaffold makes an empty project workspace startable: it writes a
// minimal manifest when none exists, and a heartbeat entry file when the
// workspace holds no script at all. A generated manifest points its main at
// the workspace's best ranked script so an uploaded tree that shipped only a
// bot.js remains startable. A workspace that already contains code but lacks
// the entry its own manifest names is left alone so the missing-entry
// failure surfaces to the user instead of being papered over.
func ensureScaffold(dir, projectName string) error {
	manifestPath := filepath.Join(dir, analyzer.ManifestName)
	if _, err := os.Stat(manifestPath); os.IsNotExist(err) {
		main := "index.js"
		if candidates := analyzer.CandidateEntryFiles(dir); len(candidates) > 0 {
			main = filepath.ToSlash(candidates[0])
		}
		manifest := map[string]string{
			"name":    scaffoldPackageName(projectName),
			"version": "1.0.0",
			"main":    main,
		}
		data, err := json.MarshalIndent(manifest, "", "  ")
		if err != nil {
			return err
		}
		if err := os.WriteFile(manifestPath, append(data, '\n'), 0o644); err != nil {
			return err
		}
	}

	if hasScriptFile(dir) {
		return nil
	}
	entry := "index.js"
	if manifest, ok := analyzer.LoadManifest(dir); ok && manifest.Main != "" {
		entry = manifest.Main
	}
	return os.WriteFile(filepath.Join(dir, entry), []byte(heartbeatEntry), 0o644)
}

func hasScriptFile(dir string) bool {
	for _, sub := range []string{dir, filepath.Join(dir, "src")} {
		entries, err := os.ReadDir(sub)
		if err != nil {
			continue
		}
		for _, entry := range entries {
			if entry.IsDir() {
				continue
			}
			switch filepath.Ext(entry.Name()) {
			case ".js", ".mjs", ".cjs":
				return true
			}
		}
	}
	return false
}

func scaffoldPackageName(projectName string) string {
	name := packageNameSanitizer.ReplaceAllString(strings.ToLower(projectName), "-")
	name = strings.Trim(name, "-")
	if name == "" {
		name = "bot-project"
	}
	return name
}
