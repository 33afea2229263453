package installer

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"time"
)

// Installer materializes a project's third-party dependencies by invoking
// the platform package manager as a subprocess.
type Installer struct {
	npmBinary string
	timeout   time.Duration
}

// New returns an Installer using the given npm binary.
func New(npmBinary string, timeout time.Duration) Installer {
	if npmBinary == "" {
		npmBinary = "npm"
	}
	return Installer{npmBinary: npmBinary, timeout: timeout}
}

// HasManifest reports whether the project declares dependencies to install.
func (i Installer) HasManifest(dir string) bool {
	info, err := os.Stat(filepath.Join(dir, "package.json"))
	return err == nil && !info.IsDir()
}

// Install runs the package manager in the project directory and returns its
// combined output. Failure is fatal to the current deployment attempt, not
// to the platform; the caller records the output as the failure message.
func (i Installer) Install(ctx context.Context, dir string) (string, error) {
	if i.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, i.timeout)
		defer cancel()
	}
	cmd := exec.CommandContext(ctx, i.npmBinary, "install", "--no-audit", "--no-fund")
	cmd.Dir = dir
	// npm must never prompt; uploads run unattended.
	cmd.Env = append(os.Environ(), "CI=true", "NO_COLOR=1")
	output, err := cmd.CombinedOutput()
	if err != nil {
		return string(output), fmt.Errorf("npm install failed: %w", err)
	}
	return string(output), nil
}
