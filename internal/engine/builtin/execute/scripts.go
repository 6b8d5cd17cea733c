package execute

import (
	"context"
	"embed"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/tmx-org/tmx/internal/guest"
)

//go:embed scripts
var scriptsFS embed.FS

// ScriptsDirName is the directory under the plan workdir holding the
// on-guest helper scripts; its path reaches tests via TMT_SCRIPTS_DIR.
const ScriptsDirName = "scripts"

// installScripts materializes the helper scripts locally and pushes
// them to the guest. Returns the scripts directory path.
func installScripts(ctx context.Context, planDir string, g guest.Guest) (string, error) {
	dir := filepath.Join(planDir, ScriptsDirName)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", err
	}

	entries, err := fs.ReadDir(scriptsFS, "scripts")
	if err != nil {
		return "", err
	}
	for _, entry := range entries {
		data, err := fs.ReadFile(scriptsFS, "scripts/"+entry.Name())
		if err != nil {
			return "", err
		}
		target := filepath.Join(dir, entry.Name())
		if err := os.WriteFile(target, data, 0755); err != nil {
			return "", err
		}
	}

	if err := g.Push(ctx, dir, dir); err != nil {
		return "", err
	}
	return dir, nil
}
