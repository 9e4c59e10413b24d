package bundle

import (
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
)

// sharedResource describes one resource tree that must exist exactly once
// inside the bundle, with every other reference to it being a symlink.
// The zip extraction step and upstream build tooling disagree about which
// of the two locations holds the real directory, so the normalizer has to
// handle every combination.
type sharedResource struct {
	Name      string // directory name, e.g. "resources"
	LinkSite  string // bundle-relative dir that must hold the symlink
	Canonical string // bundle-relative dir that must hold the real copy
	Target    string // symlink target, relative to LinkSite
}

var sharedResources = []sharedResource{
	{
		Name:      "resources",
		LinkSite:  filepath.Join("Contents", "Frameworks"),
		Canonical: filepath.Join("Contents", "Resources"),
		Target:    filepath.Join("..", "Resources", "resources"),
	},
}

// Frameworks entries that survive the non-binary cleanup. Everything here
// either carries code or is referenced at runtime by name.
var frameworksKeepExt = map[string]bool{
	".dylib": true,
	".so":    true,
	".json":  true,
}

var frameworksKeepDirs = map[string]bool{
	"PySide6": true,
}

// Normalize repairs the bundle layout after extraction: shared resource
// trees are moved to their canonical location and replaced with symlinks,
// and stray non-binary files are removed from Contents/Frameworks. It must
// run before signing, since codesign rejects bundles with mis-rooted
// resource directories inside Frameworks.
func Normalize(appPath string, log *slog.Logger) error {
	for _, res := range sharedResources {
		if err := repairSharedResource(appPath, res, log); err != nil {
			return err
		}
	}
	return cleanFrameworks(appPath, log)
}

func repairSharedResource(appPath string, res sharedResource, log *slog.Logger) error {
	linkPath := filepath.Join(appPath, res.LinkSite, res.Name)
	canonPath := filepath.Join(appPath, res.Canonical, res.Name)

	linkInfo, linkErr := os.Lstat(linkPath)
	canonInfo, canonErr := os.Lstat(canonPath)
	canonIsDir := canonErr == nil && canonInfo.IsDir()

	switch {
	case linkErr == nil && linkInfo.Mode()&os.ModeSymlink != 0:
		target, err := os.Readlink(linkPath)
		if err != nil {
			return &NormalizationError{Path: linkPath, Reason: fmt.Sprintf("unreadable symlink: %v", err)}
		}
		if target == res.Target {
			return nil
		}
		if !canonIsDir {
			// Recreating the link would leave it dangling.
			return &NormalizationError{Path: linkPath, Reason: fmt.Sprintf("symlink points to %s and no canonical copy exists at %s", target, canonPath)}
		}
		log.Warn("relinking shared resource", "path", linkPath, "old", target, "new", res.Target)
		if err := os.Remove(linkPath); err != nil {
			return &NormalizationError{Path: linkPath, Reason: err.Error()}
		}

	case linkErr == nil && linkInfo.IsDir():
		if canonIsDir {
			// Both locations hold a real copy. The canonical one wins.
			log.Warn("removing duplicate resource directory", "path", linkPath)
			if err := os.RemoveAll(linkPath); err != nil {
				return &NormalizationError{Path: linkPath, Reason: err.Error()}
			}
		} else {
			log.Warn("moving resource directory to canonical location", "from", linkPath, "to", canonPath)
			if err := os.MkdirAll(filepath.Dir(canonPath), 0755); err != nil {
				return &NormalizationError{Path: canonPath, Reason: err.Error()}
			}
			if err := os.Rename(linkPath, canonPath); err != nil {
				return &NormalizationError{Path: linkPath, Reason: fmt.Sprintf("move failed: %v", err)}
			}
		}

	case linkErr == nil:
		return &NormalizationError{Path: linkPath, Reason: "expected directory or symlink"}

	case !os.IsNotExist(linkErr):
		return &NormalizationError{Path: linkPath, Reason: linkErr.Error()}

	case !canonIsDir:
		// Neither location has the resource. Nothing to link to.
		return nil
	}

	if err := os.MkdirAll(filepath.Dir(linkPath), 0755); err != nil {
		return &NormalizationError{Path: linkPath, Reason: err.Error()}
	}
	if err := os.Symlink(res.Target, linkPath); err != nil {
		return &NormalizationError{Path: linkPath, Reason: fmt.Sprintf("symlink failed: %v", err)}
	}
	log.Info("shared resource linked", "path", linkPath, "target", res.Target)
	return nil
}

// cleanFrameworks removes non-binary files and non-framework directories
// from Contents/Frameworks. The build tool occasionally leaks metadata
// directories and resource files there, which codesign then refuses to
// seal into the bundle signature.
func cleanFrameworks(appPath string, log *slog.Logger) error {
	dir := filepath.Join(appPath, "Contents", "Frameworks")
	entries, err := os.ReadDir(dir)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return &NormalizationError{Path: dir, Reason: err.Error()}
	}

	for _, entry := range entries {
		path := filepath.Join(dir, entry.Name())
		if keepFrameworksEntry(path, entry) {
			continue
		}
		log.Warn("removing stray entry from Frameworks", "path", path)
		if err := os.RemoveAll(path); err != nil {
			return &NormalizationError{Path: path, Reason: err.Error()}
		}
	}
	return nil
}

func keepFrameworksEntry(path string, entry fs.DirEntry) bool {
	if entry.Type()&os.ModeSymlink != 0 {
		return true
	}
	name := entry.Name()
	ext := filepath.Ext(name)
	if entry.IsDir() {
		return ext == ".framework" || frameworksKeepDirs[name]
	}
	if frameworksKeepExt[ext] {
		return true
	}
	// Extensionless files are usually Mach-O helper binaries.
	if ext == "" {
		return true
	}
	return IsMachO(path)
}
