// Package bundle inspects and repairs macOS app bundles.
//
// The normalizer brings an extracted bundle into the layout the signing
// tool requires: one real copy of each shared resource tree in its
// canonical location, symbolic links everywhere else, and no stray
// non-binary files inside Contents/Frameworks.
package bundle

import (
	"fmt"
	"os"
	"path/filepath"

	"howett.net/plist"
)

// NormalizationError reports unexpected filesystem state found while
// repairing a bundle. It carries the offending path.
type NormalizationError struct {
	Path   string
	Reason string
}

func (e *NormalizationError) Error() string {
	return fmt.Sprintf("normalize %s: %s", e.Path, e.Reason)
}

// Info parses Contents/Info.plist of an app bundle.
func Info(appPath string) (map[string]interface{}, error) {
	data, err := os.ReadFile(filepath.Join(appPath, "Contents", "Info.plist"))
	if err != nil {
		return nil, fmt.Errorf("failed to read Info.plist: %w", err)
	}
	var info map[string]interface{}
	if _, err := plist.Unmarshal(data, &info); err != nil {
		return nil, fmt.Errorf("failed to parse Info.plist: %w", err)
	}
	return info, nil
}

// BundleID reads CFBundleIdentifier from the bundle's Info.plist.
func BundleID(appPath string) (string, error) {
	info, err := Info(appPath)
	if err != nil {
		return "", err
	}
	id, ok := info["CFBundleIdentifier"].(string)
	if !ok {
		return "", fmt.Errorf("CFBundleIdentifier not found in Info.plist")
	}
	return id, nil
}

// ExecutableName reads CFBundleExecutable from the bundle's Info.plist.
func ExecutableName(appPath string) (string, error) {
	info, err := Info(appPath)
	if err != nil {
		return "", err
	}
	name, ok := info["CFBundleExecutable"].(string)
	if !ok {
		return "", fmt.Errorf("CFBundleExecutable not found in Info.plist")
	}
	return name, nil
}

// MainExecutable returns the path to the bundle's main executable,
// falling back to the bundle name when Info.plist is unreadable.
func MainExecutable(appPath string) string {
	name, err := ExecutableName(appPath)
	if err != nil {
		name = trimAppSuffix(filepath.Base(appPath))
	}
	return filepath.Join(appPath, "Contents", "MacOS", name)
}

func trimAppSuffix(name string) string {
	if filepath.Ext(name) == ".app" {
		return name[:len(name)-len(".app")]
	}
	return name
}
