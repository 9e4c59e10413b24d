package codesign

import (
	"fmt"
	"os"
	"path/filepath"

	"howett.net/plist"
)

// entitlements granted to the hardened-runtime app. PyInstaller-built apps
// load libraries through ctypes at runtime, so the JIT and
// library-validation exceptions are required for the binary to launch.
var hardenedRuntimeEntitlements = map[string]bool{
	"com.apple.security.cs.allow-jit":                        true,
	"com.apple.security.cs.allow-unsigned-executable-memory": true,
	"com.apple.security.cs.disable-library-validation":       true,
	"com.apple.security.cs.allow-dyld-environment-variables": true,
}

// EnsureEntitlements writes the entitlements plist into dir if it is not
// already there and returns its path.
func EnsureEntitlements(dir string) (string, error) {
	path := filepath.Join(dir, "entitlements.plist")
	if _, err := os.Stat(path); err == nil {
		return path, nil
	}

	data, err := plist.MarshalIndent(hardenedRuntimeEntitlements, plist.XMLFormat, "\t")
	if err != nil {
		return "", fmt.Errorf("failed to encode entitlements: %w", err)
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", err
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return "", fmt.Errorf("failed to write entitlements: %w", err)
	}
	return path, nil
}

// ParseEntitlements parses an XML entitlements plist into a map.
func ParseEntitlements(data []byte) (map[string]interface{}, error) {
	var ents map[string]interface{}
	if _, err := plist.Unmarshal(data, &ents); err != nil {
		return nil, fmt.Errorf("failed to parse entitlements: %w", err)
	}
	return ents, nil
}
