package pipeline

import "fmt"

// Arch is a target CPU architecture.
type Arch string

const (
	ArchARM64 Arch = "arm64"
	ArchIntel Arch = "intel"
)

// AllArches in the order they are built.
var AllArches = []Arch{ArchARM64, ArchIntel}

// ParseArch validates an architecture name from the command line.
func ParseArch(s string) (Arch, error) {
	switch Arch(s) {
	case ArchARM64, ArchIntel:
		return Arch(s), nil
	}
	return "", fmt.Errorf("unknown architecture %q, want arm64 or intel", s)
}

// DistSubdir is the per-arch output directory name. Apple-silicon output
// has always lived under "m" and changing it would break download links.
func (a Arch) DistSubdir() string {
	if a == ArchARM64 {
		return "m"
	}
	return string(a)
}

// Config is everything one (variant, architecture) pipeline run needs.
type Config struct {
	Variant Variant
	Arch    Arch
	Tag     string

	SourceOwner string
	SourceRepo  string
	Credential  string

	// OutputRoot is the dist directory; per-run output goes under
	// <OutputRoot>/<variant>/<archdir>.
	OutputRoot string

	// StartFrom, when set, forces execution from that step onward.
	StartFrom Step

	// DownloadURL bypasses release lookup. LocalDir bypasses download and
	// extraction entirely and places the bundle found under it.
	DownloadURL string
	LocalDir    string

	// SkipSigning stops the pipeline after place: bundle-only output.
	SkipSigning bool
}

// Validate catches option combinations the pipeline cannot execute.
func (c *Config) Validate() error {
	if c.Variant.AppName == "" || c.Variant.BundleID == "" {
		return fmt.Errorf("variant is incomplete: %+v", c.Variant)
	}
	if c.Arch == "" {
		return fmt.Errorf("architecture is required")
	}
	if c.StartFrom != "" && IndexOf(c.StartFrom) < 0 {
		return fmt.Errorf("unknown step %q, known steps: %v", c.StartFrom, Steps)
	}
	if c.LocalDir == "" && c.DownloadURL == "" && (c.SourceOwner == "" || c.SourceRepo == "" || c.Tag == "") {
		return fmt.Errorf("need a source repository and release tag, or --download-url, or --dir")
	}
	return nil
}
