package pipeline

// Artifact records the outputs of one (variant, architecture) run. Paths
// are filled in up front; the produced flags flip as steps complete. The
// pipeline never deletes an artifact, re-runs only supersede it.
type Artifact struct {
	Variant string
	Arch    Arch
	Tag     string

	Bundle  string
	Image   string
	Package string

	BundleProduced  bool
	ImageProduced   bool
	PackageProduced bool
}
