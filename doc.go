// Package main provides the sign-pipeline CLI for macOS release builds:
// it fetches a built app bundle from a GitHub release, repairs its layout,
// signs it, packages it as a disk image and installer package, and
// notarizes both.
//
// For the library API, see the subpackages:
//
//	import "github.com/sanying/sign-pipeline/pkg/pipeline"
//
// # Installation
//
// Install the CLI:
//
//	go install github.com/sanying/sign-pipeline@latest
package main
