// Package pipeline drives the release flow: fetch the built bundle, repair
// its layout, sign it, package it and notarize the results. The only
// persisted state is what the steps leave on disk; re-running inspects
// those files and skips everything already done.
package pipeline

// Step is one stage of the release flow. Steps form a total order; a
// step's prerequisites are exactly the steps before it.
type Step string

const (
	StepDownload        Step = "download"
	StepExtract         Step = "extract"
	StepPlace           Step = "place"
	StepSignResources   Step = "sign-resources"
	StepSignFrameworks  Step = "sign-frameworks"
	StepSignMain        Step = "sign-main"
	StepSignBundle      Step = "sign-bundle"
	StepVerify          Step = "verify"
	StepCreateImage     Step = "create-image"
	StepSignImage       Step = "sign-image"
	StepNotarizeImage   Step = "notarize-image"
	StepCreatePackage   Step = "create-package"
	StepSignPackage     Step = "sign-package"
	StepNotarizePackage Step = "notarize-package"
)

// Steps in execution order.
var Steps = []Step{
	StepDownload,
	StepExtract,
	StepPlace,
	StepSignResources,
	StepSignFrameworks,
	StepSignMain,
	StepSignBundle,
	StepVerify,
	StepCreateImage,
	StepSignImage,
	StepNotarizeImage,
	StepCreatePackage,
	StepSignPackage,
	StepNotarizePackage,
}

// IndexOf returns the step's position in the order, or -1 for an unknown
// step name.
func IndexOf(s Step) int {
	for i, step := range Steps {
		if step == s {
			return i
		}
	}
	return -1
}
