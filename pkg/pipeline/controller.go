package pipeline

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/sanying/sign-pipeline/pkg/bundle"
	"github.com/sanying/sign-pipeline/pkg/codesign"
	"github.com/sanying/sign-pipeline/pkg/fetch"
	"github.com/sanying/sign-pipeline/pkg/installer"
	"github.com/sanying/sign-pipeline/pkg/notary"
)

// Controller executes the step sequence for one (variant, architecture)
// pair. All skip decisions are made here by probing the files previous
// runs left behind; the components below always do the work when asked.
type Controller struct {
	Cfg    Config
	Fetch  *fetch.Client
	Engine *codesign.Engine
	Build  *installer.Builder
	Notary *notary.Client
	Log    *slog.Logger

	art *Artifact

	// bundleVerified caches the whole-bundle signature probe, which is
	// the done-check for all five signing steps.
	bundleVerified  bool
	preflightDone   bool
	entitlementsSet bool
}

type stepDef struct {
	step Step
	done func(ctx context.Context) bool
	run  func(ctx context.Context) error
}

func (c *Controller) archDir() string {
	return filepath.Join(c.Cfg.OutputRoot, c.Cfg.Variant.Name, c.Cfg.Arch.DistSubdir())
}

func (c *Controller) archivePath() string {
	return filepath.Join(c.archDir(), fmt.Sprintf("%s_%s.zip", c.Cfg.Variant.AppName, c.Cfg.Arch))
}

func (c *Controller) extractedDir() string {
	return filepath.Join(c.archDir(), "extracted")
}

func (c *Controller) appPath() string {
	return filepath.Join(c.archDir(), c.Cfg.Variant.AppName+".app")
}

func (c *Controller) imagePath() string {
	return filepath.Join(c.archDir(), fmt.Sprintf("%s_%s.dmg", c.Cfg.Variant.AppName, c.Cfg.Arch))
}

func (c *Controller) packagePath() string {
	return filepath.Join(c.archDir(), fmt.Sprintf("%s_%s.pkg", c.Cfg.Variant.AppName, c.Cfg.Arch))
}

// Run executes the pipeline and returns the artifact record. A step's
// failure is reported with the step name and stops this pair only.
func (c *Controller) Run(ctx context.Context) (*Artifact, error) {
	if err := c.Cfg.Validate(); err != nil {
		return nil, err
	}
	if err := os.MkdirAll(c.archDir(), 0755); err != nil {
		return nil, fmt.Errorf("failed to create output directory: %w", err)
	}

	c.art = &Artifact{
		Variant: c.Cfg.Variant.Name,
		Arch:    c.Cfg.Arch,
		Tag:     c.Cfg.Tag,
		Bundle:  c.appPath(),
		Image:   c.imagePath(),
		Package: c.packagePath(),
	}

	startIdx := 0
	if c.Cfg.StartFrom != "" {
		startIdx = IndexOf(c.Cfg.StartFrom)
	}

	placeIdx := IndexOf(StepPlace)
	for i, def := range c.stepDefs() {
		log := c.Log.With("step", string(def.step))

		// Bundle-only output: nothing past place runs, whether or not the
		// bundle was placed on this run or a previous one.
		if c.Cfg.SkipSigning && i > placeIdx {
			c.Log.Info("signing disabled, stopping after bundle placement")
			return c.art, nil
		}

		if c.Cfg.StartFrom != "" && i < startIdx {
			log.Info("step bypassed by --start-from")
			continue
		}
		forced := c.Cfg.StartFrom != "" && i >= startIdx

		if !forced && def.done != nil && def.done(ctx) {
			log.Info("step output present, skipping")
			c.markProduced(def.step)
			continue
		}

		log.Info("step running")
		if err := def.run(ctx); err != nil {
			return c.art, fmt.Errorf("step %s: %w", def.step, err)
		}
		c.markProduced(def.step)
		log.Info("step complete")
	}
	return c.art, nil
}

func (c *Controller) markProduced(step Step) {
	switch step {
	case StepPlace:
		c.art.BundleProduced = true
	case StepCreateImage:
		c.art.ImageProduced = true
	case StepCreatePackage:
		c.art.PackageProduced = true
	}
}

func (c *Controller) stepDefs() []stepDef {
	return []stepDef{
		{StepDownload, c.downloadDone, c.download},
		{StepExtract, c.extractDone, c.extract},
		{StepPlace, c.placeDone, c.place},
		{StepSignResources, c.bundleSignedProbe, c.signStep((*codesign.Engine).SignResources)},
		{StepSignFrameworks, c.bundleSignedProbe, c.signStep((*codesign.Engine).SignFrameworks)},
		{StepSignMain, c.bundleSignedProbe, c.signStep((*codesign.Engine).SignMain)},
		{StepSignBundle, c.bundleSignedProbe, c.signStep((*codesign.Engine).SignBundle)},
		{StepVerify, c.bundleSignedProbe, func(ctx context.Context) error {
			return c.Engine.VerifyBundle(ctx, c.appPath())
		}},
		{StepCreateImage, func(context.Context) bool { return installer.Exists(c.imagePath()) },
			func(ctx context.Context) error {
				return c.Build.CreateImage(ctx, c.appPath(), c.imagePath(), c.Cfg.Variant.AppName)
			}},
		{StepSignImage, c.imageSignedProbe, func(ctx context.Context) error {
			return c.Engine.SignImage(ctx, c.imagePath())
		}},
		{StepNotarizeImage, c.notarizedProbe(c.imagePath), func(ctx context.Context) error {
			return c.Notary.Notarize(ctx, c.imagePath())
		}},
		{StepCreatePackage, func(context.Context) bool { return installer.Exists(c.packagePath()) },
			func(ctx context.Context) error {
				return c.Build.CreatePackage(ctx, c.appPath(), c.packagePath(), c.Cfg.Variant.BundleID, c.Cfg.Tag)
			}},
		{StepSignPackage, c.packageSignedProbe, func(ctx context.Context) error {
			return c.Engine.SignPackage(ctx, c.packagePath())
		}},
		{StepNotarizePackage, c.notarizedProbe(c.packagePath), func(ctx context.Context) error {
			return c.Notary.Notarize(ctx, c.packagePath())
		}},
	}
}

// ---- probes ----

func (c *Controller) downloadDone(ctx context.Context) bool {
	// Once the bundle is placed the archive is no longer needed. Before
	// that, always hand over to the fetcher: its remote size comparison
	// is what detects and repairs a partial archive, so a bare existence
	// check here would mask truncated downloads.
	return c.Cfg.LocalDir != "" || c.placeDone(ctx)
}

func (c *Controller) extractDone(ctx context.Context) bool {
	if c.Cfg.LocalDir != "" || c.placeDone(ctx) {
		return true
	}
	// A non-empty directory is not enough; a crashed extraction leaves
	// one behind. Done means the bundle is actually in there.
	_, err := fetch.FindAppBundle(c.extractedDir(), c.Cfg.Variant.AppName)
	return err == nil
}

func (c *Controller) placeDone(context.Context) bool {
	_, err := os.Stat(filepath.Join(c.appPath(), "Contents", "Info.plist"))
	return err == nil
}

func (c *Controller) bundleSignedProbe(ctx context.Context) bool {
	if c.bundleVerified {
		return true
	}
	if !c.placeDone(ctx) {
		return false
	}
	if err := c.Engine.VerifyBundle(ctx, c.appPath()); err != nil {
		return false
	}
	c.bundleVerified = true
	return true
}

func (c *Controller) imageSignedProbe(ctx context.Context) bool {
	return installer.Exists(c.imagePath()) && c.Engine.VerifyImage(ctx, c.imagePath()) == nil
}

func (c *Controller) packageSignedProbe(ctx context.Context) bool {
	return installer.Exists(c.packagePath()) && c.Engine.VerifyPackage(ctx, c.packagePath()) == nil
}

func (c *Controller) notarizedProbe(path func() string) func(ctx context.Context) bool {
	return func(ctx context.Context) bool {
		return installer.Exists(path()) && c.Notary.Validate(ctx, path()) == nil
	}
}

// ---- step bodies ----

func (c *Controller) download(ctx context.Context) error {
	if c.Cfg.LocalDir != "" {
		return nil
	}
	url := c.Cfg.DownloadURL
	if url == "" {
		rel, err := c.Fetch.Release(ctx, c.Cfg.SourceOwner, c.Cfg.SourceRepo, c.Cfg.Tag)
		if err != nil {
			return err
		}
		byArch, err := fetch.AssetsByArch(rel.Assets)
		if err != nil {
			return err
		}
		asset, ok := byArch[string(c.Cfg.Arch)]
		if !ok {
			return fmt.Errorf("release %s has no asset for %s", c.Cfg.Tag, c.Cfg.Arch)
		}
		url = asset.BrowserDownloadURL
	}

	var lastPct int64 = -1
	progress := func(written, total int64) {
		if total <= 0 {
			return
		}
		pct := written * 100 / total
		if pct/10 > lastPct/10 {
			lastPct = pct
			c.Log.Info("downloading", "percent", pct, "bytes", written, "total", total)
		}
	}
	return c.Fetch.Download(ctx, url, c.archivePath(), progress)
}

func (c *Controller) extract(ctx context.Context) error {
	if c.Cfg.LocalDir != "" {
		return nil
	}
	return fetch.ExtractArchive(c.archivePath(), c.extractedDir())
}

// place moves the extracted bundle to its final path, repairs its layout
// and checks the main executable's architecture.
func (c *Controller) place(ctx context.Context) error {
	root := c.extractedDir()
	fromLocal := c.Cfg.LocalDir != ""
	if fromLocal {
		root = c.Cfg.LocalDir
	}

	src, err := fetch.FindAppBundle(root, c.Cfg.Variant.AppName)
	if err != nil {
		return err
	}

	dest := c.appPath()
	if src != dest {
		if err := os.RemoveAll(dest); err != nil {
			return fmt.Errorf("failed to clear previous bundle: %w", err)
		}
		if fromLocal {
			// Leave the caller's directory intact.
			if err := copyTree(src, dest); err != nil {
				return fmt.Errorf("failed to copy bundle: %w", err)
			}
		} else if err := os.Rename(src, dest); err != nil {
			return fmt.Errorf("failed to move bundle into place: %w", err)
		}
	}

	if err := bundle.Normalize(dest, c.Log); err != nil {
		return err
	}

	if err := bundle.VerifyArch(bundle.MainExecutable(dest), string(c.Cfg.Arch)); err != nil {
		c.Log.Warn("architecture check inconclusive", "error", err)
	}
	return nil
}

// signStep wraps an Engine phase with the shared signing preamble: the
// timestamp-authority preflight and the entitlements file, both once per
// run.
func (c *Controller) signStep(phase func(*codesign.Engine, context.Context, string) error) func(ctx context.Context) error {
	return func(ctx context.Context) error {
		if !c.preflightDone {
			if err := c.Engine.CheckTimestampAuthority(ctx); err != nil {
				return err
			}
			c.preflightDone = true
		}
		if !c.entitlementsSet {
			ents, err := codesign.EnsureEntitlements(c.archDir())
			if err != nil {
				return err
			}
			c.Engine.Entitlements = ents
			c.entitlementsSet = true
		}
		// Any new signature invalidates the cached whole-bundle probe.
		c.bundleVerified = false
		return phase(c.Engine, ctx, c.appPath())
	}
}

// copyTree copies a bundle directory preserving symlinks and file modes.
func copyTree(src, dest string) error {
	return filepath.Walk(src, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		target := filepath.Join(dest, rel)

		switch {
		case info.Mode()&os.ModeSymlink != 0:
			linkTarget, err := os.Readlink(path)
			if err != nil {
				return err
			}
			return os.Symlink(linkTarget, target)
		case info.IsDir():
			return os.MkdirAll(target, info.Mode().Perm()|0700)
		default:
			return copyFile(path, target, info.Mode().Perm())
		}
	})
}

func copyFile(src, dest string, perm os.FileMode) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.OpenFile(dest, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, perm)
	if err != nil {
		return err
	}
	defer out.Close()
	_, err = io.Copy(out, in)
	return err
}
