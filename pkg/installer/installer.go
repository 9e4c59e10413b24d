// Package installer builds the two distributable artifacts from a signed
// app bundle: a compressed disk image and a product installer package.
package installer

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/sanying/sign-pipeline/pkg/runner"
)

const buildTimeout = 10 * time.Minute

// Builder drives hdiutil, pkgbuild and productbuild. Artifacts are always
// rebuilt from scratch; skip decisions belong to the pipeline.
type Builder struct {
	Run runner.Runner
	Log *slog.Logger
}

func NewBuilder(run runner.Runner, log *slog.Logger) *Builder {
	return &Builder{Run: run, Log: log}
}

// CreateImage packages the bundle into a compressed disk image at dmgPath,
// alongside an /Applications symlink so the install gesture is drag and
// drop. The image is mounted once after creation to prove it opens; a
// corrupt image is rebuilt a single time.
func (b *Builder) CreateImage(ctx context.Context, appPath, dmgPath, volumeName string) error {
	staging, err := os.MkdirTemp(filepath.Dir(dmgPath), "dmg-staging-")
	if err != nil {
		return fmt.Errorf("failed to create staging directory: %w", err)
	}
	defer os.RemoveAll(staging)

	appName := filepath.Base(appPath)
	if _, err := b.Run.Run(ctx, buildTimeout, "ditto", appPath, filepath.Join(staging, appName)); err != nil {
		return fmt.Errorf("failed to stage bundle: %w", err)
	}
	if err := os.Symlink("/Applications", filepath.Join(staging, "Applications")); err != nil {
		return fmt.Errorf("failed to create Applications link: %w", err)
	}

	build := func() error {
		os.Remove(dmgPath)
		_, err := b.Run.Run(ctx, buildTimeout, "hdiutil", "create",
			"-volname", volumeName,
			"-srcfolder", staging,
			"-ov", "-format", "UDZO",
			dmgPath)
		if err != nil {
			return fmt.Errorf("failed to create disk image: %w", err)
		}
		return nil
	}

	if err := build(); err != nil {
		return err
	}
	if err := b.verifyImage(ctx, dmgPath, appName); err != nil {
		b.Log.Warn("disk image failed mount check, rebuilding", "path", dmgPath, "error", err)
		if err := build(); err != nil {
			return err
		}
		if err := b.verifyImage(ctx, dmgPath, appName); err != nil {
			return err
		}
	}
	b.Log.Info("disk image created", "path", dmgPath)
	return nil
}

// verifyImage mounts the image read-only and checks the bundle is inside.
func (b *Builder) verifyImage(ctx context.Context, dmgPath, appName string) error {
	mount, err := os.MkdirTemp(filepath.Dir(dmgPath), "dmg-mount-")
	if err != nil {
		return err
	}
	defer os.RemoveAll(mount)

	_, err = b.Run.Run(ctx, buildTimeout, "hdiutil", "attach",
		dmgPath, "-readonly", "-nobrowse", "-mountpoint", mount)
	if err != nil {
		return fmt.Errorf("disk image does not mount: %w", err)
	}
	_, statErr := os.Stat(filepath.Join(mount, appName))
	if _, err := b.Run.Run(ctx, buildTimeout, "hdiutil", "detach", mount); err != nil {
		b.Log.Warn("failed to detach disk image", "mountpoint", mount, "error", err)
	}
	if statErr != nil {
		return fmt.Errorf("mounted image is missing %s: %w", appName, statErr)
	}
	return nil
}

// CreatePackage builds a product installer package that places the bundle
// in /Applications. A component package is built first, then wrapped with
// a distribution manifest by productbuild.
func (b *Builder) CreatePackage(ctx context.Context, appPath, pkgPath, identifier, version string) error {
	work, err := os.MkdirTemp(filepath.Dir(pkgPath), "pkg-work-")
	if err != nil {
		return fmt.Errorf("failed to create package workspace: %w", err)
	}
	defer os.RemoveAll(work)

	appName := filepath.Base(appPath)
	root := filepath.Join(work, "root")
	if err := os.MkdirAll(filepath.Join(root, "Applications"), 0755); err != nil {
		return fmt.Errorf("failed to create package root: %w", err)
	}
	if _, err := b.Run.Run(ctx, buildTimeout, "ditto",
		appPath, filepath.Join(root, "Applications", appName)); err != nil {
		return fmt.Errorf("failed to stage bundle into package root: %w", err)
	}

	component := filepath.Join(work, "component.pkg")
	if _, err := b.Run.Run(ctx, buildTimeout, "pkgbuild",
		"--root", root,
		"--identifier", identifier,
		"--version", packageVersion(version),
		"--install-location", "/",
		component); err != nil {
		return fmt.Errorf("failed to build component package: %w", err)
	}

	dist := filepath.Join(work, "distribution.xml")
	manifest := distributionXML(strings.TrimSuffix(appName, ".app"), identifier, packageVersion(version))
	if err := os.WriteFile(dist, []byte(manifest), 0644); err != nil {
		return fmt.Errorf("failed to write distribution manifest: %w", err)
	}

	os.Remove(pkgPath)
	if _, err := b.Run.Run(ctx, buildTimeout, "productbuild",
		"--distribution", dist,
		"--package-path", work,
		pkgPath); err != nil {
		return fmt.Errorf("failed to build installer package: %w", err)
	}
	b.Log.Info("installer package created", "path", pkgPath)
	return nil
}

// packageVersion strips the release-tag prefix; pkgbuild wants bare
// dotted numbers.
func packageVersion(tag string) string {
	return strings.TrimPrefix(tag, "v")
}

func distributionXML(title, identifier, version string) string {
	return fmt.Sprintf(`<?xml version="1.0" encoding="utf-8"?>
<installer-gui-script minSpecVersion="1">
    <title>%s</title>
    <options customize="never" require-scripts="false" rootVolumeOnly="true"/>
    <domains enable_localSystem="true"/>
    <choices-outline>
        <line choice="default">
            <line choice="%s"/>
        </line>
    </choices-outline>
    <choice id="default"/>
    <choice id="%s" visible="false">
        <pkg-ref id="%s"/>
    </choice>
    <pkg-ref id="%s" version="%s" onConclusion="none">component.pkg</pkg-ref>
</installer-gui-script>
`, title, identifier, identifier, identifier, identifier, version)
}

// Exists reports whether the artifact at path is present and non-empty.
func Exists(path string) bool {
	st, err := os.Stat(path)
	return err == nil && st.Size() > 0
}
