package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/docopt/docopt-go"
	"github.com/joho/godotenv"
	"github.com/lmittmann/tint"
	"golang.org/x/sync/errgroup"

	"github.com/sanying/sign-pipeline/pkg/codesign"
	"github.com/sanying/sign-pipeline/pkg/fetch"
	"github.com/sanying/sign-pipeline/pkg/installer"
	"github.com/sanying/sign-pipeline/pkg/notary"
	"github.com/sanying/sign-pipeline/pkg/pipeline"
	"github.com/sanying/sign-pipeline/pkg/runner"
)

const version = "1.0.0"

const usage = `sign-pipeline - macOS release signing and packaging pipeline

Downloads a built .app bundle from a GitHub release, repairs its layout,
codesigns it, builds a disk image and an installer package, signs both and
notarizes both. Every step leaves its output on disk; re-running skips
whatever is already done.

Usage:
  sign-pipeline <variant> <release-tag> <source-owner> <source-repo> [<credential>] [--start-from=<step>] [--download-url=<url>] [--arch=<arch>] [--dir=<path>]
  sign-pipeline -h | --help
  sign-pipeline --version

Arguments:
  <variant>       Client variant to build (employee, admin, or one from variants.yaml)
  <release-tag>   Release tag to fetch and to stamp into the installer version
  <source-owner>  GitHub owner of the source repository
  <source-repo>   GitHub repository holding the release
  <credential>    GitHub API token (or GITHUB_API_KEY env var)

Options:
  --start-from=<step>   Force execution from this step onward, ignoring existing outputs
  --download-url=<url>  Download the archive from this URL instead of resolving the release (requires --arch)
  --arch=<arch>         Build only this architecture: arm64 or intel (default: both)
  --dir=<path>          Skip download/extract and use the .app bundle found under this directory (requires --arch)
  -h --help             Show this help message
  --version             Show version

Environment Variables:
  CODESIGN_IDENTITY            Application signing identity
  INSTALLER_CODESIGN_IDENTITY  Installer package signing identity
  APPLICATION_P12_PATH         P12 bundle to import for application signing
  APPLICATION_P12_PASSWORD     Password for APPLICATION_P12_PATH
  INSTALLER_P12_PATH           P12 bundle to import for installer signing
  INSTALLER_P12_PASSWORD       Password for INSTALLER_P12_PATH
  APPLE_ID                     Apple account for notarization
  TEAM_ID                      Apple developer team id
  NOTARY_PASSWORD              App-specific password for notarization
  GITHUB_API_KEY               GitHub token (overridden by <credential>)
  SKIP_SIGNING                 Set to 1 to stop after bundle placement

Steps (in order):
  download, extract, place, sign-resources, sign-frameworks, sign-main,
  sign-bundle, verify, create-image, sign-image, notarize-image,
  create-package, sign-package, notarize-package

Examples:
  # Build and notarize both architectures of the employee client
  sign-pipeline employee v2.3.1 acme aiperf-desktop

  # Resume a run that failed while signing the main executable
  sign-pipeline employee v2.3.1 acme aiperf-desktop --start-from=sign-main --arch=arm64

  # Sign a bundle that is already on disk
  sign-pipeline admin v2.3.1 acme aiperf-desktop --dir=./build --arch=arm64
`

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	// A missing .env is fine; real env vars win either way.
	_ = godotenv.Load()

	log := slog.New(tint.NewHandler(os.Stderr, &tint.Options{TimeFormat: time.TimeOnly}))
	slog.SetDefault(log)

	opts, err := docopt.ParseArgs(usage, os.Args[1:], version)
	if err != nil {
		return fmt.Errorf("failed to parse arguments: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	variantName, _ := opts.String("<variant>")
	tag, _ := opts.String("<release-tag>")
	owner, _ := opts.String("<source-owner>")
	repo, _ := opts.String("<source-repo>")
	credential, _ := opts.String("<credential>")
	startFrom, _ := opts.String("--start-from")
	downloadURL, _ := opts.String("--download-url")
	archFlag, _ := opts.String("--arch")
	localDir, _ := opts.String("--dir")

	if credential == "" {
		credential = os.Getenv("GITHUB_API_KEY")
	}
	if localDir != "" && archFlag == "" {
		return fmt.Errorf("--dir requires --arch")
	}
	if downloadURL != "" && archFlag == "" {
		return fmt.Errorf("--download-url requires --arch")
	}

	catalog, err := pipeline.LoadVariants("variants.yaml")
	if err != nil {
		return err
	}
	variant, err := pipeline.LookupVariant(catalog, variantName)
	if err != nil {
		return err
	}

	arches := pipeline.AllArches
	if archFlag != "" {
		arch, err := pipeline.ParseArch(archFlag)
		if err != nil {
			return err
		}
		arches = []pipeline.Arch{arch}
	}

	skipSigning := boolEnv("SKIP_SIGNING")
	exec := &runner.ExecRunner{}

	appIdentity, installerIdentity, err := resolveIdentities(ctx, exec, log, skipSigning)
	if err != nil {
		return err
	}

	// Each architecture owns a disjoint output directory, so the pairs run
	// concurrently; one pair's failure does not stop the other.
	var g errgroup.Group
	for _, arch := range arches {
		arch := arch
		g.Go(func() error {
			archLog := log.With("variant", variant.Name, "arch", string(arch))
			ctl := &pipeline.Controller{
				Cfg: pipeline.Config{
					Variant:     variant,
					Arch:        arch,
					Tag:         tag,
					SourceOwner: owner,
					SourceRepo:  repo,
					Credential:  credential,
					OutputRoot:  "dist",
					StartFrom:   pipeline.Step(startFrom),
					DownloadURL: downloadURL,
					LocalDir:    localDir,
					SkipSigning: skipSigning,
				},
				Fetch:  fetch.NewClient(credential, archLog),
				Engine: codesign.NewEngine(exec, appIdentity, installerIdentity, archLog),
				Build:  installer.NewBuilder(exec, archLog),
				Notary: notary.NewClient(exec, os.Getenv("APPLE_ID"), os.Getenv("TEAM_ID"), os.Getenv("NOTARY_PASSWORD"), archLog),
				Log:    archLog,
			}
			art, err := ctl.Run(ctx)
			if err != nil {
				archLog.Error("pipeline failed", "error", err)
				return err
			}
			archLog.Info("pipeline complete",
				"bundle", art.Bundle,
				"image", art.Image,
				"package", art.Package)
			return nil
		})
	}
	return g.Wait()
}

// resolveIdentities picks the signing identities from the environment,
// importing P12 bundles into the keychain when paths are provided.
func resolveIdentities(ctx context.Context, exec runner.Runner, log *slog.Logger, skipSigning bool) (string, string, error) {
	appIdentity := os.Getenv("CODESIGN_IDENTITY")
	installerIdentity := os.Getenv("INSTALLER_CODESIGN_IDENTITY")
	if skipSigning {
		return appIdentity, installerIdentity, nil
	}

	setup := codesign.NewEngine(exec, appIdentity, installerIdentity, log)
	if path := os.Getenv("APPLICATION_P12_PATH"); path != "" {
		name, err := setup.ImportP12(ctx, path, os.Getenv("APPLICATION_P12_PASSWORD"))
		if err != nil {
			return "", "", err
		}
		appIdentity = name
	}
	if path := os.Getenv("INSTALLER_P12_PATH"); path != "" {
		name, err := setup.ImportP12(ctx, path, os.Getenv("INSTALLER_P12_PASSWORD"))
		if err != nil {
			return "", "", err
		}
		installerIdentity = name
	}

	if appIdentity == "" {
		return "", "", fmt.Errorf("no application signing identity: set CODESIGN_IDENTITY or APPLICATION_P12_PATH, or SKIP_SIGNING=1")
	}
	if err := setup.VerifyIdentity(ctx, appIdentity); err != nil {
		return "", "", err
	}
	return appIdentity, installerIdentity, nil
}

func boolEnv(name string) bool {
	switch os.Getenv(name) {
	case "1", "true", "yes":
		return true
	}
	return false
}
