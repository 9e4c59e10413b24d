// Package codesign signs app bundles and installer artifacts by driving
// the platform signing tools. Components are signed in dependency order,
// since codesign seals a hash of every already-signed sub-component into
// the signature of its container: leaf binaries first, then embedded
// frameworks, then the main executable, then the bundle itself.
package codesign

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/sanying/sign-pipeline/pkg/bundle"
	"github.com/sanying/sign-pipeline/pkg/retry"
	"github.com/sanying/sign-pipeline/pkg/runner"
)

const (
	signTimeout   = 5 * time.Minute
	verifyTimeout = time.Minute

	timestampHost = "timestamp.apple.com:80"
)

// Engine signs bundles, disk images and installer packages. The two
// identities are distinct certificate kinds: an application identity
// cannot sign a package and vice versa.
type Engine struct {
	Run               runner.Runner
	Identity          string
	InstallerIdentity string
	Entitlements      string
	Log               *slog.Logger

	timestampPolicy retry.Policy

	// Dial is the connection probe used by CheckTimestampAuthority,
	// replaceable in tests.
	Dial func(network, addr string, timeout time.Duration) (net.Conn, error)
}

func NewEngine(run runner.Runner, identity, installerIdentity string, log *slog.Logger) *Engine {
	return &Engine{
		Run:               run,
		Identity:          identity,
		InstallerIdentity: installerIdentity,
		Log:               log,
		timestampPolicy: retry.Policy{
			MaxAttempts: 3,
			BaseDelay:   5 * time.Second,
			Multiplier:  2,
			Classify:    classifySigning,
		},
		Dial: net.DialTimeout,
	}
}

// classifySigning treats only timestamp-authority trouble as retryable.
// Everything else codesign reports is a configuration or input problem
// that retrying cannot fix.
func classifySigning(err error) retry.Class {
	var timeoutErr *runner.TimeoutError
	if errors.As(err, &timeoutErr) {
		return retry.Retryable
	}
	var toolErr *runner.ToolError
	if errors.As(err, &toolErr) {
		stderr := strings.ToLower(toolErr.Stderr)
		for _, marker := range []string{"timestamp service", "timestamps", "timed out", "network", "could not be reached"} {
			if strings.Contains(stderr, marker) {
				return retry.Retryable
			}
		}
	}
	return retry.Fatal
}

// CheckTimestampAuthority probes connectivity to the trust timestamp
// service before any signing starts. Signing a whole bundle only to fail
// on the final timestamp fetch wastes minutes per attempt.
func (e *Engine) CheckTimestampAuthority(ctx context.Context) error {
	policy := retry.Policy{MaxAttempts: 3, BaseDelay: 2 * time.Second, Multiplier: 2}
	err := retry.Do(ctx, policy, func() error {
		conn, err := e.Dial("tcp", timestampHost, 5*time.Second)
		if err != nil {
			e.Log.Warn("timestamp authority unreachable", "host", timestampHost, "error", err)
			return err
		}
		conn.Close()
		return nil
	})
	if err != nil {
		return fmt.Errorf("timestamp authority %s unreachable: %w", timestampHost, err)
	}
	return nil
}

type signOptions struct {
	entitlements bool
	timestamp    bool
}

func (e *Engine) signFile(ctx context.Context, path string, opts signOptions) error {
	args := []string{"--sign", e.Identity, "--force", "--options", "runtime"}
	if opts.timestamp {
		args = append(args, "--timestamp")
	} else {
		args = append(args, "--timestamp=none")
	}
	if opts.entitlements && e.Entitlements != "" {
		args = append(args, "--entitlements", e.Entitlements)
	}
	args = append(args, path)

	sign := func() error {
		_, err := e.Run.Run(ctx, signTimeout, "codesign", args...)
		return err
	}

	var err error
	if opts.timestamp {
		err = retry.Do(ctx, e.timestampPolicy, sign)
	} else {
		err = sign()
	}
	if err != nil {
		return &SigningError{Path: path, Err: err}
	}
	return nil
}

// verifyRepair checks the signature on path. When verification fails the
// usual cause is a residual file codesign auto-sealed into the component;
// the component is re-signed without a timestamp and verified once more
// before the failure propagates.
func (e *Engine) verifyRepair(ctx context.Context, path string, opts signOptions) error {
	if err := e.verify(ctx, path); err == nil {
		return nil
	}
	e.Log.Warn("signature invalid, re-signing component", "path", path)
	opts.timestamp = false
	if err := e.signFile(ctx, path, opts); err != nil {
		return err
	}
	return e.verify(ctx, path)
}

func (e *Engine) verify(ctx context.Context, path string) error {
	_, err := e.Run.Run(ctx, verifyTimeout, "codesign", "--verify", "-vvv", path)
	if err == nil {
		return nil
	}
	var toolErr *runner.ToolError
	if errors.As(err, &toolErr) {
		return &VerificationError{Path: path, Output: toolErr.Stderr}
	}
	return err
}

func (e *Engine) signAndVerify(ctx context.Context, path string, opts signOptions) error {
	if err := e.signFile(ctx, path, opts); err != nil {
		return err
	}
	return e.verifyRepair(ctx, path, opts)
}

// SignResources signs the leaf binaries: Mach-O files under the resource
// tree plus the loose shared libraries sitting directly in Frameworks,
// outside any .framework unit.
func (e *Engine) SignResources(ctx context.Context, appPath string) error {
	targets, err := resourceBinaries(appPath)
	if err != nil {
		return err
	}
	e.Log.Info("signing resource binaries", "count", len(targets))
	for _, target := range targets {
		if err := e.signAndVerify(ctx, target, signOptions{timestamp: true}); err != nil {
			return err
		}
	}
	return nil
}

// SignFrameworks signs each embedded framework unit: its inner Mach-O
// files deepest-first, then the unit as a whole.
func (e *Engine) SignFrameworks(ctx context.Context, appPath string) error {
	fwDir := filepath.Join(appPath, "Contents", "Frameworks")
	entries, err := os.ReadDir(fwDir)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to list frameworks: %w", err)
	}

	for _, entry := range entries {
		if !entry.IsDir() || entry.Type()&os.ModeSymlink != 0 {
			continue
		}
		unit := filepath.Join(fwDir, entry.Name())
		binaries, err := machOBinaries(unit)
		if err != nil {
			return err
		}
		// Inner binaries before the unit itself.
		sort.Slice(binaries, func(i, j int) bool {
			return strings.Count(binaries[i], string(os.PathSeparator)) > strings.Count(binaries[j], string(os.PathSeparator))
		})
		e.Log.Info("signing framework unit", "unit", entry.Name(), "binaries", len(binaries))
		for _, bin := range binaries {
			if err := e.signAndVerify(ctx, bin, signOptions{timestamp: true}); err != nil {
				return err
			}
		}
		if filepath.Ext(entry.Name()) == ".framework" {
			if err := e.signAndVerify(ctx, unit, signOptions{timestamp: true}); err != nil {
				return err
			}
		}
	}
	return nil
}

// SignMain signs the bundle's main executable with the hardened-runtime
// entitlements.
func (e *Engine) SignMain(ctx context.Context, appPath string) error {
	exe := bundle.MainExecutable(appPath)
	if _, err := os.Stat(exe); err != nil {
		return &SigningError{Path: exe, Err: fmt.Errorf("main executable missing: %w", err)}
	}
	e.Log.Info("signing main executable", "path", exe)
	return e.signAndVerify(ctx, exe, signOptions{entitlements: true, timestamp: true})
}

// SignBundle seals the outer bundle. No --deep: every sub-component was
// already signed individually in the previous phases.
func (e *Engine) SignBundle(ctx context.Context, appPath string) error {
	e.Log.Info("signing bundle", "path", appPath)
	if err := e.signFile(ctx, appPath, signOptions{entitlements: true, timestamp: true}); err != nil {
		return err
	}
	return e.VerifyBundle(ctx, appPath)
}

// VerifyBundle runs a strict whole-bundle verification. Its success is
// also what the pipeline uses to decide the bundle is already signed.
func (e *Engine) VerifyBundle(ctx context.Context, appPath string) error {
	_, err := e.Run.Run(ctx, verifyTimeout, "codesign", "--verify", "--strict", "-vvv", appPath)
	if err == nil {
		return nil
	}
	var toolErr *runner.ToolError
	if errors.As(err, &toolErr) {
		return &VerificationError{Path: appPath, Output: toolErr.Stderr}
	}
	return err
}

// SignImage signs a disk image in place.
func (e *Engine) SignImage(ctx context.Context, imagePath string) error {
	e.Log.Info("signing disk image", "path", imagePath)
	sign := func() error {
		_, err := e.Run.Run(ctx, signTimeout, "codesign",
			"--sign", e.Identity, "--force", "--timestamp", imagePath)
		return err
	}
	if err := retry.Do(ctx, e.timestampPolicy, sign); err != nil {
		return &SigningError{Path: imagePath, Err: err}
	}
	return e.verify(ctx, imagePath)
}

// VerifyImage reports whether the disk image carries a valid signature.
func (e *Engine) VerifyImage(ctx context.Context, imagePath string) error {
	return e.verify(ctx, imagePath)
}

// SignPackage signs an installer package with the installer identity.
// productsign writes a new file, so the signed output replaces the input
// only after the tool succeeds.
func (e *Engine) SignPackage(ctx context.Context, pkgPath string) error {
	if e.InstallerIdentity == "" {
		return &SigningError{Path: pkgPath, Err: errors.New("no installer signing identity configured")}
	}
	e.Log.Info("signing installer package", "path", pkgPath)
	signed := pkgPath + ".signed"
	sign := func() error {
		os.Remove(signed)
		_, err := e.Run.Run(ctx, signTimeout, "productsign",
			"--sign", e.InstallerIdentity, "--timestamp", pkgPath, signed)
		return err
	}
	if err := retry.Do(ctx, e.timestampPolicy, sign); err != nil {
		return &SigningError{Path: pkgPath, Err: err}
	}
	if err := os.Rename(signed, pkgPath); err != nil {
		return &SigningError{Path: pkgPath, Err: fmt.Errorf("failed to replace with signed package: %w", err)}
	}
	return e.VerifyPackage(ctx, pkgPath)
}

// VerifyPackage checks the package's signature with pkgutil.
func (e *Engine) VerifyPackage(ctx context.Context, pkgPath string) error {
	res, err := e.Run.Run(ctx, verifyTimeout, "pkgutil", "--check-signature", pkgPath)
	if err != nil {
		var toolErr *runner.ToolError
		if errors.As(err, &toolErr) {
			return &VerificationError{Path: pkgPath, Output: toolErr.Stderr}
		}
		return err
	}
	if !strings.Contains(res.Stdout, "signed") {
		return &VerificationError{Path: pkgPath, Output: res.Stdout}
	}
	return nil
}

// resourceBinaries collects the Mach-O files under Contents/Resources and
// the loose libraries directly under Contents/Frameworks.
func resourceBinaries(appPath string) ([]string, error) {
	var targets []string

	resDir := filepath.Join(appPath, "Contents", "Resources")
	err := filepath.WalkDir(resDir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if os.IsNotExist(err) && path == resDir {
				return filepath.SkipAll
			}
			return err
		}
		if d.Type()&os.ModeSymlink != 0 {
			return nil
		}
		if !d.IsDir() && bundle.IsMachO(path) {
			targets = append(targets, path)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to walk resources: %w", err)
	}

	fwDir := filepath.Join(appPath, "Contents", "Frameworks")
	entries, err := os.ReadDir(fwDir)
	if err != nil {
		if os.IsNotExist(err) {
			return targets, nil
		}
		return nil, fmt.Errorf("failed to list frameworks: %w", err)
	}
	for _, entry := range entries {
		if entry.IsDir() || entry.Type()&os.ModeSymlink != 0 {
			continue
		}
		path := filepath.Join(fwDir, entry.Name())
		if bundle.IsMachO(path) {
			targets = append(targets, path)
		}
	}
	sort.Strings(targets)
	return targets, nil
}

// machOBinaries lists Mach-O regular files anywhere under root.
func machOBinaries(root string) ([]string, error) {
	var out []string
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.Type()&os.ModeSymlink != 0 {
			return nil
		}
		if !d.IsDir() && bundle.IsMachO(path) {
			out = append(out, path)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to walk %s: %w", root, err)
	}
	return out, nil
}
