package pipeline

import (
	"archive/zip"
	"bytes"
	"context"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sanying/sign-pipeline/pkg/codesign"
	"github.com/sanying/sign-pipeline/pkg/fetch"
	"github.com/sanying/sign-pipeline/pkg/installer"
	"github.com/sanying/sign-pipeline/pkg/notary"
	"github.com/sanying/sign-pipeline/pkg/runner"
)

func TestStepOrder(t *testing.T) {
	if len(Steps) != 14 {
		t.Fatalf("len(Steps) = %d, want 14", len(Steps))
	}
	if Steps[0] != StepDownload || Steps[len(Steps)-1] != StepNotarizePackage {
		t.Errorf("unexpected boundary steps: %v", Steps)
	}
	for i, s := range Steps {
		if IndexOf(s) != i {
			t.Errorf("IndexOf(%s) = %d, want %d", s, IndexOf(s), i)
		}
	}
	if IndexOf(Step("bogus")) != -1 {
		t.Error("unknown step should map to -1")
	}
}

func TestParseArch(t *testing.T) {
	if a, err := ParseArch("arm64"); err != nil || a != ArchARM64 {
		t.Errorf("ParseArch(arm64) = %v, %v", a, err)
	}
	if _, err := ParseArch("mips"); err == nil {
		t.Error("expected error for unknown arch")
	}
	if ArchARM64.DistSubdir() != "m" || ArchIntel.DistSubdir() != "intel" {
		t.Errorf("DistSubdir mapping wrong: %s %s", ArchARM64.DistSubdir(), ArchIntel.DistSubdir())
	}
}

func TestLoadVariants(t *testing.T) {
	catalog, err := LoadVariants(filepath.Join(t.TempDir(), "absent.yaml"))
	if err != nil {
		t.Fatalf("LoadVariants failed: %v", err)
	}
	if catalog["employee"].BundleID != "site.sanying.aiperf.client" {
		t.Errorf("builtin employee = %+v", catalog["employee"])
	}
	if catalog["admin"].AppName != "Ai Perf Admin" {
		t.Errorf("builtin admin = %+v", catalog["admin"])
	}

	path := filepath.Join(t.TempDir(), "variants.yaml")
	body := `variants:
  beta:
    app_name: Ai Perf Beta
    bundle_id: site.sanying.aiperf.beta
`
	if err := os.WriteFile(path, []byte(body), 0644); err != nil {
		t.Fatal(err)
	}
	catalog, err = LoadVariants(path)
	if err != nil {
		t.Fatalf("LoadVariants failed: %v", err)
	}
	if catalog["beta"].Name != "beta" || catalog["beta"].AppName != "Ai Perf Beta" {
		t.Errorf("beta = %+v", catalog["beta"])
	}
	if _, err := LookupVariant(catalog, "employee"); err != nil {
		t.Errorf("builtin lost after overlay: %v", err)
	}
	if _, err := LookupVariant(catalog, "nope"); err == nil {
		t.Error("expected error for unknown variant")
	}
}

func TestConfigValidate(t *testing.T) {
	good := Config{
		Variant: builtinVariants["employee"], Arch: ArchARM64,
		Tag: "v1.0.0", SourceOwner: "acme", SourceRepo: "app",
	}
	if err := good.Validate(); err != nil {
		t.Errorf("valid config rejected: %v", err)
	}

	bad := good
	bad.StartFrom = "not-a-step"
	if err := bad.Validate(); err == nil {
		t.Error("unknown start-from accepted")
	}

	bad = good
	bad.Arch = ""
	if err := bad.Validate(); err == nil {
		t.Error("missing arch accepted")
	}

	bad = good
	bad.SourceOwner, bad.Tag = "", ""
	if err := bad.Validate(); err == nil {
		t.Error("missing source accepted")
	}
	bad.LocalDir = t.TempDir()
	if err := bad.Validate(); err != nil {
		t.Errorf("--dir should stand in for a source: %v", err)
	}
}

type toolCall struct {
	Name string
	Args []string
}

func (c toolCall) is(name string, arg0 string) bool {
	return c.Name == name && len(c.Args) > 0 && c.Args[0] == arg0
}

// macFake emulates just enough of the macOS toolchain for the pipeline:
// it tracks what has been signed and stapled so the probe commands answer
// consistently across runs.
type macFake struct {
	appName string
	calls   []toolCall
	signed  map[string]bool
	stapled map[string]bool
}

func newMacFake(appName string) *macFake {
	return &macFake{appName: appName, signed: map[string]bool{}, stapled: map[string]bool{}}
}

func (f *macFake) Run(ctx context.Context, timeout time.Duration, name string, args ...string) (*runner.Result, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	f.calls = append(f.calls, toolCall{Name: name, Args: args})
	fail := func(stderr string) (*runner.Result, error) {
		return &runner.Result{ExitCode: 1}, &runner.ToolError{Tool: name, ExitCode: 1, Stderr: stderr}
	}

	switch name {
	case "codesign":
		target := args[len(args)-1]
		if args[0] == "--sign" {
			f.signed[target] = true
			return &runner.Result{}, nil
		}
		if f.signed[target] {
			return &runner.Result{}, nil
		}
		return fail(target + ": code object is not signed at all")
	case "productsign":
		in, out := args[len(args)-2], args[len(args)-1]
		if err := os.WriteFile(out, []byte("signed-pkg"), 0644); err != nil {
			return nil, err
		}
		f.signed[in] = true
		return &runner.Result{}, nil
	case "pkgutil":
		pkg := args[len(args)-1]
		if f.signed[pkg] {
			return &runner.Result{Stdout: "Status: signed by a developer certificate"}, nil
		}
		return fail("Status: no signature")
	case "ditto":
		if err := os.MkdirAll(args[1], 0755); err != nil {
			return nil, err
		}
		return &runner.Result{}, nil
	case "hdiutil":
		switch args[0] {
		case "create":
			if err := os.WriteFile(args[len(args)-1], []byte("dmg"), 0644); err != nil {
				return nil, err
			}
		case "attach":
			mount := args[len(args)-1]
			if err := os.MkdirAll(filepath.Join(mount, f.appName+".app"), 0755); err != nil {
				return nil, err
			}
		}
		return &runner.Result{}, nil
	case "pkgbuild", "productbuild":
		if err := os.WriteFile(args[len(args)-1], []byte("pkg"), 0644); err != nil {
			return nil, err
		}
		return &runner.Result{}, nil
	case "xcrun":
		switch args[0] {
		case "notarytool":
			if args[1] == "submit" {
				return &runner.Result{Stdout: "  id: test-submission\n"}, nil
			}
			return &runner.Result{Stdout: `{"status":"Accepted"}`}, nil
		case "stapler":
			artifact := args[len(args)-1]
			if args[1] == "staple" {
				f.stapled[artifact] = true
				return &runner.Result{}, nil
			}
			if f.stapled[artifact] {
				return &runner.Result{}, nil
			}
			return fail(artifact + " does not have a ticket stapled to it")
		}
	}
	return &runner.Result{}, nil
}

func (f *macFake) count(since int, match func(toolCall) bool) int {
	n := 0
	for _, c := range f.calls[since:] {
		if match(c) {
			n++
		}
	}
	return n
}

var machOMagic = []byte{0xcf, 0xfa, 0xed, 0xfe, 0x00, 0x00, 0x00, 0x00}

func infoPlist(appName string) string {
	return `<?xml version="1.0" encoding="UTF-8"?>
<!DOCTYPE plist PUBLIC "-//Apple//DTD PLIST 1.0//EN" "http://www.apple.com/DTDs/PropertyList-1.0.dtd">
<plist version="1.0"><dict>
<key>CFBundleExecutable</key><string>` + appName + `</string>
<key>CFBundleIdentifier</key><string>site.sanying.aiperf.client</string>
</dict></plist>`
}

func writeLocalBundle(t *testing.T, appName string) string {
	t.Helper()
	dir := t.TempDir()
	app := filepath.Join(dir, appName+".app")
	files := map[string][]byte{
		"Contents/MacOS/" + appName:          machOMagic,
		"Contents/Frameworks/libfoo.dylib":   machOMagic,
		"Contents/Resources/resources/x.dat": []byte("data"),
	}
	for rel, content := range files {
		path := filepath.Join(app, rel)
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			t.Fatal(err)
		}
		if err := os.WriteFile(path, content, 0755); err != nil {
			t.Fatal(err)
		}
	}
	if err := os.WriteFile(filepath.Join(app, "Contents", "Info.plist"), []byte(infoPlist(appName)), 0644); err != nil {
		t.Fatal(err)
	}
	return dir
}

// writeAppArchive builds a release zip holding a minimal app bundle, the
// shape the download step receives from the release host.
func writeAppArchive(t *testing.T, appName string) []byte {
	t.Helper()
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	entries := []struct {
		name string
		body []byte
	}{
		{appName + ".app/Contents/Info.plist", []byte(infoPlist(appName))},
		{appName + ".app/Contents/MacOS/" + appName, machOMagic},
		{appName + ".app/Contents/Resources/resources/x.dat", []byte("data")},
	}
	for _, e := range entries {
		hdr := &zip.FileHeader{Name: e.name, Method: zip.Deflate}
		hdr.SetMode(0755)
		w, err := zw.CreateHeader(hdr)
		if err != nil {
			t.Fatal(err)
		}
		if _, err := w.Write(e.body); err != nil {
			t.Fatal(err)
		}
	}
	if err := zw.Close(); err != nil {
		t.Fatal(err)
	}
	return buf.Bytes()
}

// serveArchive exposes payload over HTTP and counts the requests made.
func serveArchive(t *testing.T, payload []byte, heads, gets *atomic.Int32) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Length", strconv.Itoa(len(payload)))
		switch r.Method {
		case http.MethodHead:
			heads.Add(1)
		case http.MethodGet:
			gets.Add(1)
			w.Write(payload)
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func newController(t *testing.T, fake *macFake, cfg Config) *Controller {
	t.Helper()
	log := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))

	engine := codesign.NewEngine(fake, "Developer ID Application: Test", "Developer ID Installer: Test", log)
	engine.Dial = func(network, addr string, timeout time.Duration) (net.Conn, error) {
		server, client := net.Pipe()
		server.Close()
		return client, nil
	}

	client := notary.NewClient(fake, "dev@example.com", "TEAM1234", "pw", log)
	client.PollInterval = time.Millisecond

	return &Controller{
		Cfg:    cfg,
		Engine: engine,
		Build:  installer.NewBuilder(fake, log),
		Notary: client,
		Log:    log,
	}
}

func localConfig(t *testing.T, outputRoot string) Config {
	return Config{
		Variant:    builtinVariants["employee"],
		Arch:       ArchARM64,
		Tag:        "v1.0.0",
		LocalDir:   writeLocalBundle(t, "Ai Perf Client"),
		OutputRoot: outputRoot,
	}
}

func TestFullRunProducesAllArtifacts(t *testing.T) {
	fake := newMacFake("Ai Perf Client")
	cfg := localConfig(t, t.TempDir())

	art, err := newController(t, fake, cfg).Run(context.Background())
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	if !art.BundleProduced || !art.ImageProduced || !art.PackageProduced {
		t.Errorf("artifact flags = %+v", art)
	}
	wantDir := filepath.Join(cfg.OutputRoot, "employee", "m")
	if filepath.Dir(art.Image) != wantDir {
		t.Errorf("image path = %s, want under %s", art.Image, wantDir)
	}
	for _, path := range []string{art.Bundle, art.Image, art.Package} {
		if _, err := os.Stat(path); err != nil {
			t.Errorf("artifact missing: %v", err)
		}
	}
	if !fake.stapled[art.Image] || !fake.stapled[art.Package] {
		t.Errorf("artifacts not stapled: %v", fake.stapled)
	}
	if !fake.signed[art.Bundle] {
		t.Error("bundle not signed")
	}
}

func TestSecondRunSkipsAllWork(t *testing.T) {
	fake := newMacFake("Ai Perf Client")
	cfg := localConfig(t, t.TempDir())

	if _, err := newController(t, fake, cfg).Run(context.Background()); err != nil {
		t.Fatalf("first run failed: %v", err)
	}
	mark := len(fake.calls)

	if _, err := newController(t, fake, cfg).Run(context.Background()); err != nil {
		t.Fatalf("second run failed: %v", err)
	}

	isWork := func(c toolCall) bool {
		return c.is("codesign", "--sign") ||
			c.Name == "hdiutil" && c.Args[0] == "create" ||
			c.Name == "productsign" || c.Name == "pkgbuild" ||
			c.Name == "xcrun" && c.Args[0] == "notarytool" && c.Args[1] == "submit"
	}
	if n := fake.count(mark, isWork); n != 0 {
		t.Errorf("second run performed %d work invocations: %v", n, fake.calls[mark:])
	}
}

func TestStartFromForcesLaterSteps(t *testing.T) {
	fake := newMacFake("Ai Perf Client")
	cfg := localConfig(t, t.TempDir())

	if _, err := newController(t, fake, cfg).Run(context.Background()); err != nil {
		t.Fatalf("first run failed: %v", err)
	}
	mark := len(fake.calls)

	cfg.StartFrom = StepSignMain
	art, err := newController(t, fake, cfg).Run(context.Background())
	if err != nil {
		t.Fatalf("resumed run failed: %v", err)
	}

	signedAfter := func(substr string) int {
		return fake.count(mark, func(c toolCall) bool {
			return c.is("codesign", "--sign") && strings.Contains(c.Args[len(c.Args)-1], substr)
		})
	}
	if signedAfter("libfoo.dylib") != 0 {
		t.Error("start-from sign-main must not re-sign resources")
	}
	if signedAfter("MacOS/Ai Perf Client") == 0 {
		t.Error("main executable should be re-signed")
	}
	if signedAfter(".app") == 0 {
		t.Error("bundle should be re-sealed")
	}
	if fake.count(mark, func(c toolCall) bool { return c.Name == "hdiutil" && c.Args[0] == "create" }) == 0 {
		t.Error("create-image should be forced after start-from")
	}
	if !fake.stapled[art.Image] {
		t.Error("image should be re-notarized")
	}
}

func TestSkipSigningStopsAfterPlace(t *testing.T) {
	fake := newMacFake("Ai Perf Client")
	cfg := localConfig(t, t.TempDir())
	cfg.SkipSigning = true

	art, err := newController(t, fake, cfg).Run(context.Background())
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if !art.BundleProduced {
		t.Error("bundle should be placed")
	}
	if art.ImageProduced || art.PackageProduced {
		t.Error("no installers expected with signing skipped")
	}
	if n := fake.count(0, func(c toolCall) bool { return c.Name == "codesign" }); n != 0 {
		t.Errorf("codesign invoked %d times with signing skipped", n)
	}
	if _, err := os.Stat(art.Bundle); err != nil {
		t.Errorf("bundle missing: %v", err)
	}
}

func TestSkipSigningHoldsOnRerun(t *testing.T) {
	fake := newMacFake("Ai Perf Client")
	cfg := localConfig(t, t.TempDir())
	cfg.SkipSigning = true

	if _, err := newController(t, fake, cfg).Run(context.Background()); err != nil {
		t.Fatalf("first run failed: %v", err)
	}
	mark := len(fake.calls)

	// The bundle is already placed, so every step up to place is skipped.
	// Nothing past place may run on this pass either.
	art, err := newController(t, fake, cfg).Run(context.Background())
	if err != nil {
		t.Fatalf("second run failed: %v", err)
	}

	if art.ImageProduced || art.PackageProduced {
		t.Errorf("installers produced with signing skipped: %+v", art)
	}
	if n := fake.count(mark, func(c toolCall) bool { return c.Name == "codesign" }); n != 0 {
		t.Errorf("codesign invoked %d times on re-run with signing skipped", n)
	}
	if _, err := os.Stat(art.Image); !os.IsNotExist(err) {
		t.Errorf("disk image should not exist: %v", err)
	}
	if _, err := os.Stat(art.Package); !os.IsNotExist(err) {
		t.Errorf("installer package should not exist: %v", err)
	}
}

func downloadConfig(t *testing.T, srvURL string) Config {
	t.Helper()
	return Config{
		Variant:     builtinVariants["employee"],
		Arch:        ArchARM64,
		Tag:         "v1.0.0",
		DownloadURL: srvURL + "/aiperf_arm64.zip",
		OutputRoot:  t.TempDir(),
		SkipSigning: true,
	}
}

func newDownloadController(t *testing.T, fake *macFake, cfg Config) *Controller {
	t.Helper()
	ctl := newController(t, fake, cfg)
	ctl.Fetch = fetch.NewClient("", ctl.Log)
	ctl.Fetch.Policy.BaseDelay = time.Millisecond
	return ctl
}

func TestTruncatedDownloadIsRepaired(t *testing.T) {
	payload := writeAppArchive(t, "Ai Perf Client")
	var heads, gets atomic.Int32
	srv := serveArchive(t, payload, &heads, &gets)

	fake := newMacFake("Ai Perf Client")
	cfg := downloadConfig(t, srv.URL)
	ctl := newDownloadController(t, fake, cfg)

	// A download that died mid-stream leaves a short archive behind.
	archive := filepath.Join(cfg.OutputRoot, "employee", "m", "Ai Perf Client_arm64.zip")
	if err := os.MkdirAll(filepath.Dir(archive), 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(archive, payload[:16], 0644); err != nil {
		t.Fatal(err)
	}

	art, err := ctl.Run(context.Background())
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	if n := gets.Load(); n != 1 {
		t.Errorf("truncated archive should be redownloaded once, GET count = %d", n)
	}
	got, err := os.ReadFile(archive)
	if err != nil || len(got) != len(payload) {
		t.Errorf("archive not repaired: %d bytes, want %d (%v)", len(got), len(payload), err)
	}
	if !art.BundleProduced {
		t.Error("bundle should be placed")
	}
	if _, err := os.Stat(filepath.Join(art.Bundle, "Contents", "Info.plist")); err != nil {
		t.Errorf("bundle missing: %v", err)
	}

	// With the bundle placed, a re-run needs no network at all.
	before := heads.Load() + gets.Load()
	if _, err := newDownloadController(t, fake, cfg).Run(context.Background()); err != nil {
		t.Fatalf("re-run failed: %v", err)
	}
	if after := heads.Load() + gets.Load(); after != before {
		t.Errorf("re-run with a placed bundle made %d network requests", after-before)
	}
}

func TestIncompleteExtractionIsRedone(t *testing.T) {
	payload := writeAppArchive(t, "Ai Perf Client")
	var heads, gets atomic.Int32
	srv := serveArchive(t, payload, &heads, &gets)

	fake := newMacFake("Ai Perf Client")
	cfg := downloadConfig(t, srv.URL)
	ctl := newDownloadController(t, fake, cfg)

	// The archive is intact, but a previous extraction died before the
	// bundle came out of it.
	archive := filepath.Join(cfg.OutputRoot, "employee", "m", "Ai Perf Client_arm64.zip")
	if err := os.MkdirAll(filepath.Dir(archive), 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(archive, payload, 0644); err != nil {
		t.Fatal(err)
	}
	extracted := filepath.Join(cfg.OutputRoot, "employee", "m", "extracted")
	if err := os.MkdirAll(extracted, 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(extracted, "leftover.partial"), []byte("x"), 0644); err != nil {
		t.Fatal(err)
	}

	art, err := ctl.Run(context.Background())
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	if n := gets.Load(); n != 0 {
		t.Errorf("intact archive should not be redownloaded, GET count = %d", n)
	}
	if !art.BundleProduced {
		t.Error("bundle should be placed")
	}
	if _, err := os.Stat(filepath.Join(art.Bundle, "Contents", "MacOS", "Ai Perf Client")); err != nil {
		t.Errorf("bundle incomplete after re-extraction: %v", err)
	}
}

func TestPlaceNormalizesBundle(t *testing.T) {
	fake := newMacFake("Ai Perf Client")
	cfg := localConfig(t, t.TempDir())

	// Misplace the shared resources tree the way CI archives do.
	src := filepath.Join(cfg.LocalDir, "Ai Perf Client.app")
	stray := filepath.Join(src, "Contents", "Frameworks", "resources")
	if err := os.MkdirAll(stray, 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(stray, "dup.dat"), []byte("x"), 0644); err != nil {
		t.Fatal(err)
	}

	art, err := newController(t, fake, cfg).Run(context.Background())
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	link := filepath.Join(art.Bundle, "Contents", "Frameworks", "resources")
	fi, err := os.Lstat(link)
	if err != nil {
		t.Fatalf("resources link missing: %v", err)
	}
	if fi.Mode()&os.ModeSymlink == 0 {
		t.Error("Frameworks/resources should be a symlink after placement")
	}
	// The caller's source bundle must be untouched.
	if fi, err := os.Lstat(stray); err != nil || fi.Mode()&os.ModeSymlink != 0 {
		t.Errorf("local source bundle was modified: %v %v", fi, err)
	}
}
