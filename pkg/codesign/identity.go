package codesign

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	gop12 "software.sslmate.com/src/go-pkcs12"

	"github.com/sanying/sign-pipeline/pkg/runner"
)

// ImportP12 imports a PKCS#12 certificate bundle into the default keychain
// and returns the certificate's common name, which is the identity string
// codesign and productsign expect. Both tools are granted access so that
// signing does not prompt on a headless build machine.
func (e *Engine) ImportP12(ctx context.Context, p12Path, password string) (string, error) {
	data, err := os.ReadFile(p12Path)
	if err != nil {
		return "", fmt.Errorf("failed to read certificate bundle: %w", err)
	}
	_, cert, _, err := gop12.DecodeChain(data, password)
	if err != nil {
		return "", fmt.Errorf("failed to decode %s: %w", p12Path, err)
	}
	name := cert.Subject.CommonName
	if name == "" {
		return "", fmt.Errorf("certificate in %s has no common name", p12Path)
	}

	_, err = e.Run.Run(ctx, time.Minute, "security",
		"import", p12Path,
		"-P", password,
		"-T", "/usr/bin/codesign",
		"-T", "/usr/bin/productsign",
	)
	if err != nil {
		var toolErr *runner.ToolError
		// Re-importing an identity that is already in the keychain is fine.
		if errors.As(err, &toolErr) && strings.Contains(toolErr.Stderr, "already exists") {
			e.Log.Info("identity already present in keychain", "identity", name)
			return name, nil
		}
		return "", fmt.Errorf("failed to import %s: %w", p12Path, err)
	}
	e.Log.Info("identity imported", "identity", name)
	return name, nil
}

// VerifyIdentity checks that the given identity is present and valid for
// code signing in the current keychain search list.
func (e *Engine) VerifyIdentity(ctx context.Context, identity string) error {
	res, err := e.Run.Run(ctx, time.Minute, "security", "find-identity", "-v", "-p", "codesigning")
	if err != nil {
		return fmt.Errorf("failed to list signing identities: %w", err)
	}
	if !strings.Contains(res.Stdout, identity) {
		return fmt.Errorf("signing identity %q not found in keychain", identity)
	}
	return nil
}
