package fetch

import (
	"archive/zip"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

// ExtractError reports a corrupt archive or an archive that does not
// contain the expected app bundle. It is never retried.
type ExtractError struct {
	Archive string
	Err     error
}

func (e *ExtractError) Error() string {
	return fmt.Sprintf("extract %s: %v", e.Archive, e.Err)
}

func (e *ExtractError) Unwrap() error { return e.Err }

// ExtractArchive unpacks a zip archive into destDir, replacing any previous
// extraction. Symlink entries are recreated as symlinks so that bundle
// layout survives the round trip.
func ExtractArchive(archive, destDir string) error {
	r, err := zip.OpenReader(archive)
	if err != nil {
		return &ExtractError{Archive: archive, Err: err}
	}
	defer r.Close()

	if err := os.RemoveAll(destDir); err != nil {
		return &ExtractError{Archive: archive, Err: err}
	}
	if err := os.MkdirAll(destDir, 0755); err != nil {
		return &ExtractError{Archive: archive, Err: err}
	}

	for _, f := range r.File {
		if err := extractZipEntry(f, destDir); err != nil {
			return &ExtractError{Archive: archive, Err: fmt.Errorf("entry %s: %w", f.Name, err)}
		}
	}
	return nil
}

func extractZipEntry(f *zip.File, destDir string) error {
	// Sanitize the entry path to prevent zip slip.
	destPath := filepath.Join(destDir, f.Name)
	if !strings.HasPrefix(destPath, filepath.Clean(destDir)+string(os.PathSeparator)) {
		return fmt.Errorf("invalid entry path: %s", f.Name)
	}

	if f.FileInfo().IsDir() {
		return os.MkdirAll(destPath, f.Mode().Perm()|0700)
	}

	if err := os.MkdirAll(filepath.Dir(destPath), 0755); err != nil {
		return err
	}

	src, err := f.Open()
	if err != nil {
		return err
	}
	defer src.Close()

	if f.Mode()&os.ModeSymlink != 0 {
		target, err := io.ReadAll(src)
		if err != nil {
			return err
		}
		os.Remove(destPath)
		return os.Symlink(string(target), destPath)
	}

	dst, err := os.OpenFile(destPath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, f.Mode().Perm())
	if err != nil {
		return err
	}
	defer dst.Close()

	_, err = io.Copy(dst, src)
	return err
}

// FindAppBundle locates <appName>.app anywhere under root and returns its
// path. Release archives nest the bundle at varying depths depending on how
// they were produced.
func FindAppBundle(root, appName string) (string, error) {
	want := appName + ".app"
	var found string

	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() && d.Name() == want {
			found = path
			return filepath.SkipAll
		}
		return nil
	})
	if err != nil {
		return "", &ExtractError{Archive: root, Err: err}
	}
	if found == "" {
		return "", &ExtractError{Archive: root, Err: fmt.Errorf("no %s found in archive contents", want)}
	}
	return found, nil
}
