package bundle

import (
	"bytes"
	"fmt"
	"io"
	"os"

	"github.com/blacktop/go-macho"
	"github.com/blacktop/go-macho/types"
)

// IsMachO reports whether the file starts with a Mach-O or fat magic
// number. This is the cheap probe used while walking bundle trees.
func IsMachO(path string) bool {
	f, err := os.Open(path)
	if err != nil {
		return false
	}
	defer f.Close()

	magic := make([]byte, 4)
	if _, err := io.ReadFull(f, magic); err != nil {
		return false
	}

	// MH_MAGIC_64, MH_MAGIC, FAT_MAGIC, FAT_MAGIC_64
	return (magic[0] == 0xcf && magic[1] == 0xfa && magic[2] == 0xed && magic[3] == 0xfe) ||
		(magic[0] == 0xce && magic[1] == 0xfa && magic[2] == 0xed && magic[3] == 0xfe) ||
		(magic[0] == 0xca && magic[1] == 0xfe && magic[2] == 0xba && magic[3] == 0xbe) ||
		(magic[0] == 0xca && magic[1] == 0xfe && magic[2] == 0xba && magic[3] == 0xbf)
}

// VerifyArch parses the executable and checks it carries code for the
// requested architecture ("arm64" or "intel"). A bundle built for the
// wrong architecture would install but require translation at runtime.
func VerifyArch(path, arch string) error {
	want, err := cpuForArch(arch)
	if err != nil {
		return err
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read executable: %w", err)
	}

	if m, err := macho.NewFile(bytes.NewReader(data)); err == nil {
		defer m.Close()
		if m.CPU == want {
			return nil
		}
		return fmt.Errorf("executable %s is %s, want %s", path, m.CPU, arch)
	}

	fat, err := macho.NewFatFile(bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("failed to parse executable %s: %w", path, err)
	}
	defer fat.Close()
	for _, a := range fat.Arches {
		if a.CPU == want {
			return nil
		}
	}
	return fmt.Errorf("executable %s has no %s slice", path, arch)
}

func cpuForArch(arch string) (types.CPU, error) {
	switch arch {
	case "arm64":
		return types.CPUArm64, nil
	case "intel":
		return types.CPUAmd64, nil
	default:
		return 0, fmt.Errorf("unknown architecture %q", arch)
	}
}
