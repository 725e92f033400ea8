// File: internal/definition/loader.go
package definition

import (
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"

	"github.com/mitchellh/go-homedir"

	"github.com/xkilldash9x/certidao-cli/api/schemas"
)

//go:embed builtin/*.yaml
var builtinFS embed.FS

// LoadFile reads and parses one definition file.
func LoadFile(name string) (*schemas.CertificateDefinition, error) {
	expanded, err := homedir.Expand(name)
	if err != nil {
		return nil, fmt.Errorf("expanding path %q: %w", name, err)
	}
	data, err := os.ReadFile(expanded)
	if err != nil {
		return nil, fmt.Errorf("reading definition file: %w", err)
	}
	return Parse(data, filepath.Base(expanded))
}

// LoadDir parses every *.yaml / *.yml file in dir, in name order. A missing
// directory yields no definitions and no error.
func LoadDir(dir string) ([]*schemas.CertificateDefinition, error) {
	if strings.TrimSpace(dir) == "" {
		return nil, nil
	}
	expanded, err := homedir.Expand(dir)
	if err != nil {
		return nil, fmt.Errorf("expanding path %q: %w", dir, err)
	}
	if _, err := os.Stat(expanded); errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	return loadFS(os.DirFS(expanded), ".")
}

// Builtins returns the definitions embedded in the binary.
func Builtins() ([]*schemas.CertificateDefinition, error) {
	return loadFS(builtinFS, "builtin")
}

func loadFS(fsys fs.FS, dir string) ([]*schemas.CertificateDefinition, error) {
	entries, err := fs.ReadDir(fsys, dir)
	if err != nil {
		return nil, fmt.Errorf("listing definitions in %q: %w", dir, err)
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		switch strings.ToLower(path.Ext(e.Name())) {
		case ".yaml", ".yml":
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)

	defs := make([]*schemas.CertificateDefinition, 0, len(names))
	for _, name := range names {
		data, err := fs.ReadFile(fsys, path.Join(dir, name))
		if err != nil {
			return nil, fmt.Errorf("reading %q: %w", name, err)
		}
		def, err := Parse(data, name)
		if err != nil {
			return nil, err
		}
		defs = append(defs, def)
	}
	return defs, nil
}
