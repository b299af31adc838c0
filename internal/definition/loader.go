// Package definition holds the workflow catalog: the built-in definitions,
// YAML files layered on top, their validation, and the registry the engine
// reads step sequences from.
package definition

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/pitabwire/sagaflow/model"
)

// Loader reads workflow definition files.
type Loader struct{}

func NewLoader() *Loader {
	return &Loader{}
}

func isDefinitionFile(name string) bool {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".yaml", ".yml":
		return true
	}
	return false
}

// LoadAll walks each directory in turn, in lexical order, and loads every
// .yaml or .yml file it finds. Hidden files and directories are skipped. The
// first unreadable or malformed file aborts the load.
func (l *Loader) LoadAll(directories []string) ([]model.DefinitionFile, error) {
	var files []model.DefinitionFile
	for _, root := range directories {
		walk := func(path string, d fs.DirEntry, err error) error {
			if err != nil {
				return err
			}
			hidden := path != root && strings.HasPrefix(d.Name(), ".")
			switch {
			case d.IsDir() && hidden:
				return filepath.SkipDir
			case d.IsDir(), hidden, !isDefinitionFile(d.Name()):
				return nil
			}
			f, err := l.LoadFile(path)
			if err != nil {
				return err
			}
			files = append(files, f)
			return nil
		}
		if err := filepath.WalkDir(root, walk); err != nil {
			return nil, fmt.Errorf("definitions in %s: %w", root, err)
		}
	}
	return files, nil
}

// LoadFile parses one definition file and stamps its checksum and path.
// Unknown keys are rejected.
func (l *Loader) LoadFile(path string) (model.DefinitionFile, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return model.DefinitionFile{}, err
	}

	dec := yaml.NewDecoder(bytes.NewReader(raw))
	dec.KnownFields(true)

	var f model.DefinitionFile
	if err := dec.Decode(&f); err != nil {
		if errors.Is(err, io.EOF) {
			return model.DefinitionFile{}, fmt.Errorf("%s: file is empty", path)
		}
		return model.DefinitionFile{}, fmt.Errorf("%s: %w", path, err)
	}

	sum := sha256.Sum256(raw)
	f.Checksum = hex.EncodeToString(sum[:])
	f.SourceFile = path
	return f, nil
}
