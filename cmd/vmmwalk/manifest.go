package main

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/tinyrange/vmmcore/internal/vadspider"
)

// targetProcess is one entry of the manifest file: the physical
// addresses and build/bitness a caller already resolved (via PDB or
// symbol lookup against the same image) for a single process it wants
// scanned.
type targetProcess struct {
	PID        uint32 `yaml:"pid"`
	DTB        uint64 `yaml:"dtb"`
	EProcessPA uint64 `yaml:"eprocess"`
	Bits       int    `yaml:"bits"`
	PAE        bool   `yaml:"pae"`
	Build      uint32 `yaml:"build"`
	UserOnly   bool   `yaml:"user_only"`
}

type manifest struct {
	Processes []targetProcess `yaml:"processes"`
}

func loadManifest(path string) (manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return manifest{}, fmt.Errorf("read manifest: %w", err)
	}
	var m manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return manifest{}, fmt.Errorf("parse manifest: %w", err)
	}
	return m, nil
}

func (t targetProcess) bits() vadspider.Bits {
	if t.Bits == 64 {
		return vadspider.Bits64
	}
	return vadspider.Bits32
}
