package vadspider

import (
	_ "embed"
	"fmt"
	"log/slog"
	"os"
	"sort"

	"gopkg.in/yaml.v3"
)

// Profile is one EPROCESS.VadRoot offset entry, applicable from
// MinBuild onward until the next higher MinBuild profile takes over.
type Profile struct {
	Name      string `yaml:"name"`
	MinBuild  uint32 `yaml:"min_build"`
	VadRoot32 uint32 `yaml:"vad_root_32"`
	VadRoot64 uint32 `yaml:"vad_root_64"`
}

// VersionTable is the loaded set of per-build offset profiles.
type VersionTable struct {
	Profiles []Profile `yaml:"profiles"`
}

//go:embed versions.yaml
var embeddedVersionTable []byte

// DefaultVersionTable parses the versions.yaml compiled into the binary,
// the table used when no external override file is supplied.
func DefaultVersionTable() VersionTable {
	return parseVersionTable(embeddedVersionTable, "embedded")
}

// LoadVersionTable reads and parses a versions.yaml file. A read or
// parse failure logs and returns an empty table rather than failing the
// caller outright: an empty table makes every VadRoot lookup fail,
// which manifests as VersionUnsupported at the spider rather than a
// startup crash.
func LoadVersionTable(path string) VersionTable {
	data, err := os.ReadFile(path)
	if err != nil {
		slog.Warn("failed to read vadspider version table", "path", path, "error", err)
		return VersionTable{}
	}
	return parseVersionTable(data, path)
}

func parseVersionTable(data []byte, origin string) VersionTable {
	var vt VersionTable
	if err := yaml.Unmarshal(data, &vt); err != nil {
		slog.Warn("failed to parse vadspider version table", "origin", origin, "error", err)
		return VersionTable{}
	}
	sort.Slice(vt.Profiles, func(i, j int) bool { return vt.Profiles[i].MinBuild < vt.Profiles[j].MinBuild })
	slog.Debug("loaded vadspider version table", "origin", origin, "profiles", len(vt.Profiles))
	return vt
}

// VadRootOffset returns the EPROCESS.VadRoot offset applicable to
// buildNumber, or ErrVersionUnsupported if no profile covers it.
func (vt VersionTable) VadRootOffset(buildNumber uint32, bits Bits) (uint32, error) {
	var best *Profile
	for i := range vt.Profiles {
		p := &vt.Profiles[i]
		if p.MinBuild <= buildNumber && (best == nil || p.MinBuild > best.MinBuild) {
			best = p
		}
	}
	if best == nil {
		return 0, fmt.Errorf("%w: no profile covers build %d", ErrVersionUnsupported, buildNumber)
	}
	if bits == Bits64 {
		return best.VadRoot64, nil
	}
	return best.VadRoot32, nil
}
