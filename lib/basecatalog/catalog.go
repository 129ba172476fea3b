// Package basecatalog holds the closed set of recognized base images
// (§6.1). Adding a base is a data-only change.
package basecatalog

// Entry describes one recognized (distro, version, arch) base image.
// RootListHash, when set, is the sha256 of the extracted root's sorted
// file listing (layers.ListingDigest), verified after every bootstrap;
// an empty value skips verification. Hashes are pinned here only after
// being computed from a real extracted tree -- never invented -- since a
// wrong pin bricks every install of that base.
type Entry struct {
	Distro       string
	Version      string
	Arch         string
	TarballURL   string
	RootListHash string
}

// ID returns the canonical identifier for a (distro, version, arch) triple,
// matching paths.BaseID without importing lib/paths from this leaf package.
func ID(distro, version, arch string) string {
	return distro + "-" + version + "-" + arch
}

// catalog is keyed by ID(distro, version, arch).
var catalog = map[string]Entry{
	"ubuntu-24.04-x86_64": {
		Distro: "ubuntu", Version: "24.04", Arch: "x86_64",
		TarballURL: "https://cdimage.ubuntu.com/ubuntu-base/releases/24.04/release/ubuntu-base-24.04-base-amd64.tar.gz",
	},
	"ubuntu-24.04-aarch64": {
		Distro: "ubuntu", Version: "24.04", Arch: "aarch64",
		TarballURL: "https://cdimage.ubuntu.com/ubuntu-base/releases/24.04/release/ubuntu-base-24.04-base-arm64.tar.gz",
	},
	"alpine-3.19-x86_64": {
		Distro: "alpine", Version: "3.19", Arch: "x86_64",
		TarballURL: "https://dl-cdn.alpinelinux.org/alpine/v3.19/releases/x86_64/alpine-minirootfs-3.19.1-x86_64.tar.gz",
	},
	"alpine-3.19-aarch64": {
		Distro: "alpine", Version: "3.19", Arch: "aarch64",
		TarballURL: "https://dl-cdn.alpinelinux.org/alpine/v3.19/releases/aarch64/alpine-minirootfs-3.19.1-aarch64.tar.gz",
	},
}

// Lookup returns the catalog entry for baseID, if recognized.
func Lookup(baseID string) (Entry, bool) {
	e, ok := catalog[baseID]
	return e, ok
}

// All returns every recognized base image entry.
func All() []Entry {
	out := make([]Entry, 0, len(catalog))
	for _, e := range catalog {
		out = append(out, e)
	}
	return out
}
