// Package manifest parses and validates the declarative application
// description consumed by the install operation (§3, §4.1, §6.2).
package manifest

import (
	"fmt"
	"regexp"
	"time"

	toml "github.com/pelletier/go-toml/v2"

	"github.com/voidbox/voidbox/lib/basecatalog"
)

// rawManifest mirrors the TOML table structure of §6.2 before validation.
type rawManifest struct {
	App struct {
		Name        string `toml:"name"`
		DisplayName string `toml:"display_name"`
		Version     string `toml:"version"`
	} `toml:"app"`

	Source struct {
		Type string `toml:"type"`

		// direct
		URL        string `toml:"url"`
		VersionURL string `toml:"version_url"`

		// release-index
		IndexURL       string `toml:"index_url"`
		AssetOS        string `toml:"asset_os"`
		AssetArch      string `toml:"asset_arch"`
		AssetExtension string `toml:"asset_extension"`
		AssetPattern   string `toml:"asset_pattern"`
		VersionRegex   string `toml:"version_regex"`
	} `toml:"source"`

	Runtime struct {
		Distro  string `toml:"distro"`
		Version string `toml:"version"`
		Arch    string `toml:"arch"`
	} `toml:"runtime"`

	Dependencies struct {
		Packages []string `toml:"packages"`
	} `toml:"dependencies"`

	Binary struct {
		RelativePath   string   `toml:"relative_path"`
		ArgvPrefix     []string `toml:"argv_prefix"`
		Workdir        string   `toml:"workdir"`
		PassthroughEnv []string `toml:"passthrough_env"`
	} `toml:"binary"`

	Desktop struct {
		IconPath string `toml:"icon_path"`
		Category string `toml:"category"`
	} `toml:"desktop"`

	Permissions map[string]bool `toml:"permissions"`
}

// Parse parses raw TOML bytes into a validated, immutable App record, or
// returns a *ValidationError listing every offending field (§4.1: rejection
// is total, no partial manifests are accepted).
func Parse(data []byte) (*App, error) {
	var raw rawManifest
	if err := toml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("parse manifest: %w", err)
	}
	return validate(&raw)
}

func validate(raw *rawManifest) (*App, error) {
	verr := &ValidationError{}

	if !appNamePattern.MatchString(raw.App.Name) {
		verr.add("app.name", fmt.Sprintf("must match [a-z0-9][a-z0-9-]{0,63}, got %q", raw.App.Name))
	}

	baseID := basecatalog.ID(raw.Runtime.Distro, raw.Runtime.Version, raw.Runtime.Arch)
	if _, ok := basecatalog.Lookup(baseID); !ok {
		verr.add("runtime", fmt.Sprintf("unrecognized base image %q", baseID))
	}

	source, sourceErrs := validateSource(raw)
	for _, fe := range sourceErrs {
		verr.add(fe.Field, fe.Message)
	}

	for tag := range raw.Permissions {
		if _, ok := KnownPermissionTags[tag]; !ok {
			verr.add("permissions."+tag, "unknown permission tag")
		}
	}

	if raw.Binary.RelativePath == "" {
		verr.add("binary.relative_path", "must be non-empty")
	} else if raw.Binary.RelativePath[0] == '/' {
		verr.add("binary.relative_path", "must not be absolute")
	}

	if !verr.Empty() {
		return nil, verr
	}

	if source.Direct != nil {
		source.Direct.StaticVersion = raw.App.Version
	}

	app := &App{
		Name:        raw.App.Name,
		DisplayName: raw.App.DisplayName,
		Version:     raw.App.Version,
		Source:      *source,
		Runtime: Runtime{
			Distro:  raw.Runtime.Distro,
			Version: raw.Runtime.Version,
			Arch:    raw.Runtime.Arch,
		},
		Packages: append([]string(nil), raw.Dependencies.Packages...),
		Binary: Binary{
			RelativePath:   raw.Binary.RelativePath,
			ArgvPrefix:     append([]string(nil), raw.Binary.ArgvPrefix...),
			Workdir:        raw.Binary.Workdir,
			PassthroughEnv: append([]string(nil), raw.Binary.PassthroughEnv...),
		},
		Desktop: Desktop{
			IconPath: raw.Desktop.IconPath,
			Category: raw.Desktop.Category,
		},
		ParsedAt: time.Now(),
	}
	app.Permissions = permissionSetFrom(raw.Permissions)

	return app, nil
}

func validateSource(raw *rawManifest) (*Source, []FieldError) {
	var errs []FieldError

	switch raw.Source.Type {
	case "direct":
		if raw.Source.URL == "" {
			errs = append(errs, FieldError{"source.url", "required for type=direct"})
		}
		return &Source{
			Type: "direct",
			Direct: &DirectSource{
				URL:        raw.Source.URL,
				VersionURL: raw.Source.VersionURL,
			},
		}, errs

	case "release-index":
		if raw.Source.IndexURL == "" {
			errs = append(errs, FieldError{"source.index_url", "required for type=release-index"})
		}
		if raw.Source.AssetOS == "" {
			errs = append(errs, FieldError{"source.asset_os", "required for type=release-index"})
		}
		if raw.Source.AssetArch == "" {
			errs = append(errs, FieldError{"source.asset_arch", "required for type=release-index"})
		}
		if raw.Source.VersionRegex != "" {
			if _, err := regexp.Compile(raw.Source.VersionRegex); err != nil {
				errs = append(errs, FieldError{"source.version_regex", fmt.Sprintf("invalid regular expression: %v", err)})
			}
		}
		return &Source{
			Type: "release-index",
			ReleaseIndex: &ReleaseIndexSource{
				IndexURL:       raw.Source.IndexURL,
				AssetOS:        raw.Source.AssetOS,
				AssetArch:      raw.Source.AssetArch,
				AssetExtension: raw.Source.AssetExtension,
				AssetPattern:   raw.Source.AssetPattern,
				VersionRegex:   raw.Source.VersionRegex,
			},
		}, errs

	default:
		return nil, []FieldError{{"source.type", fmt.Sprintf("must be one of {direct, release-index}, got %q", raw.Source.Type)}}
	}
}

func permissionSetFrom(perms map[string]bool) PermissionSet {
	ps := PermissionSet{Network: true} // default true per §3
	if v, ok := perms["network"]; ok {
		ps.Network = v
	}
	ps.Audio = perms["audio"]
	ps.Microphone = perms["microphone"]
	ps.GPU = perms["gpu"]
	ps.Camera = perms["camera"]
	ps.Home = perms["home"]
	ps.Downloads = perms["downloads"]
	ps.Fonts = perms["fonts"]
	ps.Themes = perms["themes"]
	ps.Icons = perms["icons"]
	ps.NativeMode = perms["native_mode"]
	ps.DevMode = perms["dev_mode"]
	ps.SystemDBus = perms["system_dbus"]
	ps.HostBridge = perms["host_bridge"]
	return ps
}
