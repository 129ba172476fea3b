package fetcher

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"path/filepath"
	"regexp"
	"sort"

	"github.com/voidbox/voidbox/lib/errs"
	"github.com/voidbox/voidbox/lib/manifest"
)

func (f *Fetcher) resolveDirect(ctx context.Context, src *manifest.DirectSource) (string, string, error) {
	// Probe wins; the manifest's static version is the fallback (§4.2).
	version := src.StaticVersion
	if version == "" {
		version = "unknown"
	}
	if src.VersionURL != "" {
		v, err := f.probeVersion(ctx, src.VersionURL)
		if err == nil && v != "" {
			version = v
		}
	}
	return src.URL, version, nil
}

// probeVersion issues a HEAD request and falls back to reading the body if
// the server does not support HEAD (§4.2: "HEAD-or-body read"). The
// X-Version header name on the HEAD path is a voidbox convention for
// servers that want to answer the probe without a body.
func (f *Fetcher) probeVersion(ctx context.Context, url string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, url, nil)
	if err != nil {
		return "", err
	}
	resp, err := f.client.Do(req)
	if err == nil {
		resp.Body.Close()
		if resp.StatusCode < 400 {
			if v := resp.Header.Get("X-Version"); v != "" {
				return v, nil
			}
		}
	}

	req, err = http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", err
	}
	resp, err = f.client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 4096))
	if err != nil {
		return "", err
	}
	return string(body), nil
}

// releaseIndexDocument is the generic release-listing JSON shape consumed
// for the release-index source variant (§4.2, §6.2).
type releaseIndexDocument struct {
	Releases []struct {
		Version string `json:"version"`
		Assets  []struct {
			Name string `json:"name"`
			URL  string `json:"url"`
			OS   string `json:"os"`
			Arch string `json:"arch"`
			Size int64  `json:"size"`
		} `json:"assets"`
	} `json:"releases"`
}

func (f *Fetcher) resolveReleaseIndex(ctx context.Context, src *manifest.ReleaseIndexSource) (string, string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, src.IndexURL, nil)
	if err != nil {
		return "", "", errs.Wrap(errs.KindConfiguration, "build index request", err)
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return "", "", errs.Wrap(errs.KindNetwork, "fetch release index", err).With("url", src.IndexURL)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return "", "", errs.New(errs.KindNetwork, fmt.Sprintf("release index returned %d", resp.StatusCode)).With("url", src.IndexURL)
	}

	var doc releaseIndexDocument
	if err := json.NewDecoder(resp.Body).Decode(&doc); err != nil {
		return "", "", errs.Wrap(errs.KindConfiguration, "decode release index", err)
	}

	// Newest declared-order release whose selected asset exists wins; the
	// index is assumed newest-first, but we sort defensively by version
	// string descending to make the selection deterministic.
	sort.Slice(doc.Releases, func(i, j int) bool {
		return doc.Releases[i].Version > doc.Releases[j].Version
	})

	var versionRe *regexp.Regexp
	if src.VersionRegex != "" {
		versionRe, err = regexp.Compile(src.VersionRegex)
		if err != nil {
			return "", "", errs.Wrap(errs.KindConfiguration, "compile version_regex", err)
		}
	}

	for _, release := range doc.Releases {
		for _, asset := range release.Assets {
			if !assetMatches(asset.OS, asset.Arch, asset.Name, src) {
				continue
			}
			return asset.URL, extractVersion(release.Version, versionRe), nil
		}
	}

	return "", "", errs.New(errs.KindConfiguration, "no release asset matched the selection predicate").
		With("asset_os", src.AssetOS).With("asset_arch", src.AssetArch)
}

// extractVersion applies the manifest's optional version_regex to a raw
// release version (commonly stripping a leading "v" from a tag). The
// first capture group wins when one is present; a non-matching regex
// leaves the raw version as-is.
func extractVersion(raw string, re *regexp.Regexp) string {
	if re == nil {
		return raw
	}
	m := re.FindStringSubmatch(raw)
	switch {
	case len(m) > 1:
		return m[1]
	case len(m) == 1:
		return m[0]
	default:
		return raw
	}
}

func assetMatches(assetOS, assetArch, name string, src *manifest.ReleaseIndexSource) bool {
	if assetOS != src.AssetOS || assetArch != src.AssetArch {
		return false
	}
	if src.AssetExtension != "" && filepath.Ext(name) != src.AssetExtension {
		return false
	}
	if src.AssetPattern != "" {
		matched, err := filepath.Match(src.AssetPattern, name)
		if err != nil || !matched {
			return false
		}
	}
	return true
}
