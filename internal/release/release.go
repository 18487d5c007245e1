// Package release resolves the installed and latest published versions.
package release

import (
	"context"
	"errors"
	"fmt"

	"golang.org/x/mod/semver"

	"github.com/schaermu/relaunchd/internal/manifest"
)

// ErrVersionQuery indicates the remote release index could not be queried or
// returned malformed metadata.
var ErrVersionQuery = errors.New("version query failed")

// Descriptor describes one update opportunity.
type Descriptor struct {
	CurrentVersion string
	LatestVersion  string
	ArchiveURL     string
	// AssetName is the archive's name in the checksum manifest; empty for zipballs.
	AssetName   string
	ChecksumURL string
	HTMLURL     string
}

// UpdateAvailable reports whether LatestVersion orders strictly above CurrentVersion.
func (d *Descriptor) UpdateAvailable() bool {
	cmp, err := Compare(d.CurrentVersion, d.LatestVersion)
	return err == nil && cmp < 0
}

// Compare orders two semantic versions, returning -1, 0 or +1. A leading "v"
// is optional and build metadata is ignored.
func Compare(a, b string) (int, error) {
	na, err := manifest.Normalize(a)
	if err != nil {
		return 0, err
	}
	nb, err := manifest.Normalize(b)
	if err != nil {
		return 0, err
	}
	return semver.Compare(na, nb), nil
}

// Resolver combines the local manifest with a remote release source.
type Resolver struct {
	source       Source
	manifestPath string
	asset        string
}

// NewResolver creates a resolver. When asset is empty the release's source
// zipball is used as the archive.
func NewResolver(source Source, manifestPath, asset string) *Resolver {
	return &Resolver{
		source:       source,
		manifestPath: manifestPath,
		asset:        asset,
	}
}

// Resolve reads the installed version and queries the latest release. Local
// failures wrap manifest.ErrLocalVersion, remote ones wrap ErrVersionQuery.
func (r *Resolver) Resolve(ctx context.Context) (*Descriptor, error) {
	current, err := manifest.ReadVersion(r.manifestPath)
	if err != nil {
		return nil, err
	}

	rel, err := r.source.Latest(ctx)
	if err != nil {
		if errors.Is(err, ErrVersionQuery) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %v", ErrVersionQuery, err)
	}

	if _, err := manifest.Normalize(rel.TagName); err != nil {
		return nil, fmt.Errorf("%w: latest release tag: %v", ErrVersionQuery, err)
	}

	desc := &Descriptor{
		CurrentVersion: current,
		LatestVersion:  rel.TagName,
		HTMLURL:        rel.HTMLURL,
	}

	if r.asset != "" {
		a := rel.FindAsset(r.asset)
		if a == nil {
			return nil, fmt.Errorf("%w: release %s has no asset %q", ErrVersionQuery, rel.TagName, r.asset)
		}
		desc.ArchiveURL = a.BrowserDownloadURL
		desc.AssetName = a.Name
	} else {
		desc.ArchiveURL = rel.ZipballURL
	}
	if desc.ArchiveURL == "" {
		return nil, fmt.Errorf("%w: release %s has no archive url", ErrVersionQuery, rel.TagName)
	}

	if sums := rel.FindAsset(ChecksumAssetName); sums != nil {
		desc.ChecksumURL = sums.BrowserDownloadURL
	}

	return desc, nil
}
