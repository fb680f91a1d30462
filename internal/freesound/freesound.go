// Package freesound resolves freesound.org sound page URLs to stable cache
// keys and downloads the underlying audio files.
package freesound

import (
	"regexp"
	"strings"
)

var soundURLPattern = regexp.MustCompile(`freesound\.org/people/([^/]+)/sounds/(\d+)`)

// Asset identifies a sound by its uploader and numeric id.
type Asset struct {
	Owner string
	ID    string
}

// Key is the cache key of the asset. Sound ids are numeric, so joining them
// with the owner never produces the same key for two different assets.
func (a Asset) Key() string {
	return a.Owner + "_" + a.ID
}

// FilePrefix is the prefix shared by every cached file of the asset.
func (a Asset) FilePrefix() string {
	return a.Key() + "_"
}

// ParseURL extracts the asset referenced by a sound page URL.
func ParseURL(source string) (Asset, error) {
	m := soundURLPattern.FindStringSubmatch(source)
	if m == nil {
		return Asset{}, &ResolutionError{Source: source, Reason: "not a freesound sound URL"}
	}

	return Asset{Owner: m[1], ID: m[2]}, nil
}

// IsSoundURL reports whether source references a freesound sound page.
func IsSoundURL(source string) bool {
	return soundURLPattern.MatchString(source)
}

// ResolveKey maps a source URL to its cache key.
func ResolveKey(source string) (string, error) {
	asset, err := ParseURL(source)
	if err != nil {
		return "", err
	}

	return asset.Key(), nil
}

// DisplayName is the short label shown while a sound downloads.
func DisplayName(source string) string {
	asset, err := ParseURL(source)
	if err != nil {
		return "Unknown"
	}

	return "Sound " + asset.ID
}

// SanitizeFilename replaces characters that are unsafe in file names with
// underscores, collapses runs of underscores and trims them from both ends.
func SanitizeFilename(name string) string {
	replaced := strings.Map(func(r rune) rune {
		switch r {
		case '<', '>', ':', '"', '/', '\\', '|', '?', '*', ' ':
			return '_'
		}

		return r
	}, name)

	var b strings.Builder

	b.Grow(len(replaced))

	prevUnderscore := false

	for _, r := range replaced {
		if r == '_' {
			if prevUnderscore {
				continue
			}

			prevUnderscore = true
		} else {
			prevUnderscore = false
		}

		b.WriteRune(r)
	}

	return strings.Trim(b.String(), "_")
}
