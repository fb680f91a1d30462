package freesound

import (
	"io"
	"strings"

	"golang.org/x/net/html"
)

const cdnPrefix = "https://cdn.freesound.org"

// pageInfo holds what a sound page tells us about its audio file.
type pageInfo struct {
	Title       string
	StreamURL   string
	OpenGraphAU string
}

// parsePage tokenizes a sound page, collecting the <title> text and the
// twitter:player:stream / og:audio meta tags. It stops at </head> or EOF.
func parsePage(r io.Reader) (pageInfo, error) {
	var info pageInfo

	z := html.NewTokenizer(r)
	inTitle := false

	for {
		switch z.Next() {
		case html.ErrorToken:
			if err := z.Err(); err != io.EOF {
				return info, err
			}

			return info, nil
		case html.StartTagToken, html.SelfClosingTagToken:
			tok := z.Token()

			switch tok.Data {
			case "title":
				inTitle = true
			case "meta":
				readMeta(tok, &info)
			}
		case html.TextToken:
			if inTitle && info.Title == "" {
				info.Title = strings.TrimSpace(string(z.Text()))
			}
		case html.EndTagToken:
			name, _ := z.TagName()

			switch string(name) {
			case "title":
				inTitle = false
			case "head":
				return info, nil
			}
		}
	}
}

func readMeta(tok html.Token, info *pageInfo) {
	var key, content string

	for _, a := range tok.Attr {
		switch a.Key {
		case "name", "property":
			key = a.Val
		case "content":
			content = a.Val
		}
	}

	switch key {
	case "twitter:player:stream":
		if info.StreamURL == "" {
			info.StreamURL = content
		}
	case "og:audio":
		if info.OpenGraphAU == "" {
			info.OpenGraphAU = content
		}
	}
}

// AudioURL picks the downloadable audio URL. The player stream is preferred;
// og:audio is only trusted when it points at the freesound CDN.
func (p pageInfo) AudioURL() (string, bool) {
	if strings.HasPrefix(p.StreamURL, "https://") || strings.HasPrefix(p.StreamURL, "http://") {
		return p.StreamURL, true
	}

	if i := strings.Index(p.OpenGraphAU, cdnPrefix); i >= 0 {
		return p.OpenGraphAU[i:], true
	}

	return "", false
}

// SoundName returns the page title without the site suffix, sanitized for
// use in a file name.
func (p pageInfo) SoundName() string {
	if p.Title == "" {
		return ""
	}

	return SanitizeFilename(strings.ReplaceAll(p.Title, " - Freesound", ""))
}

var allowedExtensions = map[string]bool{
	"mp3":  true,
	"wav":  true,
	"flac": true,
	"ogg":  true,
	"opus": true,
}

// audioExtension derives the file extension from the last path segment of
// an audio URL, ignoring the query string. Unknown extensions fall back to mp3.
func audioExtension(audioURL string) string {
	name := audioURL
	if i := strings.LastIndex(name, "/"); i >= 0 {
		name = name[i+1:]
	}

	if i := strings.IndexAny(name, "?#"); i >= 0 {
		name = name[:i]
	}

	i := strings.LastIndex(name, ".")
	if i < 0 {
		return "mp3"
	}

	ext := strings.ToLower(name[i+1:])
	if !allowedExtensions[ext] {
		return "mp3"
	}

	return ext
}
