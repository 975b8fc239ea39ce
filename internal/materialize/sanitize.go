// Package materialize implements the common materialization contract
// shared by the three strategies: name sanitization, collision
// disambiguation and the atomic-rename visibility rule.
package materialize

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
)

var (
	yearPattern      = regexp.MustCompile(`(19|20)\d{2}`)
	reservedCharsRe  = regexp.MustCompile(`[<>:"/\\|?*\x00-\x1f]`)
	whitespaceRunRe  = regexp.MustCompile(`\s+`)
	dashSuffixRe     = regexp.MustCompile(`-[^.\-\s]+$`)
)

// blocklist is the configured token blocklist, stripped case-
// insensitively as whole words from the sanitized name.
var blocklist = []string{
	"720p", "1080p", "2160p", "4k", "bluray", "web-dl", "webrip",
	"x264", "x265", "h.264", "h.265", "hevc", "xvid", "remux",
	"proper", "repack", "rerip",
}

// Sanitize turns an archive entry's base name into the visible media
// filename: strip a trailing release-group suffix, collapse dot
// separators to spaces, strip blocklisted tokens, reposition a year as
// "(YYYY)", forbid reserved characters. extOverride forces the output
// extension (used by Strategy B, which always produces ".strm" regardless
// of the entry's real extension); pass "" to keep the entry's extension.
func Sanitize(entryName string, extOverride string) string {
	base := filepath.Base(entryName)
	ext := filepath.Ext(base)
	stem := strings.TrimSuffix(base, ext)
	if extOverride != "" {
		ext = extOverride
	}

	stem = dashSuffixRe.ReplaceAllString(stem, "")
	stem = strings.ReplaceAll(stem, ".", " ")
	stem = strings.ReplaceAll(stem, "_", " ")

	year := ""
	if m := yearPattern.FindString(stem); m != "" {
		year = m
		stem = strings.Replace(stem, m, " ", 1)
	}

	stem = stripBlocklistTokens(stem)
	stem = whitespaceRunRe.ReplaceAllString(stem, " ")
	stem = strings.TrimSpace(stem)
	stem = reservedCharsRe.ReplaceAllString(stem, "")

	if year != "" {
		return fmt.Sprintf("%s (%s)%s", stem, year, ext)
	}
	return stem + ext
}

func stripBlocklistTokens(stem string) string {
	isBlocked := func(w string) bool {
		trimmed := strings.Trim(w, ".-")
		for _, b := range blocklist {
			if strings.EqualFold(trimmed, b) {
				return true
			}
		}
		return false
	}

	words := strings.Fields(stem)
	out := make([]string, 0, len(words))
	for i := 0; i < len(words); i++ {
		// Dotted entries such as "h.264" arrive here as two words, because
		// dot separators are collapsed to spaces before this step.
		if i+1 < len(words) && isBlocked(words[i]+"."+words[i+1]) {
			i++
			continue
		}
		if !isBlocked(words[i]) {
			out = append(out, words[i])
		}
	}
	return strings.Join(out, " ")
}

// ResolveCollision returns a target path under dir for sanitizedName that
// does not already exist, appending " (n)" before the extension with the
// lowest free n >= 2 when a collision occurs. Never overwrites.
func ResolveCollision(dir, sanitizedName string) (string, error) {
	candidate := filepath.Join(dir, sanitizedName)
	if _, err := os.Stat(candidate); os.IsNotExist(err) {
		return candidate, nil
	}

	ext := filepath.Ext(sanitizedName)
	stem := strings.TrimSuffix(sanitizedName, ext)

	for n := 2; n < 10000; n++ {
		name := fmt.Sprintf("%s (%d)%s", stem, n, ext)
		candidate = filepath.Join(dir, name)
		if _, err := os.Stat(candidate); os.IsNotExist(err) {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("materialize: exhausted collision suffixes for %s", sanitizedName)
}
