package archive

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"
)

// Two volume naming conventions exist: the legacy scheme
// name.rar, name.r00, name.r01, ... and the new scheme
// name.part01.rar, name.part02.rar, ...
var (
	legacyRPattern = regexp.MustCompile(`(?i)^(.+)\.r(\d{2,})$`)
	newPartPattern = regexp.MustCompile(`(?i)^(.+)\.part(\d+)\.rar$`)
	plainRarPattern = regexp.MustCompile(`(?i)^(.+)\.rar$`)
)

// IsFirstVolume reports whether name is the handle volume of an archive
// set: a bare "name.rar", or the lowest-numbered "name.partNN.rar".
func IsFirstVolume(name string) bool {
	base := filepath.Base(name)

	if m := newPartPattern.FindStringSubmatch(base); m != nil {
		n, err := strconv.Atoi(m[2])
		return err == nil && n == 1
	}

	if legacyRPattern.MatchString(base) {
		return false
	}

	return plainRarPattern.MatchString(base)
}

// Stem returns the archive-set's shared stem, stripping away the
// volume-specific suffix under either naming convention.
func Stem(name string) string {
	base := filepath.Base(name)

	if m := newPartPattern.FindStringSubmatch(base); m != nil {
		return m[1]
	}
	if m := legacyRPattern.FindStringSubmatch(base); m != nil {
		return m[1]
	}
	if m := plainRarPattern.FindStringSubmatch(base); m != nil {
		return m[1]
	}
	return base
}

// ResolveVolumeSet returns every volume file belonging to the archive set
// that firstVolumePath's first volume opens, in ascending volume order.
// Fails with ErrMissingVolume if a volume implied by a contiguous numbering
// gap is absent from the directory listing.
func ResolveVolumeSet(firstVolumePath string) ([]string, error) {
	dir := filepath.Dir(firstVolumePath)
	base := filepath.Base(firstVolumePath)

	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("%w: reading %s: %v", ErrIO, dir, err)
	}

	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if !e.IsDir() {
			names = append(names, e.Name())
		}
	}

	switch {
	case newPartPattern.MatchString(base):
		return resolvePartScheme(dir, base, names)
	case legacyRPattern.MatchString(base) || plainRarPattern.MatchString(base):
		return resolveLegacyScheme(dir, base, names)
	default:
		return nil, fmt.Errorf("%w: %s does not match a known volume naming convention", ErrMissingVolume, base)
	}
}

func resolvePartScheme(dir, base string, siblingNames []string) ([]string, error) {
	m := newPartPattern.FindStringSubmatch(base)
	stem := m[1]
	width := len(m[2])

	type vol struct {
		name string
		num  int
	}
	var vols []vol
	for _, n := range siblingNames {
		mm := newPartPattern.FindStringSubmatch(n)
		if mm == nil || !strings.EqualFold(mm[1], stem) {
			continue
		}
		num, err := strconv.Atoi(mm[2])
		if err != nil {
			continue
		}
		vols = append(vols, vol{name: n, num: num})
	}
	sort.Slice(vols, func(i, j int) bool { return vols[i].num < vols[j].num })

	if len(vols) == 0 {
		return nil, fmt.Errorf("%w: no volumes found for %s", ErrMissingVolume, base)
	}

	paths := make([]string, 0, len(vols))
	for i, v := range vols {
		expected := i + 1
		if v.num != expected {
			return nil, fmt.Errorf("%w: expected part %0*d after part %0*d, found part %0*d",
				ErrMissingVolume, width, expected, width, vols[i-minInt(i, 1)].num, width, v.num)
		}
		paths = append(paths, filepath.Join(dir, v.name))
	}

	return paths, nil
}

func resolveLegacyScheme(dir, base string, siblingNames []string) ([]string, error) {
	stem := Stem(base)

	firstPath := ""
	type vol struct {
		name string
		num  int // 0 = the .rar handle, n = .r(n-1)
	}
	var vols []vol

	for _, n := range siblingNames {
		if plainRarPattern.MatchString(n) && !newPartPattern.MatchString(n) && strings.EqualFold(Stem(n), stem) && !legacyRPattern.MatchString(n) {
			vols = append(vols, vol{name: n, num: 0})
			firstPath = n
			continue
		}
		if mm := legacyRPattern.FindStringSubmatch(n); mm != nil && strings.EqualFold(mm[1], stem) {
			num, err := strconv.Atoi(mm[2])
			if err != nil {
				continue
			}
			vols = append(vols, vol{name: n, num: num + 1})
		}
	}

	if firstPath == "" {
		return nil, fmt.Errorf("%w: no .rar handle found for %s", ErrMissingVolume, base)
	}

	sort.Slice(vols, func(i, j int) bool { return vols[i].num < vols[j].num })

	paths := make([]string, 0, len(vols))
	for i, v := range vols {
		if v.num != i {
			return nil, fmt.Errorf("%w: missing volume at position %d in set %s", ErrMissingVolume, i, stem)
		}
		paths = append(paths, filepath.Join(dir, v.name))
	}

	return paths, nil
}

func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}
