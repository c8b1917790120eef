// Package archive opens untrusted package archives defensively: bounded
// enumeration, denylist matching, and preview-asset extraction. It never
// touches storage or the network.
package archive

import (
	"bytes"
	"fmt"
	"io"
	"path"
	"sort"
	"strings"

	"github.com/klauspost/compress/zip"

	"github.com/2029ijones-sudo/FireOS/internal/config"
	"github.com/2029ijones-sudo/FireOS/internal/core"
)

// Entry names carrying the package manifest and its optional detached
// publisher signature, checked in order.
var manifestNames = []string{"manifest.json", "package.json"}
var signatureNames = []string{"manifest.json.asc", "signature.asc"}

var imageExts = map[string]bool{
	".png":  true,
	".jpg":  true,
	".jpeg": true,
	".gif":  true,
	".webp": true,
}

// Asset is an extracted preview buffer.
type Asset struct {
	Name string
	Data []byte
}

// EntryInfo describes one archive entry without its content.
type EntryInfo struct {
	Name      string
	SizeBytes int64
}

// Inspection is the result of one defensive pass over an archive.
type Inspection struct {
	Entries           []EntryInfo
	Icon              *Asset
	Screenshots       []Asset
	MaliciousFindings []string
	ManifestRaw       []byte
	SignatureRaw      []byte
}

// Inspector applies structural and malicious-pattern checks to raw
// archive bytes. Limits and denylists come from configuration and are
// fixed for the lifetime of the Inspector.
type Inspector struct {
	maxEntries      int
	maxUncompressed int64
	screenshotLimit int
	deniedSuffixes  []string
	junkNames       map[string]bool
	iconCandidates  []string
}

// NewInspector creates an Inspector from archive configuration.
func NewInspector(cfg config.ArchiveConfig) *Inspector {
	junk := make(map[string]bool, len(cfg.JunkNames))
	for _, n := range cfg.JunkNames {
		junk[strings.ToLower(n)] = true
	}
	suffixes := make([]string, len(cfg.DeniedSuffixes))
	for i, s := range cfg.DeniedSuffixes {
		suffixes[i] = strings.ToLower(s)
	}
	icons := make([]string, len(cfg.IconCandidates))
	for i, c := range cfg.IconCandidates {
		icons[i] = strings.ToLower(c)
	}
	return &Inspector{
		maxEntries:      cfg.MaxEntries,
		maxUncompressed: cfg.MaxUncompressedBytes,
		screenshotLimit: cfg.ScreenshotLimit,
		deniedSuffixes:  suffixes,
		junkNames:       junk,
		iconCandidates:  icons,
	}
}

// Inspect enumerates the archive, collects denylisted entry names, and
// extracts the icon, screenshots, manifest, and publisher signature.
// Size and entry-count ceilings are checked against the declared central
// directory before any entry is decompressed.
func (ins *Inspector) Inspect(raw []byte) (*Inspection, error) {
	zr, err := zip.NewReader(bytes.NewReader(raw), int64(len(raw)))
	if err != nil {
		return nil, core.NewErrorf(core.ErrInvalidArchive, "not a readable archive: %v", err)
	}

	if len(zr.File) > ins.maxEntries {
		return nil, core.NewErrorf(core.ErrArchiveTooLarge,
			"%d entries exceeds limit of %d", len(zr.File), ins.maxEntries)
	}

	var declared int64
	for _, f := range zr.File {
		declared += int64(f.UncompressedSize64)
		if declared > ins.maxUncompressed {
			return nil, core.NewErrorf(core.ErrArchiveTooLarge,
				"declared uncompressed size exceeds limit of %d bytes", ins.maxUncompressed)
		}
	}

	result := &Inspection{}
	byName := make(map[string]*zip.File, len(zr.File))
	names := make([]string, 0, len(zr.File))

	for _, f := range zr.File {
		if f.FileInfo().IsDir() {
			continue
		}
		name := path.Clean(f.Name)
		result.Entries = append(result.Entries, EntryInfo{
			Name:      name,
			SizeBytes: int64(f.UncompressedSize64),
		})
		if match := ins.matchDenylist(name); match {
			result.MaliciousFindings = append(result.MaliciousFindings, name)
		}
		byName[strings.ToLower(name)] = f
		names = append(names, name)
	}

	// Central-directory order is not a stable property of the format;
	// sort so asset selection is deterministic across producers.
	sort.Strings(names)

	for _, candidate := range ins.iconCandidates {
		if f, ok := byName[candidate]; ok {
			data, err := ins.readEntry(f)
			if err == nil {
				result.Icon = &Asset{Name: path.Clean(f.Name), Data: data}
			}
			break
		}
	}

	for _, name := range names {
		if len(result.Screenshots) >= ins.screenshotLimit {
			break
		}
		if !isScreenshotName(name) {
			continue
		}
		f := byName[strings.ToLower(name)]
		data, err := ins.readEntry(f)
		if err != nil {
			continue
		}
		result.Screenshots = append(result.Screenshots, Asset{Name: name, Data: data})
	}

	for _, mn := range manifestNames {
		if f, ok := byName[mn]; ok {
			if data, err := ins.readEntry(f); err == nil {
				result.ManifestRaw = data
			}
			break
		}
	}
	for _, sn := range signatureNames {
		if f, ok := byName[sn]; ok {
			if data, err := ins.readEntry(f); err == nil {
				result.SignatureRaw = data
			}
			break
		}
	}

	return result, nil
}

// matchDenylist reports whether the entry name hits a denied suffix or a
// known junk artifact, case-insensitively.
func (ins *Inspector) matchDenylist(name string) bool {
	lower := strings.ToLower(name)
	base := path.Base(lower)
	if ins.junkNames[base] {
		return true
	}
	for _, suffix := range ins.deniedSuffixes {
		if strings.HasSuffix(lower, suffix) {
			return true
		}
	}
	return false
}

// readEntry decompresses one entry, refusing to read past its declared
// size. An entry whose stream outruns its header is treated as corrupt.
func (ins *Inspector) readEntry(f *zip.File) ([]byte, error) {
	declared := int64(f.UncompressedSize64)
	rc, err := f.Open()
	if err != nil {
		return nil, err
	}
	defer rc.Close()

	data, err := io.ReadAll(io.LimitReader(rc, declared+1))
	if err != nil {
		return nil, err
	}
	if int64(len(data)) > declared {
		return nil, fmt.Errorf("entry %s larger than declared size", f.Name)
	}
	return data, nil
}

func isScreenshotName(name string) bool {
	lower := strings.ToLower(name)
	if !imageExts[path.Ext(lower)] {
		return false
	}
	base := path.Base(lower)
	return strings.Contains(base, "screenshot") || strings.Contains(base, "preview")
}
