package content

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Options controls how note files become records.
type Options struct {
	IncludeFrontmatter bool
	IncludeMetadata    bool
}

// Vault reads records from a directory of markdown notes.
type Vault struct {
	Dir  string
	Opts Options
}

// NewVault returns a Vault rooted at dir.
func NewVault(dir string, opts Options) *Vault {
	return &Vault{Dir: dir, Opts: opts}
}

// Current returns the most recently modified note in the vault.
func (v *Vault) Current(ctx context.Context) (Record, error) {
	if v.Dir == "" {
		return Record{}, ErrNotFound
	}

	var (
		newest    string
		newestMod time.Time
	)
	err := filepath.WalkDir(v.Dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if d.IsDir() {
			if path != v.Dir && strings.HasPrefix(d.Name(), ".") {
				return filepath.SkipDir
			}
			return nil
		}
		if !isNote(path) {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return nil
		}
		if info.ModTime().After(newestMod) {
			newest, newestMod = path, info.ModTime()
		}
		return nil
	})
	if err != nil {
		return Record{}, fmt.Errorf("scan vault: %w", err)
	}
	if newest == "" {
		return Record{}, ErrNotFound
	}
	return v.Load(newest)
}

// ByID resolves id as a vault-relative path; the .md suffix is optional.
func (v *Vault) ByID(_ context.Context, id string) (Record, error) {
	if v.Dir == "" || id == "" {
		return Record{}, ErrNotFound
	}
	rel := filepath.Clean(filepath.FromSlash(id))
	if filepath.IsAbs(rel) || strings.HasPrefix(rel, "..") {
		return Record{}, ErrNotFound
	}
	if !isNote(rel) {
		rel += ".md"
	}
	rec, err := v.Load(filepath.Join(v.Dir, rel))
	if errors.Is(err, fs.ErrNotExist) {
		return Record{}, ErrNotFound
	}
	return rec, err
}

// Load parses one note file.
func (v *Vault) Load(path string) (Record, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Record{}, fmt.Errorf("read note: %w", err)
	}
	info, err := os.Stat(path)
	if err != nil {
		return Record{}, fmt.Errorf("stat note: %w", err)
	}

	rel := path
	if v.Dir != "" {
		if r, err := filepath.Rel(v.Dir, path); err == nil {
			rel = filepath.ToSlash(r)
		}
	}
	return ParseNote(rel, data, info.ModTime(), v.Opts)
}

func isNote(path string) bool {
	return strings.EqualFold(filepath.Ext(path), ".md")
}

var (
	frontmatterRe = regexp.MustCompile(`(?s)\A---\r?\n(.*?)\r?\n---\r?\n?`)
	inlineTagRe   = regexp.MustCompile(`(?:^|\s)#([\p{L}\p{N}_/-]+)`)
)

type frontmatter struct {
	ShareLink string `yaml:"share_link"`
	Created   string `yaml:"created"`
	Tags      any    `yaml:"tags"`
}

// ParseNote turns markdown into a Record. The title is the file basename,
// share_link in the frontmatter becomes the external link and the
// frontmatter block is stripped from the body unless opts keep it.
func ParseNote(path string, data []byte, modTime time.Time, opts Options) (Record, error) {
	data = bytes.TrimPrefix(data, []byte("\xef\xbb\xbf"))

	var fm frontmatter
	body := string(data)
	if m := frontmatterRe.FindSubmatchIndex(data); m != nil {
		if err := yaml.Unmarshal(data[m[2]:m[3]], &fm); err != nil {
			return Record{}, fmt.Errorf("parse frontmatter of %s: %w", path, err)
		}
		if !opts.IncludeFrontmatter {
			body = string(data[m[1]:])
		}
	}

	rec := Record{
		Title:        strings.TrimSuffix(filepath.Base(path), filepath.Ext(path)),
		Body:         strings.TrimSpace(body),
		ExternalLink: strings.TrimSpace(fm.ShareLink),
		Path:         path,
	}

	if opts.IncludeMetadata {
		created := modTime
		if fm.Created != "" {
			if t, err := parseTime(fm.Created); err == nil {
				created = t
			}
		}
		rec.Metadata = &Metadata{
			Created:  created,
			Modified: modTime,
			Tags:     collectTags(fm.Tags, body),
		}
	}

	if err := rec.Validate(); err != nil {
		return Record{}, fmt.Errorf("note %s: %w", path, err)
	}
	return rec, nil
}

func parseTime(s string) (time.Time, error) {
	for _, layout := range []string{time.RFC3339, "2006-01-02 15:04:05", "2006-01-02T15:04", "2006-01-02"} {
		if t, err := time.Parse(layout, s); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized time %q", s)
}

// collectTags merges frontmatter tags (list or comma string) with inline
// #tags, de-duplicated and sorted.
func collectTags(raw any, body string) []string {
	seen := make(map[string]struct{})
	add := func(tag string) {
		tag = strings.TrimPrefix(strings.TrimSpace(tag), "#")
		if tag != "" {
			seen["#"+tag] = struct{}{}
		}
	}

	switch v := raw.(type) {
	case string:
		for _, t := range strings.Split(v, ",") {
			add(t)
		}
	case []any:
		for _, t := range v {
			if s, ok := t.(string); ok {
				add(s)
			}
		}
	}
	for _, m := range inlineTagRe.FindAllStringSubmatch(body, -1) {
		add(m[1])
	}

	tags := make([]string, 0, len(seen))
	for t := range seen {
		tags = append(tags, t)
	}
	sort.Strings(tags)
	return tags
}
