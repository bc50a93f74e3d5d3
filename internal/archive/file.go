package archive

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"time"
)

// FileStore writes transcript files below a base directory, one
// subdirectory per guild.
type FileStore struct {
	dir string

	// mu serialises name selection so concurrent saves in the same second
	// never pick the same file.
	mu sync.Mutex
}

var _ Store = (*FileStore)(nil)

// NewFileStore returns a [FileStore] rooted at dir. The directory is created
// lazily on the first Save.
func NewFileStore(dir string) *FileStore {
	return &FileStore{dir: dir}
}

// Dir returns the base directory.
func (s *FileStore) Dir() string { return s.dir }

// Save writes rec in the transcript file format and sets rec.Path. A second
// conversation ending in the same second gets a numeric suffix.
func (s *FileStore) Save(ctx context.Context, rec *Record) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := rec.Normalize(); err != nil {
		return err
	}

	guildDir := filepath.Join(s.dir, safeName(rec.GuildID))
	if err := os.MkdirAll(guildDir, 0o750); err != nil {
		return fmt.Errorf("archive: create dir: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	base := strings.TrimSuffix(FileName(rec.EndedAt), ".txt")
	content := []byte(Format(rec))
	for n := 1; ; n++ {
		name := base + ".txt"
		if n > 1 {
			name = fmt.Sprintf("%s_%d.txt", base, n)
		}
		path := filepath.Join(guildDir, name)
		f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o640)
		if errors.Is(err, fs.ErrExist) {
			continue
		}
		if err != nil {
			return fmt.Errorf("archive: create file: %w", err)
		}
		if _, err := f.Write(content); err != nil {
			f.Close()
			os.Remove(path)
			return fmt.Errorf("archive: write %s: %w", name, err)
		}
		if err := f.Close(); err != nil {
			return fmt.Errorf("archive: close %s: %w", name, err)
		}
		rec.Path = path
		return nil
	}
}

// List reads back the newest transcript files for guildID. Only the fields
// stored in the file are populated: GuildID, EndedAt, Transcript and Path.
func (s *FileStore) List(ctx context.Context, guildID string, limit int) ([]Record, error) {
	guildDir := filepath.Join(s.dir, safeName(guildID))
	entries, err := os.ReadDir(guildDir)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("archive: list: %w", err)
	}

	var names []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasPrefix(e.Name(), "transcript_") && strings.HasSuffix(e.Name(), ".txt") {
			names = append(names, e.Name())
		}
	}
	// Timestamps sort lexically; suffixed names sort after their base.
	slices.Sort(names)
	slices.Reverse(names)
	if limit > 0 && len(names) > limit {
		names = names[:limit]
	}

	out := make([]Record, 0, len(names))
	for _, name := range names {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		path := filepath.Join(guildDir, name)
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("archive: read %s: %w", name, err)
		}
		out = append(out, Record{
			GuildID:    guildID,
			EndedAt:    endedAtFromName(name),
			Transcript: bodyOf(string(data)),
			Path:       path,
		})
	}
	return out, nil
}

// Ping checks that the base directory can be created.
func (s *FileStore) Ping(context.Context) error {
	if err := os.MkdirAll(s.dir, 0o750); err != nil {
		return fmt.Errorf("archive: ping: %w", err)
	}
	return nil
}

func endedAtFromName(name string) time.Time {
	stamp := strings.TrimSuffix(strings.TrimPrefix(name, "transcript_"), ".txt")
	if len(stamp) > len(fileTimeLayout) {
		stamp = stamp[:len(fileTimeLayout)]
	}
	t, err := time.ParseInLocation(fileTimeLayout, stamp, time.Local)
	if err != nil {
		return time.Time{}
	}
	return t
}

// bodyOf strips the header written by [Format].
func bodyOf(content string) string {
	rule := strings.Repeat("=", ruleWidth) + "\n\n"
	if _, body, ok := strings.Cut(content, rule); ok {
		return body
	}
	return content
}

func safeName(s string) string {
	if s == "" {
		return "_"
	}
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			return r
		default:
			return '_'
		}
	}, s)
}
