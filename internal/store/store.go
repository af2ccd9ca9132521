package store

import (
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"

	"github.com/google/renameio/v2"

	"segment-streamer/pkg/types"
)

// SegmentExt is the on-disk container for individual segments and for the
// assembled file. Segments arrive from the origin as fMP4 audio.
const SegmentExt = ".m4a"

// CompleteName is the assembled whole-asset file inside an asset directory.
const CompleteName = "complete" + SegmentExt

var segmentNameRe = regexp.MustCompile(`^segment_(\d+)\.m4a$`)

// Store persists segment bytes under {root}/{assetId}/segment_{n}.m4a.
// Writes go through a pending temp file and land atomically, so a segment is
// either fully present or absent; readers never observe a partial file.
type Store struct {
	root string
}

func New(root string) *Store { return &Store{root: root} }

func (s *Store) Root() string { return s.root }

// Dir returns the asset's cache directory without creating it.
func (s *Store) Dir(id string) (string, error) {
	if err := types.CheckAssetID(id); err != nil {
		return "", err
	}
	return filepath.Join(s.root, id), nil
}

func (s *Store) segmentPath(id string, n int) (string, error) {
	if n < 0 {
		return "", fmt.Errorf("segment index %d out of range", n)
	}
	dir, err := s.Dir(id)
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "segment_"+strconv.Itoa(n)+SegmentExt), nil
}

// Has reports whether the segment is fully on disk. Zero-byte files do not
// count; an interrupted finalize can at worst leave a stale temp file, which
// never matches the segment name.
func (s *Store) Has(id string, n int) bool {
	p, err := s.segmentPath(id, n)
	if err != nil {
		return false
	}
	fi, err := os.Stat(p)
	return err == nil && fi.Mode().IsRegular() && fi.Size() > 0
}

// Size returns the byte size of a present segment, 0 otherwise.
func (s *Store) Size(id string, n int) int64 {
	p, err := s.segmentPath(id, n)
	if err != nil {
		return 0
	}
	fi, err := os.Stat(p)
	if err != nil {
		return 0
	}
	return fi.Size()
}

// Write consumes r to EOF and persists it as segment n. On success the
// segment is immediately visible to Has/Open from any goroutine. Empty
// bodies are rejected: the origin occasionally answers 200 with no payload
// and caching that would wedge the segment as permanently "present".
func (s *Store) Write(id string, n int, r io.Reader) (int64, error) {
	p, err := s.segmentPath(id, n)
	if err != nil {
		return 0, err
	}
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		return 0, fmt.Errorf("create asset dir: %w", err)
	}

	pending, err := renameio.NewPendingFile(p)
	if err != nil {
		return 0, fmt.Errorf("create pending segment file: %w", err)
	}
	defer func() {
		if err := pending.Cleanup(); err != nil {
			log.Printf("[store] cleanup pending segment %s/%d: %v", id, n, err)
		}
	}()

	written, err := io.Copy(pending, r)
	if err != nil {
		return 0, fmt.Errorf("write segment %s/%d: %w", id, n, err)
	}
	if written == 0 {
		return 0, fmt.Errorf("segment %s/%d: empty body", id, n)
	}
	if err := pending.CloseAtomicallyReplace(); err != nil {
		return 0, fmt.Errorf("finalize segment %s/%d: %w", id, n, err)
	}
	return written, nil
}

// Open returns the segment for reading. The *os.File supports seeking, which
// is what the range-serving path needs.
func (s *Store) Open(id string, n int) (*os.File, error) {
	p, err := s.segmentPath(id, n)
	if err != nil {
		return nil, err
	}
	return os.Open(p)
}

// ListPresent scans the asset directory and returns the sorted indices of
// fully-written segments. Always read from disk, never cached, so it cannot
// drift from what Has/Open see.
func (s *Store) ListPresent(id string) []int {
	dir, err := s.Dir(id)
	if err != nil {
		return nil
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil
	}
	var out []int
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		m := segmentNameRe.FindStringSubmatch(e.Name())
		if m == nil {
			continue
		}
		fi, err := e.Info()
		if err != nil || fi.Size() == 0 {
			continue
		}
		n, err := strconv.Atoi(m[1])
		if err != nil {
			continue
		}
		out = append(out, n)
	}
	sort.Ints(out)
	return out
}

// ContiguousPrefix returns the length of the longest run of present segments
// starting at index 0 with no gaps.
func (s *Store) ContiguousPrefix(id string) int {
	present := s.ListPresent(id)
	k := 0
	for _, n := range present {
		if n != k {
			break
		}
		k++
	}
	return k
}

// CompletePath returns the assembled-file path for the asset.
func (s *Store) CompletePath(id string) (string, error) {
	dir, err := s.Dir(id)
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, CompleteName), nil
}

// HasComplete reports whether a non-empty assembled file exists.
func (s *Store) HasComplete(id string) bool {
	p, err := s.CompletePath(id)
	if err != nil {
		return false
	}
	fi, err := os.Stat(p)
	return err == nil && fi.Mode().IsRegular() && fi.Size() > 0
}

// DirSize totals the bytes under root (stats endpoint).
func (s *Store) DirSize() int64 {
	var total int64
	_ = filepath.Walk(s.root, func(_ string, info os.FileInfo, err error) error {
		if err != nil {
			return nil
		}
		if info.Mode().IsRegular() {
			total += info.Size()
		}
		return nil
	})
	return total
}

// IsNotExist reports whether err means the segment was simply absent.
func IsNotExist(err error) bool { return errors.Is(err, os.ErrNotExist) }
