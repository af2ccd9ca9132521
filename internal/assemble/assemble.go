package assemble

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/google/renameio/v2"

	"segment-streamer/internal/store"
	"segment-streamer/pkg/types"
)

// ErrAssemblyFailed means no continuous file could be produced. Callers fall
// back to segment-level serving; this is never fatal to playback.
var ErrAssemblyFailed = errors.New("assembly failed")

// Assembler joins a contiguous run of cached segments into one playable
// file. It is opportunistic: it runs off the read path and its absence never
// blocks serving.
type Assembler struct {
	Store *store.Store

	// FFmpegPath is the concat tool. Empty means plain byte concatenation,
	// which fMP4 audio segments from the origin tolerate.
	FFmpegPath string

	// MinSegments is the contiguous-from-zero prefix required before an
	// assembly is attempted.
	MinSegments int
}

func New(st *store.Store, ffmpegPath string, minSegments int) *Assembler {
	if minSegments <= 0 {
		minSegments = 4
	}
	return &Assembler{Store: st, FFmpegPath: ffmpegPath, MinSegments: minSegments}
}

// Assemble produces {assetDir}/complete.m4a from segments 0..k-1. Idempotent:
// an existing assembled file is returned as-is. expectedTotal is the origin's
// authoritative segment count when known (0 otherwise); a known total larger
// than the cached prefix refuses rather than assembling a speculative,
// truncated file.
func (a *Assembler) Assemble(ctx context.Context, id string, expectedTotal int) (string, error) {
	if err := types.CheckAssetID(id); err != nil {
		return "", err
	}
	out, err := a.Store.CompletePath(id)
	if err != nil {
		return "", err
	}
	if a.Store.HasComplete(id) {
		return out, nil
	}

	prefix := a.Store.ContiguousPrefix(id)
	if prefix < a.MinSegments {
		return "", fmt.Errorf("%w: contiguous prefix %d < %d", ErrAssemblyFailed, prefix, a.MinSegments)
	}
	if expectedTotal > 0 && prefix < expectedTotal {
		return "", fmt.Errorf("%w: only %d of %d segments cached", ErrAssemblyFailed, prefix, expectedTotal)
	}
	// A gap after the prefix means the middle is missing, not the tail.
	// Joining around it would produce a file with a hole in the audio.
	if present := a.Store.ListPresent(id); len(present) > prefix {
		return "", fmt.Errorf("%w: segments present beyond gap at index %d", ErrAssemblyFailed, prefix)
	}

	dir, err := a.Store.Dir(id)
	if err != nil {
		return "", err
	}

	if a.FFmpegPath != "" {
		if err := a.concatFFmpeg(ctx, id, dir, out, prefix); err != nil {
			log.Printf("[assemble] %s ffmpeg concat failed, falling back to byte concat: %v", id, err)
		} else {
			log.Printf("[assemble] %s assembled %d segments via ffmpeg", id, prefix)
			return out, nil
		}
	}

	if err := a.concatBytes(id, out, prefix); err != nil {
		return "", fmt.Errorf("%w: %v", ErrAssemblyFailed, err)
	}
	log.Printf("[assemble] %s assembled %d segments via byte concat", id, prefix)
	return out, nil
}

// concatFFmpeg does a lossless container-level join through the concat
// demuxer; no re-encode.
func (a *Assembler) concatFFmpeg(ctx context.Context, id, dir, out string, prefix int) error {
	listPath := filepath.Join(dir, "segments_list.txt")
	var b strings.Builder
	for n := 0; n < prefix; n++ {
		seg, err := a.Store.Open(id, n)
		if err != nil {
			return err
		}
		name := seg.Name()
		seg.Close()
		fmt.Fprintf(&b, "file '%s'\n", name)
	}
	if err := os.WriteFile(listPath, []byte(b.String()), 0o644); err != nil {
		return err
	}
	defer os.Remove(listPath)

	tmp := out + ".part"
	defer os.Remove(tmp)
	cmd := exec.CommandContext(ctx, a.FFmpegPath,
		"-y", "-f", "concat", "-safe", "0",
		"-i", listPath, "-c", "copy", "-f", "mp4", tmp,
	)
	if outBytes, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("ffmpeg: %v: %s", err, tail(string(outBytes), 400))
	}
	return os.Rename(tmp, out)
}

// concatBytes appends the segments back-to-back through a pending file so a
// half-written complete.m4a is never visible.
func (a *Assembler) concatBytes(id, out string, prefix int) error {
	pending, err := renameio.NewPendingFile(out)
	if err != nil {
		return err
	}
	defer func() { _ = pending.Cleanup() }()

	for n := 0; n < prefix; n++ {
		seg, err := a.Store.Open(id, n)
		if err != nil {
			return err
		}
		_, err = io.Copy(pending, seg)
		seg.Close()
		if err != nil {
			return err
		}
	}
	return pending.CloseAtomicallyReplace()
}

// HasFFmpeg probes PATH for a usable ffmpeg binary.
func HasFFmpeg() (string, bool) {
	p, err := exec.LookPath("ffmpeg")
	return p, err == nil
}

func tail(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[len(s)-n:]
}
