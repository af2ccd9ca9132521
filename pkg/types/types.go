package types

import (
	"errors"
	"regexp"
)

// ErrInvalidAssetID is returned for identifiers that fail validation.
// Nothing touches the filesystem or the network on behalf of an invalid ID.
var ErrInvalidAssetID = errors.New("invalid asset id")

// Asset IDs are opaque 11-char tokens (alphanumeric plus - and _).
var assetIDRe = regexp.MustCompile(`^[A-Za-z0-9_-]{11}$`)

func ValidAssetID(id string) bool { return assetIDRe.MatchString(id) }

func CheckAssetID(id string) error {
	if !ValidAssetID(id) {
		return ErrInvalidAssetID
	}
	return nil
}

// SegmentState is the lifecycle of one (asset, index) download attempt.
type SegmentState string

const (
	StateDownloading SegmentState = "downloading"
	StateCompleted   SegmentState = "completed"
	StateFailed      SegmentState = "failed"
)

// Progress is a derived snapshot of one asset's acquisition state: completed
// comes from disk, downloading/failed from the orchestrator's bookkeeping.
type Progress struct {
	AssetID       string `json:"assetId"`
	Completed     []int  `json:"completed"`
	Downloading   []int  `json:"downloading"`
	Failed        []int  `json:"failed"`
	TotalSegments int    `json:"totalSegments,omitempty"` // 0 until the origin reports it
	Running       bool   `json:"running"`
}

// States flattens the snapshot into a per-segment view. A segment appearing
// in more than one list resolves in favor of completed, then downloading.
func (p Progress) States() map[int]SegmentState {
	m := make(map[int]SegmentState, len(p.Completed)+len(p.Downloading)+len(p.Failed))
	for _, n := range p.Failed {
		m[n] = StateFailed
	}
	for _, n := range p.Downloading {
		m[n] = StateDownloading
	}
	for _, n := range p.Completed {
		m[n] = StateCompleted
	}
	return m
}
