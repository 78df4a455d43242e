// Package corpus defines the clip source boundary: corpus enumeration,
// clip records, and the decoder contract that turns clips into frame buffers.
package corpus

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
)

// ClipRecord identifies one corpus item. Immutable once enumerated.
type ClipRecord struct {
	ID          string `json:"id"`
	URI         string `json:"uri"`
	ByteOffset  int64  `json:"byte_offset"`
	ByteLength  int64  `json:"byte_length"`
	FrameStart  int    `json:"frame_start"`
	FrameEnd    int    `json:"frame_end"`
	Fingerprint string `json:"fingerprint"`
	// Position is the 1-based enumeration ordinal, used for checkpointing.
	Position uint64 `json:"position"`
}

// FrameBuffer holds decoded frames for a single work unit. Each work unit owns
// its buffer for its lifetime; buffers are never shared across units.
type FrameBuffer struct {
	ClipID string
	Dir    string
	Frames []string

	release func()
}

// Release frees the buffer's backing storage. Safe to call more than once.
func (b *FrameBuffer) Release() {
	if b.release != nil {
		b.release()
		b.release = nil
	}
}

// DecodeError reports an unreadable clip. Decode failures drop the clip.
type DecodeError struct {
	ClipID string
	Reason string
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("decode %s: %s", e.ClipID, e.Reason)
}

// ContentFingerprint derives a stable fingerprint for a clip from its source
// locator and byte range. Sources that know the raw content hash should set
// the fingerprint in the manifest instead.
func ContentFingerprint(uri string, offset, length int64) string {
	h := sha256.New()
	fmt.Fprintf(h, "%s\x00%d\x00%d", uri, offset, length)
	return hex.EncodeToString(h.Sum(nil))
}
