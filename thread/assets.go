package thread

import (
	"sync"
	"time"
)

// ImageRecord is one entry in a thread's asset ledger. Records are never
// mutated after insertion, only appended.
type ImageRecord struct {
	// Data holds the raw image payload while it is still in memory; it may
	// be nil once the platform hosts the image.
	Data []byte
	// OriginalURL is set when the image came from a user upload rather than
	// generation.
	OriginalURL string
	// PlatformURL is where the platform hosts the image after upload.
	PlatformURL string
	Prompt      string
	Analysis    string
	Timestamp   time.Time
}

// AssetLedger is the per-thread append-only record of generated and uploaded
// images. Follow-up requests like "edit that image" resolve their target
// through RecentImages, so recency ordering is load-bearing.
//
// The ledger has its own mutex: image bookkeeping is append-only and safe to
// touch without holding the thread's conversation lock.
type AssetLedger struct {
	threadKey string

	mu     sync.Mutex
	images []ImageRecord
}

func NewAssetLedger(threadKey string) *AssetLedger {
	return &AssetLedger{threadKey: threadKey}
}

// ThreadKey returns the owning thread's composite key.
func (al *AssetLedger) ThreadKey() string {
	return al.threadKey
}

// AddImage records a generated image. platformURL may be empty until the
// image has been uploaded to the platform.
func (al *AssetLedger) AddImage(data []byte, prompt string, ts time.Time, platformURL string) {
	al.mu.Lock()
	defer al.mu.Unlock()
	al.images = append(al.images, ImageRecord{
		Data:        data,
		Prompt:      prompt,
		PlatformURL: platformURL,
		Timestamp:   ts,
	})
}

// AddURLImage records a user-uploaded image alongside its hosted URL.
func (al *AssetLedger) AddURLImage(data []byte, url string, ts time.Time) {
	al.mu.Lock()
	defer al.mu.Unlock()
	al.images = append(al.images, ImageRecord{
		Data:        data,
		OriginalURL: url,
		Timestamp:   ts,
	})
}

// RecentImages returns up to limit of the most recently appended records,
// most recent first. limit <= 0 uses a default of 5.
func (al *AssetLedger) RecentImages(limit int) []ImageRecord {
	if limit <= 0 {
		limit = 5
	}
	al.mu.Lock()
	defer al.mu.Unlock()
	n := len(al.images)
	if limit > n {
		limit = n
	}
	out := make([]ImageRecord, 0, limit)
	for i := n - 1; i >= n-limit; i-- {
		out = append(out, al.images[i])
	}
	return out
}

// Len reports the number of recorded images.
func (al *AssetLedger) Len() int {
	al.mu.Lock()
	defer al.mu.Unlock()
	return len(al.images)
}
