package bundler

import "time"

// Thresholds gate whether an accumulated batch of signed records is worth
// bundling yet, and how large any single bundle is allowed to grow.
type Thresholds struct {
	SizeThreshold int64         // BUNDLE_SIZE_THRESHOLD: bundle once accumulated bytes reach this
	TimeThreshold time.Duration // BUNDLE_TIME_THRESHOLD: bundle once the oldest row is this old
	MaxBundleSize int64         // MAX_BUNDLE_SIZE: hard cap on a single bundle's byte size
}

// DefaultThresholds mirrors the example magnitudes from the component design:
// 300 KiB / 10 min / 10 MiB.
func DefaultThresholds() Thresholds {
	return Thresholds{
		SizeThreshold: 300 * 1024,
		TimeThreshold: 10 * time.Minute,
		MaxBundleSize: 10 * 1024 * 1024,
	}
}

// ShouldUpload reports whether an accumulated batch is ready to upload as a
// bundle: either its byte size or the age of its oldest item has crossed the
// configured threshold. If neither has, the caller should revert every
// signed row back to pending rather than hold a stale signature.
func (t Thresholds) ShouldUpload(accumulatedSize int64, oldestAge time.Duration) bool {
	return accumulatedSize >= t.SizeThreshold || oldestAge >= t.TimeThreshold
}

// SplitBySize returns how many leading items (by index, preserving order) fit
// within MaxBundleSize given their individual byte sizes, and the index
// where the deferred tail begins. A batch that already fits entirely returns
// split == len(sizes).
func (t Thresholds) SplitBySize(sizes []int64) (split int) {
	var total int64
	for i, sz := range sizes {
		if total+sz > t.MaxBundleSize {
			return i
		}
		total += sz
	}
	return len(sizes)
}
