package telegram

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/disintegration/imaging"
)

// visionMaxSide bounds the longest image edge before the image is handed
// to a vision model; larger inputs waste tokens without adding detail.
const visionMaxSide = 1568

// sanitizeImage re-encodes a downloaded image as a clean JPEG: EXIF and
// other metadata are dropped by the decode/encode cycle, orientation is
// baked in, and oversized images are scaled down. Returns the path of the
// sanitized copy.
func sanitizeImage(path string) (string, error) {
	img, err := imaging.Open(path, imaging.AutoOrientation(true))
	if err != nil {
		return "", fmt.Errorf("decode image: %w", err)
	}

	bounds := img.Bounds()
	if bounds.Dx() > visionMaxSide || bounds.Dy() > visionMaxSide {
		img = imaging.Fit(img, visionMaxSide, visionMaxSide, imaging.Lanczos)
	}

	ext := filepath.Ext(path)
	out := strings.TrimSuffix(path, ext) + ".clean.jpg"
	if err := imaging.Save(img, out, imaging.JPEGQuality(90)); err != nil {
		return "", fmt.Errorf("encode image: %w", err)
	}

	// The raw download is no longer needed once the clean copy exists.
	if out != path {
		os.Remove(path)
	}
	return out, nil
}
