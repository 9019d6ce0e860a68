package outbound

import (
	"bytes"
	"fmt"
	"image/jpeg"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/disintegration/imaging"
)

// Media size limits. Images are recompressed toward DefaultImageTargetMB
// and rejected above the hard cap; audio/video and documents are sent
// as-is up to their limits.
const (
	DefaultImageTargetMB = 5
	ImageHardCapBytes    = 6 * 1024 * 1024
	AudioVideoCapBytes   = 16 * 1024 * 1024
	DocumentCapBytes     = 100 * 1024 * 1024

	// maxImageSide is the longest edge after recompression.
	maxImageSide = 2048
)

var mediaHTTPClient = &http.Client{Timeout: 60 * time.Second}

// Attachment is a fully loaded, size-checked media payload ready for a
// channel send primitive.
type Attachment struct {
	Data     []byte
	Mime     string
	FileName string
}

// LoadAttachment resolves a media reference (http(s) URL or local path),
// sniffs its MIME type, and applies the per-class size policy: images are
// recompressed to fit, GIFs pass through byte-for-byte, everything else is
// size-checked only.
func LoadAttachment(ref string, targetMB int) (*Attachment, error) {
	data, headerMime, name, err := fetch(ref)
	if err != nil {
		return nil, err
	}

	mime := DetectMime(data, headerMime, ref)
	att := &Attachment{Data: data, Mime: mime, FileName: name}

	switch {
	case mime == "image/gif":
		// GIFs are never reencoded: animation survives only byte-for-byte.
		if len(att.Data) > DocumentCapBytes {
			return nil, fmt.Errorf("outbound: gif too large (%d bytes)", len(att.Data))
		}
	case strings.HasPrefix(mime, "image/"):
		if err := att.compressImage(targetMB); err != nil {
			return nil, err
		}
	case strings.HasPrefix(mime, "audio/"), strings.HasPrefix(mime, "video/"):
		if len(att.Data) > AudioVideoCapBytes {
			return nil, fmt.Errorf("outbound: %s too large (%d bytes, cap %d)", mime, len(att.Data), AudioVideoCapBytes)
		}
	default:
		if len(att.Data) > DocumentCapBytes {
			return nil, fmt.Errorf("outbound: document too large (%d bytes, cap %d)", len(att.Data), DocumentCapBytes)
		}
	}
	return att, nil
}

func fetch(ref string) (data []byte, headerMime, name string, err error) {
	if strings.HasPrefix(ref, "http://") || strings.HasPrefix(ref, "https://") {
		resp, err := mediaHTTPClient.Get(ref)
		if err != nil {
			return nil, "", "", fmt.Errorf("outbound: fetch media: %w", err)
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			return nil, "", "", fmt.Errorf("outbound: fetch media: status %d", resp.StatusCode)
		}
		data, err = io.ReadAll(io.LimitReader(resp.Body, DocumentCapBytes+1))
		if err != nil {
			return nil, "", "", fmt.Errorf("outbound: read media body: %w", err)
		}
		mime, _, _ := strings.Cut(resp.Header.Get("Content-Type"), ";")
		return data, strings.TrimSpace(mime), filepath.Base(ref), nil
	}

	data, err = os.ReadFile(ref)
	if err != nil {
		return nil, "", "", fmt.Errorf("outbound: read media file: %w", err)
	}
	return data, "", filepath.Base(ref), nil
}

// compressImage re-encodes the image as JPEG with its longest side capped
// at maxImageSide, stepping quality down until it fits targetMB (or the
// hard cap when targetMB is higher). An image already within that size is
// returned as it is, neither resized nor re-encoded.
func (a *Attachment) compressImage(targetMB int) error {
	if targetMB <= 0 {
		targetMB = DefaultImageTargetMB
	}
	target := int64(targetMB) * 1024 * 1024
	if target > ImageHardCapBytes {
		target = ImageHardCapBytes
	}
	if int64(len(a.Data)) <= target {
		return nil
	}

	img, err := imaging.Decode(bytes.NewReader(a.Data), imaging.AutoOrientation(true))
	if err != nil {
		return fmt.Errorf("outbound: decode image: %w", err)
	}

	bounds := img.Bounds()
	if bounds.Dx() > maxImageSide || bounds.Dy() > maxImageSide {
		img = imaging.Fit(img, maxImageSide, maxImageSide, imaging.Lanczos)
	}

	for _, quality := range []int{85, 75, 65, 50, 35} {
		var buf bytes.Buffer
		if err := imaging.Encode(&buf, img, imaging.JPEG, imaging.JPEGQuality(quality)); err != nil {
			return fmt.Errorf("outbound: encode jpeg: %w", err)
		}
		if int64(buf.Len()) <= target {
			a.Data = buf.Bytes()
			a.Mime = "image/jpeg"
			a.FileName = jpegName(a.FileName)
			return nil
		}
	}

	// Last resort: lowest quality wins even if above target, as long as it
	// clears the hard cap.
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: 25}); err != nil {
		return fmt.Errorf("outbound: encode jpeg: %w", err)
	}
	if int64(buf.Len()) > ImageHardCapBytes {
		return fmt.Errorf("outbound: image still %d bytes after recompression", buf.Len())
	}
	a.Data = buf.Bytes()
	a.Mime = "image/jpeg"
	a.FileName = jpegName(a.FileName)
	return nil
}

func jpegName(name string) string {
	if name == "" {
		return "image.jpg"
	}
	ext := filepath.Ext(name)
	return strings.TrimSuffix(name, ext) + ".jpg"
}

// DetectMime resolves a media MIME type: magic bytes first, then the
// transport header, then the file extension.
func DetectMime(data []byte, headerMime, ref string) string {
	if mime := sniffMagic(data); mime != "" {
		return mime
	}
	if headerMime != "" && headerMime != "application/octet-stream" {
		return headerMime
	}
	if mime := mimeFromExt(ref); mime != "" {
		return mime
	}
	return "application/octet-stream"
}

func sniffMagic(data []byte) string {
	switch {
	case len(data) >= 3 && bytes.Equal(data[:3], []byte{0xFF, 0xD8, 0xFF}):
		return "image/jpeg"
	case len(data) >= 8 && bytes.Equal(data[:8], []byte{0x89, 'P', 'N', 'G', 0x0D, 0x0A, 0x1A, 0x0A}):
		return "image/png"
	case len(data) >= 6 && (bytes.Equal(data[:6], []byte("GIF87a")) || bytes.Equal(data[:6], []byte("GIF89a"))):
		return "image/gif"
	case len(data) >= 12 && bytes.Equal(data[:4], []byte("RIFF")) && bytes.Equal(data[8:12], []byte("WEBP")):
		return "image/webp"
	case len(data) >= 4 && bytes.Equal(data[:4], []byte("OggS")):
		return "audio/ogg"
	case len(data) >= 3 && bytes.Equal(data[:3], []byte("ID3")):
		return "audio/mpeg"
	case len(data) >= 2 && data[0] == 0xFF && data[1]&0xE0 == 0xE0:
		return "audio/mpeg"
	case len(data) >= 12 && bytes.Equal(data[4:8], []byte("ftyp")):
		return "video/mp4"
	case len(data) >= 5 && bytes.Equal(data[:5], []byte("%PDF-")):
		return "application/pdf"
	}
	return ""
}

func mimeFromExt(ref string) string {
	switch strings.ToLower(filepath.Ext(stripQuery(ref))) {
	case ".jpg", ".jpeg":
		return "image/jpeg"
	case ".png":
		return "image/png"
	case ".gif":
		return "image/gif"
	case ".webp":
		return "image/webp"
	case ".ogg", ".oga":
		return "audio/ogg"
	case ".mp3":
		return "audio/mpeg"
	case ".wav":
		return "audio/wav"
	case ".m4a":
		return "audio/mp4"
	case ".mp4":
		return "video/mp4"
	case ".webm":
		return "video/webm"
	case ".pdf":
		return "application/pdf"
	case ".txt", ".md":
		return "text/plain"
	}
	return ""
}

func stripQuery(ref string) string {
	if i := strings.IndexByte(ref, '?'); i >= 0 {
		return ref[:i]
	}
	return ref
}
