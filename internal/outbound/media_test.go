package outbound

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
)

// tiny valid 1x1 GIF.
var gifBytes = []byte{
	'G', 'I', 'F', '8', '9', 'a',
	0x01, 0x00, 0x01, 0x00, 0x80, 0x00, 0x00,
	0xFF, 0xFF, 0xFF, 0x00, 0x00, 0x00,
	0x2C, 0x00, 0x00, 0x00, 0x00, 0x01, 0x00, 0x01, 0x00, 0x00,
	0x02, 0x02, 0x44, 0x01, 0x00, 0x3B,
}

func TestDetectMimeMagicBytesWin(t *testing.T) {
	jpeg := []byte{0xFF, 0xD8, 0xFF, 0xE0, 0x00}
	if mime := DetectMime(jpeg, "application/octet-stream", "file.bin"); mime != "image/jpeg" {
		t.Fatalf("magic bytes should win, got %q", mime)
	}
}

func TestDetectMimeHeaderFallback(t *testing.T) {
	if mime := DetectMime([]byte("random"), "audio/flac", "x.dat"); mime != "audio/flac" {
		t.Fatalf("header should be second, got %q", mime)
	}
}

func TestDetectMimeExtensionFallback(t *testing.T) {
	if mime := DetectMime([]byte("random"), "", "song.mp3"); mime != "audio/mpeg" {
		t.Fatalf("extension should be last resort, got %q", mime)
	}
	if mime := DetectMime([]byte("random"), "", "https://host/img.png?sig=abc"); mime != "image/png" {
		t.Fatalf("query strings should not defeat extension sniffing, got %q", mime)
	}
}

func TestGifSurvivesPipelineByteForByte(t *testing.T) {
	path := filepath.Join(t.TempDir(), "anim.gif")
	if err := os.WriteFile(path, gifBytes, 0o600); err != nil {
		t.Fatal(err)
	}

	att, err := LoadAttachment(path, 5)
	if err != nil {
		t.Fatalf("LoadAttachment: %v", err)
	}
	if att.Mime != "image/gif" {
		t.Fatalf("mime = %q, want image/gif", att.Mime)
	}
	if !bytes.Equal(att.Data, gifBytes) {
		t.Fatal("gif bytes were altered by the media pipeline")
	}
}

func TestLoadAttachmentRejectsOversizedAudio(t *testing.T) {
	path := filepath.Join(t.TempDir(), "big.ogg")
	data := append([]byte("OggS"), make([]byte, AudioVideoCapBytes)...)
	if err := os.WriteFile(path, data, 0o600); err != nil {
		t.Fatal(err)
	}
	if _, err := LoadAttachment(path, 5); err == nil {
		t.Fatal("oversized audio should be rejected")
	}
}
