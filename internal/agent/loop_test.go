package agent

import (
	"errors"
	"testing"
)

func TestExtractMediaResults(t *testing.T) {
	content := "Here you go.\nMEDIA:/tmp/pic.png\nMEDIA:https://example.com/chart.jpg\nMEDIA:not a path with spaces\ndone"
	media := ExtractMediaResults(content)
	if len(media) != 2 {
		t.Fatalf("got %d media results: %+v", len(media), media)
	}
	if media[0].Path != "/tmp/pic.png" || media[0].ContentType != "image/png" {
		t.Fatalf("first media = %+v", media[0])
	}
	if media[1].Path != "https://example.com/chart.jpg" {
		t.Fatalf("second media = %+v", media[1])
	}
}

func TestExtractMediaResultsVoiceHint(t *testing.T) {
	content := "[[audio_as_voice]]\nMEDIA:/tmp/reply.ogg"
	media := ExtractMediaResults(content)
	if len(media) != 1 || !media[0].AsVoice {
		t.Fatalf("ogg with voice hint should be voice: %+v", media)
	}
}

func TestExtractMediaResultsNoHint(t *testing.T) {
	if got := ExtractMediaResults("plain reply"); got != nil {
		t.Fatalf("got %+v", got)
	}
}

func TestStripHeartbeatToken(t *testing.T) {
	if got := StripHeartbeatToken("HEARTBEAT_OK"); got != "" {
		t.Fatalf("bare sentinel should strip to empty, got %q", got)
	}
	if got := StripHeartbeatToken("HEARTBEAT_OK\nbut also this"); got != "but also this" {
		t.Fatalf("got %q", got)
	}
	if got := StripHeartbeatToken("no sentinel here"); got != "no sentinel here" {
		t.Fatalf("got %q", got)
	}
}

func TestIsContextOverflow(t *testing.T) {
	overflow := []string{
		"400: prompt is too long: 210000 tokens",
		"context_length_exceeded",
		"this model's maximum context length is 200000",
	}
	for _, msg := range overflow {
		if !isContextOverflow(errors.New(msg)) {
			t.Errorf("%q should classify as overflow", msg)
		}
	}
	if isContextOverflow(errors.New("rate limited")) {
		t.Error("rate limit is not overflow")
	}
}

func TestSanitizeStripsMediaLines(t *testing.T) {
	content := "Look:\nMEDIA:/tmp/x.png\nthe end"
	out := SanitizeAssistantContent(content)
	if out != "Look:\nthe end" {
		t.Fatalf("got %q", out)
	}
}

func TestIsSilentReply(t *testing.T) {
	if !IsSilentReply("NO_REPLY") {
		t.Fatal("NO_REPLY is silent")
	}
	if !IsSilentReply("NO_REPLY.") {
		t.Fatal("NO_REPLY with trailing punctuation is silent")
	}
	if IsSilentReply("I would never answer NO_REPLY to a real question") {
		t.Fatal("token in the middle of prose is not silent")
	}
}
