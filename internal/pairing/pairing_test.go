package pairing

import (
	"strings"
	"testing"
	"time"
)

func TestCodeShape(t *testing.T) {
	m := NewManager("")
	req, err := m.Request("telegram", "12345")
	if err != nil {
		t.Fatal(err)
	}
	if len(req.Code) != 8 {
		t.Fatalf("code length = %d, want 8", len(req.Code))
	}
	for _, r := range req.Code {
		if !strings.ContainsRune(codeCharset, r) {
			t.Fatalf("code %q contains %q outside charset", req.Code, r)
		}
	}
	for _, banned := range "0O1I" {
		if strings.ContainsRune(req.Code, banned) {
			t.Fatalf("code %q contains ambiguous char %q", req.Code, banned)
		}
	}
}

func TestRequestIsIdempotentPerPeer(t *testing.T) {
	m := NewManager("")
	first, err := m.Request("telegram", "12345")
	if err != nil {
		t.Fatal(err)
	}
	second, err := m.Request("telegram", "12345")
	if err != nil {
		t.Fatal(err)
	}
	if first.Code != second.Code {
		t.Fatalf("same unexpired peer should reuse the code: %q vs %q", first.Code, second.Code)
	}
}

func TestPendingCapPerChannel(t *testing.T) {
	m := NewManager("")
	for _, peer := range []string{"a", "b", "c"} {
		if _, err := m.Request("telegram", peer); err != nil {
			t.Fatal(err)
		}
	}
	if _, err := m.Request("telegram", "d"); err == nil {
		t.Fatal("fourth pending request on a channel must be rejected")
	}
	// Other channels are unaffected.
	if _, err := m.Request("discord", "d"); err != nil {
		t.Fatalf("cap must be per-channel: %v", err)
	}
}

func TestExpiredRequestsDropFromListAndRegenerate(t *testing.T) {
	m := NewManager("")
	req, err := m.Request("whatsapp", "+1555")
	if err != nil {
		t.Fatal(err)
	}
	if req.ExpiresAt.Sub(req.CreatedAt) != time.Hour {
		t.Fatalf("TTL = %v, want 1h", req.ExpiresAt.Sub(req.CreatedAt))
	}

	// Force expiry; Request returns the live record, so the test can age it.
	req.ExpiresAt = time.Now().Add(-time.Second)
	req.CreatedAt = req.ExpiresAt.Add(-time.Hour)

	for _, r := range m.List("whatsapp") {
		if r.Peer == "+1555" {
			t.Fatal("expired request must not appear in pairing.list")
		}
	}

	fresh, err := m.Request("whatsapp", "+1555")
	if err != nil {
		t.Fatal(err)
	}
	if fresh.Code == req.Code {
		t.Fatal("a new inbound after expiry should generate a new code")
	}
}

func TestApproveFlow(t *testing.T) {
	m := NewManager("")
	req, _ := m.Request("signal", "+1999")

	if m.IsApproved("signal", "+1999") {
		t.Fatal("pending request must not grant access")
	}
	if _, err := m.Approve("WRONGCODE"); err == nil {
		t.Fatal("unknown code must fail")
	}
	if _, err := m.Approve(req.Code); err != nil {
		t.Fatal(err)
	}
	if !m.IsApproved("signal", "+1999") {
		t.Fatal("approval should grant access")
	}
	if m.IsApproved("telegram", "+1999") {
		t.Fatal("approval is scoped to the channel")
	}
}

func TestApproveExpiredFails(t *testing.T) {
	m := NewManager("")
	req, _ := m.Request("signal", "+1999")
	req.ExpiresAt = time.Now().Add(-time.Second)
	if _, err := m.Approve(req.Code); err == nil {
		t.Fatal("approving an expired code must fail")
	}
}
