// Package sessions implements the session key grammar and the durable
// SessionEntry store keyed by it.
//
// A SessionKey has one of three shapes:
//
//	<mainKey>                                   direct chats collapse here by default
//	<surface>:group:<id>[:topic:<threadId>]     group conversations
//	<surface>:channel:<id>                      broadcast-style channels
//
// "global" is the reserved global-scope key.
package sessions

import (
	"strings"
)

// PeerKind distinguishes the shape of conversation an Envelope belongs to.
type PeerKind string

const (
	PeerDirect  PeerKind = "direct"
	PeerGroup   PeerKind = "group"
	PeerChannel PeerKind = "channel"
)

// Scope controls whether sessions are resolved per conversation or
// collapsed into a single global session. Under ScopePerSender direct chats
// still share mainKey; groups and channels get keys of their own.
type Scope string

const (
	ScopePerSender Scope = "per-sender"
	ScopeGlobal    Scope = "global"
)

// GlobalKey is the reserved key used when Scope is global.
const GlobalKey = "global"

// DefaultMainKey is used when no mainKey is configured.
const DefaultMainKey = "main"

// ResolveInput carries the fields the resolver algorithm (spec §4.2) needs
// from an inbound Envelope without importing the envelope package, keeping
// the key grammar free of adapter-shaped dependencies.
type ResolveInput struct {
	Surface     string
	From        string
	ChatType    PeerKind
	GroupID     string // raw group/room id, already stripped of "group:"/"<surface>:" prefixes by the caller
	TopicID     string // forum/thread topic id, empty if none
	DisplayName string // group/room display name, if known
	RoomToken   string // fallback slug token (room/space id) when DisplayName is empty
}

// Resolve implements the session key resolver algorithm from spec §4.2.
func Resolve(in ResolveInput, scope Scope, mainKey string) string {
	if scope == ScopeGlobal {
		return GlobalKey
	}
	if mainKey == "" {
		mainKey = DefaultMainKey
	}

	switch in.ChatType {
	case PeerGroup:
		key := BuildGroupKey(in.Surface, in.GroupID)
		if in.TopicID != "" {
			key = key + ":topic:" + in.TopicID
		}
		return key
	case PeerChannel:
		return BuildChannelKey(in.Surface, in.GroupID)
	default:
		return mainKey
	}
}

// BuildGroupKey returns "<surface>:group:<id>".
func BuildGroupKey(surface, id string) string {
	return surface + ":group:" + id
}

// BuildGroupTopicKey returns "<surface>:group:<id>:topic:<topicID>".
func BuildGroupTopicKey(surface, id, topicID string) string {
	return BuildGroupKey(surface, id) + ":topic:" + topicID
}

// BuildChannelKey returns "<surface>:channel:<id>".
func BuildChannelKey(surface, id string) string {
	return surface + ":channel:" + id
}

// IsGroupKey reports whether key denotes a group (or group-topic) session.
func IsGroupKey(key string) bool {
	for _, part := range strings.SplitN(key, ":", 3) {
		_ = part
	}
	idx := strings.Index(key, ":group:")
	return idx > 0
}

// IsChannelKey reports whether key denotes a broadcast-channel session.
func IsChannelKey(key string) bool {
	return strings.Index(key, ":channel:") > 0
}

// Surface extracts the surface (adapter id) prefix from a group/channel key,
// or "" for mainKey/global keys which carry no surface.
func Surface(key string) string {
	if idx := strings.IndexByte(key, ':'); idx > 0 {
		rest := key[idx:]
		if strings.HasPrefix(rest, ":group:") || strings.HasPrefix(rest, ":channel:") {
			return key[:idx]
		}
	}
	return ""
}

// Slug normalizes a group/room display name (or a raw token fallback) into
// the short label used when no explicit displayName is available, per
// spec §4.2 point 5: lowercase, spaces→"-", keep "#@+._-".
func Slug(displayName, token string, isGroup bool) string {
	if displayName != "" {
		return normalizeSlug(displayName)
	}
	if isGroup {
		return "g-" + normalizeSlug(token)
	}
	return "#" + normalizeSlug(token)
}

func normalizeSlug(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	var b strings.Builder
	for _, r := range s {
		switch {
		case r == ' ':
			b.WriteByte('-')
		case r == '#' || r == '@' || r == '+' || r == '.' || r == '_' || r == '-':
			b.WriteRune(r)
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
		}
	}
	return b.String()
}
