// Package channel turns user-supplied channel identifiers into resolved
// peers, watermark keys and message links.
package channel

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"kwalert/internal/model"
)

// Shape classifies a raw channel identifier.
type Shape int

// Identifier shapes.
const (
	ShapeHandle Shape = iota
	ShapeNumeric
	ShapeInvite
)

// invitePrefix marks an invite token.
const invitePrefix = "+"

var (
	linkPrefix   = regexp.MustCompile(`^(https?://)?(www\.)?t\.me/`)
	privateLink  = regexp.MustCompile(`^c/(\d+)`)
	numericShape = regexp.MustCompile(`^-?\d+$`)

	// Channel ids are written as -100 followed by the address.
	markedChannel = regexp.MustCompile(`^-100([1-9]\d*)$`)
)

// Ref is a parsed channel reference as stored on a subscription.
type Ref struct {
	Name   string
	ChatID string
}

// String returns the chat id when present, else the name.
func (r Ref) String() string {
	if r.ChatID != "" {
		return r.ChatID
	}
	return r.Name
}

// ParseRef parses free-form channel input: @name, name, a t.me link,
// a private c/NNN link, a signed numeric id or a +invite token.
func ParseRef(input string) Ref {
	u := strings.TrimSpace(input)
	u = linkPrefix.ReplaceAllString(u, "")
	u = strings.TrimPrefix(u, "@")
	if m := privateLink.FindStringSubmatch(u); m != nil {
		return Ref{ChatID: "-100" + m[1]}
	}
	if numericShape.MatchString(u) {
		return Ref{ChatID: u}
	}
	name, _, _ := strings.Cut(u, "/")
	return Ref{Name: name}
}

// ShapeOf classifies a raw identifier.
func ShapeOf(identifier string) Shape {
	id := strings.TrimSpace(identifier)
	switch {
	case numericShape.MatchString(id):
		return ShapeNumeric
	case strings.HasPrefix(id, invitePrefix):
		return ShapeInvite
	default:
		return ShapeHandle
	}
}

// NormalizeKey maps equivalent raw references to the same grouping key:
// handles are case-insensitive and lose their @, links are reduced to
// their handle or chat id and numeric ids to their -100 form. Invite
// tokens are case-sensitive and kept.
func NormalizeKey(raw string) string {
	raw = strings.TrimSpace(raw)
	if strings.HasPrefix(raw, invitePrefix) {
		return raw
	}
	ref := ParseRef(raw)
	if ref.ChatID != "" {
		if addr, err := DecodeAddress(ref.ChatID); err == nil && addr != 0 {
			return MarkedID(addr)
		}
		return ref.ChatID
	}
	return strings.ToLower(ref.Name)
}

// DecodeAddress converts a signed numeric identifier into the channel's
// stable address. -100XXXXXXXXXX becomes XXXXXXXXXX, basic-group ids
// (-N) become N and non-negative ids are returned unchanged.
func DecodeAddress(identifier string) (int64, error) {
	identifier = strings.TrimSpace(identifier)
	id, err := strconv.ParseInt(identifier, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("parse channel id %q: %w", identifier, err)
	}
	if id >= 0 {
		return id, nil
	}
	if m := markedChannel.FindStringSubmatch(identifier); m != nil {
		return strconv.ParseInt(m[1], 10, 64)
	}
	return -id, nil
}

// MarkedID encodes a channel address back into its signed -100… form.
func MarkedID(address int64) string {
	return "-100" + strconv.FormatInt(address, 10)
}

// Resolved is the outcome of resolving one channel identifier.
type Resolved struct {
	Raw  string
	Peer model.Peer
}

// Key is the stable watermark key for the channel. A resolved address is
// preferred over a handle, which is preferred over the raw identifier.
func (r Resolved) Key() string {
	switch {
	case r.Peer.Address != 0:
		return "c/" + strconv.FormatInt(r.Peer.Address, 10)
	case r.Peer.Handle != "":
		return "@" + strings.ToLower(strings.TrimPrefix(r.Peer.Handle, "@"))
	default:
		return r.Raw
	}
}

// Link builds the public URL of a message on host.
// It degrades to the bare host when the channel is unresolved.
func Link(host string, peer model.Peer, messageID int64) string {
	base := "https://" + strings.TrimSuffix(host, "/") + "/"
	switch {
	case peer.Address != 0:
		return fmt.Sprintf("%sc/%d/%d", base, peer.Address, messageID)
	case peer.Handle != "":
		return fmt.Sprintf("%s%s/%d", base, strings.TrimPrefix(peer.Handle, "@"), messageID)
	default:
		return base
	}
}
