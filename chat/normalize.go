package chat

import (
	"html"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Kind classifies a normalized chat message.
type Kind string

const (
	KindNormal     Kind = "normal"
	KindSuperchat  Kind = "superchat"
	KindMembership Kind = "membership"
)

// Default labels and colours used when the upstream event leaves them out.
const (
	DefaultSuperchatColor  = "#FFD600"
	DefaultMemberLabel     = "Member"
	DefaultMembershipLabel = "New Member"
)

// Badge is the single display badge chosen for an author.
type Badge struct {
	Type  string `json:"type"`
	Label string `json:"label"`
}

// Author is the display information of a message sender.
type Author struct {
	Name        string `json:"name"`
	Thumbnail   string `json:"thumbnail"`
	ChannelID   string `json:"channelId"`
	Badge       *Badge `json:"badge"`
	IsOwner     bool   `json:"isOwner"`
	IsModerator bool   `json:"isModerator"`
	IsMember    bool   `json:"isMember"`
	IsVerified  bool   `json:"isVerified"`
}

// Superchat carries the paid highlight of a message.
type Superchat struct {
	Amount string `json:"amount"`
	Color  string `json:"color"`
}

// Membership carries the label of a membership announcement.
type Membership struct {
	Text string `json:"text"`
}

// Message is the canonical chat message relayed to subscribers. Text is safe
// to embed as HTML: textual fragments are escaped and emoji become <img> tags.
type Message struct {
	ID         string      `json:"id"`
	Timestamp  time.Time   `json:"timestamp"`
	Author     Author      `json:"author"`
	Text       string      `json:"message"`
	Kind       Kind        `json:"type"`
	Superchat  *Superchat  `json:"superchat"`
	Membership *Membership `json:"membership"`
}

// Fragment is one piece of raw message content: plain text or an emoji.
type Fragment struct {
	Text      string
	EmojiURL  string
	EmojiAlt  string
	EmojiText string
}

// RawBadge is an author badge as reported upstream.
type RawBadge struct {
	Label string
}

// RawAuthor is the unprocessed sender of a chat event.
type RawAuthor struct {
	Name      string
	Thumbnail string
	ChannelID string
	Badge     *RawBadge
}

// RawSuperchat is the paid-message metadata of a chat event.
type RawSuperchat struct {
	Amount string
	Color  string
}

// RawEvent is a chat event as produced by a Provider, before normalization.
// IsMembership marks membership announcements (new member, milestone), not
// ordinary messages written by members.
type RawEvent struct {
	ID           string
	Timestamp    time.Time
	Author       RawAuthor
	Fragments    []Fragment
	Superchat    *RawSuperchat
	IsOwner      bool
	IsModerator  bool
	IsMembership bool
	IsVerified   bool
}

// Normalize converts a raw event into a Message. It never fails: missing
// fields fall back to defaults and unusable fragments render as empty text.
// now is used when the event carries no timestamp.
func Normalize(raw RawEvent, now time.Time) Message {
	msg := Message{
		ID:        raw.ID,
		Timestamp: raw.Timestamp,
		Author: Author{
			Name:        raw.Author.Name,
			Thumbnail:   raw.Author.Thumbnail,
			ChannelID:   raw.Author.ChannelID,
			IsOwner:     raw.IsOwner,
			IsModerator: raw.IsModerator,
			IsMember:    raw.IsMembership,
			IsVerified:  raw.IsVerified,
		},
		Kind: KindNormal,
	}
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	if msg.Timestamp.IsZero() {
		msg.Timestamp = now
	}
	if msg.Author.Name == "" {
		msg.Author.Name = "Unknown"
	}
	msg.Author.Badge = pickBadge(raw)
	msg.Text = renderFragments(raw.Fragments)

	if raw.Superchat != nil {
		msg.Kind = KindSuperchat
		color := raw.Superchat.Color
		if color == "" {
			color = DefaultSuperchatColor
		}
		msg.Superchat = &Superchat{Amount: raw.Superchat.Amount, Color: color}
	} else if raw.IsMembership {
		msg.Kind = KindMembership
		label := DefaultMembershipLabel
		if raw.Author.Badge != nil && raw.Author.Badge.Label != "" {
			label = raw.Author.Badge.Label
		}
		msg.Membership = &Membership{Text: label}
	}
	return msg
}

// pickBadge applies owner > moderator > membership event > verified > badge.
// A plain author badge ranks below verified; its label is kept.
func pickBadge(raw RawEvent) *Badge {
	label := DefaultMemberLabel
	if raw.Author.Badge != nil && raw.Author.Badge.Label != "" {
		label = raw.Author.Badge.Label
	}
	switch {
	case raw.IsOwner:
		return &Badge{Type: "owner", Label: "Owner"}
	case raw.IsModerator:
		return &Badge{Type: "moderator", Label: "Moderator"}
	case raw.IsMembership:
		return &Badge{Type: "member", Label: label}
	case raw.IsVerified:
		return &Badge{Type: "verified", Label: "Verified"}
	case raw.Author.Badge != nil:
		return &Badge{Type: "member", Label: label}
	}
	return nil
}

func renderFragments(frags []Fragment) string {
	var b strings.Builder
	for _, f := range frags {
		switch {
		case f.Text != "":
			b.WriteString(html.EscapeString(f.Text))
		case f.EmojiURL != "":
			alt := f.EmojiAlt
			if alt == "" {
				alt = f.EmojiText
			}
			b.WriteString(`<img class="emoji" src="`)
			b.WriteString(html.EscapeString(f.EmojiURL))
			b.WriteString(`" alt="`)
			b.WriteString(html.EscapeString(alt))
			b.WriteString(`" />`)
		case f.EmojiText != "":
			b.WriteString(html.EscapeString(f.EmojiText))
		}
	}
	return b.String()
}
