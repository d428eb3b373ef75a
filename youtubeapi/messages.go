package youtubeapi

import (
	"fmt"
	"time"

	yt "google.golang.org/api/youtube/v3"

	"github.com/onnwee/chatpool/chat"
)

// superchatColors are the highlight colours of the paid message tiers.
var superchatColors = map[int64]string{
	1: "#1E88E5",
	2: "#00E5FF",
	3: "#1DE9B6",
	4: "#FFCA28",
	5: "#F57C00",
	6: "#E91E63",
	7: "#E62117",
}

// toRaw converts an API chat item. Items that carry nothing to display
// (deletions, bans, polls) are skipped.
func toRaw(m *yt.LiveChatMessage) (chat.RawEvent, bool) {
	if m == nil || m.Snippet == nil {
		return chat.RawEvent{}, false
	}
	sn := m.Snippet
	raw := chat.RawEvent{ID: m.Id}
	if ts, err := time.Parse(time.RFC3339, sn.PublishedAt); err == nil {
		raw.Timestamp = ts
	}
	if a := m.AuthorDetails; a != nil {
		raw.Author = chat.RawAuthor{Name: a.DisplayName, Thumbnail: a.ProfileImageUrl, ChannelID: a.ChannelId}
		raw.IsOwner = a.IsChatOwner
		raw.IsModerator = a.IsChatModerator
		raw.IsVerified = a.IsVerified
		if a.IsChatSponsor {
			raw.Author.Badge = &chat.RawBadge{Label: chat.DefaultMemberLabel}
		}
	}

	var text string
	switch sn.Type {
	case "textMessageEvent":
		text = sn.DisplayMessage
		if d := sn.TextMessageDetails; d != nil && d.MessageText != "" {
			text = d.MessageText
		}
	case "superChatEvent":
		d := sn.SuperChatDetails
		if d == nil {
			return chat.RawEvent{}, false
		}
		text = d.UserComment
		raw.Superchat = &chat.RawSuperchat{Amount: d.AmountDisplayString, Color: superchatColors[d.Tier]}
	case "superStickerEvent":
		d := sn.SuperStickerDetails
		if d == nil {
			return chat.RawEvent{}, false
		}
		if d.SuperStickerMetadata != nil {
			text = d.SuperStickerMetadata.AltText
		}
		raw.Superchat = &chat.RawSuperchat{Amount: d.AmountDisplayString, Color: superchatColors[d.Tier]}
	case "newSponsorEvent":
		raw.IsMembership = true
		raw.Author.Badge = nil
		if d := sn.NewSponsorDetails; d != nil && d.MemberLevelName != "" {
			raw.Author.Badge = &chat.RawBadge{Label: d.MemberLevelName}
		}
	case "memberMilestoneChatEvent":
		raw.IsMembership = true
		raw.Author.Badge = nil
		if d := sn.MemberMilestoneChatDetails; d != nil {
			text = d.UserComment
			if d.MemberMonth > 0 {
				raw.Author.Badge = &chat.RawBadge{Label: fmt.Sprintf("Member for %d months", d.MemberMonth)}
			}
		}
	default:
		return chat.RawEvent{}, false
	}
	if text != "" {
		raw.Fragments = []chat.Fragment{{Text: text}}
	}
	return raw, true
}
