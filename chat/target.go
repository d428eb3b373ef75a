package chat

import (
	"fmt"
	"regexp"
	"strings"
)

// ChannelRef identifies a broadcaster channel either by its stable id or by a
// handle. Exactly one of the fields is normally set.
type ChannelRef struct {
	ID     string `json:"id,omitempty"`
	Handle string `json:"handle,omitempty"`
}

// IsZero reports whether the reference is empty.
func (c ChannelRef) IsZero() bool { return c.ID == "" && c.Handle == "" }

func (c ChannelRef) String() string {
	if c.ID != "" {
		return c.ID
	}
	return c.Handle
}

// Target is what a session connects to: an explicit video/broadcast id, or a
// channel whose current broadcast must be resolved by the provider.
type Target struct {
	VideoID string     `json:"videoId,omitempty"`
	Channel ChannelRef `json:"channel,omitzero"`
}

var (
	bareVideoID = regexp.MustCompile(`^[a-zA-Z0-9_-]{11}$`)
	videoURLs   = []*regexp.Regexp{
		regexp.MustCompile(`youtube\.com/watch\?(?:.*&)?v=([a-zA-Z0-9_-]{11})`),
		regexp.MustCompile(`youtube\.com/live/([a-zA-Z0-9_-]{11})`),
		regexp.MustCompile(`youtu\.be/([a-zA-Z0-9_-]{11})`),
		regexp.MustCompile(`youtube\.com/embed/([a-zA-Z0-9_-]{11})`),
	}
	twitchURL = regexp.MustCompile(`twitch\.tv/([a-zA-Z0-9_]{3,25})(?:[/?#]|$)`)

	bareChannelID  = regexp.MustCompile(`^UC[\w-]{22,}$`)
	channelIDURL   = regexp.MustCompile(`youtube\.com/channel/(UC[\w-]{22,})`)
	channelHandle  = regexp.MustCompile(`youtube\.com/(@[\w.-]+)`)
	channelCustom  = regexp.MustCompile(`youtube\.com/c/([\w.-]+)`)
	plainReference = regexp.MustCompile(`^@?[\w.-]+$`)
)

// ParseVideoID extracts a broadcast id from a bare id or a watch/live/short/embed
// URL. A twitch.tv channel URL resolves to the channel login. Other single-token
// input is passed through for the provider to validate; empty input and
// unrecognised URLs are rejected with ErrInvalidTarget.
func ParseVideoID(input string) (string, error) {
	in := strings.TrimSpace(input)
	if in == "" {
		return "", fmt.Errorf("%w: empty video reference", ErrInvalidTarget)
	}
	if bareVideoID.MatchString(in) {
		return in, nil
	}
	for _, re := range videoURLs {
		if m := re.FindStringSubmatch(in); m != nil {
			return m[1], nil
		}
	}
	if m := twitchURL.FindStringSubmatch(in); m != nil {
		return strings.ToLower(m[1]), nil
	}
	if !plainReference.MatchString(in) {
		return "", fmt.Errorf("%w: unrecognised video reference %q", ErrInvalidTarget, in)
	}
	return in, nil
}

// ParseChannel turns a channel id, @handle, channel/handle/custom URL or a bare
// name into a ChannelRef. Bare names are treated as handles.
func ParseChannel(input string) (ChannelRef, error) {
	in := strings.TrimSpace(input)
	switch {
	case in == "":
		return ChannelRef{}, fmt.Errorf("%w: empty channel reference", ErrInvalidTarget)
	case bareChannelID.MatchString(in):
		return ChannelRef{ID: in}, nil
	}
	if m := channelIDURL.FindStringSubmatch(in); m != nil {
		return ChannelRef{ID: m[1]}, nil
	}
	if m := channelHandle.FindStringSubmatch(in); m != nil {
		return ChannelRef{Handle: m[1]}, nil
	}
	if m := channelCustom.FindStringSubmatch(in); m != nil {
		return ChannelRef{Handle: "@" + m[1]}, nil
	}
	if m := twitchURL.FindStringSubmatch(in); m != nil {
		return ChannelRef{Handle: "@" + strings.ToLower(m[1])}, nil
	}
	if !plainReference.MatchString(in) {
		return ChannelRef{}, fmt.Errorf("%w: unrecognised channel reference %q", ErrInvalidTarget, in)
	}
	if !strings.HasPrefix(in, "@") {
		in = "@" + in
	}
	return ChannelRef{Handle: in}, nil
}
