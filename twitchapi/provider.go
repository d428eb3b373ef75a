package twitchapi

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	twitch "github.com/gempir/go-twitch-irc/v4"
	"github.com/samber/lo"

	"github.com/onnwee/chatpool/chat"
)

const (
	defaultOfflinePoll = 60 * time.Second
	emoteURLFormat     = "https://static-cdn.jtvnw.net/emoticons/v2/%s/default/dark/1.0"
)

var loginPattern = regexp.MustCompile(`^[a-z0-9_]{3,25}$`)

// ircClient is the subset of *twitch.Client the provider drives.
type ircClient interface {
	OnConnect(func())
	OnPrivateMessage(func(twitch.PrivateMessage))
	OnUserNoticeMessage(func(twitch.UserNoticeMessage))
	Join(channels ...string)
	Connect() error
	Disconnect() error
}

// Provider connects to Twitch chat. Liveness comes from Helix; messages come
// from IRC, anonymously unless bot credentials are set.
type Provider struct {
	Helix       *HelixClient
	BotUsername string
	BotToken    string
	// OfflinePoll is how often a running stream re-checks Helix to notice the
	// broadcast ending.
	OfflinePoll time.Duration
	Clock       clock.Clock
	Logger      *slog.Logger

	newClient func() ircClient
}

// NewProvider returns an anonymous IRC provider backed by helix.
func NewProvider(helix *HelixClient, log *slog.Logger) *Provider {
	if log == nil {
		log = slog.Default()
	}
	return &Provider{Helix: helix, Logger: log.With(slog.String("component", "twitch_chat"))}
}

func (p *Provider) client() ircClient {
	if p.newClient != nil {
		return p.newClient()
	}
	if p.BotUsername != "" && p.BotToken != "" {
		tok := p.BotToken
		if !strings.HasPrefix(tok, "oauth:") {
			tok = "oauth:" + tok
		}
		return twitch.NewClient(p.BotUsername, tok)
	}
	return twitch.NewAnonymousClient()
}

func (p *Provider) clock() clock.Clock {
	if p.Clock != nil {
		return p.Clock
	}
	return clock.New()
}

func (p *Provider) log() *slog.Logger {
	if p.Logger != nil {
		return p.Logger
	}
	return slog.Default()
}

// Connect implements chat.Provider. The target's VideoID, or its channel when
// no VideoID is set, is treated as a Twitch login.
func (p *Provider) Connect(ctx context.Context, target chat.Target) (chat.Stream, error) {
	login, err := loginFor(target)
	if err != nil {
		return nil, err
	}
	streams, err := p.Helix.GetStreams(ctx, login)
	if err != nil {
		return nil, fmt.Errorf("%w: twitch liveness: %w", chat.ErrConnection, err)
	}
	if len(streams) == 0 {
		return nil, fmt.Errorf("%w: %s is offline", chat.ErrNotLive, login)
	}

	s := &ircStream{
		login:  login,
		feed:   chat.NewFeed(256),
		client: p.client(),
	}
	connected := make(chan struct{})
	var connectOnce sync.Once
	s.client.OnConnect(func() { connectOnce.Do(func() { close(connected) }) })
	s.client.OnPrivateMessage(func(m twitch.PrivateMessage) {
		s.feed.Send(chat.StreamEvent{Kind: chat.StreamChat, Chat: privateToRaw(m)})
	})
	s.client.OnUserNoticeMessage(func(m twitch.UserNoticeMessage) {
		if raw, ok := noticeToRaw(m); ok {
			s.feed.Send(chat.StreamEvent{Kind: chat.StreamChat, Chat: raw})
		}
	})
	s.client.Join(login)

	exited := make(chan error, 1)
	go func() { exited <- s.client.Connect() }()

	select {
	case <-connected:
	case err := <-exited:
		s.feed.Close()
		if err == nil {
			err = errors.New("connection closed during handshake")
		}
		return nil, fmt.Errorf("%w: twitch irc: %w", chat.ErrConnection, err)
	case <-ctx.Done():
		s.feed.Close()
		// Disconnect is a no-op until the handshake finishes
		go func() {
			select {
			case <-connected:
				_ = s.client.Disconnect()
			case <-exited:
			}
		}()
		return nil, ctx.Err()
	}

	p.log().Info("twitch chat joined", slog.String("channel", login), slog.String("broadcast", streams[0].ID))
	go s.watchConnection(exited)
	go p.watchOffline(s)
	return s, nil
}

// watchOffline ends the stream once Helix stops listing the broadcast.
func (p *Provider) watchOffline(s *ircStream) {
	interval := p.OfflinePoll
	if interval <= 0 {
		interval = defaultOfflinePoll
	}
	ticker := p.clock().Ticker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-s.feed.Done():
			return
		case <-ticker.C:
		}
		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		streams, err := p.Helix.GetStreams(ctx, s.login)
		cancel()
		if err != nil {
			p.log().Debug("offline check failed", slog.String("channel", s.login), slog.Any("err", err))
			s.feed.Send(chat.StreamEvent{Kind: chat.StreamError, Err: err})
			continue
		}
		if len(streams) == 0 {
			s.feed.Send(chat.StreamEvent{Kind: chat.StreamEnd, Reason: "stream offline"})
			return
		}
	}
}

type ircStream struct {
	login  string
	feed   *chat.Feed
	client ircClient
	once   sync.Once
}

// VideoID is the channel login; it is what a later Start needs to reconnect.
func (s *ircStream) VideoID() string { return s.login }

func (s *ircStream) Events() <-chan chat.StreamEvent { return s.feed.Events() }

func (s *ircStream) Close() error {
	s.once.Do(func() {
		s.feed.Close()
		// not connected yet or already gone
		_ = s.client.Disconnect()
	})
	return nil
}

// watchConnection reports the IRC client giving up. The client reconnects on
// its own, so returning means the connection is not coming back.
func (s *ircStream) watchConnection(exited <-chan error) {
	select {
	case err := <-exited:
		if errors.Is(err, twitch.ErrClientDisconnected) {
			return
		}
		if err == nil {
			err = errors.New("irc connection closed")
		}
		s.feed.Send(chat.StreamEvent{Kind: chat.StreamError, Err: fmt.Errorf("%w: %w", chat.ErrStreamFatal, err)})
	case <-s.feed.Done():
	}
}

func loginFor(t chat.Target) (string, error) {
	ref := t.VideoID
	if ref == "" {
		ref = t.Channel.String()
	}
	login := strings.ToLower(strings.TrimPrefix(strings.TrimSpace(ref), "@"))
	if !loginPattern.MatchString(login) {
		return "", fmt.Errorf("%w: %q is not a twitch login", chat.ErrInvalidTarget, ref)
	}
	return login, nil
}

func privateToRaw(m twitch.PrivateMessage) chat.RawEvent {
	raw := chat.RawEvent{
		ID:        m.ID,
		Timestamp: m.Time,
		Author:    author(m.User),
		Fragments: fragments(m.Message, m.Emotes),
	}
	applyBadges(&raw, m.User.Badges)
	if m.Bits > 0 {
		raw.Superchat = &chat.RawSuperchat{Amount: fmt.Sprintf("%d bits", m.Bits), Color: cheerColor(m.Bits)}
	}
	return raw
}

// noticeToRaw maps subscription notices to membership events. Other notices
// (raids, announcements) are ignored.
func noticeToRaw(m twitch.UserNoticeMessage) (chat.RawEvent, bool) {
	var label string
	switch m.MsgID {
	case "sub":
		label = "New Subscriber"
	case "resub":
		label = "Resubscribed"
		if months, err := strconv.Atoi(m.MsgParams["msg-param-cumulative-months"]); err == nil && months > 0 {
			label = fmt.Sprintf("Subscribed for %d months", months)
		}
	case "subgift":
		label = "Gifted a subscription"
	default:
		return chat.RawEvent{}, false
	}
	raw := chat.RawEvent{
		ID:           m.ID,
		Timestamp:    m.Time,
		Author:       author(m.User),
		Fragments:    fragments(m.Message, m.Emotes),
		IsMembership: true,
	}
	applyBadges(&raw, m.User.Badges)
	raw.Author.Badge = &chat.RawBadge{Label: label}
	return raw, true
}

func author(u twitch.User) chat.RawAuthor {
	name := u.DisplayName
	if name == "" {
		name = u.Name
	}
	return chat.RawAuthor{Name: name, ChannelID: u.ID}
}

func applyBadges(raw *chat.RawEvent, badges map[string]int) {
	_, raw.IsOwner = badges["broadcaster"]
	_, raw.IsModerator = badges["moderator"]
	_, raw.IsVerified = badges["partner"]
	if _, ok := badges["subscriber"]; ok {
		raw.Author.Badge = &chat.RawBadge{Label: "Subscriber"}
	} else if _, ok := badges["founder"]; ok {
		raw.Author.Badge = &chat.RawBadge{Label: "Founder"}
	}
}

type emoteSpan struct {
	start, end int // rune offsets, end inclusive
	emote      *twitch.Emote
}

// fragments splits text around the emote positions Twitch reports.
func fragments(text string, emotes []*twitch.Emote) []chat.Fragment {
	spans := lo.FlatMap(emotes, func(e *twitch.Emote, _ int) []emoteSpan {
		if e == nil {
			return nil
		}
		return lo.Map(e.Positions, func(p twitch.EmotePosition, _ int) emoteSpan {
			return emoteSpan{start: p.Start, end: p.End, emote: e}
		})
	})
	if len(spans) == 0 {
		if text == "" {
			return nil
		}
		return []chat.Fragment{{Text: text}}
	}
	slices.SortFunc(spans, func(a, b emoteSpan) int { return a.start - b.start })

	runes := []rune(text)
	var out []chat.Fragment
	pos := 0
	for _, sp := range spans {
		if sp.start < pos || sp.end < sp.start || sp.end >= len(runes) {
			continue
		}
		if sp.start > pos {
			out = append(out, chat.Fragment{Text: string(runes[pos:sp.start])})
		}
		out = append(out, chat.Fragment{
			EmojiURL:  fmt.Sprintf(emoteURLFormat, sp.emote.ID),
			EmojiAlt:  sp.emote.Name,
			EmojiText: string(runes[sp.start : sp.end+1]),
		})
		pos = sp.end + 1
	}
	if pos < len(runes) {
		out = append(out, chat.Fragment{Text: string(runes[pos:])})
	}
	return out
}

// cheerColor follows the Twitch cheermote tiers.
func cheerColor(bits int) string {
	switch {
	case bits >= 10000:
		return "#F43021"
	case bits >= 5000:
		return "#0099FE"
	case bits >= 1000:
		return "#1DB2A5"
	case bits >= 100:
		return "#9C3EE8"
	}
	return "#979797"
}
