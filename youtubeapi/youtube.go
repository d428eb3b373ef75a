// Package youtubeapi is the YouTube chat provider. Broadcasts are resolved
// with the Data API (videos, channels, search) and their live chat is read by
// polling liveChatMessages with an API key.
package youtubeapi

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/benbjohnson/clock"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"
	yt "google.golang.org/api/youtube/v3"

	"github.com/onnwee/chatpool/chat"
)

const (
	defaultMinPoll      = 2 * time.Second
	defaultErrorBackoff = 5 * time.Second
	defaultMaxErrors    = 5
)

// Provider implements chat.Provider for YouTube live chat.
type Provider struct {
	svc *yt.Service

	// MinPoll floors the polling interval the API asks for.
	MinPoll time.Duration
	// ErrorBackoff is the wait after a failed poll.
	ErrorBackoff time.Duration
	// MaxErrors consecutive poll failures end the stream with a fatal error.
	MaxErrors int
	Clock     clock.Clock
	Logger    *slog.Logger
}

// New builds a provider authenticated with an API key. Extra options are
// appended, so tests can point the client at a fake endpoint.
func New(ctx context.Context, apiKey string, log *slog.Logger, opts ...option.ClientOption) (*Provider, error) {
	if apiKey != "" {
		opts = append([]option.ClientOption{option.WithAPIKey(apiKey)}, opts...)
	}
	svc, err := yt.NewService(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("youtube service: %w", err)
	}
	if log == nil {
		log = slog.Default()
	}
	return &Provider{svc: svc, Logger: log.With(slog.String("component", "youtube_chat"))}, nil
}

func (p *Provider) clock() clock.Clock {
	if p.Clock != nil {
		return p.Clock
	}
	return clock.New()
}

func (p *Provider) minPoll() time.Duration {
	if p.MinPoll > 0 {
		return p.MinPoll
	}
	return defaultMinPoll
}

func (p *Provider) errorBackoff() time.Duration {
	if p.ErrorBackoff > 0 {
		return p.ErrorBackoff
	}
	return defaultErrorBackoff
}

func (p *Provider) maxErrors() int {
	if p.MaxErrors > 0 {
		return p.MaxErrors
	}
	return defaultMaxErrors
}

// Connect implements chat.Provider.
func (p *Provider) Connect(ctx context.Context, target chat.Target) (chat.Stream, error) {
	videoID := target.VideoID
	if videoID == "" {
		var err error
		if videoID, err = p.currentBroadcast(ctx, target.Channel); err != nil {
			return nil, err
		}
	}
	chatID, err := p.liveChatID(ctx, videoID)
	if err != nil {
		return nil, err
	}

	s := &pollStream{videoID: videoID, chatID: chatID, feed: chat.NewFeed(256)}
	go p.poll(s)
	p.Logger.Info("youtube live chat attached", slog.String("video", videoID))
	return s, nil
}

// currentBroadcast finds the live video of a channel.
func (p *Provider) currentBroadcast(ctx context.Context, ref chat.ChannelRef) (string, error) {
	if ref.IsZero() {
		return "", fmt.Errorf("%w: no video or channel given", chat.ErrInvalidTarget)
	}
	channelID := ref.ID
	if channelID == "" {
		resp, err := p.svc.Channels.List([]string{"id"}).ForHandle(ref.Handle).Context(ctx).Do()
		if err != nil {
			return "", apiError("channel lookup", err)
		}
		if len(resp.Items) == 0 {
			return "", fmt.Errorf("%w: channel %s not found", chat.ErrInvalidTarget, ref.Handle)
		}
		channelID = resp.Items[0].Id
	}
	resp, err := p.svc.Search.List([]string{"id"}).
		ChannelId(channelID).
		EventType("live").
		Type("video").
		MaxResults(1).
		Context(ctx).Do()
	if err != nil {
		return "", apiError("live search", err)
	}
	if len(resp.Items) == 0 || resp.Items[0].Id == nil || resp.Items[0].Id.VideoId == "" {
		return "", fmt.Errorf("%w: channel %s has no live broadcast", chat.ErrNotLive, ref)
	}
	return resp.Items[0].Id.VideoId, nil
}

func (p *Provider) liveChatID(ctx context.Context, videoID string) (string, error) {
	resp, err := p.svc.Videos.List([]string{"liveStreamingDetails"}).Id(videoID).Context(ctx).Do()
	if err != nil {
		return "", apiError("video lookup", err)
	}
	if len(resp.Items) == 0 {
		return "", fmt.Errorf("%w: video %s not found", chat.ErrInvalidTarget, videoID)
	}
	d := resp.Items[0].LiveStreamingDetails
	if d == nil || d.ActiveLiveChatId == "" || d.ActualEndTime != "" {
		return "", fmt.Errorf("%w: video %s has no active live chat", chat.ErrNotLive, videoID)
	}
	return d.ActiveLiveChatId, nil
}

// poll reads the live chat until the feed closes or the chat ends. The first
// page is the backlog from before the connection and is not relayed.
func (p *Provider) poll(s *pollStream) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		<-s.feed.Done()
		cancel()
	}()

	clk := p.clock()
	var (
		pageToken string
		wait      time.Duration
		failures  int
		backlog   = true
	)
	for {
		if wait > 0 {
			select {
			case <-clk.After(wait):
			case <-s.feed.Done():
				return
			}
		}
		call := p.svc.LiveChatMessages.List(s.chatID, []string{"snippet", "authorDetails"}).Context(ctx)
		if pageToken != "" {
			call = call.PageToken(pageToken)
		}
		resp, err := call.Do()
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			if chatEnded(err) {
				s.feed.Send(chat.StreamEvent{Kind: chat.StreamEnd, Reason: "chat ended"})
				return
			}
			failures++
			if failures >= p.maxErrors() {
				s.feed.Send(chat.StreamEvent{Kind: chat.StreamError, Err: fmt.Errorf("%w: %d consecutive poll failures: %w", chat.ErrStreamFatal, failures, err)})
				return
			}
			s.feed.Send(chat.StreamEvent{Kind: chat.StreamError, Err: err})
			wait = p.errorBackoff()
			continue
		}
		failures = 0

		if !backlog {
			for _, item := range resp.Items {
				if raw, ok := toRaw(item); ok {
					if !s.feed.Send(chat.StreamEvent{Kind: chat.StreamChat, Chat: raw}) {
						return
					}
				}
			}
		}
		backlog = false
		pageToken = resp.NextPageToken

		if resp.OfflineAt != "" {
			s.feed.Send(chat.StreamEvent{Kind: chat.StreamEnd, Reason: "stream offline"})
			return
		}
		wait = max(time.Duration(resp.PollingIntervalMillis)*time.Millisecond, p.minPoll())
	}
}

type pollStream struct {
	videoID string
	chatID  string
	feed    *chat.Feed
}

func (s *pollStream) VideoID() string { return s.videoID }

func (s *pollStream) Events() <-chan chat.StreamEvent { return s.feed.Events() }

func (s *pollStream) Close() error {
	s.feed.Close()
	return nil
}

// apiError maps Data API failures onto the connect error taxonomy.
func apiError(op string, err error) error {
	var gerr *googleapi.Error
	if errors.As(err, &gerr) && gerr.Code == http.StatusNotFound {
		return fmt.Errorf("%w: %s: %w", chat.ErrInvalidTarget, op, err)
	}
	return fmt.Errorf("%w: %s: %w", chat.ErrConnection, op, err)
}

func chatEnded(err error) bool {
	var gerr *googleapi.Error
	if !errors.As(err, &gerr) {
		return false
	}
	for _, item := range gerr.Errors {
		switch item.Reason {
		case "liveChatEnded", "liveChatNotFound", "liveChatDisabled":
			return true
		}
	}
	return false
}
