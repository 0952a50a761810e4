package telegram

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gotd/td/telegram"
	"github.com/gotd/td/tg"

	"github.com/scipunch/skyfeed/fetcher/types"
)

const defaultMessageLimit = 50

// Source pages backwards through a Telegram channel history.
// The cursor is the id of the oldest message already returned.
type Source struct {
	account  Account
	username string
	dial     func(ctx context.Context, account Account, runner ClientRunner) error

	mu   sync.Mutex
	conn *conn

	peerMu sync.Mutex
	peer   *tg.InputPeerChannel
}

// NewSource creates a channel source. The channel may be given as a t.me link or @username.
func NewSource(account Account, channel string) (*Source, error) {
	username, err := parseChannelURL(channel)
	if err != nil {
		return nil, fmt.Errorf("invalid channel %q with %w", channel, err)
	}
	return &Source{account: account, username: username, dial: RunWithAuth}, nil
}

func (s *Source) Name() string {
	return "telegram:" + s.username
}

func (s *Source) Fetch(ctx context.Context, req types.PageRequest) (types.Page, error) {
	var offsetID int
	if req.Cursor != "" {
		var err error
		offsetID, err = strconv.Atoi(req.Cursor)
		if err != nil {
			return types.Page{}, fmt.Errorf("invalid telegram cursor %q with %w", req.Cursor, err)
		}
	}
	limit := req.Limit
	if limit <= 0 {
		limit = defaultMessageLimit
	}

	var page types.Page
	err := s.run(ctx, func(ctx context.Context, client *telegram.Client) error {
		api := client.API()

		peer, err := s.resolve(ctx, api)
		if err != nil {
			return err
		}

		messagesData, err := api.MessagesGetHistory(ctx, &tg.MessagesGetHistoryRequest{
			Peer:     peer,
			OffsetID: offsetID,
			Limit:    limit,
		})
		if err != nil {
			return fmt.Errorf("failed to fetch messages from @%s with %w", s.username, err)
		}

		var messages []tg.MessageClass
		switch m := messagesData.(type) {
		case *tg.MessagesMessages:
			messages = m.Messages
		case *tg.MessagesMessagesSlice:
			messages = m.Messages
		case *tg.MessagesChannelMessages:
			messages = m.Messages
		case *tg.MessagesMessagesNotModified:
			slog.Warn("messages not modified", "channel", s.username)
			return nil
		default:
			return fmt.Errorf("unexpected messages type: %T", messagesData)
		}

		page = convertMessages(s.username, messages, limit)
		slog.Debug("fetched telegram channel page", "channel", s.username, "messages", len(messages), "items", len(page.Items), "cursor", page.Cursor)
		return nil
	})
	return page, err
}

// run calls runner with the shared client, connecting first if needed.
// Calls run concurrently over the one connection.
func (s *Source) run(ctx context.Context, runner ClientRunner) error {
	client, err := s.connect(ctx)
	if err != nil {
		return err
	}
	return runner(ctx, client)
}

// conn is one long-lived authenticated connection
type conn struct {
	ready  chan struct{} // Closed once client or err is set
	done   chan struct{} // Closed when the connection is over
	cancel context.CancelFunc
	client *telegram.Client
	err    error
}

func (c *conn) ended() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

// connect returns the shared client, dialing when there is none yet or the
// previous connection ended
func (s *Source) connect(ctx context.Context) (*telegram.Client, error) {
	s.mu.Lock()
	if s.conn == nil || s.conn.ended() {
		s.conn = s.open()
	}
	c := s.conn
	s.mu.Unlock()

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-c.ready:
	}
	if c.err != nil {
		return nil, c.err
	}
	return c.client, nil
}

// open dials in the background. The connection outlives the call that
// triggered it and stays up until Close.
func (s *Source) open() *conn {
	ctx, cancel := context.WithCancel(context.Background())
	c := &conn{ready: make(chan struct{}), done: make(chan struct{}), cancel: cancel}

	go func() {
		err := s.dial(ctx, s.account, func(ctx context.Context, client *telegram.Client) error {
			c.client = client
			close(c.ready)
			slog.Debug("telegram connection ready", "channel", s.username)
			<-ctx.Done()
			return nil
		})
		if c.client != nil {
			close(c.done)
			slog.Debug("telegram connection closed", "channel", s.username, "error", err)
			return
		}
		if err == nil {
			err = errors.New("connection ended before it was ready")
		}
		c.err = fmt.Errorf("failed to connect to telegram with %w", err)
		close(c.done)
		close(c.ready)
	}()
	return c
}

// Close ends the shared connection and waits for it to wind down
func (s *Source) Close() error {
	s.mu.Lock()
	c := s.conn
	s.conn = nil
	s.mu.Unlock()

	if c == nil {
		return nil
	}
	c.cancel()
	<-c.done
	return nil
}

// resolve looks the channel up once; the access hash is stable per account
func (s *Source) resolve(ctx context.Context, api *tg.Client) (*tg.InputPeerChannel, error) {
	s.peerMu.Lock()
	defer s.peerMu.Unlock()
	if s.peer != nil {
		return s.peer, nil
	}

	resolved, err := api.ContactsResolveUsername(ctx, &tg.ContactsResolveUsernameRequest{
		Username: s.username,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to resolve channel @%s with %w", s.username, err)
	}

	for _, chat := range resolved.Chats {
		if ch, ok := chat.(*tg.Channel); ok {
			if !ch.Broadcast {
				return nil, fmt.Errorf("@%s is a group, not a channel", s.username)
			}
			s.peer = &tg.InputPeerChannel{ChannelID: ch.ID, AccessHash: ch.AccessHash}
			return s.peer, nil
		}
	}
	return nil, fmt.Errorf("channel @%s not found in resolved peers", s.username)
}

// convertMessages turns one history slice (newest first) into a page.
// Album parts sharing a grouped id collapse into a single item.
func convertMessages(username string, messages []tg.MessageClass, limit int) types.Page {
	var (
		page   types.Page
		albums = make(map[int64]int)
		minID  int
	)

	for _, msgClass := range messages {
		msg, ok := msgClass.(*tg.Message)
		if !ok {
			continue // Skip service messages
		}
		if minID == 0 || msg.ID < minID {
			minID = msg.ID
		}

		if groupID, ok := msg.GetGroupedID(); ok {
			if idx, seen := albums[groupID]; seen {
				mergeAlbumPart(&page.Items[idx], msg)
				continue
			}
			albums[groupID] = len(page.Items)
		}

		item := convertMessage(username, msg)
		if item.Text == "" && len(item.Images) == 0 && item.External == nil && item.Video == nil {
			if _, grouped := msg.GetGroupedID(); !grouped {
				continue
			}
		}
		page.Items = append(page.Items, item)
	}

	// Drop album heads that stayed empty after merging
	kept := page.Items[:0]
	for _, item := range page.Items {
		if item.Text != "" || len(item.Images) > 0 || item.External != nil || item.Video != nil {
			kept = append(kept, item)
		}
	}
	page.Items = kept

	if len(messages) >= limit && minID > 1 {
		page.Cursor = strconv.Itoa(minID)
	}
	return page
}

func convertMessage(username string, msg *tg.Message) types.FeedItem {
	link := fmt.Sprintf("https://t.me/%s/%d", username, msg.ID)
	item := types.FeedItem{
		ID:           link,
		AuthorID:     username,
		AuthorHandle: username,
		Text:         msg.Message,
		Link:         link,
		IndexedAt:    time.Unix(int64(msg.Date), 0).UTC(),
	}
	if author, ok := msg.GetPostAuthor(); ok && author != "" {
		// Signed posts count against the signing author's quota
		item.AuthorID = username + "/" + author
		item.AuthorName = author
	}
	if fwd, ok := msg.GetFwdFrom(); ok {
		item.IsReshare = true
		if name, ok := fwd.GetFromName(); ok {
			item.ReshareBy = name
		}
	}

	attachMedia(&item, msg.Media)
	return item
}

func mergeAlbumPart(item *types.FeedItem, msg *tg.Message) {
	if item.Text == "" && msg.Message != "" {
		item.Text = msg.Message
	}
	attachMedia(item, msg.Media)
}

func attachMedia(item *types.FeedItem, media tg.MessageMediaClass) {
	switch m := media.(type) {
	case *tg.MessageMediaPhoto:
		photo, ok := m.GetPhoto()
		if !ok {
			return
		}
		if ref, ok := photoRef(photo); ok {
			item.Images = append(item.Images, types.Image{Ref: ref})
		}

	case *tg.MessageMediaWebPage:
		page, ok := m.Webpage.(*tg.WebPage)
		if !ok {
			return
		}
		external := &types.External{URI: page.URL}
		if title, ok := page.GetTitle(); ok {
			external.Title = title
		}
		if description, ok := page.GetDescription(); ok {
			external.Description = description
		}
		if photo, ok := page.GetPhoto(); ok {
			if ref, ok := photoRef(photo); ok {
				external.Thumb = ref
			}
		}
		item.External = external

	case *tg.MessageMediaDocument:
		docClass, ok := m.GetDocument()
		if !ok {
			return
		}
		doc, ok := docClass.(*tg.Document)
		if !ok {
			return
		}
		for _, attr := range doc.Attributes {
			switch attr.(type) {
			case *tg.DocumentAttributeVideo:
				video := &types.Video{}
				if ref, ok := documentThumbRef(doc); ok {
					video.Thumbnail = ref
				}
				item.Video = video
				return
			case *tg.DocumentAttributeImageSize:
				// Only the largest thumbnail of an image sent as a file is addressed
				if ref, ok := documentThumbRef(doc); ok {
					item.Images = append(item.Images, types.Image{Ref: ref})
				}
				return
			}
		}
	}
}

// parseChannelURL extracts the channel username from various URL formats
// Supports:
//   - https://t.me/channelname
//   - http://t.me/channelname
//   - t.me/channelname
//   - @channelname
//   - channelname
func parseChannelURL(url string) (string, error) {
	url = strings.TrimSpace(url)

	url = strings.TrimPrefix(url, "https://")
	url = strings.TrimPrefix(url, "http://")
	url = strings.TrimPrefix(url, "t.me/")
	url = strings.TrimPrefix(url, "@")
	url = strings.TrimSuffix(url, "/")

	if url == "" {
		return "", fmt.Errorf("empty channel username")
	}

	// Username should not contain slashes (no deep links)
	if strings.Contains(url, "/") {
		return "", fmt.Errorf("invalid channel URL format: %s", url)
	}

	return url, nil
}
