package source

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"chandl/internal/dl"
)

// maxBotFileSize is the largest file the Bot API lets bots download.
const maxBotFileSize = 20 * 1024 * 1024

// botAPI is the subset of *tgbotapi.BotAPI used by BotSource.
type botAPI interface {
	GetChat(config tgbotapi.ChatInfoConfig) (tgbotapi.Chat, error)
	GetChatMembersCount(config tgbotapi.ChatMemberCountConfig) (int, error)
	GetUpdates(config tgbotapi.UpdateConfig) ([]tgbotapi.Update, error)
	GetFile(config tgbotapi.FileConfig) (tgbotapi.File, error)
}

// BotSource reads channels through the Telegram Bot API. A bot cannot page
// through channel history; it only sees posts delivered to it as updates
// after it was added to the channel. BotSource drains pending updates on
// every listing and keeps the channel posts it has seen for the run.
type BotSource struct {
	bot          botAPI
	token        string
	fileEndpoint string
	client       *http.Client
	logger       dl.Logger

	mu     sync.Mutex
	offset int
	posts  map[int64]map[int64]dl.MediaItem // chat id -> message id -> item
	paths  map[string]string                // file id -> file path on the API server
}

var _ dl.Source = (*BotSource)(nil)

// BotOptions configures a BotSource.
type BotOptions struct {
	Token          string
	APIEndpoint    string // defaults to tgbotapi.APIEndpoint
	FileEndpoint   string // defaults to tgbotapi.FileEndpoint
	RequestTimeout time.Duration
	Logger         dl.Logger
}

// NewBotSource authenticates the bot token against the API.
func NewBotSource(opts BotOptions) (*BotSource, error) {
	if opts.Token == "" {
		return nil, fmt.Errorf("telegram source requires a bot token")
	}
	if opts.APIEndpoint == "" {
		opts.APIEndpoint = tgbotapi.APIEndpoint
	}
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = time.Minute
	}

	client := &http.Client{
		Timeout: opts.RequestTimeout,
		Transport: &http.Transport{
			MaxIdleConns:        100,
			MaxIdleConnsPerHost: 100,
			IdleConnTimeout:     90 * time.Second,
		},
	}
	bot, err := tgbotapi.NewBotAPIWithClient(opts.Token, opts.APIEndpoint, client)
	if err != nil {
		return nil, fmt.Errorf("connecting bot: %w", redactToken(err, opts.Token))
	}
	return newBotSource(bot, opts, client), nil
}

func newBotSource(bot botAPI, opts BotOptions, client *http.Client) *BotSource {
	if opts.FileEndpoint == "" {
		opts.FileEndpoint = tgbotapi.FileEndpoint
	}
	if opts.Logger == nil {
		opts.Logger = dl.NewNopLogger()
	}
	return &BotSource{
		bot:          bot,
		token:        opts.Token,
		fileEndpoint: opts.FileEndpoint,
		client:       client,
		logger:       opts.Logger,
		posts:        make(map[int64]map[int64]dl.MediaItem),
		paths:        make(map[string]string),
	}
}

func (s *BotSource) ResolveChannel(ctx context.Context, ref dl.ChannelRef) (*dl.ChannelHandle, error) {
	cfg := tgbotapi.ChatConfig{ChatID: ref.ID}
	if ref.Username != "" {
		cfg = tgbotapi.ChatConfig{SuperGroupUsername: "@" + ref.Username}
	}

	chat, err := s.bot.GetChat(tgbotapi.ChatInfoConfig{ChatConfig: cfg})
	if err != nil {
		return nil, resolveError(ref, redactToken(err, s.token))
	}

	members, err := s.bot.GetChatMembersCount(tgbotapi.ChatMemberCountConfig{ChatConfig: cfg})
	if err != nil {
		s.logger.Debug("member count unavailable", "channel", ref.String(), "error", redactToken(err, s.token))
		members = 0
	}

	return &dl.ChannelHandle{
		ID:       chat.ID,
		Title:    chat.Title,
		Username: chat.UserName,
		Members:  members,
	}, nil
}

func resolveError(ref dl.ChannelRef, err error) error {
	var apiErr *tgbotapi.Error
	if errors.As(err, &apiErr) {
		switch {
		case apiErr.Code == http.StatusForbidden:
			return &dl.AccessDeniedError{Ref: ref.String(), Reason: apiErr.Message}
		case apiErr.Code == http.StatusBadRequest && strings.Contains(strings.ToLower(apiErr.Message), "not found"):
			return &dl.NotFoundError{Ref: ref.String()}
		}
	}
	return fmt.Errorf("resolving %s: %w", ref, err)
}

// redactToken hides the bot token in URL errors. Bot API URLs embed the
// token, and these errors end up in logs and the ledger.
func redactToken(err error, token string) error {
	var urlErr *url.Error
	if token == "" || !errors.As(err, &urlErr) || !strings.Contains(urlErr.URL, token) {
		return err
	}
	return &url.Error{Op: urlErr.Op, URL: strings.ReplaceAll(urlErr.URL, token, "<token>"), Err: urlErr.Err}
}

// poll drains pending updates and indexes channel posts carrying media.
func (s *BotSource) poll(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for ctx.Err() == nil {
		cfg := tgbotapi.NewUpdate(s.offset)
		cfg.Limit = 100
		cfg.AllowedUpdates = []string{"channel_post", "edited_channel_post"}

		updates, err := s.bot.GetUpdates(cfg)
		if err != nil {
			return fmt.Errorf("fetching updates: %w", redactToken(err, s.token))
		}
		if len(updates) == 0 {
			return nil
		}
		for _, u := range updates {
			if u.UpdateID >= s.offset {
				s.offset = u.UpdateID + 1
			}
			msg := u.ChannelPost
			if msg == nil {
				msg = u.EditedChannelPost
			}
			if msg == nil || msg.Chat == nil {
				continue
			}
			item, ok := mediaFromMessage(msg)
			if !ok {
				continue
			}
			chat := s.posts[msg.Chat.ID]
			if chat == nil {
				chat = make(map[int64]dl.MediaItem)
				s.posts[msg.Chat.ID] = chat
			}
			chat[item.Key.MessageID] = item
		}
	}
	return ctx.Err()
}

// mediaFromMessage picks the downloadable media of a post. Photos use the
// largest size offered.
func mediaFromMessage(msg *tgbotapi.Message) (dl.MediaItem, bool) {
	item := dl.MediaItem{
		Key:  dl.Key{ChannelID: msg.Chat.ID, MessageID: int64(msg.MessageID)},
		Date: time.Unix(int64(msg.Date), 0).UTC(),
	}

	switch {
	case msg.Video != nil:
		v := msg.Video
		item.Kind = dl.KindVideo
		item.FileName = v.FileName
		item.MimeType = v.MimeType
		item.Size = declaredSize(v.FileSize)
		item.Width, item.Height = v.Width, v.Height
		item.Duration = time.Duration(v.Duration) * time.Second
		item.SourceRef = v.FileID
		item.Fingerprint = "tg:" + v.FileUniqueID
	case len(msg.Photo) > 0:
		p := msg.Photo[0]
		for _, candidate := range msg.Photo[1:] {
			if candidate.Width*candidate.Height > p.Width*p.Height {
				p = candidate
			}
		}
		item.Kind = dl.KindPhoto
		item.FileName = strconv.Itoa(msg.MessageID) + ".jpg"
		item.MimeType = "image/jpeg"
		item.Size = declaredSize(p.FileSize)
		item.Width, item.Height = p.Width, p.Height
		item.SourceRef = p.FileID
		item.Fingerprint = "tg:" + p.FileUniqueID
	case msg.Document != nil:
		d := msg.Document
		item.Kind = dl.KindDocument
		item.FileName = d.FileName
		item.MimeType = d.MimeType
		item.Size = declaredSize(d.FileSize)
		item.SourceRef = d.FileID
		item.Fingerprint = "tg:" + d.FileUniqueID
	default:
		return dl.MediaItem{}, false
	}
	return item, true
}

func declaredSize(n int) int64 {
	if n <= 0 {
		return dl.SizeUnknown
	}
	return int64(n)
}

func (s *BotSource) ListMedia(ctx context.Context, ch *dl.ChannelHandle, limit int) (dl.MediaIter, error) {
	if err := s.poll(ctx); err != nil {
		return nil, err
	}

	s.mu.Lock()
	items := make([]dl.MediaItem, 0, len(s.posts[ch.ID]))
	for _, item := range s.posts[ch.ID] {
		items = append(items, item)
	}
	s.mu.Unlock()

	if len(items) == 0 {
		s.logger.Info("no posts seen for channel", "channel", ch.ID, "known", s.KnownChannels())
	}
	sortNewestFirst(items)
	if limit > 0 && len(items) > limit {
		items = items[:limit]
	}
	return dl.NewSliceIter(items), nil
}

// filePath resolves a file id to its download path, caching the answer.
func (s *BotSource) filePath(item dl.MediaItem) (string, error) {
	s.mu.Lock()
	p, ok := s.paths[item.SourceRef]
	s.mu.Unlock()
	if ok {
		return p, nil
	}

	if item.Size > maxBotFileSize {
		return "", &dl.PermanentItemError{Key: item.Key, Reason: "file exceeds the bot download limit"}
	}
	file, err := s.bot.GetFile(tgbotapi.FileConfig{FileID: item.SourceRef})
	if err != nil {
		var apiErr *tgbotapi.Error
		if errors.As(err, &apiErr) && apiErr.Code == http.StatusBadRequest {
			return "", &dl.PermanentItemError{Key: item.Key, Reason: apiErr.Message}
		}
		return "", &dl.TransientError{Op: "getFile", Err: redactToken(err, s.token)}
	}

	s.mu.Lock()
	s.paths[item.SourceRef] = file.FilePath
	s.mu.Unlock()
	return file.FilePath, nil
}

// FetchRange downloads one chunk with an HTTP Range request. Servers that
// ignore the range are handled by skipping to offset.
func (s *BotSource) FetchRange(ctx context.Context, item dl.MediaItem, offset int64, maxBytes int) ([]byte, error) {
	p, err := s.filePath(item)
	if err != nil {
		return nil, err
	}

	fileURL := fmt.Sprintf(s.fileEndpoint, s.token, p)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, fileURL, nil)
	if err != nil {
		return nil, fmt.Errorf("building request: %w", redactToken(err, s.token))
	}
	req.Header.Set("Range", fmt.Sprintf("bytes=%d-%d", offset, offset+int64(maxBytes)-1))

	resp, err := s.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, &dl.TransientError{Op: "fetch", Err: redactToken(err, s.token)}
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusPartialContent:
	case resp.StatusCode == http.StatusOK:
		if _, err := io.CopyN(io.Discard, resp.Body, offset); err != nil {
			if errors.Is(err, io.EOF) {
				return nil, nil
			}
			return nil, &dl.TransientError{Op: "fetch", Err: err}
		}
	case resp.StatusCode == http.StatusRequestedRangeNotSatisfiable:
		return nil, nil
	case resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusForbidden:
		return nil, &dl.PermanentItemError{Key: item.Key, Reason: resp.Status}
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return nil, &dl.TransientError{Op: "fetch", Err: fmt.Errorf("server returned %s", resp.Status)}
	default:
		return nil, &dl.PermanentItemError{Key: item.Key, Reason: resp.Status}
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, int64(maxBytes)))
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, &dl.TransientError{Op: "read", Err: err}
	}
	return data, nil
}

// KnownChannels lists chat ids the bot has seen posts from.
func (s *BotSource) KnownChannels() []int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]int64, 0, len(s.posts))
	for id := range s.posts {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}
