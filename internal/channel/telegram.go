package channel

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/rs/zerolog"

	"github.com/stellarlinkco/ambient/internal/buffer"
	"github.com/stellarlinkco/ambient/internal/bus"
	"github.com/stellarlinkco/ambient/internal/config"
	"github.com/stellarlinkco/ambient/internal/logger"
)

const (
	telegramChannelName = "telegram"

	// Telegram rejects messages over 4096 characters; leave room for tags.
	telegramChunkLen = 4000
	maxPhotoBytes    = 10 << 20
)

var errBotNotReady = errors.New("telegram bot not initialized")

// TelegramBot is the slice of the bot API the mirror uses.
type TelegramBot interface {
	GetUpdatesChan(config tgbotapi.UpdateConfig) tgbotapi.UpdatesChannel
	StopReceivingUpdates()
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
	GetSelf() tgbotapi.User
	GetFile(config tgbotapi.FileConfig) (tgbotapi.File, error)
}

type tgBotWrapper struct {
	bot *tgbotapi.BotAPI
}

func (w *tgBotWrapper) GetUpdatesChan(config tgbotapi.UpdateConfig) tgbotapi.UpdatesChannel {
	return w.bot.GetUpdatesChan(config)
}

func (w *tgBotWrapper) StopReceivingUpdates() {
	w.bot.StopReceivingUpdates()
}

func (w *tgBotWrapper) Send(c tgbotapi.Chattable) (tgbotapi.Message, error) {
	return w.bot.Send(c)
}

func (w *tgBotWrapper) GetSelf() tgbotapi.User {
	return w.bot.Self
}

func (w *tgBotWrapper) GetFile(config tgbotapi.FileConfig) (tgbotapi.File, error) {
	return w.bot.GetFile(config)
}

type BotFactory func(token, apiEndpoint string, client *http.Client) (TelegramBot, error)

var defaultBotFactory BotFactory = func(token, apiEndpoint string, client *http.Client) (TelegramBot, error) {
	bot, err := tgbotapi.NewBotAPIWithClient(token, apiEndpoint, client)
	if err != nil {
		return nil, err
	}
	return &tgBotWrapper{bot: bot}, nil
}

// TelegramChannel mirrors HUD lines and escalations into one chat. Messages
// from that chat are either commands ("/digest", "/status", "/tick") or
// notes pushed into the feed; photos become visual sense events.
type TelegramChannel struct {
	token           string
	chatID          int64
	proxy           string
	mirrorHUD       bool
	mirrorEscalated bool

	bot        TelegramBot
	httpClient *http.Client
	cancel     context.CancelFunc
	botFactory BotFactory
	sink       Sink
	controls   Controls
	log        zerolog.Logger
}

func NewTelegramChannel(cfg config.TelegramConfig, sink Sink, controls Controls) (*TelegramChannel, error) {
	return NewTelegramChannelWithFactory(cfg, sink, controls, defaultBotFactory)
}

func NewTelegramChannelWithFactory(cfg config.TelegramConfig, sink Sink, controls Controls, factory BotFactory) (*TelegramChannel, error) {
	if cfg.Token == "" {
		return nil, fmt.Errorf("telegram token is required")
	}
	return &TelegramChannel{
		token:           cfg.Token,
		chatID:          cfg.ChatID,
		proxy:           cfg.Proxy,
		mirrorHUD:       cfg.MirrorHUD,
		mirrorEscalated: cfg.MirrorEscalated,
		httpClient:      http.DefaultClient,
		botFactory:      factory,
		sink:            sink,
		controls:        controls,
		log:             logger.Component("telegram"),
	}, nil
}

func (t *TelegramChannel) Name() string { return telegramChannelName }

func (t *TelegramChannel) initBot() error {
	client := http.DefaultClient
	if t.proxy != "" {
		proxyURL, err := url.Parse(t.proxy)
		if err != nil {
			return fmt.Errorf("parse proxy url: %w", err)
		}
		client = &http.Client{
			Transport: &http.Transport{Proxy: http.ProxyURL(proxyURL)},
		}
	}
	t.httpClient = client

	bot, err := t.botFactory(t.token, tgbotapi.APIEndpoint, client)
	if err != nil {
		return fmt.Errorf("create telegram bot: %w", err)
	}
	t.bot = bot
	t.log.Info().Str("bot", bot.GetSelf().UserName).Msg("authorized")
	return nil
}

func (t *TelegramChannel) Start(ctx context.Context) error {
	if err := t.initBot(); err != nil {
		return err
	}

	ctx, t.cancel = context.WithCancel(ctx)

	u := tgbotapi.NewUpdate(0)
	u.Timeout = 30
	updates := t.bot.GetUpdatesChan(u)

	go func() {
		for {
			select {
			case update, ok := <-updates:
				if !ok {
					return
				}
				if update.Message == nil {
					continue
				}
				t.handleMessage(ctx, update.Message)
			case <-ctx.Done():
				return
			}
		}
	}()

	t.log.Info().Int64("chat", t.chatID).Msg("polling started")
	return nil
}

func (t *TelegramChannel) handleMessage(ctx context.Context, msg *tgbotapi.Message) {
	if msg.Chat == nil || msg.Chat.ID != t.chatID {
		t.log.Warn().Msg("rejected message from unknown chat")
		return
	}

	if msg.IsCommand() {
		t.handleCommand(ctx, msg.Command())
		return
	}

	text := strings.TrimSpace(msg.Text)
	if text == "" {
		text = strings.TrimSpace(msg.Caption)
	}

	if len(msg.Photo) > 0 && t.sink != nil {
		photo := msg.Photo[len(msg.Photo)-1]
		data, err := t.fetchPhoto(ctx, photo.FileID)
		if err != nil {
			t.log.Warn().Err(err).Str("file", photo.FileID).Msg("download photo failed")
		} else {
			mediaType := http.DetectContentType(data)
			if !strings.HasPrefix(mediaType, "image/") {
				mediaType = "image/jpeg"
			}
			t.sink.PushSenseEvent(buffer.SenseEvent{
				Type:      buffer.SenseVisual,
				Timestamp: time.Unix(int64(msg.Date), 0),
				OCR:       text,
				Image:     &buffer.Image{MediaType: mediaType, Data: data},
				App:       buffer.AppMeta{Name: "Telegram"},
			})
			return
		}
	}

	if text == "" || t.sink == nil {
		return
	}
	t.sink.PushFeedItem(text, 1, buffer.SourceSystem, telegramChannelName)
}

func (t *TelegramChannel) handleCommand(ctx context.Context, name string) {
	if t.controls == nil {
		return
	}
	reply, err := t.controls.Command(ctx, name)
	if err != nil {
		reply = "error: " + err.Error()
	}
	if reply == "" {
		return
	}
	if err := t.send(reply); err != nil {
		t.log.Warn().Err(err).Str("command", name).Msg("command reply failed")
	}
}

// fetchPhoto downloads the largest size of a photo message.
func (t *TelegramChannel) fetchPhoto(ctx context.Context, fileID string) ([]byte, error) {
	if t.bot == nil {
		return nil, errBotNotReady
	}
	file, err := t.bot.GetFile(tgbotapi.FileConfig{FileID: fileID})
	if err != nil {
		return nil, fmt.Errorf("get telegram file: %w", err)
	}
	if file.FileSize > maxPhotoBytes {
		return nil, fmt.Errorf("telegram photo too large: %d bytes", file.FileSize)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, file.Link(t.token), nil)
	if err != nil {
		return nil, err
	}
	client := t.httpClient
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("download telegram photo: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("download telegram photo: status %d", resp.StatusCode)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxPhotoBytes))
	if err != nil {
		return nil, fmt.Errorf("read telegram photo: %w", err)
	}
	if len(data) == 0 {
		return nil, errors.New("telegram photo is empty")
	}
	return data, nil
}

func (t *TelegramChannel) Stop() error {
	if t.cancel != nil {
		t.cancel()
	}
	if t.bot != nil {
		t.bot.StopReceivingUpdates()
	}
	t.log.Info().Msg("stopped")
	return nil
}

func (t *TelegramChannel) SetBot(bot TelegramBot) {
	t.bot = bot
}

// Notify mirrors the events the config asks for.
func (t *TelegramChannel) Notify(ev bus.Event) error {
	switch {
	case ev.Kind == bus.KindHUD && ev.HUD != nil && t.mirrorHUD:
		return t.send(ev.HUD.Text)
	case ev.Kind == bus.KindEscalation && ev.Escalation != nil && t.mirrorEscalated:
		e := ev.Escalation
		text := fmt.Sprintf("**Escalated** (%s, score %d, via %s)\n%s", e.Trigger, e.Score, e.Route, e.Digest)
		if e.Err != "" {
			text = fmt.Sprintf("**Escalation failed** (%s): `%s`\n%s", e.Trigger, e.Err, e.Digest)
		}
		return t.send(text)
	}
	return nil
}

func (t *TelegramChannel) send(text string) error {
	if t.bot == nil {
		return errBotNotReady
	}
	for _, chunk := range splitMessage(text, telegramChunkLen) {
		msg := tgbotapi.NewMessage(t.chatID, toTelegramHTML(chunk))
		msg.ParseMode = tgbotapi.ModeHTML
		if _, err := t.bot.Send(msg); err == nil {
			continue
		}
		// Unbalanced markup is rejected in HTML mode; resend the chunk as is.
		msg.ParseMode = ""
		msg.Text = chunk
		if _, err := t.bot.Send(msg); err != nil {
			return fmt.Errorf("send telegram message: %w", err)
		}
	}
	return nil
}

// splitMessage cuts text into pieces of at most n bytes, preferring line
// breaks.
func splitMessage(text string, n int) []string {
	var chunks []string
	for len(text) > n {
		cut := strings.LastIndex(text[:n], "\n")
		if cut <= 0 {
			cut = n
		}
		chunks = append(chunks, text[:cut])
		text = strings.TrimPrefix(text[cut:], "\n")
	}
	if text != "" {
		chunks = append(chunks, text)
	}
	return chunks
}

// toTelegramHTML converts basic markdown to Telegram HTML.
func toTelegramHTML(s string) string {
	s = strings.ReplaceAll(s, "&", "&amp;")
	s = strings.ReplaceAll(s, "<", "&lt;")
	s = strings.ReplaceAll(s, ">", "&gt;")

	s = replacePairs(s, "```", "<pre>", "</pre>", true)
	s = replacePairs(s, "`", "<code>", "</code>", false)
	s = replacePairs(s, "**", "<b>", "</b>", false)
	return s
}

// replacePairs wraps text between consecutive delimiters in the given
// tags. With stripLang, a single-word first line (a fence language tag) is
// dropped.
func replacePairs(s, delim, openTag, closeTag string, stripLang bool) string {
	for {
		start := strings.Index(s, delim)
		if start == -1 {
			return s
		}
		end := strings.Index(s[start+len(delim):], delim)
		if end == -1 {
			return s
		}
		end += start + len(delim)
		inner := s[start+len(delim) : end]
		if stripLang {
			if nl := strings.Index(inner, "\n"); nl >= 0 {
				first := strings.TrimSpace(inner[:nl])
				if first != "" && !strings.Contains(first, " ") {
					inner = inner[nl+1:]
				}
			}
		}
		s = s[:start] + openTag + inner + closeTag + s[end+len(delim):]
	}
}
