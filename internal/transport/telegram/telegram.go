package telegram

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	tele "gopkg.in/telebot.v4"

	"stockwatch/internal/retry"
	kit "stockwatch/internal/transport"
	logx "stockwatch/pkg/logx"
	"stockwatch/pkg/tgui"
)

type Config struct {
	Token string
	// ParseMode defaults to "HTML". Empty disables formatting and sends
	// payload text verbatim.
	ParseMode      string
	DisablePreview bool
}

// Driver sends stock alerts to Telegram chats. It never polls for updates;
// the bot token is only used for outbound sendMessage calls.
type Driver struct {
	cfg Config
	log logx.Logger
	bot *tele.Bot
}

func New(cfg Config, log logx.Logger) (*Driver, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("telegram token is empty")
	}
	if cfg.ParseMode == "" {
		cfg.ParseMode = tele.ModeHTML
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	b, err := tele.NewBot(tele.Settings{Token: cfg.Token})
	if err != nil {
		return nil, err
	}
	return &Driver{cfg: cfg, log: log.With(logx.String("comp", "telegram")), bot: b}, nil
}

func (d *Driver) Name() string { return "telegram" }

// Close is a no-op: there is no poll loop to stop and telebot keeps no
// connection open between sendMessage calls.
func (d *Driver) Close() error { return nil }

// Alerts at or below this priority ring the chat; routine updates arrive
// silently.
const silentFromPriority = 3

const headlineRunes = 200

func (d *Driver) Send(ctx context.Context, r kit.Route, m kit.Message) error {
	if r.ChatID == 0 {
		return retry.NoRetry(retry.Tag(fmt.Errorf("destination %q has no chat_id", r.Name), retry.KindDestinationUnreachable))
	}

	text := buildText(m, d.cfg.ParseMode)
	chunks := splitText(text, telegramTextLimit, d.cfg.ParseMode)
	if len(chunks) == 0 {
		chunks = []string{""}
	}

	chat := &tele.Chat{ID: r.ChatID}
	for _, chunk := range chunks {
		if ctx != nil {
			select {
			case <-ctx.Done():
				return retry.Tag(ctx.Err(), retry.KindDestinationBusy)
			default:
			}
		}
		opt := &tele.SendOptions{
			ParseMode:             d.cfg.ParseMode,
			DisableWebPagePreview: d.cfg.DisablePreview,
			DisableNotification:   m.Priority >= silentFromPriority,
			ThreadID:              r.ThreadID,
		}
		if _, err := d.bot.Send(chat, chunk, opt); err != nil {
			return tagSendError(err)
		}
	}
	return nil
}

// buildText renders the platform message: headline bolded, body escaped,
// mentions appended on their own line. Plain mode passes payload text through.
func buildText(m kit.Message, parseMode string) string {
	if !strings.EqualFold(parseMode, tele.ModeHTML) {
		text := m.Text
		if line := plainMentions(m.Mentions); line != "" {
			text += "\n" + line
		}
		return text
	}

	head, body, _ := strings.Cut(m.Text, "\n")
	parts := make([]tgui.H, 0, 3)
	// Retail page titles run long; keep the bold headline scannable.
	parts = append(parts, tgui.B(tgui.TruncRunes(head, headlineRunes)))
	if body != "" {
		parts = append(parts, tgui.Esc(body))
	}
	if line := mentionLine(m.Mentions); line != "" {
		parts = append(parts, line)
	}
	return tgui.JoinH("\n", parts...).String()
}

// mentionLine renders "@name" handles and numeric user IDs. IDs become
// tg://user links so the ping works even without a public username.
func mentionLine(mentions []string) tgui.H {
	parts := make([]tgui.H, 0, len(mentions))
	for _, m := range mentions {
		m = strings.TrimSpace(m)
		if m == "" {
			continue
		}
		if id, err := strconv.ParseInt(m, 10, 64); err == nil && id > 0 {
			parts = append(parts, tgui.Mention(m, id))
			continue
		}
		if !strings.HasPrefix(m, "@") {
			m = "@" + m
		}
		parts = append(parts, tgui.Esc(m))
	}
	return tgui.JoinH(" ", parts...)
}

func plainMentions(mentions []string) string {
	out := make([]string, 0, len(mentions))
	for _, m := range mentions {
		m = strings.TrimSpace(m)
		if m == "" {
			continue
		}
		if !strings.HasPrefix(m, "@") && !isDigits(m) {
			m = "@" + m
		}
		out = append(out, m)
	}
	return strings.Join(out, " ")
}

func isDigits(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

// tagSendError maps telebot errors onto the retry taxonomy so the dispatcher
// can tell a throttled chat from a dead one.
func tagSendError(err error) error {
	if err == nil {
		return nil
	}

	var flood tele.FloodError
	if errors.As(err, &flood) {
		tagged := retry.Tag(err, retry.KindDestinationBusy)
		if flood.RetryAfter > 0 {
			return retry.RetryAfter(tagged, time.Duration(flood.RetryAfter)*time.Second)
		}
		return tagged
	}

	var apiErr *tele.Error
	if errors.As(err, &apiErr) {
		switch {
		case apiErr.Code == 401 || apiErr.Code == 403 || apiErr.Code == 404:
			// Bad token, kicked from the chat, or the chat is gone.
			return retry.NoRetry(retry.Tag(err, retry.KindDestinationUnreachable))
		case apiErr.Code == 400 && unreachableDescription(apiErr.Description):
			return retry.NoRetry(retry.Tag(err, retry.KindDestinationUnreachable))
		case apiErr.Code == 429:
			return retry.Tag(err, retry.KindDestinationBusy)
		case apiErr.Code >= 500:
			return retry.Tag(err, retry.KindDestinationBusy)
		default:
			// Remaining 4xx are malformed payloads; the same text will fail again.
			return retry.NoRetry(err)
		}
	}

	// Transport-level trouble (DNS, reset, timeout): worth another attempt.
	return retry.Tag(err, retry.KindDestinationBusy)
}

func unreachableDescription(desc string) bool {
	desc = strings.ToLower(desc)
	for _, s := range []string{"chat not found", "user not found", "thread not found", "bot was blocked", "bot was kicked", "have no rights"} {
		if strings.Contains(desc, s) {
			return true
		}
	}
	return false
}

const telegramTextLimit = 4000

// splitText splits long messages into chunks that are safe to send to Telegram.
// It prefers newline boundaries and (best-effort) avoids splitting inside HTML
// tags when ParseMode is HTML.
func splitText(s string, limit int, parseMode string) []string {
	if limit <= 0 {
		limit = telegramTextLimit
	}
	rs := []rune(s)
	if len(rs) <= limit {
		return []string{s}
	}

	out := make([]string, 0, (len(rs)+limit-1)/limit)
	start := 0
	for start < len(rs) {
		end := start + limit
		if end > len(rs) {
			end = len(rs)
		}

		// Prefer splitting on a newline near the end of the window.
		if end < len(rs) {
			cut := -1
			for i := end - 1; i > start; i-- {
				if rs[i] == '\n' {
					// Avoid extremely small chunks.
					if i-start >= limit/3 {
						cut = i + 1
						break
					}
				}
			}
			if cut != -1 {
				end = cut
			}
		}

		// Best-effort: don't split inside a tag for HTML parse mode.
		if strings.EqualFold(parseMode, tele.ModeHTML) && end < len(rs) {
			lastOpen := -1
			lastClose := -1
			for i := start; i < end; i++ {
				if rs[i] == '<' {
					lastOpen = i
				} else if rs[i] == '>' {
					lastClose = i
				}
			}
			if lastOpen > lastClose && lastOpen > start+1 {
				// Move end to the start of the dangling tag.
				end = lastOpen
				if end <= start {
					end = start + limit
					if end > len(rs) {
						end = len(rs)
					}
				}
			}
		}

		chunk := string(rs[start:end])
		chunk = strings.TrimRight(chunk, "\n")
		out = append(out, chunk)

		start = end
		// Skip leading newlines to avoid empty chunks.
		for start < len(rs) && rs[start] == '\n' {
			start++
		}
	}
	return out
}
