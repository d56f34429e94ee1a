package telegram

import (
	"errors"
	"strings"
	"testing"
	"time"

	tele "gopkg.in/telebot.v4"

	"stockwatch/internal/retry"
	kit "stockwatch/internal/transport"
)

func TestBuildTextHTML(t *testing.T) {
	t.Parallel()
	m := kit.Message{
		Text:     "🔥 Back in stock: Widget <Pro>\nPrice: 45.00\nhttps://shop.example/p?id=1&ref=2",
		Mentions: []string{"alice", "@bob", "12345"},
	}

	got := buildText(m, tele.ModeHTML)

	if !strings.HasPrefix(got, "<b>🔥 Back in stock: Widget &lt;Pro&gt;</b>\n") {
		t.Fatalf("headline not bolded/escaped: %q", got)
	}
	if !strings.Contains(got, "https://shop.example/p?id=1&amp;ref=2") {
		t.Fatalf("body not escaped: %q", got)
	}
	if !strings.Contains(got, "@alice @bob") {
		t.Fatalf("handle mentions missing: %q", got)
	}
	if !strings.Contains(got, `<a href="tg://user?id=12345">12345</a>`) {
		t.Fatalf("numeric mention should become a user link: %q", got)
	}
}

func TestBuildTextCapsHeadline(t *testing.T) {
	t.Parallel()
	m := kit.Message{Text: "🔥 Back in stock: " + strings.Repeat("x", 500) + "\nhttps://shop.example/p"}

	got := buildText(m, tele.ModeHTML)

	head, _, _ := strings.Cut(got, "\n")
	if n := len([]rune(head)); n > headlineRunes+len("<b></b>…") {
		t.Fatalf("headline is %d runes, want at most %d plus markup", n, headlineRunes)
	}
	if !strings.Contains(head, "…") {
		t.Fatalf("truncated headline should end in an ellipsis: %q", head)
	}
}

func TestBuildTextPlain(t *testing.T) {
	t.Parallel()
	m := kit.Message{Text: "Price drop: Widget\n50 → 45", Mentions: []string{"alice"}}

	got := buildText(m, "")
	want := "Price drop: Widget\n50 → 45\n@alice"
	if got != want {
		t.Fatalf("buildText = %q, want %q", got, want)
	}
}

func TestSplitTextShortPassesThrough(t *testing.T) {
	t.Parallel()
	got := splitText("hello", 50, "")
	if len(got) != 1 || got[0] != "hello" {
		t.Fatalf("splitText = %v, want single chunk", got)
	}
}

func TestSplitTextPrefersNewlines(t *testing.T) {
	t.Parallel()
	lines := make([]string, 40)
	for i := range lines {
		lines[i] = "0123456789"
	}
	s := strings.Join(lines, "\n")

	chunks := splitText(s, 50, "")
	if len(chunks) < 2 {
		t.Fatalf("expected multiple chunks, got %d", len(chunks))
	}
	for i, c := range chunks {
		if len([]rune(c)) > 50 {
			t.Fatalf("chunk %d exceeds limit: %d runes", i, len([]rune(c)))
		}
		if strings.HasPrefix(c, "\n") || strings.HasSuffix(c, "\n") {
			t.Fatalf("chunk %d has stray newlines: %q", i, c)
		}
	}
	if strings.Join(chunks, "\n") != s {
		t.Fatal("rejoined chunks do not reproduce the input")
	}
}

func TestSplitTextAvoidsDanglingTag(t *testing.T) {
	t.Parallel()
	s := strings.Repeat("x", 48) + "<b>hello</b>"

	chunks := splitText(s, 50, tele.ModeHTML)
	if len(chunks) != 2 {
		t.Fatalf("chunks = %d, want 2", len(chunks))
	}
	if strings.Contains(chunks[0], "<") {
		t.Fatalf("first chunk carries a dangling tag: %q", chunks[0])
	}
	if chunks[1] != "<b>hello</b>" {
		t.Fatalf("second chunk = %q, want the intact tag", chunks[1])
	}
}

func TestTagSendErrorFlood(t *testing.T) {
	t.Parallel()
	err := tagSendError(tele.FloodError{
		RetryAfter: 14,
	})

	if retry.IsNoRetry(err) {
		t.Fatalf("flood errors must stay retryable: %v", err)
	}
	if k := retry.Classify(err); k != retry.KindDestinationBusy {
		t.Fatalf("Classify = %s, want %s", k, retry.KindDestinationBusy)
	}
	var ra retry.RetryAfterError
	if !errors.As(err, &ra) {
		t.Fatalf("flood error should carry a retry hint: %v", err)
	}
	if ra.RetryAfter() != 14*time.Second {
		t.Fatalf("RetryAfter = %v, want 14s", ra.RetryAfter())
	}
}

func TestTagSendErrorTerminal(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		err  error
	}{
		{name: "blocked", err: tele.NewError(403, "Forbidden: bot was blocked by the user")},
		{name: "chat gone", err: tele.NewError(400, "Bad Request: chat not found")},
		{name: "bad payload", err: tele.NewError(400, "Bad Request: can't parse entities")},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			got := tagSendError(tt.err)
			if !retry.IsNoRetry(got) {
				t.Fatalf("tagSendError(%v) should be terminal", tt.err)
			}
		})
	}
}

func TestTagSendErrorRetryable(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		err  error
	}{
		{name: "server error", err: tele.NewError(500, "Internal Server Error")},
		{name: "connection reset", err: errors.New("read tcp: connection reset by peer")},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			got := tagSendError(tt.err)
			if retry.IsNoRetry(got) {
				t.Fatalf("tagSendError(%v) should stay retryable", tt.err)
			}
			if k := retry.Classify(got); k != retry.KindDestinationBusy {
				t.Fatalf("Classify = %s, want %s", k, retry.KindDestinationBusy)
			}
		})
	}
}
