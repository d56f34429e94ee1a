package tgui

import "testing"

func TestTruncRunes(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		s    string
		n    int
		want string
	}{
		{name: "short passes through", s: "hi", n: 5, want: "hi"},
		{name: "exact length untouched", s: "abcde", n: 5, want: "abcde"},
		{name: "cut gets ellipsis", s: "abcdef", n: 3, want: "abc…"},
		{name: "multibyte runes counted not bytes", s: "héllo wörld", n: 5, want: "héllo…"},
		{name: "zero budget", s: "abc", n: 0, want: ""},
		{name: "empty input", s: "", n: 3, want: ""},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := TruncRunes(tt.s, tt.n); got != tt.want {
				t.Fatalf("TruncRunes(%q, %d) = %q, want %q", tt.s, tt.n, got, tt.want)
			}
		})
	}
}

func TestEscAndJoin(t *testing.T) {
	t.Parallel()

	if got := B("a <b> & c").String(); got != "<b>a &lt;b&gt; &amp; c</b>" {
		t.Fatalf("B = %q", got)
	}
	if got := Link(`say "hi"`, "https://x.test/?a=1&b=2").String(); got != `<a href="https://x.test/?a=1&amp;b=2">say &#34;hi&#34;</a>` {
		t.Fatalf("Link = %q", got)
	}
	if got := JoinH(" ", Esc("a"), H("  "), Esc("b")).String(); got != "a b" {
		t.Fatalf("JoinH = %q, want blanks skipped", got)
	}
}
