package security

import (
	"html"
	"regexp"
	"strings"

	"github.com/microcosm-cc/bluemonday"
)

// TextSanitizer はHTMLを含みうる文字列からタグを除去する。
// メール本文のテキスト版生成と、プロフィールの自由記述欄の正規化に使用する。
type TextSanitizer interface {
	// PlainText はHTML本文をプレーンテキストに変換する。
	// ブロック要素と<br>は改行に置き換え、連続する空行は1つにまとめる。
	PlainText(htmlBody string) string

	// StripTags は入力からすべてのタグを取り除き、前後の空白を削る。
	// エンティティはデコードした状態で返す。
	StripTags(s string) string
}

var (
	blockBoundary = regexp.MustCompile(`(?i)<\s*(br\s*/?|/p|/div|/h[1-6]|/li|/tr)\s*>`)
	blankLines    = regexp.MustCompile(`\n{3,}`)
)

type textSanitizer struct {
	policy *bluemonday.Policy
}

// NewTextSanitizer はbluemondayのStrictPolicyを使うTextSanitizerを生成する。
// Policyは生成後に変更しない限りゴルーチンセーフ。
func NewTextSanitizer() *textSanitizer {
	return &textSanitizer{policy: bluemonday.StrictPolicy()}
}

func (s *textSanitizer) PlainText(htmlBody string) string {
	if htmlBody == "" {
		return ""
	}
	withBreaks := blockBoundary.ReplaceAllString(htmlBody, "$0\n")
	text := html.UnescapeString(s.policy.Sanitize(withBreaks))

	lines := strings.Split(text, "\n")
	for i, line := range lines {
		lines[i] = strings.TrimSpace(line)
	}
	text = blankLines.ReplaceAllString(strings.Join(lines, "\n"), "\n\n")
	return strings.TrimSpace(text)
}

func (s *textSanitizer) StripTags(in string) string {
	return strings.TrimSpace(html.UnescapeString(s.policy.Sanitize(in)))
}
