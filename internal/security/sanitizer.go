package security

import (
	"strings"
	"unicode/utf8"

	"github.com/microcosm-cc/bluemonday"
)

// TextSanitizer は利用者が入力した自由記述（予約メモ、代替候補時刻など）から
// HTMLタグを除去し、長さを制限する。
type TextSanitizer struct {
	policy *bluemonday.Policy
	maxLen int
}

// NewTextSanitizer はTextSanitizerを生成する。maxLenは文字数（rune数）の上限。
func NewTextSanitizer(maxLen int) *TextSanitizer {
	return &TextSanitizer{
		policy: bluemonday.StrictPolicy(),
		maxLen: maxLen,
	}
}

// Clean はタグを除去し、前後の空白を落として上限文字数で切り詰める。
// StrictPolicyは&や<をエンティティ化するため、テンプレートでの二重エスケープを避けて元に戻す。
func (s *TextSanitizer) Clean(input string) string {
	out := s.policy.Sanitize(input)
	out = unescaper.Replace(out)
	out = strings.TrimSpace(out)
	if s.maxLen > 0 && utf8.RuneCountInString(out) > s.maxLen {
		out = string([]rune(out)[:s.maxLen])
	}
	return out
}

var unescaper = strings.NewReplacer(
	"&amp;", "&",
	"&lt;", "<",
	"&gt;", ">",
	"&#34;", `"`,
	"&#39;", "'",
	"&quot;", `"`,
)
