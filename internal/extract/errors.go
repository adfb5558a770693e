package extract

import (
	"fmt"
	"regexp"
	"strings"
)

const (
	// ReasonNoMatch 表示列表页的根容器完全不存在（结构性失败）。
	ReasonNoMatch = "no-match"
	// ReasonInvalidPage 表示详情页缺少标题节点：拿到的不是详情页（常见为错误页/拦截页）。
	ReasonInvalidPage = "invalid-page"
)

// excerptBodyBytes 是诊断摘录中 body 部分的最大字节数。
const excerptBodyBytes = 500

// Error 是 extract 的结构化失败。调用方应把它转成“不成功的结果”，而不是向上抛出。
type Error struct {
	Reason  string
	Excerpt string // 仅 invalid-page 时填充：<title> + body 前 500 字节
}

func (e *Error) Error() string {
	if e == nil {
		return "extract error"
	}
	return fmt.Sprintf("extract: %s", e.Reason)
}

var (
	titleTagRE = regexp.MustCompile(`(?is)<title[^>]*>(.*?)</title>`)
	bodyTagRE  = regexp.MustCompile(`(?i)<body`)
)

// Excerpt 生成给运维排查用的短摘录：标题 + body（没有 body 时取文档开头）。
func Excerpt(html []byte) string {
	s := string(html)
	var b strings.Builder
	if m := titleTagRE.FindStringSubmatch(s); m != nil {
		b.WriteString("Title: ")
		b.WriteString(strings.TrimSpace(m[1]))
		b.WriteString("\n")
	}
	if loc := bodyTagRE.FindStringIndex(s); loc != nil {
		b.WriteString("Body Sample: ")
		b.WriteString(head(s[loc[0]:], excerptBodyBytes))
	} else {
		b.WriteString("Head Sample: ")
		b.WriteString(head(s, excerptBodyBytes))
	}
	return b.String()
}

func head(s string, n int) string {
	if len(s) > n {
		s = s[:n]
	}
	// 截断可能切在多字节字符中间。
	return strings.ToValidUTF8(s, "")
}
