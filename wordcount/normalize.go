package wordcount

import (
	"regexp"
	"strings"

	"github.com/JohannesKaufmann/html-to-markdown/v2/converter"
	"github.com/JohannesKaufmann/html-to-markdown/v2/plugin/base"
	"github.com/JohannesKaufmann/html-to-markdown/v2/plugin/commonmark"
)

var (
	fence     = regexp.MustCompile("(?s)^```[a-zA-Z]*\\s*\\n(.*?)\\n?```$")
	htmlBlock = regexp.MustCompile(`(?i)<(p|h[1-6]|div|br|em|strong|blockquote|html|body)[\s>/]`)

	mdConv *converter.Converter
)

func setupConverter() {
	mdConv = converter.NewConverter(
		converter.WithPlugins(
			base.NewBasePlugin(),
			commonmark.NewCommonmarkPlugin(),
		),
	)
}

// Normalize turns a model reply into stored chapter markdown: a reply
// wrapped in a single code fence is unwrapped, and a reply written as HTML
// is converted to markdown. Anything else is returned trimmed.
func Normalize(reply string) string {
	s := strings.TrimSpace(reply)
	if m := fence.FindStringSubmatch(s); m != nil {
		s = strings.TrimSpace(m[1])
	}
	if !strings.HasPrefix(s, "<") || !htmlBlock.MatchString(s) {
		return s
	}
	once.Do(setup)
	out, err := mdConv.ConvertString(s)
	if err != nil || strings.TrimSpace(out) == "" {
		return s
	}
	return strings.TrimSpace(out)
}
