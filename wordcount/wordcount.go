// Package wordcount counts the words of chapter text.
//
// Chapter content is markdown that may carry inline HTML; Normalize brings
// model replies into that shape before they are stored. Text is rendered
// to HTML with goldmark, then stripped of every tag with bluemonday's strict
// policy, so markup and link targets never count as words.
package wordcount

import (
	"bytes"
	"html"
	"strings"
	"sync"
	"unicode"

	"github.com/microcosm-cc/bluemonday"
	"github.com/yuin/goldmark"
	gmhtml "github.com/yuin/goldmark/renderer/html"
)

var (
	once   sync.Once
	md     goldmark.Markdown
	strict *bluemonday.Policy
)

func setup() {
	md = goldmark.New(goldmark.WithRendererOptions(gmhtml.WithUnsafe()))
	strict = bluemonday.StrictPolicy()
	setupConverter()
}

// PlainText renders markdown and returns its visible text.
func PlainText(markdown string) string {
	once.Do(setup)
	var buf bytes.Buffer
	if err := md.Convert([]byte(markdown), &buf); err != nil {
		buf.Reset()
		buf.WriteString(markdown)
	}
	// Block boundaries become spaces so "</p><p>" never glues two words.
	s := strings.NewReplacer("</p>", " </p>", "<br>", " <br>", "</li>", " </li>",
		"</h1>", " </h1>", "</h2>", " </h2>", "</h3>", " </h3>").Replace(buf.String())
	return html.UnescapeString(strict.Sanitize(s))
}

// Count returns the number of words in markdown text. A word is a maximal
// run of letters or digits, with inner apostrophes and hyphens allowed
// ("don't", "well-known" count once).
func Count(markdown string) int {
	if strings.TrimSpace(markdown) == "" {
		return 0
	}
	return countWords(PlainText(markdown))
}

func countWords(s string) int {
	n := 0
	inWord := false
	runes := []rune(s)
	for i, r := range runes {
		switch {
		case unicode.IsLetter(r) || unicode.IsDigit(r):
			if !inWord {
				n++
				inWord = true
			}
		case inWord && (r == '\'' || r == '’' || r == '-') &&
			i+1 < len(runes) && (unicode.IsLetter(runes[i+1]) || unicode.IsDigit(runes[i+1])):
			// joiner inside a word
		default:
			inWord = false
		}
	}
	return n
}
