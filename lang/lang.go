package lang

import (
	"bytes"
	"fmt"
	"strings"
	"sync"
	"unicode"
	"unicode/utf8"

	"github.com/gertd/go-pluralize"
)

const (
	DefaultPattern   = "%s"
	DefaultSeparator = ","
	DefaultOperator  = "and"
)

type Enumerator struct {
	Pattern   string
	Separator string
	Operator  string
}

func (e Enumerator) Do(elements ...string) string {
	pattern, separator, operator := DefaultPattern, DefaultSeparator, DefaultOperator
	if e.Pattern != "" {
		pattern = e.Pattern
	}
	if e.Separator != "" {
		separator = e.Separator
	}
	if e.Operator != "" {
		operator = e.Operator
	}
	res := &bytes.Buffer{}
	for idx, element := range elements {
		if idx+2 < len(elements) {
			fmt.Fprintf(res, fmt.Sprintf("%s%%s ", pattern), element, separator)
		} else if idx+1 < len(elements) {
			fmt.Fprintf(res, fmt.Sprintf("%s %%s ", pattern), element, operator)
		} else {
			fmt.Fprintf(res, pattern, element)
		}
	}
	return res.String()
}

var (
	pluralizer     *pluralize.Client
	pluralizerOnce sync.Once
)

func client() *pluralize.Client {
	pluralizerOnce.Do(func() {
		pluralizer = pluralize.NewClient()
	})
	return pluralizer
}

func Plural(word string) string {
	return client().Plural(word)
}

func Singular(word string) string {
	return client().Singular(word)
}

// Count renders n followed by word in the matching form, e.g. "1 car" or
// "3 cars".
func Count(n int, word string) string {
	if n == 1 || n == -1 {
		return fmt.Sprintf("%d %s", n, Singular(word))
	}
	return fmt.Sprintf("%d %s", n, Plural(word))
}

func Capitalize(s string) string {
	r, size := utf8.DecodeRuneInString(s)
	if r == utf8.RuneError {
		return s
	}
	return string(unicode.ToUpper(r)) + s[size:]
}

// Truncate shortens s to at most n runes, marking the cut with "...".
func Truncate(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	runes := []rune(s)
	if n <= 3 {
		return string(runes[:n])
	}
	return strings.TrimRightFunc(string(runes[:n-3]), unicode.IsSpace) + "..."
}
