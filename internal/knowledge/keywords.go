package knowledge

import (
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/jdkato/prose/v2"
)

const (
	maxKeywords    = 10
	minKeywordRune = 3

	CategoryGeneral = "general"
)

var stopWords = map[string]struct{}{
	"the": {}, "and": {}, "for": {}, "with": {}, "how": {}, "what": {}, "where": {},
	"when": {}, "why": {}, "which": {}, "that": {}, "this": {}, "are": {}, "can": {},
	"does": {}, "from": {}, "into": {}, "use": {}, "using": {}, "your": {}, "you": {},
	"implement": {}, "should": {}, "would": {}, "there": {}, "their": {}, "about": {},
}

type category struct {
	name  string
	terms []string
}

// categories are checked in order; the first one with a matching term wins.
var categories = []category{
	{"android", []string{"android", "java", "kotlin", "recyclerview", "listview", "activity", "jetpack", "gradle"}},
	{"web_frontend", []string{"react", "vue", "angular", "javascript", "typescript", "html", "css", "frontend"}},
	{"web_backend", []string{"flask", "django", "express", "api", "backend", "server", "rest", "graphql"}},
	{"python", []string{"python", "tkinter", "pyqt", "pandas", "numpy", "pip"}},
	{"mobile", []string{"flutter", "dart", "ios", "swift", "mobile", "swiftui"}},
	{"database", []string{"sql", "mysql", "postgresql", "postgres", "mongodb", "database", "sqlite"}},
}

// tokenize splits text into lowercase alphanumeric tokens.
func tokenize(text string) []string {
	var raw []string
	doc, err := prose.NewDocument(text,
		prose.WithTagging(false),
		prose.WithSegmentation(false),
		prose.WithExtraction(false),
	)
	if err == nil {
		for _, tok := range doc.Tokens() {
			raw = append(raw, tok.Text)
		}
	} else {
		raw = strings.FieldsFunc(text, func(r rune) bool {
			return !unicode.IsLetter(r) && !unicode.IsDigit(r)
		})
	}

	out := raw[:0]
	for _, t := range raw {
		t = strings.ToLower(strings.TrimFunc(t, func(r rune) bool {
			return !unicode.IsLetter(r) && !unicode.IsDigit(r)
		}))
		if t == "" || !isAlnum(t) {
			continue
		}
		out = append(out, t)
	}
	return out
}

func isAlnum(s string) bool {
	for _, r := range s {
		if !unicode.IsLetter(r) && !unicode.IsDigit(r) {
			return false
		}
	}
	return true
}

// ExtractKeywords returns up to ten distinct lowercase tokens longer than two
// characters, in order of first appearance, with stop words removed.
func ExtractKeywords(text string) []string {
	seen := make(map[string]struct{})
	var out []string
	for _, t := range tokenize(text) {
		if utf8.RuneCountInString(t) < minKeywordRune {
			continue
		}
		if _, stop := stopWords[t]; stop {
			continue
		}
		if _, dup := seen[t]; dup {
			continue
		}
		seen[t] = struct{}{}
		out = append(out, t)
		if len(out) == maxKeywords {
			break
		}
	}
	return out
}

// DetectCategory maps text onto a fixed category table by whole-token match.
func DetectCategory(text string) string {
	tokens := make(map[string]struct{})
	for _, t := range tokenize(text) {
		tokens[t] = struct{}{}
	}
	for _, c := range categories {
		for _, term := range c.terms {
			if _, ok := tokens[term]; ok {
				return c.name
			}
		}
	}
	return CategoryGeneral
}
