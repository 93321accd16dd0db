package fetch

import (
	"bytes"
	"fmt"
	"io"
	"regexp"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"github.com/ledongthuc/pdf"
	"golang.org/x/net/html/charset"
)

const (
	// maxChunkChars closes a section early so one chunk stays scoreable.
	maxChunkChars = 4000
	// textChunkChars is the target size when merging plain-text paragraphs.
	textChunkChars = 1500
)

const blockSelector = "h1, h2, h3, h4, h5, h6, p, pre, li, blockquote"

// htmlChunks decodes an HTML page and splits its readable content into
// sections, one per heading. Headings, lists and code keep a markdown shape.
func htmlChunks(body io.Reader, contentType string) ([]string, error) {
	r, err := charset.NewReader(body, contentType)
	if err != nil {
		return nil, fmt.Errorf("decoding page: %w", err)
	}
	doc, err := goquery.NewDocumentFromReader(r)
	if err != nil {
		return nil, fmt.Errorf("parsing page: %w", err)
	}
	doc.Find("script, style, nav, footer, header, aside, noscript").Remove()

	var chunks []string
	var cur strings.Builder
	flush := func() {
		if s := strings.TrimSpace(cur.String()); s != "" {
			chunks = append(chunks, s)
		}
		cur.Reset()
	}

	doc.Find("body").Find(blockSelector).Each(func(_ int, s *goquery.Selection) {
		if s.ParentsFiltered(blockSelector).Length() > 0 {
			return
		}
		block := renderBlock(s)
		if block == "" {
			return
		}
		if strings.HasPrefix(block, "#") || cur.Len()+len(block) > maxChunkChars {
			flush()
		}
		if cur.Len() > 0 {
			cur.WriteString("\n\n")
		}
		cur.WriteString(block)
	})
	flush()

	if len(chunks) == 0 {
		return textChunks(doc.Find("body").Text()), nil
	}
	return chunks, nil
}

func renderBlock(s *goquery.Selection) string {
	tag := goquery.NodeName(s)
	switch tag {
	case "pre":
		code := strings.Trim(s.Text(), "\n")
		if strings.TrimSpace(code) == "" {
			return ""
		}
		return "```\n" + code + "\n```"
	case "h1", "h2", "h3", "h4", "h5", "h6":
		text := collapse(s.Text())
		if text == "" {
			return ""
		}
		return strings.Repeat("#", int(tag[1]-'0')) + " " + text
	case "li":
		text := collapse(s.Text())
		if text == "" {
			return ""
		}
		return "- " + text
	default:
		return collapse(s.Text())
	}
}

// pdfChunks extracts plain text from a PDF document.
func pdfChunks(body io.Reader) ([]string, error) {
	data, err := io.ReadAll(body)
	if err != nil {
		return nil, fmt.Errorf("reading pdf: %w", err)
	}
	r, err := pdf.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, fmt.Errorf("opening pdf: %w", err)
	}
	text, err := r.GetPlainText()
	if err != nil {
		return nil, fmt.Errorf("extracting pdf text: %w", err)
	}
	raw, err := io.ReadAll(text)
	if err != nil {
		return nil, fmt.Errorf("extracting pdf text: %w", err)
	}
	return textChunks(string(raw)), nil
}

var blankLines = regexp.MustCompile(`\n\s*\n`)

// textChunks splits text on blank lines and merges paragraphs up to
// textChunkChars.
func textChunks(text string) []string {
	var chunks []string
	var cur strings.Builder
	for _, para := range blankLines.Split(text, -1) {
		p := collapse(para)
		if p == "" {
			continue
		}
		if cur.Len() > 0 && cur.Len()+len(p) > textChunkChars {
			chunks = append(chunks, cur.String())
			cur.Reset()
		}
		if cur.Len() > 0 {
			cur.WriteString("\n\n")
		}
		cur.WriteString(p)
	}
	if cur.Len() > 0 {
		chunks = append(chunks, cur.String())
	}
	return chunks
}

func collapse(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
