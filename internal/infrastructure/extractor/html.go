package extractor

import (
	"bytes"
	"fmt"
	"strings"

	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"

	"github.com/kirillkom/lexrag/internal/core/domain"
)

// htmlText keeps visible text and turns block elements into paragraph breaks
// so the chunker still sees the document structure.
func htmlText(content []byte) (string, error) {
	root, err := html.Parse(bytes.NewReader(content))
	if err != nil {
		return "", domain.WrapError(domain.ErrInvalidInput, "extract html", fmt.Errorf("parse html: %w", err))
	}

	var b strings.Builder
	atLineStart, pendingSpace := true, false
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		switch n.Type {
		case html.ElementNode:
			switch n.DataAtom {
			case atom.Script, atom.Style, atom.Noscript, atom.Head, atom.Nav, atom.Footer:
				return
			case atom.Br:
				b.WriteString("\n")
				atLineStart, pendingSpace = true, false
				return
			}
		case html.TextNode:
			text := strings.Join(strings.Fields(n.Data), " ")
			if text == "" {
				pendingSpace = pendingSpace || n.Data != ""
				break
			}
			if startsWithSpace(n.Data) {
				pendingSpace = true
			}
			if pendingSpace && !atLineStart {
				b.WriteString(" ")
			}
			b.WriteString(text)
			atLineStart, pendingSpace = false, endsWithSpace(n.Data)
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
		if n.Type == html.ElementNode && isBlock(n.DataAtom) {
			b.WriteString("\n\n")
			atLineStart, pendingSpace = true, false
		}
	}
	walk(root)

	return collapseBlankLines(b.String()), nil
}

func startsWithSpace(s string) bool {
	return s != "" && strings.TrimLeft(s, " \t\r\n") != s
}

func endsWithSpace(s string) bool {
	return s != "" && strings.TrimRight(s, " \t\r\n") != s
}

func isBlock(a atom.Atom) bool {
	switch a {
	case atom.P, atom.Div, atom.Section, atom.Article, atom.Li, atom.Tr, atom.Table,
		atom.H1, atom.H2, atom.H3, atom.H4, atom.H5, atom.H6, atom.Blockquote, atom.Pre:
		return true
	default:
		return false
	}
}

func collapseBlankLines(text string) string {
	lines := strings.Split(text, "\n")
	out := make([]string, 0, len(lines))
	blank := false
	for _, line := range lines {
		line = strings.TrimSpace(line)
		if line == "" {
			if !blank && len(out) > 0 {
				out = append(out, "")
			}
			blank = true
			continue
		}
		out = append(out, line)
		blank = false
	}
	return strings.TrimSpace(strings.Join(out, "\n"))
}
