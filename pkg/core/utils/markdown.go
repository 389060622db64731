package utils

import (
	"bytes"
	"fmt"
	"html"
	"strings"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/extension"
	extast "github.com/yuin/goldmark/extension/ast"
	"github.com/yuin/goldmark/text"
)

var markdown = goldmark.New(goldmark.WithExtensions(extension.Table))

// MarkdownTable writes a GFM table. Pipes inside cells become "/" and rows
// shorter than the header are padded.
func MarkdownTable(header []string, rows [][]string) string {
	if len(header) == 0 {
		return ""
	}
	var b strings.Builder
	writeRow := func(cells []string) {
		b.WriteString("|")
		for i := range header {
			c := ""
			if i < len(cells) {
				c = strings.ReplaceAll(strings.TrimSpace(cells[i]), "|", "/")
			}
			b.WriteString(" " + c + " |")
		}
		b.WriteString("\n")
	}
	writeRow(header)
	b.WriteString("|" + strings.Repeat("---|", len(header)) + "\n")
	for _, r := range rows {
		writeRow(r)
	}
	return b.String()
}

// CountTables returns how many tables goldmark finds in the document.
func CountTables(input string) int {
	doc := markdown.Parser().Parse(text.NewReader([]byte(input)))
	n := 0
	for c := doc.FirstChild(); c != nil; c = c.NextSibling() {
		if c.Kind() == extast.KindTable {
			n++
		}
	}
	return n
}

// RenderHTML converts Markdown (with GFM tables) to a standalone HTML page.
func RenderHTML(title, input string) (string, error) {
	var body bytes.Buffer
	if err := markdown.Convert([]byte(strings.TrimSpace(input)), &body); err != nil {
		return "", fmt.Errorf("failed to render markdown: %w", err)
	}

	var page strings.Builder
	page.WriteString("<!DOCTYPE html>\n<html lang=\"pt-BR\">\n<head>\n<meta charset=\"utf-8\">\n")
	fmt.Fprintf(&page, "<title>%s</title>\n", html.EscapeString(title))
	page.WriteString("<style>body{font-family:sans-serif;max-width:60em;margin:2em auto}" +
		"table{border-collapse:collapse}td,th{border:1px solid #ccc;padding:.3em .6em}" +
		"td{text-align:right}</style>\n</head>\n<body>\n")
	page.Write(body.Bytes())
	page.WriteString("</body>\n</html>\n")
	return page.String(), nil
}
