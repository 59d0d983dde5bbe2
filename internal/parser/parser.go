// Package parser reads markdown highlight exports.
//
// An export groups highlights under the article they came from:
//
//	# Article title
//	Source: https://example.com/post
//
//	> first highlighted passage,
//	> possibly spanning lines
//	Note: what I thought
//
//	> second passage
//
//	---
//	# Next article
//
// A "---" line closes the current article.
package parser

import (
	"bufio"
	"io"
	"os"
	"strings"

	"github.com/conorfennell/readback/internal/domain"
)

const (
	titlePrefix  = "# "
	sourcePrefix = "Source:"
	quotePrefix  = ">"
	notePrefix   = "Note:"
	separator    = "---"
)

// ParseFile reads a file from the given path and extracts all highlights.
func ParseFile(path string) ([]domain.Highlight, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	return Parse(file)
}

type article struct {
	title string
	url   string
}

// Parse reads from an io.Reader and extracts all highlights. Highlights that
// appear before any Source line are dropped since they cannot be attributed.
func Parse(r io.Reader) ([]domain.Highlight, error) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	var (
		out     []domain.Highlight
		current article
		quote   []string
		note    []string
		inNote  bool
	)

	flush := func() {
		text := strings.TrimSpace(strings.Join(quote, "\n"))
		if text != "" && current.url != "" {
			out = append(out, domain.Highlight{
				ArticleURL:   current.url,
				ArticleTitle: current.title,
				Text:         text,
				Note:         strings.TrimSpace(strings.Join(note, "\n")),
			})
		}
		quote, note, inNote = nil, nil, false
	}

	for scanner.Scan() {
		line := strings.TrimRight(scanner.Text(), " \t")

		switch {
		case line == separator:
			flush()
			current = article{}
		case strings.HasPrefix(line, titlePrefix):
			flush()
			current = article{title: strings.TrimSpace(line[len(titlePrefix):])}
		case strings.HasPrefix(line, sourcePrefix):
			flush()
			current.url = strings.TrimSpace(line[len(sourcePrefix):])
		case strings.HasPrefix(line, quotePrefix):
			if inNote {
				flush()
			}
			quote = append(quote, strings.TrimPrefix(line[len(quotePrefix):], " "))
		case strings.HasPrefix(line, notePrefix):
			inNote = true
			note = append(note, strings.TrimSpace(line[len(notePrefix):]))
		case line == "":
			flush()
		case inNote:
			note = append(note, line)
		}
	}

	flush()

	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return out, nil
}
