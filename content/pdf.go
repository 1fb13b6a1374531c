// CLAUDE:SUMMARY PDF text extraction via pdfcpu content streams, used for filing documents.
package content

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"regexp"
	"strings"
	"unicode"

	"github.com/pdfcpu/pdfcpu/pkg/api"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu/model"
)

// ErrNoText is returned for documents without extractable text.
var ErrNoText = errors.New("content: no text in document")

// extractPDF returns the page texts joined, cut to maxLen runes. The title
// is the start of the first page with text.
func extractPDF(body []byte, maxLen int) (*Extracted, error) {
	ctx, err := api.ReadValidateAndOptimize(bytes.NewReader(body), model.NewDefaultConfiguration())
	if err != nil {
		return nil, fmt.Errorf("content: pdf read: %w", err)
	}
	var pages []string
	for nr := 1; nr <= ctx.PageCount; nr++ {
		r, err := pdfcpu.ExtractPageContent(ctx, nr)
		if err != nil || r == nil {
			continue
		}
		data, err := io.ReadAll(r)
		if err != nil {
			continue
		}
		if t := streamText(data); t != "" {
			pages = append(pages, t)
		}
		if maxLen > 0 && len(strings.Join(pages, " ")) > maxLen*4 {
			break
		}
	}
	if len(pages) == 0 {
		return nil, ErrNoText
	}
	text := truncateRunes(strings.Join(pages, "\n"), maxLen)
	return &Extracted{Title: truncateRunes(pages[0], 120), Text: text, Markdown: text}, nil
}

var pdfString = regexp.MustCompile(`\(((?:\\.|[^\\)])*)\)`)

// streamText reads the string operands of Tj, TJ and ' operators. Td, TD
// and T* become spaces.
func streamText(data []byte) string {
	var sb strings.Builder
	for _, line := range bytes.Split(data, []byte{'\n'}) {
		line = bytes.TrimSpace(line)
		switch {
		case bytes.HasSuffix(line, []byte("Tj")), bytes.HasSuffix(line, []byte("TJ")), bytes.HasSuffix(line, []byte("'")):
			for _, m := range pdfString.FindAllSubmatch(line, -1) {
				sb.WriteString(unescapePDF(m[1]))
			}
		case bytes.HasSuffix(line, []byte("Td")), bytes.HasSuffix(line, []byte("TD")), bytes.Equal(line, []byte("T*")):
			sb.WriteByte(' ')
		}
	}
	return cleanText(sb.String())
}

func unescapePDF(raw []byte) string {
	var sb strings.Builder
	for i := 0; i < len(raw); i++ {
		c := raw[i]
		if c != '\\' || i+1 >= len(raw) {
			sb.WriteByte(c)
			continue
		}
		i++
		switch e := raw[i]; e {
		case 'n':
			sb.WriteByte('\n')
		case 'r', 't':
			sb.WriteByte(' ')
		case '0', '1', '2', '3', '4', '5', '6', '7':
			v := int(e - '0')
			for k := 0; k < 2 && i+1 < len(raw) && raw[i+1] >= '0' && raw[i+1] <= '7'; k++ {
				i++
				v = v*8 + int(raw[i]-'0')
			}
			sb.WriteByte(byte(v))
		default:
			sb.WriteByte(e)
		}
	}
	return sb.String()
}

func cleanText(s string) string {
	var sb strings.Builder
	space := false
	for _, r := range s {
		switch {
		case unicode.IsSpace(r):
			if !space && sb.Len() > 0 {
				sb.WriteByte(' ')
				space = true
			}
		case unicode.IsPrint(r):
			sb.WriteRune(r)
			space = false
		}
	}
	return strings.TrimSpace(sb.String())
}
