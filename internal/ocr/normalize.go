package ocr

import (
	"regexp"
	"strings"
)

var (
	reCRLF       = regexp.MustCompile(`\r\n?`)
	reMultiBlank = regexp.MustCompile(`\n{3,}`)
)

// Normalize cleans one page of OCR markdown. Line endings become \n and runs of
// blank lines collapse to one. Indentation and trailing spaces are kept since
// markdown gives them meaning.
func Normalize(s string) string {
	if s == "" {
		return s
	}
	s = reCRLF.ReplaceAllString(s, "\n")
	s = reMultiBlank.ReplaceAllString(s, "\n\n")
	return strings.Trim(s, "\n")
}
