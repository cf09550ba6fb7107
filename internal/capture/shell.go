package capture

import (
	"fmt"
	"strconv"
	"strings"
	"unicode/utf8"
)

// splitShell splits a bash-style command line into words. It understands
// single quotes, double quotes, ANSI-C $'..' quoting, backslash escapes and
// line continuations, which covers what browsers emit for "Copy as cURL".
func splitShell(s string) ([]string, error) {
	var (
		words  []string
		cur    strings.Builder
		inWord bool
		i      int
		runes  = []rune(s)
		n      = len(runes)
		flush  = func() {
			if inWord {
				words = append(words, cur.String())
				cur.Reset()
				inWord = false
			}
		}
	)

	for i < n {
		r := runes[i]
		switch {
		case r == ' ' || r == '\t' || r == '\n' || r == '\r':
			flush()
			i++

		case r == '\\':
			// Continuation: backslash followed by a newline joins lines.
			if i+1 < n && (runes[i+1] == '\n' || runes[i+1] == '\r') {
				i += 2
				if i < n && runes[i-1] == '\r' && runes[i] == '\n' {
					i++
				}
				continue
			}
			if i+1 < n {
				cur.WriteRune(runes[i+1])
				inWord = true
				i += 2
				continue
			}
			i++

		case r == '\'':
			end := indexRune(runes, i+1, '\'')
			if end < 0 {
				return nil, fmt.Errorf("unterminated single quote at offset %d", i)
			}
			cur.WriteString(string(runes[i+1 : end]))
			inWord = true
			i = end + 1

		case r == '$' && i+1 < n && runes[i+1] == '\'':
			text, next, err := readANSIC(runes, i+2)
			if err != nil {
				return nil, err
			}
			cur.WriteString(text)
			inWord = true
			i = next

		case r == '"':
			i++
			closed := false
			for i < n {
				c := runes[i]
				if c == '"' {
					closed = true
					i++
					break
				}
				if c == '\\' && i+1 < n {
					switch runes[i+1] {
					case '"', '\\', '$', '`':
						cur.WriteRune(runes[i+1])
						i += 2
						continue
					case '\n':
						i += 2
						continue
					}
				}
				cur.WriteRune(c)
				i++
			}
			if !closed {
				return nil, fmt.Errorf("unterminated double quote")
			}
			inWord = true

		default:
			cur.WriteRune(r)
			inWord = true
			i++
		}
	}
	flush()
	return words, nil
}

func indexRune(runes []rune, from int, target rune) int {
	for j := from; j < len(runes); j++ {
		if runes[j] == target {
			return j
		}
	}
	return -1
}

// readANSIC decodes the body of a $'...' word starting right after the
// opening quote. It returns the decoded text and the index after the closing
// quote.
func readANSIC(runes []rune, i int) (string, int, error) {
	var b strings.Builder
	n := len(runes)
	for i < n {
		c := runes[i]
		if c == '\'' {
			return b.String(), i + 1, nil
		}
		if c != '\\' || i+1 >= n {
			b.WriteRune(c)
			i++
			continue
		}
		esc := runes[i+1]
		i += 2
		switch esc {
		case 'n':
			b.WriteByte('\n')
		case 't':
			b.WriteByte('\t')
		case 'r':
			b.WriteByte('\r')
		case 'a':
			b.WriteByte('\a')
		case 'b':
			b.WriteByte('\b')
		case 'e', 'E':
			b.WriteByte(0x1b)
		case 'f':
			b.WriteByte('\f')
		case 'v':
			b.WriteByte('\v')
		case '\\', '\'', '"', '?':
			b.WriteRune(esc)
		case 'x', 'u', 'U':
			width := map[rune]int{'x': 2, 'u': 4, 'U': 8}[esc]
			j := i
			for j < n && j-i < width && isHex(runes[j]) {
				j++
			}
			if j == i {
				b.WriteRune('\\')
				b.WriteRune(esc)
				continue
			}
			v, err := strconv.ParseUint(string(runes[i:j]), 16, 32)
			if err != nil {
				return "", 0, fmt.Errorf("bad escape in $'..': %w", err)
			}
			if esc == 'x' {
				b.WriteByte(byte(v))
			} else if utf8.ValidRune(rune(v)) {
				b.WriteRune(rune(v))
			}
			i = j
		default:
			if esc >= '0' && esc <= '7' {
				j := i - 1
				for j < n && j-(i-1) < 3 && runes[j] >= '0' && runes[j] <= '7' {
					j++
				}
				v, _ := strconv.ParseUint(string(runes[i-1:j]), 8, 8)
				b.WriteByte(byte(v))
				i = j
				continue
			}
			b.WriteRune('\\')
			b.WriteRune(esc)
		}
	}
	return "", 0, fmt.Errorf("unterminated $'' quote")
}

func isHex(r rune) bool {
	return (r >= '0' && r <= '9') || (r >= 'a' && r <= 'f') || (r >= 'A' && r <= 'F')
}

// quoteShell wraps s in single quotes, escaping embedded single quotes the
// way bash expects.
func quoteShell(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
