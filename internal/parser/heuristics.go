package parser

import "strings"

// braceScanner tracks brace depth across lines of C-family source, skipping
// string literals and comments. Template literals and raw strings spanning
// lines are not tracked.
type braceScanner struct {
	inBlockComment bool
}

// delta returns the net change in brace depth contributed by line.
func (s *braceScanner) delta(line string) (open, close int) {
	var quote byte
	for i := 0; i < len(line); i++ {
		c := line[i]
		if s.inBlockComment {
			if c == '*' && i+1 < len(line) && line[i+1] == '/' {
				s.inBlockComment = false
				i++
			}
			continue
		}
		if quote != 0 {
			if c == '\\' {
				i++
				continue
			}
			if c == quote {
				quote = 0
			}
			continue
		}
		switch c {
		case '"', '\'', '`':
			quote = c
		case '/':
			if i+1 < len(line) {
				switch line[i+1] {
				case '/':
					return open, close
				case '*':
					s.inBlockComment = true
					i++
				}
			}
		case '{':
			open++
		case '}':
			close++
		}
	}
	return open, close
}

// blockEnd returns the index of the line that closes the first brace block
// opened at or after lines[start]. If no brace opens within lookahead lines,
// or the block never closes, start (respectively the last line) is returned.
func blockEnd(lines []string, start, lookahead int) int {
	var sc braceScanner
	depth := 0
	opened := false
	for i := start; i < len(lines); i++ {
		o, c := sc.delta(lines[i])
		if o > 0 {
			opened = true
		}
		depth += o - c
		if opened && depth <= 0 {
			return i
		}
		if !opened {
			if strings.HasSuffix(strings.TrimSpace(lines[i]), ";") || i-start >= lookahead {
				return start
			}
		}
	}
	if !opened {
		return start
	}
	return len(lines) - 1
}

// memberLines yields the indexes of lines inside the block starting at start
// and ending at end whose depth relative to the block is exactly one, i.e.
// direct members of a class body.
func memberLines(lines []string, start, end int) []int {
	var sc braceScanner
	var out []int
	depth := 0
	for i := start; i <= end && i < len(lines); i++ {
		if i > start && depth == 1 {
			out = append(out, i)
		}
		o, c := sc.delta(lines[i])
		depth += o - c
	}
	return out
}

func splitLines(src []byte) []string {
	return strings.Split(strings.ReplaceAll(string(src), "\r\n", "\n"), "\n")
}

func joinLines(lines []string, start, end int) string {
	if start < 0 {
		start = 0
	}
	if end >= len(lines) {
		end = len(lines) - 1
	}
	if start > end {
		return ""
	}
	return strings.Join(lines[start:end+1], "\n")
}

// splitParams splits a parameter list on top-level commas, ignoring commas
// nested inside brackets or generics.
func splitParams(s string) []string {
	var parts []string
	depth := 0
	last := 0
	for i := 0; i < len(s); i++ {
		switch s[i] {
		case '(', '[', '{', '<':
			depth++
		case ')', ']', '}', '>':
			if depth > 0 {
				depth--
			}
		case ',':
			if depth == 0 {
				parts = append(parts, s[last:i])
				last = i + 1
			}
		}
	}
	parts = append(parts, s[last:])
	out := parts[:0]
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// stripGenerics removes a trailing <...> type argument list.
func stripGenerics(s string) string {
	if i := strings.IndexByte(s, '<'); i >= 0 {
		return strings.TrimSpace(s[:i])
	}
	return strings.TrimSpace(s)
}

var controlKeywords = map[string]bool{
	"if": true, "for": true, "while": true, "switch": true, "catch": true,
	"return": true, "function": true, "do": true, "else": true, "try": true,
	"new": true, "throw": true, "typeof": true, "await": true, "synchronized": true,
}
