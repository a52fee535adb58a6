// Package clientquery speaks the TeamSpeak ClientQuery protocol: a
// line-oriented control connection multiplexing command responses and
// asynchronous notifications over one TCP stream.
package clientquery

import "strings"

var escaper = strings.NewReplacer(
	`\`, `\\`,
	`/`, `\/`,
	" ", `\s`,
	"|", `\p`,
	"\a", `\a`,
	"\b", `\b`,
	"\f", `\f`,
	"\n", `\n`,
	"\r", `\r`,
	"\t", `\t`,
	"\v", `\v`,
)

// Escape encodes a value for use inside a ClientQuery command line.
func Escape(s string) string {
	return escaper.Replace(s)
}

// Unescape decodes a ClientQuery-escaped value. Unknown escape sequences
// pass the escaped character through verbatim, matching client behavior.
func Unescape(s string) string {
	if !strings.ContainsRune(s, '\\') {
		return s
	}
	var b strings.Builder
	b.Grow(len(s))
	for i := 0; i < len(s); i++ {
		c := s[i]
		if c != '\\' || i+1 >= len(s) {
			b.WriteByte(c)
			continue
		}
		i++
		switch s[i] {
		case 's':
			b.WriteByte(' ')
		case 'p':
			b.WriteByte('|')
		case 'a':
			b.WriteByte('\a')
		case 'b':
			b.WriteByte('\b')
		case 'f':
			b.WriteByte('\f')
		case 'n':
			b.WriteByte('\n')
		case 'r':
			b.WriteByte('\r')
		case 't':
			b.WriteByte('\t')
		case 'v':
			b.WriteByte('\v')
		default:
			b.WriteByte(s[i])
		}
	}
	return b.String()
}

// ParseKV splits a line of space-separated key=value pairs into a map,
// unescaping values. Bare words without '=' are recorded with an empty
// value so flag-style tokens stay visible.
func ParseKV(line string) map[string]string {
	out := make(map[string]string)
	for _, tok := range strings.Fields(line) {
		key, val, found := strings.Cut(tok, "=")
		if !found {
			out[tok] = ""
			continue
		}
		out[key] = Unescape(val)
	}
	return out
}

// ParseRecords splits a pipe-separated multi-record line into one map per
// record. Empty blocks are skipped.
func ParseRecords(line string) []map[string]string {
	blocks := strings.Split(line, "|")
	out := make([]map[string]string, 0, len(blocks))
	for _, block := range blocks {
		if strings.TrimSpace(block) == "" {
			continue
		}
		out = append(out, ParseKV(block))
	}
	return out
}
