package parser

import (
	"strconv"
	"strings"

	"github.com/grafana/regexp"
)

// attrPattern matches one NAME=VALUE pair of an attribute list, the value
// either quoted or running up to the next comma.
var attrPattern = regexp.MustCompile(`([A-Z0-9-]+)=("[^"]*"|[^,]*)`)

// attributes splits an attribute list into a map with quotes removed.
func attributes(list string) map[string]string {
	out := make(map[string]string)
	for _, m := range attrPattern.FindAllStringSubmatch(list, -1) {
		out[m[1]] = strings.Trim(m[2], `"`)
	}
	return out
}

// first returns the first non-empty value among several spellings of a key.
func first(attrs map[string]string, keys ...string) string {
	for _, k := range keys {
		if v, ok := attrs[k]; ok && v != "" {
			return v
		}
	}
	return ""
}

// tagValue returns what follows "TAG:" on line.
func tagValue(line, tag string) string {
	return strings.TrimSpace(strings.TrimPrefix(line, tag+":"))
}

func parseInt(s string) (int, error) {
	return strconv.Atoi(strings.TrimSpace(s))
}

func parseFloat(s string) (float64, error) {
	return strconv.ParseFloat(strings.TrimSpace(s), 64)
}

// parseHex128 decodes a 0x-prefixed hexadecimal value into 16 bytes,
// right aligned.
func parseHex128(s string) ([16]byte, bool) {
	var out [16]byte
	s = strings.TrimPrefix(strings.TrimPrefix(s, "0x"), "0X")
	if s == "" || len(s) > 32 {
		return out, false
	}
	if len(s)%2 == 1 {
		s = "0" + s
	}
	off := 16 - len(s)/2
	for i := 0; i < len(s); i += 2 {
		b, err := strconv.ParseUint(s[i:i+2], 16, 8)
		if err != nil {
			return out, false
		}
		out[off+i/2] = byte(b)
	}
	return out, true
}
