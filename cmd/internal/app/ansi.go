package app

import (
	"log/slog"
	"regexp"
	"strconv"
	"strings"
	"unicode/utf8"
)

const (
	ansiReset   = "\x1b[0m"
	ansiBright  = "\x1b[1m"
	ansiDim     = "\x1b[2m"
	ansiRed     = "\x1b[31m"
	ansiGreen   = "\x1b[32m"
	ansiYellow  = "\x1b[33m"
	ansiBlue    = "\x1b[34m"
	ansiMagenta = "\x1b[35m"
	ansiCyan    = "\x1b[36m"
)

var ansiPattern = regexp.MustCompile(`\x1b\[[0-9;]*m`)

func stripANSI(s string) string {
	if !strings.Contains(s, "\x1b[") {
		return s
	}
	return ansiPattern.ReplaceAllString(s, "")
}

// visualLen is the number of printed runes in s.
func visualLen(s string) int {
	return utf8.RuneCountInString(stripANSI(s))
}

func paint(s, code string, color bool) string {
	if !color || code == "" {
		return s
	}
	return code + s + ansiReset
}

func colorizeHTTPMethod(method string, color bool) string {
	var code string
	switch method {
	case "GET", "HEAD":
		code = ansiGreen
	case "POST":
		code = ansiCyan
	case "PUT", "PATCH":
		code = ansiYellow
	case "DELETE":
		code = ansiRed
	default:
		code = ansiMagenta
	}
	return paint(method, code, color)
}

func classColor(class string) string {
	switch {
	case strings.HasPrefix(class, "2"):
		return ansiGreen
	case strings.HasPrefix(class, "3"):
		return ansiCyan
	case strings.HasPrefix(class, "4"):
		return ansiYellow
	case strings.HasPrefix(class, "5"):
		return ansiRed
	default:
		return ""
	}
}

func colorizeStatusCode(status int, color bool) string {
	s := strconv.Itoa(status)
	return paint(s, classColor(s), color)
}

func colorizeStatusClass(class string, color bool) string {
	return paint(class, classColor(class), color)
}

func colorizeDurationMS(ms int64, color bool) string {
	s := strconv.FormatInt(ms, 10) + "ms"
	switch {
	case ms >= 1000:
		return paint(s, ansiRed, color)
	case ms >= 250:
		return paint(s, ansiYellow, color)
	default:
		return paint(s, ansiGreen, color)
	}
}

func colorizeResult(result string, color bool) string {
	switch result {
	case "success":
		return paint(result, ansiGreen, color)
	case "redirect":
		return paint(result, ansiCyan, color)
	case "client_error":
		return paint(result, ansiYellow, color)
	case "server_error":
		return paint(result, ansiRed, color)
	default:
		return result
	}
}

func valueToInt64(v slog.Value) (int64, bool) {
	switch v.Kind() {
	case slog.KindInt64:
		return v.Int64(), true
	case slog.KindUint64:
		return int64(v.Uint64()), true
	case slog.KindFloat64:
		return int64(v.Float64()), true
	case slog.KindString:
		n, err := strconv.ParseInt(strings.TrimSpace(v.String()), 10, 64)
		return n, err == nil
	default:
		return 0, false
	}
}
