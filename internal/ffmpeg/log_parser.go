package ffmpeg

import "strings"

// ffmpeg prints a parent and an item context before the level tag.
const maxLogContexts = 2

// ParseLogLevel splits a line printed under -loglevel level+<lvl> into its
// level and message, e.g. "[in#0/rtsp @ 0x55d0] [error] 404 Not Found" or
// "[vist#0:0/h264 @ 0x1] [dec:h264 @ 0x2] [warning] ...". The level tag is
// removed, context prefixes are kept. Untagged lines are info.
func ParseLogLevel(line string) (level, msg string) {
	line = strings.TrimRight(line, "\r")

	rest, prefix := line, 0
	for range maxLogContexts + 1 {
		tag, after, ok := leadingTag(rest)
		if !ok {
			break
		}
		if isLogLevel(tag) {
			return tag, line[:prefix] + after
		}
		prefix += len(rest) - len(after)
		rest = after
	}
	return "info", line
}

// leadingTag cuts a "[tag] " prefix off s.
func leadingTag(s string) (tag, rest string, ok bool) {
	if len(s) < 3 || s[0] != '[' {
		return "", s, false
	}
	end := strings.Index(s, "] ")
	if end == -1 {
		return "", s, false
	}
	return s[1:end], s[end+2:], true
}

func isLogLevel(s string) bool {
	switch s {
	case "quiet", "panic", "fatal", "error", "warning", "info", "verbose", "debug", "trace":
		return true
	}
	return false
}
