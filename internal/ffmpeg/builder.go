package ffmpeg

import (
	"slices"
	"strings"
)

// Binary is the executable name workers are launched with.
const Binary = "ffmpeg"

// BuildArgs builds the argument vector for a relay worker.
func BuildArgs(p *Params) []string {
	var args []string

	for _, o := range AllOptions {
		if o.beforeInput && o.Key != OptionRealtime && slices.Contains(p.Options, o.Key) {
			args = append(args, o.args...)
		}
	}

	// level+ prefixes every line with [level] for ParseLogLevel
	args = append(args, "-loglevel", "level+"+valueOr(p.LogLevel, "error"))

	args = append(args, "-rtsp_transport", valueOr(p.Transport, "tcp"))
	if slices.Contains(p.Options, OptionRealtime) {
		args = append(args, "-re")
	}
	args = append(args, "-i", p.SourceURL)

	args = appendFlag(args, "-c:v", p.VideoCodec)
	args = appendFlag(args, "-preset", p.Preset)
	args = appendFlag(args, "-tune", p.Tune)
	args = appendFlag(args, "-b:v", p.VideoBitrate)
	args = appendFlag(args, "-c:a", p.AudioCodec)
	args = appendFlag(args, "-b:a", p.AudioBitrate)
	args = appendFlag(args, "-ar", p.AudioSampleRate)

	for _, o := range AllOptions {
		if !o.beforeInput && slices.Contains(p.Options, o.Key) {
			args = append(args, o.args...)
		}
	}

	return append(args, "-f", "flv", p.OutputURL)
}

// CommandLine renders binary and args as a single shell-style string for logs.
func CommandLine(binary string, args []string) string {
	parts := make([]string, 0, len(args)+1)
	parts = append(parts, binary)
	for _, a := range args {
		if a == "" || strings.ContainsAny(a, " \t\"'") {
			a = "'" + strings.ReplaceAll(a, "'", `'\''`) + "'"
		}
		parts = append(parts, a)
	}
	return strings.Join(parts, " ")
}

func appendFlag(args []string, flag, value string) []string {
	if value == "" {
		return args
	}
	return append(args, flag, value)
}

func valueOr(v, def string) string {
	if v == "" {
		return def
	}
	return v
}
