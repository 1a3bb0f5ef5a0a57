package ffmpeg

// OptionType represents a strongly typed FFmpeg behavior flag.
type OptionType string

// Relay behavior flags.
const (
	OptionExitOnError OptionType = "exit_on_error" // -xerror
	OptionNoBuffer    OptionType = "no_buffer"     // -fflags nobuffer
	OptionNoStats     OptionType = "no_stats"      // -nostats
	OptionRealtime    OptionType = "realtime"      // -re
	OptionStreamCopy  OptionType = "stream_copy"   // -c copy
)

// Option describes a behavior flag.
type Option struct {
	Key         OptionType `json:"key"`
	Name        string     `json:"name"`
	Description string     `json:"description"`
	AppDefault  bool       `json:"app_default"`
	args        []string
	beforeInput bool
}

// AllOptions lists every supported flag in command line order.
var AllOptions = []Option{
	{
		Key:         OptionExitOnError,
		Name:        "Exit On Error",
		Description: "Abort on the first decode error so the supervisor sees a crash",
		AppDefault:  true,
		args:        []string{"-xerror"},
		beforeInput: true,
	},
	{
		Key:         OptionNoBuffer,
		Name:        "No Input Buffer",
		Description: "Reduce latency by not buffering the source",
		AppDefault:  true,
		args:        []string{"-fflags", "nobuffer"},
		beforeInput: true,
	},
	{
		Key:         OptionNoStats,
		Name:        "No Stats",
		Description: "Suppress the periodic progress line on stderr",
		AppDefault:  true,
		args:        []string{"-nostats"},
		beforeInput: true,
	},
	{
		Key:         OptionRealtime,
		Name:        "Native Rate",
		Description: "Read the source at its native frame rate",
		AppDefault:  true,
		args:        []string{"-re"},
		beforeInput: true,
	},
	{
		Key:         OptionStreamCopy,
		Name:        "Stream Copy",
		Description: "Pass source packets through without re-encoding",
		AppDefault:  true,
		args:        []string{"-c", "copy"},
	},
}

// DefaultOptions returns the flags enabled by default.
func DefaultOptions() []OptionType {
	var opts []OptionType
	for _, o := range AllOptions {
		if o.AppDefault {
			opts = append(opts, o.Key)
		}
	}
	return opts
}

// LookupOption returns the option metadata for key.
func LookupOption(key OptionType) (Option, bool) {
	for _, o := range AllOptions {
		if o.Key == key {
			return o, true
		}
	}
	return Option{}, false
}
