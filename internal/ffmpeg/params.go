package ffmpeg

// Params describes one relay worker: pull from SourceURL, push FLV to OutputURL.
type Params struct {
	SourceURL string // rtsp://camera/stream
	OutputURL string // rtmp://localhost/live/camera_<id>

	Transport string // rtsp_transport, tcp when empty
	LogLevel  string // error when empty, always emitted with the level+ prefix

	VideoCodec   string // libx264
	Preset       string // veryfast
	Tune         string // zerolatency
	VideoBitrate string // 1500k

	AudioCodec      string // aac
	AudioBitrate    string // 128k
	AudioSampleRate string // 44100

	Options []OptionType
}

// DefaultParams returns the stock relay pipeline for source and output.
func DefaultParams(source, output string) *Params {
	return &Params{
		SourceURL:       source,
		OutputURL:       output,
		Transport:       "tcp",
		LogLevel:        "error",
		VideoCodec:      "libx264",
		Preset:          "veryfast",
		Tune:            "zerolatency",
		VideoBitrate:    "1500k",
		AudioCodec:      "aac",
		AudioBitrate:    "128k",
		AudioSampleRate: "44100",
		Options:         DefaultOptions(),
	}
}
