package ffmpeg

import (
	"slices"
	"testing"
)

func TestBuildArgsDefaultPipeline(t *testing.T) {
	args := BuildArgs(DefaultParams("rtsp://10.0.0.5:554/stream1", "rtmp://localhost/live/camera_abc"))

	want := []string{
		"-xerror", "-fflags", "nobuffer", "-nostats",
		"-loglevel", "level+error",
		"-rtsp_transport", "tcp", "-re",
		"-i", "rtsp://10.0.0.5:554/stream1",
		"-c:v", "libx264", "-preset", "veryfast", "-tune", "zerolatency", "-b:v", "1500k",
		"-c:a", "aac", "-b:a", "128k", "-ar", "44100",
		"-c", "copy",
		"-f", "flv", "rtmp://localhost/live/camera_abc",
	}
	if !slices.Equal(args, want) {
		t.Errorf("BuildArgs() =\n%v\nwant\n%v", args, want)
	}
}

func TestBuildArgsWithoutOptions(t *testing.T) {
	p := DefaultParams("rtsp://cam/1", "rtmp://out/camera_1")
	p.Options = nil
	p.AudioCodec = ""

	args := BuildArgs(p)
	for _, flag := range []string{"-xerror", "-re", "-nostats", "-c:a", "copy"} {
		if slices.Contains(args, flag) {
			t.Errorf("args contain %q without the option enabled: %v", flag, args)
		}
	}
	if args[len(args)-1] != "rtmp://out/camera_1" {
		t.Errorf("output URL must be last, got %v", args)
	}
}

func TestCommandLineQuotes(t *testing.T) {
	got := CommandLine("ffmpeg", []string{"-i", "rtsp://cam/a b", "-f", "flv"})
	want := "ffmpeg -i 'rtsp://cam/a b' -f flv"
	if got != want {
		t.Errorf("CommandLine() = %q, want %q", got, want)
	}
}

func TestStreamURLs(t *testing.T) {
	urls := StreamURLs("rtmp://localhost/live/", "abc")

	if urls.RTMP != "rtmp://localhost/live/camera_abc" {
		t.Errorf("RTMP = %q", urls.RTMP)
	}
	if urls.HLS != "/hls/camera_abc/index.m3u8" {
		t.Errorf("HLS = %q", urls.HLS)
	}
	if urls.DASH != "/dash/camera_abc/index.mpd" {
		t.Errorf("DASH = %q", urls.DASH)
	}
}

func TestLookupOption(t *testing.T) {
	opt, ok := LookupOption(OptionExitOnError)
	if !ok || !opt.AppDefault {
		t.Errorf("LookupOption(%q) = %+v, %v", OptionExitOnError, opt, ok)
	}
	if _, ok := LookupOption("bogus"); ok {
		t.Error("LookupOption accepted an unknown key")
	}
}

func TestParseLogLevel(t *testing.T) {
	tests := []struct {
		line      string
		wantLevel string
		wantMsg   string
	}{
		{"[error] Connection refused", "error", "Connection refused"},
		{"[warning] Non-monotonous DTS", "warning", "Non-monotonous DTS"},
		{"[rtsp @ 0x55d0] [error] method DESCRIBE failed: 404 Not Found", "error", "[rtsp @ 0x55d0] method DESCRIBE failed: 404 Not Found"},
		{"[flv @ 0x1] not a level", "info", "[flv @ 0x1] not a level"},
		{"[vist#0:0/h264 @ 0x1] [dec:h264 @ 0x2] [warning] corrupt decoded frame", "warning", "[vist#0:0/h264 @ 0x1] [dec:h264 @ 0x2] corrupt decoded frame"},
		{"[a @ 0x1] [b @ 0x2] [c @ 0x3] [error] too deep", "info", "[a @ 0x1] [b @ 0x2] [c @ 0x3] [error] too deep"},
		{"[fatal] Conversion failed!\r", "fatal", "Conversion failed!"},
		{"[error]", "info", "[error]"},
		{"plain output", "info", "plain output"},
		{"[]", "info", "[]"},
		{"", "info", ""},
	}

	for _, tt := range tests {
		t.Run(tt.line, func(t *testing.T) {
			level, msg := ParseLogLevel(tt.line)
			if level != tt.wantLevel || msg != tt.wantMsg {
				t.Errorf("ParseLogLevel(%q) = (%q, %q), want (%q, %q)", tt.line, level, msg, tt.wantLevel, tt.wantMsg)
			}
		})
	}
}
