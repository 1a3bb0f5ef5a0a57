package ffmpeg

import (
	"fmt"
	"strings"
)

// URLs are the playback endpoints published for a running relay.
type URLs struct {
	RTMP string `json:"rtmp" example:"rtmp://localhost/live/camera_4f3c" doc:"RTMP ingest the worker publishes to"`
	HLS  string `json:"hls" example:"/hls/camera_4f3c/index.m3u8" doc:"HLS playlist path"`
	DASH string `json:"dash" example:"/dash/camera_4f3c/index.mpd" doc:"DASH manifest path"`
}

// StreamName is the media server path name used for stream id.
func StreamName(id string) string {
	return "camera_" + id
}

// OutputURL joins the RTMP base and the stream name.
func OutputURL(rtmpBase, id string) string {
	return strings.TrimRight(rtmpBase, "/") + "/" + StreamName(id)
}

// StreamURLs returns the relay endpoints for stream id.
func StreamURLs(rtmpBase, id string) URLs {
	name := StreamName(id)
	return URLs{
		RTMP: OutputURL(rtmpBase, id),
		HLS:  fmt.Sprintf("/hls/%s/index.m3u8", name),
		DASH: fmt.Sprintf("/dash/%s/index.mpd", name),
	}
}
