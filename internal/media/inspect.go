package media

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
)

// StreamReport is the parsed output of ffprobe.
type StreamReport struct {
	Streams []Stream `json:"streams"`
	Format  Format   `json:"format"`
}

// Stream describes a single stream in the container.
type Stream struct {
	Index      int    `json:"index"`
	CodecName  string `json:"codec_name"`
	CodecType  string `json:"codec_type"`
	Width      int    `json:"width"`
	Height     int    `json:"height"`
	PixFmt     string `json:"pix_fmt"`
	RFrameRate string `json:"r_frame_rate"`
	SampleRate string `json:"sample_rate"`
	Channels   int    `json:"channels"`
	Duration   string `json:"duration"`
}

// Format captures container-level metadata.
type Format struct {
	Filename   string `json:"filename"`
	Duration   string `json:"duration"`
	Size       string `json:"size"`
	FormatName string `json:"format_name"`
}

// Profile is the set of encoding parameters that must match for stream-copy
// concatenation.
type Profile struct {
	VideoCodec string  `json:"video_codec"`
	Width      int     `json:"width"`
	Height     int     `json:"height"`
	PixFmt     string  `json:"pix_fmt"`
	FrameRate  float64 `json:"frame_rate"`
	AudioCodec string  `json:"audio_codec,omitempty"`
	SampleRate int     `json:"sample_rate,omitempty"`
	Channels   int     `json:"channels,omitempty"`
}

// HasAudio reports whether the profile carries an audio stream.
func (p Profile) HasAudio() bool {
	return p.AudioCodec != ""
}

// Compatible reports whether b can be concatenated after a without re-encoding.
func (p Profile) Compatible(b Profile) bool {
	return p.VideoCodec == b.VideoCodec &&
		p.Width == b.Width &&
		p.Height == b.Height &&
		p.PixFmt == b.PixFmt &&
		math.Abs(p.FrameRate-b.FrameRate) < 0.01 &&
		p.AudioCodec == b.AudioCodec &&
		p.SampleRate == b.SampleRate &&
		p.Channels == b.Channels
}

// Info is what the assembler needs to know about one input file.
type Info struct {
	Path     string
	Profile  Profile
	Duration float64
}

// Info derives the encoding profile from the first video and audio streams.
func (r StreamReport) Info(path string) (Info, error) {
	info := Info{Path: path, Duration: parseFloat(r.Format.Duration)}
	var video, audio *Stream
	for i := range r.Streams {
		s := &r.Streams[i]
		switch strings.ToLower(s.CodecType) {
		case "video":
			if video == nil {
				video = s
			}
		case "audio":
			if audio == nil {
				audio = s
			}
		}
	}
	if video == nil {
		return Info{}, fmt.Errorf("%s: no video stream", path)
	}

	info.Profile = Profile{
		VideoCodec: video.CodecName,
		Width:      video.Width,
		Height:     video.Height,
		PixFmt:     video.PixFmt,
		FrameRate:  parseRate(video.RFrameRate),
	}
	if audio != nil {
		info.Profile.AudioCodec = audio.CodecName
		info.Profile.SampleRate = int(parseFloat(audio.SampleRate))
		info.Profile.Channels = audio.Channels
	}
	if math.IsNaN(info.Duration) {
		info.Duration = 0
	}
	return info, nil
}

// Inspect runs ffprobe on path.
func (f *FFmpeg) Inspect(ctx context.Context, path string) (Info, error) {
	if strings.TrimSpace(path) == "" {
		return Info{}, errors.New("ffprobe: empty path")
	}
	output, err := f.run(ctx, f.ffprobePath, "-v", "error", "-hide_banner", "-show_format", "-show_streams", "-of", "json", "--", path)
	if err != nil {
		return Info{}, fmt.Errorf("ffprobe %s: %w", path, err)
	}

	var result StreamReport
	if err := json.Unmarshal(output, &result); err != nil {
		return Info{}, fmt.Errorf("ffprobe parse: %w", err)
	}
	return result.Info(path)
}

// AudioDuration returns the length in seconds of a media file from its
// container metadata. Unlike Inspect it accepts audio-only files.
func (f *FFmpeg) AudioDuration(ctx context.Context, path string) (float64, error) {
	if strings.TrimSpace(path) == "" {
		return 0, errors.New("ffprobe: empty path")
	}
	output, err := f.run(ctx, f.ffprobePath, "-v", "error", "-hide_banner", "-show_format", "-of", "json", "--", path)
	if err != nil {
		return 0, fmt.Errorf("ffprobe %s: %w", path, err)
	}

	var result StreamReport
	if err := json.Unmarshal(output, &result); err != nil {
		return 0, fmt.Errorf("ffprobe parse: %w", err)
	}
	d := parseFloat(result.Format.Duration)
	if math.IsNaN(d) || d <= 0 {
		return 0, fmt.Errorf("ffprobe %s: no duration", path)
	}
	return d, nil
}

func parseFloat(value string) float64 {
	cleaned := strings.TrimSpace(value)
	if cleaned == "" {
		return 0
	}
	if parsed, err := strconv.ParseFloat(cleaned, 64); err == nil {
		return parsed
	}
	return math.NaN()
}

// parseRate reads ffprobe rationals such as "30000/1001".
func parseRate(value string) float64 {
	num, den, ok := strings.Cut(strings.TrimSpace(value), "/")
	if !ok {
		v := parseFloat(num)
		if math.IsNaN(v) {
			return 0
		}
		return v
	}
	n, d := parseFloat(num), parseFloat(den)
	if math.IsNaN(n) || math.IsNaN(d) || d == 0 {
		return 0
	}
	return n / d
}
