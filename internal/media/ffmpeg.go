package media

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
)

// commandRunner executes a binary and returns its stdout.
type commandRunner func(ctx context.Context, name string, args ...string) ([]byte, error)

func defaultRunner(ctx context.Context, name string, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return nil, fmt.Errorf("%w: %s", err, tail(stderr.String(), 2000))
	}
	return stdout.Bytes(), nil
}

func tail(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) <= n {
		return s
	}
	return s[len(s)-n:]
}

// Config holds binary locations and the scene output format.
type Config struct {
	FFmpegPath  string
	FFprobePath string
	Width       int
	Height      int
	FPS         int
}

// FFmpeg renders, normalizes and concatenates clips with the ffmpeg CLI.
type FFmpeg struct {
	ffmpegPath  string
	ffprobePath string
	width       int
	height      int
	fps         int
	run         commandRunner
}

func NewFFmpeg(cfg Config) *FFmpeg {
	f := &FFmpeg{
		ffmpegPath:  strings.TrimSpace(cfg.FFmpegPath),
		ffprobePath: strings.TrimSpace(cfg.FFprobePath),
		width:       cfg.Width,
		height:      cfg.Height,
		fps:         cfg.FPS,
		run:         defaultRunner,
	}
	if f.ffmpegPath == "" {
		f.ffmpegPath = "ffmpeg"
	}
	if f.ffprobePath == "" {
		f.ffprobePath = "ffprobe"
	}
	if f.width <= 0 || f.height <= 0 {
		f.width, f.height = 1280, 720
	}
	if f.fps <= 0 {
		f.fps = 30
	}
	return f
}

// SceneSpec describes one scene clip.
type SceneSpec struct {
	// Background is a local path or URL; empty renders a solid colour.
	Background string
	// BackgroundAudio keeps the background's own sound, as for a presenter
	// video that already speaks the narration. The background is not looped.
	BackgroundAudio bool
	// Audio is a narration file. Without one the scene is silent.
	Audio    string
	Caption  string
	Duration float64
}

// RenderScene encodes a scene clip of spec.Duration seconds into out.
func (f *FFmpeg) RenderScene(ctx context.Context, spec SceneSpec, out string) error {
	if spec.Duration <= 0 {
		return fmt.Errorf("render scene: invalid duration %v", spec.Duration)
	}
	if err := os.MkdirAll(filepath.Dir(out), 0o755); err != nil {
		return fmt.Errorf("render scene: %w", err)
	}

	filters := []string{
		fmt.Sprintf("scale=%d:%d:force_original_aspect_ratio=increase", f.width, f.height),
		fmt.Sprintf("crop=%d:%d", f.width, f.height),
		fmt.Sprintf("fps=%d", f.fps),
		"format=yuv420p",
	}

	var captionFile string
	if strings.TrimSpace(spec.Caption) != "" {
		tmp, err := os.CreateTemp("", "caption-*.txt")
		if err != nil {
			return fmt.Errorf("render scene: %w", err)
		}
		captionFile = tmp.Name()
		defer os.Remove(captionFile)
		if _, err := tmp.WriteString(spec.Caption); err != nil {
			tmp.Close()
			return fmt.Errorf("render scene: %w", err)
		}
		tmp.Close()
		filters = append(filters, fmt.Sprintf(
			"drawtext=textfile=%s:fontcolor=white:fontsize=%d:box=1:boxcolor=black@0.5:boxborderw=12:x=(w-text_w)/2:y=h-text_h-%d",
			captionFile, f.height/18, f.height/12))
	}

	dur := strconv.FormatFloat(spec.Duration, 'f', 3, 64)
	args := []string{"-y", "-hide_banner", "-loglevel", "error"}
	speaking := spec.Background != "" && spec.BackgroundAudio
	switch {
	case speaking:
		args = append(args, "-i", spec.Background)
	case spec.Background != "":
		args = append(args, "-stream_loop", "-1", "-i", spec.Background)
	default:
		args = append(args, "-f", "lavfi", "-i", fmt.Sprintf("color=c=0x1f2937:s=%dx%d:r=%d", f.width, f.height, f.fps))
	}

	audioMap := "1:a:0"
	switch {
	case speaking:
		audioMap = "0:a:0"
	case spec.Audio != "":
		args = append(args, "-i", spec.Audio)
	default:
		args = append(args, "-f", "lavfi", "-i", "anullsrc=r=44100:cl=stereo")
	}
	args = append(args, "-t", dur, "-vf", strings.Join(filters, ","))
	if speaking || spec.Audio != "" {
		// narration shorter than the picture is padded with silence
		args = append(args, "-af", "apad")
	}
	args = append(args,
		"-map", "0:v:0", "-map", audioMap,
		"-c:v", "libx264", "-preset", "veryfast",
		"-c:a", "aac", "-ar", "44100", "-ac", "2",
		"-movflags", "+faststart",
		out,
	)

	if _, err := f.run(ctx, f.ffmpegPath, args...); err != nil {
		_ = os.Remove(out)
		return fmt.Errorf("render scene: %w", err)
	}
	return nil
}

// Normalize re-encodes in to match ref so it can be stream-copied alongside
// other clips of that profile.
func (f *FFmpeg) Normalize(ctx context.Context, in Info, out string, ref Profile) error {
	filters := []string{
		fmt.Sprintf("scale=%d:%d:force_original_aspect_ratio=decrease", ref.Width, ref.Height),
		fmt.Sprintf("pad=%d:%d:(ow-iw)/2:(oh-ih)/2", ref.Width, ref.Height),
		"setsar=1",
	}
	if ref.FrameRate > 0 {
		filters = append(filters, "fps="+strconv.FormatFloat(ref.FrameRate, 'f', -1, 64))
	}
	if ref.PixFmt != "" {
		filters = append(filters, "format="+ref.PixFmt)
	}

	args := []string{"-y", "-hide_banner", "-loglevel", "error", "-i", in.Path}
	switch {
	case ref.HasAudio() && !in.Profile.HasAudio():
		args = append(args,
			"-f", "lavfi", "-i", fmt.Sprintf("anullsrc=r=%d:cl=%s", ref.SampleRate, channelLayout(ref.Channels)),
			"-map", "0:v:0", "-map", "1:a:0", "-shortest")
	case ref.HasAudio():
		args = append(args, "-map", "0:v:0", "-map", "0:a:0")
	default:
		args = append(args, "-map", "0:v:0", "-an")
	}

	args = append(args, "-vf", strings.Join(filters, ","), "-c:v", encoderFor(ref.VideoCodec), "-preset", "veryfast")
	if ref.HasAudio() {
		args = append(args, "-c:a", encoderFor(ref.AudioCodec),
			"-ar", strconv.Itoa(ref.SampleRate), "-ac", strconv.Itoa(ref.Channels))
	}
	args = append(args, "-f", "mp4", out)

	if _, err := f.run(ctx, f.ffmpegPath, args...); err != nil {
		_ = os.Remove(out)
		return fmt.Errorf("normalize %s: %w", in.Path, err)
	}
	return nil
}

// Concat joins inputs in the given order into out without re-encoding.
func (f *FFmpeg) Concat(ctx context.Context, inputs []string, out string) error {
	if len(inputs) == 0 {
		return fmt.Errorf("concat: no inputs")
	}

	list, err := os.CreateTemp(filepath.Dir(out), ".concat-*.txt")
	if err != nil {
		return fmt.Errorf("concat: %w", err)
	}
	listPath := list.Name()
	defer os.Remove(listPath)

	if _, err := list.WriteString(ConcatList(inputs)); err != nil {
		list.Close()
		return fmt.Errorf("concat: %w", err)
	}
	if err := list.Close(); err != nil {
		return fmt.Errorf("concat: %w", err)
	}

	args := []string{"-y", "-hide_banner", "-loglevel", "error",
		"-f", "concat", "-safe", "0", "-i", listPath,
		"-c", "copy", "-movflags", "+faststart", "-f", "mp4", out}
	if _, err := f.run(ctx, f.ffmpegPath, args...); err != nil {
		_ = os.Remove(out)
		return fmt.Errorf("concat: %w", err)
	}
	return nil
}

// ConcatList renders the concat demuxer script for paths, in order.
func ConcatList(paths []string) string {
	var b strings.Builder
	for _, p := range paths {
		abs, err := filepath.Abs(p)
		if err != nil {
			abs = p
		}
		b.WriteString("file '")
		b.WriteString(strings.ReplaceAll(abs, "'", `'\''`))
		b.WriteString("'\n")
	}
	return b.String()
}

func encoderFor(codec string) string {
	switch codec {
	case "h264", "":
		return "libx264"
	case "hevc":
		return "libx265"
	case "aac":
		return "aac"
	case "mp3":
		return "libmp3lame"
	case "opus":
		return "libopus"
	default:
		return codec
	}
}

func channelLayout(channels int) string {
	if channels == 1 {
		return "mono"
	}
	return "stereo"
}
