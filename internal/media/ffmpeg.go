package media

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

const (
	defaultProbeTimeout  = 30 * time.Second
	defaultEncodeTimeout = 30 * time.Minute
	defaultFrameTimeout  = time.Minute
	diagnosticTailLines  = 8
)

// FFmpegConfig configures the subprocess-backed engine. Zero values fall back
// to binaries on PATH and conservative per-invocation timeouts.
type FFmpegConfig struct {
	FFmpegPath    string
	FFprobePath   string
	ProbeTimeout  time.Duration
	EncodeTimeout time.Duration
	FrameTimeout  time.Duration
	Logger        *slog.Logger
}

type ffmpegEngine struct {
	ffmpeg        string
	ffprobe       string
	probeTimeout  time.Duration
	encodeTimeout time.Duration
	frameTimeout  time.Duration
	logger        *slog.Logger
}

// NewFFmpegEngine builds an Engine that shells out to ffmpeg and ffprobe.
func NewFFmpegEngine(cfg FFmpegConfig) Engine {
	engine := &ffmpegEngine{
		ffmpeg:        strings.TrimSpace(cfg.FFmpegPath),
		ffprobe:       strings.TrimSpace(cfg.FFprobePath),
		probeTimeout:  cfg.ProbeTimeout,
		encodeTimeout: cfg.EncodeTimeout,
		frameTimeout:  cfg.FrameTimeout,
		logger:        cfg.Logger,
	}
	if engine.ffmpeg == "" {
		engine.ffmpeg = "ffmpeg"
	}
	if engine.ffprobe == "" {
		engine.ffprobe = "ffprobe"
	}
	if engine.probeTimeout <= 0 {
		engine.probeTimeout = defaultProbeTimeout
	}
	if engine.encodeTimeout <= 0 {
		engine.encodeTimeout = defaultEncodeTimeout
	}
	if engine.frameTimeout <= 0 {
		engine.frameTimeout = defaultFrameTimeout
	}
	if engine.logger == nil {
		engine.logger = slog.Default()
	}
	return engine
}

// Available reports whether the configured ffmpeg binary can be executed.
func (e *ffmpegEngine) available() bool {
	_, err := exec.LookPath(e.ffmpeg)
	return err == nil
}

// CheckFFmpeg verifies the configured binaries resolve on PATH.
func CheckFFmpeg(cfg FFmpegConfig) error {
	engine, ok := NewFFmpegEngine(cfg).(*ffmpegEngine)
	if !ok || !engine.available() {
		return fmt.Errorf("ffmpeg binary %q not found", cfg.FFmpegPath)
	}
	if _, err := exec.LookPath(engine.ffprobe); err != nil {
		return fmt.Errorf("ffprobe binary %q not found", engine.ffprobe)
	}
	return nil
}

func (e *ffmpegEngine) Inspect(ctx context.Context, path string) (Metadata, error) {
	args := []string{
		"-v", "quiet",
		"-print_format", "json",
		"-show_format",
		"-show_streams",
		path,
	}
	stdout, stderr, err := e.run(ctx, e.probeTimeout, e.ffprobe, args)
	if err != nil {
		return Metadata{}, &InspectionError{Path: path, Err: err, Detail: tail(stderr, diagnosticTailLines)}
	}
	meta, err := parseProbeOutput(stdout)
	if err != nil {
		return Metadata{}, &InspectionError{Path: path, Err: err}
	}
	return meta, nil
}

func (e *ffmpegEngine) Encode(ctx context.Context, job EncodeJob) (EncodeResult, error) {
	if err := os.MkdirAll(job.OutputDir, 0o755); err != nil {
		return EncodeResult{}, &EncodeError{Tier: job.Preset.Tier, Err: err}
	}
	width, height := ScaleDimensions(job.Source.Width, job.Source.Height, job.Preset.Width, job.Preset.Height)
	keyframes := KeyframeInterval(job.Source.FPS, job.SegmentDurationSeconds)
	playlist := filepath.Join(job.OutputDir, "playlist.m3u8")
	segments := filepath.Join(job.OutputDir, "segment_%04d.ts")

	args := []string{
		"-y",
		"-i", job.SourcePath,
		"-vf", fmt.Sprintf("scale=%d:%d,format=yuv420p", width, height),
		"-c:v", "libx264",
		"-b:v", fmt.Sprintf("%dk", job.Preset.VideoBitrateKbps),
		"-maxrate", fmt.Sprintf("%dk", job.Preset.VideoBitrateKbps),
		"-bufsize", fmt.Sprintf("%dk", job.Preset.VideoBitrateKbps*2),
		"-preset", "medium",
		"-g", strconv.Itoa(keyframes),
		"-sc_threshold", "0",
	}
	if job.Source.HasAudio {
		args = append(args,
			"-c:a", "aac",
			"-b:a", fmt.Sprintf("%dk", job.Preset.AudioBitrateKbps),
			"-ac", "2",
		)
	} else {
		args = append(args, "-an")
	}
	args = append(args,
		"-f", "hls",
		"-hls_time", strconv.Itoa(job.SegmentDurationSeconds),
		"-hls_playlist_type", "vod",
		"-hls_list_size", "0",
		"-start_number", "0",
		"-hls_segment_filename", segments,
		playlist,
	)

	start := time.Now()
	if _, stderr, err := e.run(ctx, e.encodeTimeout, e.ffmpeg, args); err != nil {
		return EncodeResult{}, &EncodeError{Tier: job.Preset.Tier, Err: err, Detail: tail(stderr, diagnosticTailLines)}
	}
	count, total, err := segmentStats(job.OutputDir)
	if err != nil {
		return EncodeResult{}, &EncodeError{Tier: job.Preset.Tier, Err: err}
	}
	e.logger.Info("rendition encoded",
		"tier", job.Preset.Tier,
		"width", width,
		"height", height,
		"segments", count,
		"bytes", total,
		"duration_ms", time.Since(start).Milliseconds())
	return EncodeResult{
		Width:          width,
		Height:         height,
		PlaylistPath:   playlist,
		SegmentCount:   count,
		TotalSizeBytes: total,
	}, nil
}

func (e *ffmpegEngine) ExtractFrame(ctx context.Context, job FrameJob) error {
	args := []string{
		"-y",
		"-ss", strconv.FormatFloat(job.OffsetSeconds, 'f', 3, 64),
		"-i", job.SourcePath,
		"-vframes", "1",
		"-vf", fmt.Sprintf("scale=w=%d:h=%d:force_original_aspect_ratio=decrease", job.MaxWidth, job.MaxHeight),
		"-q:v", "4",
		job.OutputPath,
	}
	if _, stderr, err := e.run(ctx, e.frameTimeout, e.ffmpeg, args); err != nil {
		if detail := tail(stderr, diagnosticTailLines); detail != "" {
			return fmt.Errorf("extract frame: %w: %s", err, detail)
		}
		return fmt.Errorf("extract frame: %w", err)
	}
	return nil
}

// run executes one subprocess with a hard wall-clock timeout layered on top
// of the caller's context, returning captured stdout and stderr.
func (e *ffmpegEngine) run(ctx context.Context, timeout time.Duration, binary string, args []string) ([]byte, string, error) {
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	cmd := exec.CommandContext(runCtx, binary, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		if runCtx.Err() != nil {
			return nil, stderr.String(), fmt.Errorf("%s: %w", binary, runCtx.Err())
		}
		return nil, stderr.String(), fmt.Errorf("%s: %w", binary, err)
	}
	return stdout.Bytes(), stderr.String(), nil
}

func segmentStats(dir string) (int, int64, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return 0, 0, fmt.Errorf("read output directory: %w", err)
	}
	count := 0
	var total int64
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasPrefix(name, "segment_") || !strings.HasSuffix(name, ".ts") {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			return 0, 0, fmt.Errorf("stat segment %s: %w", name, err)
		}
		count++
		total += info.Size()
	}
	return count, total, nil
}

type probeOutput struct {
	Streams []probeStream `json:"streams"`
	Format  probeFormat   `json:"format"`
}

type probeStream struct {
	CodecType  string `json:"codec_type"`
	CodecName  string `json:"codec_name"`
	Width      int    `json:"width,omitempty"`
	Height     int    `json:"height,omitempty"`
	RFrameRate string `json:"r_frame_rate,omitempty"`
	Duration   string `json:"duration,omitempty"`
}

type probeFormat struct {
	Duration string `json:"duration"`
	BitRate  string `json:"bit_rate"`
	Size     string `json:"size"`
}

func parseProbeOutput(raw []byte) (Metadata, error) {
	var probe probeOutput
	if err := json.Unmarshal(raw, &probe); err != nil {
		return Metadata{}, fmt.Errorf("decode probe output: %w", err)
	}
	meta := Metadata{}
	if probe.Format.Duration != "" {
		if duration, err := strconv.ParseFloat(probe.Format.Duration, 64); err == nil {
			meta.DurationSeconds = duration
		}
	}
	if probe.Format.BitRate != "" {
		if bitrate, err := strconv.Atoi(probe.Format.BitRate); err == nil {
			meta.BitrateKbps = bitrate / 1000
		}
	}
	if probe.Format.Size != "" {
		if size, err := strconv.ParseInt(probe.Format.Size, 10, 64); err == nil {
			meta.SizeBytes = size
		}
	}
	sawVideo := false
	for _, stream := range probe.Streams {
		switch stream.CodecType {
		case "video":
			if sawVideo {
				continue
			}
			sawVideo = true
			meta.Width = stream.Width
			meta.Height = stream.Height
			meta.Codec = stream.CodecName
			meta.FPS = parseFrameRate(stream.RFrameRate)
			if meta.DurationSeconds == 0 && stream.Duration != "" {
				if duration, err := strconv.ParseFloat(stream.Duration, 64); err == nil {
					meta.DurationSeconds = duration
				}
			}
		case "audio":
			if !meta.HasAudio {
				meta.HasAudio = true
				meta.AudioCodec = stream.CodecName
			}
		}
	}
	if !sawVideo {
		return Metadata{}, fmt.Errorf("no decodable video stream")
	}
	return meta, nil
}

func parseFrameRate(spec string) float64 {
	parts := strings.SplitN(spec, "/", 2)
	if len(parts) != 2 {
		return 0
	}
	numerator, err := strconv.ParseFloat(parts[0], 64)
	if err != nil {
		return 0
	}
	denominator, err := strconv.ParseFloat(parts[1], 64)
	if err != nil || denominator == 0 {
		return 0
	}
	return numerator / denominator
}
