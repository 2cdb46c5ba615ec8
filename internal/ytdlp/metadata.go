package ytdlp

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
)

const DefaultExtractTimeout = 30 * time.Second

// Metadata describes one video as reported by the downloader.
type Metadata struct {
	Title        string `json:"title"`
	Uploader     string `json:"uploader"`
	Duration     string `json:"duration"`
	Platform     string `json:"platform"`
	ThumbnailURL string `json:"thumbnail_url"`
}

// Format is one selectable encoding/container combination.
type Format struct {
	ID       string `json:"id"`
	HasVideo bool   `json:"has_video"`
	HasAudio bool   `json:"has_audio"`
	Ext      string `json:"ext"`
	FileSize int64  `json:"file_size"`
	Label    string `json:"label"`
}

// MetadataExtractor shells out to the downloader for video information. It
// performs no download of its own.
type MetadataExtractor struct {
	binary  string
	timeout time.Duration
}

func NewMetadataExtractor(binary string) *MetadataExtractor {
	if binary == "" {
		binary = DefaultBinary
	}
	return &MetadataExtractor{
		binary:  binary,
		timeout: DefaultExtractTimeout,
	}
}

func (e *MetadataExtractor) SetTimeout(timeout time.Duration) {
	e.timeout = timeout
}

type videoInfo struct {
	Title          string       `json:"title"`
	Uploader       string       `json:"uploader"`
	DurationString string       `json:"duration_string"`
	Duration       float64      `json:"duration"`
	ExtractorKey   string       `json:"extractor_key"`
	Thumbnail      string       `json:"thumbnail"`
	Formats        []formatInfo `json:"formats"`
}

type formatInfo struct {
	FormatID       string  `json:"format_id"`
	VCodec         string  `json:"vcodec"`
	ACodec         string  `json:"acodec"`
	Ext            string  `json:"ext"`
	FileSize       int64   `json:"filesize"`
	FileSizeApprox int64   `json:"filesize_approx"`
	FormatNote     string  `json:"format_note"`
	Height         int     `json:"height"`
	ABR            float64 `json:"abr"`
}

func (e *MetadataExtractor) dumpJSON(ctx context.Context, url string, extraArgs ...string) (*videoInfo, error) {
	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	args := append([]string{"--dump-json", "--no-download"}, extraArgs...)
	args = append(args, url)

	cmd := exec.CommandContext(ctx, e.binary, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		detail := strings.TrimSpace(stderr.String())
		if detail == "" {
			return nil, fmt.Errorf("extract metadata: %w", err)
		}
		return nil, fmt.Errorf("extract metadata: %s", detail)
	}

	var info videoInfo
	if err := json.Unmarshal(stdout.Bytes(), &info); err != nil {
		return nil, fmt.Errorf("decode metadata: %w", err)
	}
	return &info, nil
}

// Extract returns title, uploader, duration, platform and thumbnail for url.
func (e *MetadataExtractor) Extract(ctx context.Context, url string) (*Metadata, error) {
	info, err := e.dumpJSON(ctx, url, "--flat-playlist")
	if err != nil {
		return nil, err
	}

	duration := info.DurationString
	if duration == "" && info.Duration > 0 {
		duration = formatDuration(int(info.Duration))
	}
	return &Metadata{
		Title:        info.Title,
		Uploader:     info.Uploader,
		Duration:     duration,
		Platform:     info.ExtractorKey,
		ThumbnailURL: info.Thumbnail,
	}, nil
}

// ListFormats returns the selectable formats for url. Formats carrying
// neither audio nor video (storyboards and the like) are skipped.
func (e *MetadataExtractor) ListFormats(ctx context.Context, url string) ([]Format, error) {
	info, err := e.dumpJSON(ctx, url)
	if err != nil {
		return nil, err
	}

	formats := make([]Format, 0, len(info.Formats))
	for _, f := range info.Formats {
		hasVideo := f.VCodec != "" && f.VCodec != "none"
		hasAudio := f.ACodec != "" && f.ACodec != "none"
		if !hasVideo && !hasAudio {
			continue
		}
		size := f.FileSize
		if size == 0 {
			size = f.FileSizeApprox
		}
		formats = append(formats, Format{
			ID:       f.FormatID,
			HasVideo: hasVideo,
			HasAudio: hasAudio,
			Ext:      f.Ext,
			FileSize: size,
			Label:    formatLabel(f, hasVideo, hasAudio, size),
		})
	}
	return formats, nil
}

func formatLabel(f formatInfo, hasVideo, hasAudio bool, size int64) string {
	quality := f.FormatNote
	if quality == "" {
		switch {
		case hasVideo && f.Height > 0:
			quality = fmt.Sprintf("%dp", f.Height)
		case !hasVideo && f.ABR > 0:
			quality = fmt.Sprintf("%.0fkbps", f.ABR)
		default:
			quality = "unknown"
		}
	}

	label := quality + " " + strings.ToUpper(f.Ext)
	if size > 0 {
		label += " (" + humanize.IBytes(uint64(size)) + ")"
	}
	if hasAudio && !hasVideo {
		label += " (audio only)"
	}
	return label
}

func formatDuration(seconds int) string {
	hours := seconds / 3600
	minutes := (seconds % 3600) / 60
	secs := seconds % 60
	if hours > 0 {
		return fmt.Sprintf("%02d:%02d:%02d", hours, minutes, secs)
	}
	return fmt.Sprintf("%02d:%02d", minutes, secs)
}
