package ytdlp

import (
	"regexp"
	"strconv"
)

// yt-dlp progress lines look like:
//
//	[download]  45.2% of 10.00MiB at 1.21MiB/s ETA 00:12
//
// but the stream also carries banners, warnings and per-fragment noise, so
// every field except the percentage is optional and unmatched lines are
// dropped without error.
var (
	rePercent = regexp.MustCompile(`([0-9]+(?:\.[0-9]+)?)%`)
	reSpeed   = regexp.MustCompile(`(?:\bat\s+)?([0-9]+(?:\.[0-9]+)?(?:B|KiB|MiB|GiB)/s)`)
	reETA     = regexp.MustCompile(`\bETA\s+([0-9]{1,2}:[0-9]{2}(?::[0-9]{2})?)`)
)

// ProgressEvent is one parsed progress report from a single output line.
type ProgressEvent struct {
	Percent float64
	Speed   string
	ETA     string
}

// ParseProgress extracts a progress event from one line of yt-dlp output.
// The second return value is false when the line carries no percentage, which
// covers every non-progress line the tool emits.
func ParseProgress(line string) (ProgressEvent, bool) {
	m := rePercent.FindStringSubmatch(line)
	if m == nil {
		return ProgressEvent{}, false
	}
	percent, err := strconv.ParseFloat(m[1], 64)
	if err != nil {
		return ProgressEvent{}, false
	}

	ev := ProgressEvent{Percent: percent}
	if m := reSpeed.FindStringSubmatch(line); m != nil {
		ev.Speed = m[1]
	}
	if m := reETA.FindStringSubmatch(line); m != nil {
		ev.ETA = m[1]
	}
	return ev, true
}
