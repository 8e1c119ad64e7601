package sink

import (
	"fmt"
	"io"
	"os"

	"github.com/schollz/progressbar/v3"

	"github.com/andresmejia3/facemood/internal/types"
)

// Terminal renders a single live status line: a spinner, the pass counter and
// the current emotion.
type Terminal struct {
	bar *progressbar.ProgressBar
}

// NewTerminal draws on w, os.Stderr when nil.
func NewTerminal(w io.Writer) *Terminal {
	if w == nil {
		w = os.Stderr
	}
	bar := progressbar.NewOptions(-1,
		progressbar.OptionSetDescription("😶 facemood starting"),
		progressbar.OptionSetWriter(w),
		progressbar.OptionSpinnerType(14),
		progressbar.OptionShowCount(),
		progressbar.OptionShowIts(),
		progressbar.OptionSetItsString("pass"),
		progressbar.OptionSetElapsedTime(true),
	)
	return &Terminal{bar: bar}
}

func (t *Terminal) Present(s types.Snapshot) {
	t.bar.Describe(Describe(s))
	if s.Seq > 0 {
		_ = t.bar.Add(1)
	}
}

// Close finishes the line so later output starts on a fresh one.
func (t *Terminal) Close() error {
	return t.bar.Finish()
}

// Describe formats a snapshot for humans.
func Describe(s types.Snapshot) string {
	switch {
	case s.Fresh:
		return fmt.Sprintf("%s %s %.0f%%", emoji(s.Emotion.Label), s.Emotion.Label, s.Emotion.Confidence*100)
	case s.Emotion.Label != "":
		return fmt.Sprintf("%s (%s %.0f%%)", s.Status, s.Emotion.Label, s.Emotion.Confidence*100)
	default:
		return s.Status
	}
}

func emoji(label string) string {
	switch label {
	case "happy", "happiness":
		return "😀"
	case "sad", "sadness":
		return "😢"
	case "angry", "anger":
		return "😠"
	case "surprise", "surprised":
		return "😮"
	case "fear":
		return "😨"
	case "disgust":
		return "🤢"
	case "contempt":
		return "😒"
	default:
		return "🙂"
	}
}
