package utils

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
)

// SafeCommand is an exec.Cmd whose stderr is kept in memory, so a worker or
// ffmpeg that dies can be reported with its own last words.
type SafeCommand struct {
	*exec.Cmd
	Stderr *bytes.Buffer
}

// NewSafeCommand prepares name with args without starting it.
func NewSafeCommand(name string, args ...string) *SafeCommand {
	return NewSafeCommandContext(context.Background(), name, args...)
}

// NewSafeCommandContext is NewSafeCommand with a context that kills the process.
func NewSafeCommandContext(ctx context.Context, name string, args ...string) *SafeCommand {
	s := &SafeCommand{Cmd: exec.CommandContext(ctx, name, args...), Stderr: new(bytes.Buffer)}
	s.Cmd.Stderr = s.Stderr
	return s
}

// ShowError prints an error box to stderr, followed by the captured stderr of s
// when there is any.
func ShowError(context string, err error, s *SafeCommand) {
	writeError(os.Stderr, context, err, s)
}

func writeError(w io.Writer, context string, err error, s *SafeCommand) {
	fmt.Fprintf(w, "\n---------------------------------------------------------\n")
	fmt.Fprintf(w, "🚨 FACEMOOD ERROR: %s\n", context)
	if err != nil {
		fmt.Fprintf(w, "DETAILS: %v\n", err)
	}

	if s != nil && s.Stderr.Len() > 0 {
		fmt.Fprintf(w, "\nCHILD PROCESS LOGS:\n%s\n", s.Stderr.String())
	}
	fmt.Fprintf(w, "---------------------------------------------------------\n")
}

// Die is ShowError followed by exit(1).
func Die(context string, err error, s *SafeCommand) {
	ShowError(context, err, s)
	os.Exit(1)
}

var (
	jpegSOI = []byte{0xFF, 0xD8}
	jpegEOI = []byte{0xFF, 0xD9}
)

// SplitJpeg is a bufio.SplitFunc that yields one JPEG per token, from its SOI
// marker through its EOI marker. Garbage ahead of a frame is discarded.
func SplitJpeg(data []byte, atEOF bool) (int, []byte, error) {
	soi := bytes.Index(data, jpegSOI)
	if soi < 0 {
		if atEOF {
			return len(data), nil, nil
		}
		// The last byte may be the first half of the next SOI.
		return max(len(data)-1, 0), nil, nil
	}
	eoi := bytes.Index(data[soi+len(jpegSOI):], jpegEOI)
	if eoi < 0 {
		return 0, nil, nil
	}
	end := soi + len(jpegSOI) + eoi + len(jpegEOI)
	return end, data[soi:end], nil
}

// NewFFmpegCaptureCmd creates a live decoder pipe
// It configures FFmpeg to read input (a v4l2 device, a file, or a URL) in real
// time and emit MJPEG frames on Stdout at the requested rate.
// Input formats such as "v4l2" or "avfoundation" go in inputFormat; empty lets ffmpeg probe.
func NewFFmpegCaptureCmd(ctx context.Context, input, inputFormat string, fps int) *SafeCommand {
	args := []string{"-hide_banner", "-loglevel", "error"}
	if inputFormat != "" {
		args = append(args, "-f", inputFormat)
	} else if !strings.Contains(input, "://") {
		// Files are played back at native speed so they behave like a camera.
		args = append(args, "-re")
	}
	args = append(args, "-i", input)
	if fps > 0 {
		args = append(args, "-r", fmt.Sprint(fps))
	}
	// Using -vcodec mjpeg ensures we get JPEGs Go can split
	args = append(args, "-an", "-f", "image2pipe", "-vcodec", "mjpeg", "-q:v", "3", "-")
	return NewSafeCommandContext(ctx, "ffmpeg", args...)
}
