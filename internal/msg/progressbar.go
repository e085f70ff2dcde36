package msg

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/mattn/go-isatty"
)

// ProgressBar counts bytes written through it and redraws a bar on terminals.
type ProgressBar struct {
	Total      int64
	Current    int64
	Indent     int
	Label      string
	Start      time.Time
	W          io.Writer
	lastPrint  time.Time
	throbIndex int
	live       bool
}

var throbbers = []rune{'|', '/', '-', '\\'}

func NewProgressBar(label string, total int64, indent int, w io.Writer) *ProgressBar {
	return &ProgressBar{
		Total:     total,
		Indent:    indent,
		Label:     label,
		Start:     time.Now(),
		W:         w,
		lastPrint: time.Now(),
		live:      isTerminal(w),
	}
}

func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	if !ok {
		return false
	}
	return isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
}

func (pb *ProgressBar) Write(p []byte) (int, error) {
	n := len(p)
	pb.Current += int64(n)

	if pb.live && time.Since(pb.lastPrint) > 40*time.Millisecond {
		pb.print(false)
		pb.lastPrint = time.Now()
	}
	return n, nil
}

func (pb *ProgressBar) print(finish bool) {
	width := 40
	percent := float64(pb.Current) / float64(max(pb.Total, 1))
	if finish {
		percent = 1
	}

	filled := min(int(percent*float64(width)), width)
	bar := strings.Repeat("█", filled) + strings.Repeat("-", width-filled)

	throb := throbbers[pb.throbIndex%len(throbbers)]
	pb.throbIndex++
	if finish {
		throb = ' '
	}

	prefix := "\r"
	if !pb.live {
		prefix = ""
	}

	if pb.Total > 0 {
		fmt.Fprintf(pb.W, "%s%s%s %6.f%% [%s] %c",
			prefix,
			strings.Repeat(" ", pb.Indent),
			pb.Label,
			percent*100,
			bar,
			throb,
		)
	} else {
		fmt.Fprintf(pb.W, "%s%s%s %d KB %c",
			prefix,
			strings.Repeat(" ", pb.Indent),
			pb.Label,
			pb.Current/1024,
			throb,
		)
	}
}

// Finish draws the completed bar with the elapsed time.
func (pb *ProgressBar) Finish() {
	pb.print(true)
	fmt.Fprintf(pb.W, " %s\n", time.Since(pb.Start).Round(time.Millisecond))
}
