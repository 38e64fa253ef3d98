package main

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
)

// LogEntry matches the broker's zap JSON structure
type LogEntry struct {
	Level        string `json:"level"`
	Logger       string `json:"logger"`
	Msg          string `json:"msg"`
	TaskID       string `json:"task_id"`
	Status       string `json:"status"`
	SubmissionID string `json:"submission_id"`
	Error        string `json:"error"`
}

const (
	colorReset  = "\033[0m"
	colorRed    = "\033[31m"
	colorGreen  = "\033[32m"
	colorYellow = "\033[33m"
	colorBlue   = "\033[34m"
	colorCyan   = "\033[36m"
	colorGray   = "\033[37m"
)

func main() {
	fmt.Println(colorCyan + "🚀 Broker Task Activity Monitor Starting..." + colorReset)
	fmt.Println(colorGray + "Reading JSON log lines from stdin, e.g. aigc-broker serve | monitor" + colorReset)
	fmt.Println("-------------------------------------------------------------------------")

	if err := follow(os.Stdin, os.Stdout); err != nil {
		fmt.Fprintf(os.Stderr, "Error reading logs: %v\n", err)
		os.Exit(1)
	}
}

func follow(r io.Reader, w io.Writer) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		// docker style "service | {JSON}" prefixes are dropped
		if i := strings.IndexByte(line, '{'); i > 0 {
			line = line[i:]
		}

		var entry LogEntry
		if err := json.Unmarshal([]byte(line), &entry); err != nil {
			// Not a JSON log or different format, ignore
			continue
		}
		if out := prettify(entry); out != "" {
			fmt.Fprintln(w, out)
		}
	}
	return scanner.Err()
}

func prettify(entry LogEntry) string {
	taskID := entry.TaskID
	if taskID == "" {
		taskID = "-"
	}

	switch {
	case entry.Msg == "Task created":
		return fmt.Sprintf("📥 "+colorYellow+"Received Task:"+colorReset+" %s", taskID)
	case entry.Msg == "Task finished successfully":
		return fmt.Sprintf("✅ "+colorGreen+"Task Finished:"+colorReset+" %s", taskID)
	case entry.Msg == "Task status updated":
		switch entry.Status {
		case "processing":
			return fmt.Sprintf("⚙️  "+colorBlue+"Now Running:"+colorReset+"  %s (%s)", taskID, entry.SubmissionID)
		case "completed":
			// the finished line follows
			return ""
		case "failed":
			return fmt.Sprintf("❌ "+colorRed+"Task Failed:"+colorReset+"  %s %s", taskID, entry.Error)
		}
	case entry.Msg == "Task interrupted":
		return fmt.Sprintf("⏸  "+colorGray+"Interrupted:"+colorReset+"  %s", taskID)
	case strings.EqualFold(entry.Level, "error"):
		return fmt.Sprintf("❌ "+colorRed+"ERROR:"+colorReset+" %s %s", entry.Logger, entry.Msg)
	}
	return ""
}
