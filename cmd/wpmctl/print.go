package main

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/LGUG2Z/wpm/pkg/ipc"
	"github.com/LGUG2Z/wpm/pkg/unit"
)

const timestampFormat = "2006-01-02 15:04:05"

func printStateTable(statuses []unit.Status) {
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "NAME\tKIND\tSTATE\tPID\tTIMESTAMP")

	for _, status := range statuses {
		pid := ""
		if status.Pid != 0 {
			pid = fmt.Sprintf("%d", status.Pid)
		}

		timestamp := ""
		if !status.Timestamp.IsZero() {
			timestamp = status.Timestamp.Local().Format(timestampFormat)
		}

		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", status.Name, status.Kind, status.State, pid, timestamp)
	}

	w.Flush()
}

func printStatus(payload *ipc.StatusPayload) {
	if payload == nil {
		return
	}

	status := payload.Status
	fmt.Printf("%s (%s)\n", status.Name, status.Kind)

	switch {
	case status.Pid != 0:
		fmt.Printf("  State: %s (%d)\n", status.State, status.Pid)
	case !status.Timestamp.IsZero():
		fmt.Printf("  State: %s at %s\n", status.State, status.Timestamp.Local().Format(timestampFormat))
	default:
		fmt.Printf("  State: %s\n", status.State)
	}

	if status.LastError != "" {
		fmt.Printf("  Last error: %s\n", status.LastError)
	}

	if status.LogPath != "" {
		fmt.Printf("  Log: %s\n", status.LogPath)
	}

	if len(payload.Recent) > 0 {
		fmt.Println("  Recent transitions:")
		for _, transition := range payload.Recent {
			line := fmt.Sprintf("    %s %s", transition.Timestamp.Local().Format(timestampFormat), transition.State)
			if transition.Error != "" {
				line += " (" + transition.Error + ")"
			}

			fmt.Println(line)
		}
	}

	if len(payload.LogTail) > 0 {
		fmt.Println("  Log tail:")
		for _, line := range payload.LogTail {
			fmt.Println("    " + line)
		}
	}
}
