package main

import (
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/google/uuid"
)

func main() {
	var (
		addr     = flag.String("addr", "http://localhost:8081", "graderd HTTP address")
		interval = flag.Duration("interval", time.Second, "poll interval")
	)
	flag.Parse()
	if flag.NArg() != 1 {
		fmt.Fprintln(os.Stderr, "usage: gradewatch [--addr URL] <job-id>")
		os.Exit(2)
	}
	jobID, err := uuid.Parse(strings.TrimSpace(flag.Arg(0)))
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid job id %q: %v\n", flag.Arg(0), err)
		os.Exit(2)
	}

	m := newWatchModel(&httpSource{
		base:   strings.TrimRight(*addr, "/"),
		client: &http.Client{Timeout: 10 * time.Second},
	}, jobID, *interval)
	final, err := tea.NewProgram(m, tea.WithAltScreen()).Run()
	if err != nil {
		if strings.Contains(strings.ToLower(err.Error()), "tty") {
			err = errors.New("gradewatch requires an interactive terminal (TTY)")
		}
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	if fm, ok := final.(watchModel); ok && fm.fatalErr != nil {
		fmt.Fprintln(os.Stderr, fm.fatalErr)
		os.Exit(1)
	}
}
