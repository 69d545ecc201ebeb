package util

import (
	"fmt"
	"time"

	"github.com/briandowns/spinner"
)

// UISpinner shows progress for slow steps. In verbose mode it prints plain
// lines so it does not fight with log output.
type UISpinner struct {
	sp      *spinner.Spinner
	verbose bool
}

func NewUISpinner(verbose bool, message string) *UISpinner {
	s := &UISpinner{verbose: verbose}
	if verbose {
		fmt.Printf("[DEBUG] %s\n", message)
		return s
	}
	s.sp = spinner.New(spinner.CharSets[14], 100*time.Millisecond)
	s.sp.Prefix = "  "
	s.sp.Suffix = " " + message
	s.sp.Start()
	return s
}

// Update replaces the message next to the spinner.
func (s *UISpinner) Update(message string) {
	if s.sp != nil {
		s.sp.Suffix = " " + message
	} else if s.verbose {
		fmt.Printf("[DEBUG] %s\n", message)
	}
}

func (s *UISpinner) Success(message string) {
	s.finish("✓", message)
}

func (s *UISpinner) Fail(message string) {
	s.finish("✗", message)
}

func (s *UISpinner) finish(mark, message string) {
	if s.sp != nil {
		s.sp.Stop()
		fmt.Printf("\r\033[K  %s %s\n", mark, message)
		return
	}
	fmt.Printf("[DEBUG] %s %s\n", mark, message)
}
