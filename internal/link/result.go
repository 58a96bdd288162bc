package link

import (
	"errors"
	"fmt"
	"strings"
)

// Result strings written to ack topics.
const (
	StatusSuccess  = "SUCCESS"
	StatusShutdown = "SHUTDOWN"
)

// Result is the outcome of processing one directive. Status is written to
// the ack topic; Stop ends the ingestion loop after the ack.
type Result struct {
	Status string
	Stop   bool
}

func success() Result { return Result{Status: StatusSuccess} }

func failure(err error) Result { return Result{Status: err.Error()} }

// Ok reports whether the directive succeeded.
func (r Result) Ok() bool { return r.Status == StatusSuccess || r.Status == StatusShutdown }

// NotConnectedError is returned when a directive needs a live connection.
type NotConnectedError struct {
	Name string
}

func (e *NotConnectedError) Error() string {
	return fmt.Sprintf("Interface not connected: %s", e.Name)
}

// HazardousError asks the sender to confirm a hazardous command by
// resending it with hazardous_check=false.
type HazardousError struct {
	Description string
	Command     string
}

func (e *HazardousError) Error() string {
	return fmt.Sprintf("HazardousError\n%s\n%s", e.Description, e.Command)
}

// CriticalCmdError reports that a command was parked for approval under ID.
type CriticalCmdError struct {
	ID string
}

func (e *CriticalCmdError) Error() string {
	return fmt.Sprintf("CriticalCmdError\n%s", e.ID)
}

// CriticalNotFoundError reports a release of an id the ledger does not hold.
type CriticalNotFoundError struct {
	ID string
}

func (e *CriticalNotFoundError) Error() string {
	return fmt.Sprintf("CriticalCmdError not found: %s", e.ID)
}

// ValidationError is a failed validator check. Post is true when the
// command had already been written.
type ValidationError struct {
	Post   bool
	Reason string
}

func (e *ValidationError) Error() string {
	stage := "Pre"
	if e.Post {
		stage = "Post"
	}
	return fmt.Sprintf("ValidationError\n%s-check failed: %s", stage, e.Reason)
}

// ParseResult decodes an ack result into the typed error it represents, or
// nil for SUCCESS and SHUTDOWN. Unrecognised results come back as a plain
// error carrying the text.
func ParseResult(status string) error {
	if status == StatusSuccess || status == StatusShutdown {
		return nil
	}
	if name, ok := strings.CutPrefix(status, "Interface not connected: "); ok {
		return &NotConnectedError{Name: name}
	}
	if id, ok := strings.CutPrefix(status, "CriticalCmdError not found: "); ok {
		return &CriticalNotFoundError{ID: id}
	}

	head, rest, _ := strings.Cut(status, "\n")
	switch head {
	case "HazardousError":
		desc, cmd, _ := strings.Cut(rest, "\n")
		return &HazardousError{Description: desc, Command: cmd}
	case "CriticalCmdError":
		return &CriticalCmdError{ID: rest}
	case "ValidationError":
		if reason, ok := strings.CutPrefix(rest, "Post-check failed: "); ok {
			return &ValidationError{Post: true, Reason: reason}
		}
		return &ValidationError{Reason: strings.TrimPrefix(rest, "Pre-check failed: ")}
	}
	return errors.New(status)
}
