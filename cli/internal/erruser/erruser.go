// Package erruser carries the one-line message apo prints for a failed
// command. The technical cause rides along and is printed on a separate
// "Details:" line by the CLI.
package erruser

import "errors"

// Err pairs the printed message with its cause.
type Err struct {
	Msg string
	Err error
}

func (e *Err) Error() string {
	if e == nil {
		return ""
	}
	return e.Msg
}

func (e *Err) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// New returns msg as a command error. Without a cause there is nothing for a
// Details line, so a plain error is returned.
func New(msg string, err error) error {
	if err == nil {
		return errors.New(msg)
	}
	return &Err{Msg: msg, Err: err}
}

// Details returns the text for the "Details:" line under err, or "" when err
// has no *Err with a cause. Other wrapped errors already show their cause in
// Error().
func Details(err error) string {
	var e *Err
	if !errors.As(err, &e) || e.Err == nil {
		return ""
	}
	return e.Err.Error()
}
