package upload

import (
	"errors"
	"fmt"
)

// ErrSessionIncomplete is returned when every chunk was accepted, but the remote did not
// report the session as completed.
var ErrSessionIncomplete = errors.New("upload session did not complete after the last chunk")

// SessionCreateError is a failure to resolve the destination folder or to start an upload session.
type SessionCreateError struct {
	Folder string
	Name   string
	Err    error
}

func (e *SessionCreateError) Error() string {
	return fmt.Sprintf("create upload session for %s in %q: %s", e.Name, e.Folder, e.Err)
}

func (e *SessionCreateError) Unwrap() error {
	return e.Err
}

// FileUploadFailedError is returned when every attempt of uploading a file failed.
// Err is the error of the last attempt.
type FileUploadFailedError struct {
	Target   Target
	Attempts int
	Err      error
}

func (e *FileUploadFailedError) Error() string {
	return fmt.Sprintf("upload %s failed after %d attempts: %s", e.Target.LocalPath, e.Attempts, e.Err)
}

func (e *FileUploadFailedError) Unwrap() error {
	return e.Err
}
