package upload

import (
	"fmt"
	"path/filepath"
)

// Target is a local file and the remote folder it is uploaded to.
type Target struct {
	LocalPath    string `json:"local_path"`
	RemoteFolder string `json:"remote_folder"`
	Size         int64  `json:"size"`
}

// Name is the remote file name.
func (t Target) Name() string {
	return filepath.Base(t.LocalPath)
}

func (t Target) String() string {
	if t.RemoteFolder == "" {
		return fmt.Sprintf("%s -> /%s", t.LocalPath, t.Name())
	}
	return fmt.Sprintf("%s -> %s/%s", t.LocalPath, t.RemoteFolder, t.Name())
}
