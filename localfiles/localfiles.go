// Package localfiles expands the file pattern of the step into upload targets.
package localfiles

import (
	"errors"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"

	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/bitrise-io/go-utils/v2/pathutil"
	"github.com/bmatcuk/doublestar/v4"

	"github.com/bitrise-steplib/bitrise-step-sharepoint-upload/upload"
)

// ErrGlobNoMatch is returned when the pattern matches no regular file.
var ErrGlobNoMatch = errors.New("no files matched pattern")

// Collector ...
type Collector struct {
	pathModifier pathutil.PathModifier
	logger       log.Logger
}

// NewCollector ...
func NewCollector(pathModifier pathutil.PathModifier, logger log.Logger) Collector {
	return Collector{
		pathModifier: pathModifier,
		logger:       logger,
	}
}

// Collect returns an upload target for every regular file matching pattern. `**` matches
// any number of directories. Directories below the deepest directory shared by all matches
// are recreated under uploadPath. Hidden files and directories only match dot-prefixed
// pattern segments.
func (c Collector) Collect(pattern, uploadPath string) ([]upload.Target, error) {
	files, err := c.glob(pattern)
	if err != nil {
		return nil, err
	}
	if len(files) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrGlobNoMatch, pattern)
	}

	root := commonDir(files)
	c.logger.Debugf("Common root of %d matched files: %s", len(files), root)

	var targets []upload.Target
	for _, file := range files {
		info, err := os.Stat(file)
		if err != nil {
			return nil, err
		}

		rel, err := filepath.Rel(root, filepath.Dir(file))
		if err != nil {
			return nil, err
		}

		targets = append(targets, upload.Target{
			LocalPath:    file,
			RemoteFolder: RemoteFolder(uploadPath, rel),
			Size:         info.Size(),
		})
	}
	return targets, nil
}

func (c Collector) glob(pattern string) ([]string, error) {
	base, rest := doublestar.SplitPattern(filepath.ToSlash(pattern))
	absBase, err := c.pathModifier.AbsPath(base) // resolves ~/ and expands any envs
	if err != nil {
		return nil, err
	}

	matches, err := doublestar.Glob(os.DirFS(absBase), rest)
	if err != nil {
		return nil, fmt.Errorf("invalid pattern %s: %w", pattern, err)
	}

	var files []string
	for _, match := range matches {
		if hidden(rest, match) {
			continue
		}

		file := filepath.Join(absBase, filepath.FromSlash(match))
		info, err := os.Stat(file)
		if err != nil {
			c.logger.Warnf("Failed to check %s: %s", file, err)
			continue
		}
		if !info.Mode().IsRegular() {
			continue
		}
		files = append(files, file)
	}
	sort.Strings(files)
	return files, nil
}

// hidden reports whether match has a dot-prefixed name which no dot-prefixed segment of
// pattern matches. Wildcards do not match hidden files.
func hidden(pattern, match string) bool {
	var dotSegments []string
	for _, seg := range strings.Split(pattern, "/") {
		if strings.HasPrefix(seg, ".") && seg != "." && seg != ".." {
			dotSegments = append(dotSegments, seg)
		}
	}

	for _, name := range strings.Split(match, "/") {
		if !strings.HasPrefix(name, ".") {
			continue
		}
		explicit := false
		for _, seg := range dotSegments {
			if ok, _ := doublestar.Match(seg, name); ok {
				explicit = true
				break
			}
		}
		if !explicit {
			return true
		}
	}
	return false
}

// RemoteFolder joins the upload path and a relative local directory into a slash separated remote path.
func RemoteFolder(uploadPath, relDir string) string {
	relDir = filepath.ToSlash(relDir)
	if relDir == "." {
		relDir = ""
	}
	joined := path.Join(strings.ReplaceAll(uploadPath, "\\", "/"), relDir)
	if joined == "." {
		return ""
	}
	return strings.Trim(joined, "/")
}

// commonDir returns the deepest directory containing every file.
func commonDir(files []string) string {
	common := strings.Split(filepath.Dir(files[0]), string(filepath.Separator))
	for _, file := range files[1:] {
		parts := strings.Split(filepath.Dir(file), string(filepath.Separator))
		n := 0
		for n < len(common) && n < len(parts) && common[n] == parts[n] {
			n++
		}
		common = common[:n]
	}

	dir := strings.Join(common, string(filepath.Separator))
	if dir == "" {
		return string(filepath.Separator)
	}
	return dir
}
