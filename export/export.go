package export

import (
	"fmt"
	"strings"

	"github.com/bitrise-io/go-utils/v2/command"
	"github.com/bitrise-io/go-utils/v2/fileutil"
	"github.com/bitrise-io/go-utils/v2/pathutil"
)

// Exporter ...
type Exporter struct {
	cmdFactory   command.Factory
	fileManager  fileutil.FileManager
	pathModifier pathutil.PathModifier
}

// NewExporter ...
func NewExporter(cmdFactory command.Factory) Exporter {
	return Exporter{
		cmdFactory:   cmdFactory,
		fileManager:  fileutil.NewFileManager(),
		pathModifier: pathutil.NewPathModifier(),
	}
}

// ExportOutput is used for exposing values for other steps.
// Regular env vars are isolated between steps, so instead of calling `os.Setenv()`, use this to explicitly expose
// a value for subsequent steps.
func (e *Exporter) ExportOutput(key, value string) error {
	cmd := e.cmdFactory.Create("envman", []string{"add", "--key", key, "--value", value}, nil)
	return runExport(cmd)
}

// ExportOutputNoExpand works like ExportOutput but does not expand environment variables in the value.
// This can be used when the value is unstrusted or is beyond the control of the step.
func (e *Exporter) ExportOutputNoExpand(key, value string) error {
	cmd := e.cmdFactory.Create("envman", []string{"add", "--key", key, "--value", value, "--no-expand"}, nil)
	return runExport(cmd)
}

// ExportOutputList exports values as a newline separated list, without expanding environment variables.
func (e *Exporter) ExportOutputList(key string, values []string) error {
	return e.ExportOutputNoExpand(key, strings.Join(values, "\n"))
}

// ExportOutputFileContent writes content to dst and exports the absolute path of dst.
func (e *Exporter) ExportOutputFileContent(content []byte, dst, envKey string) error {
	absDst, err := e.pathModifier.AbsPath(dst)
	if err != nil {
		return err
	}

	if err := e.fileManager.WriteBytes(absDst, content); err != nil {
		return err
	}

	return e.ExportOutput(envKey, absDst)
}

func runExport(cmd command.Command) error {
	out, err := cmd.RunAndReturnTrimmedCombinedOutput()
	if err != nil {
		return fmt.Errorf("exporting output with envman failed: %s, output: %s", err, out)
	}
	return nil
}
