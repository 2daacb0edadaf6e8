package cli

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/roach88/weft/internal/automation"
	"github.com/roach88/weft/internal/compiler"
)

// Error codes surfaced in CLI output.
const (
	ErrCodeGeneric  = "E001" // unclassified failure
	ErrCodeCompile  = "E002" // CUE compile or validation failure
	ErrCodeNoFiles  = "E003" // directory holds no CUE files
	ErrCodeNotFound = "E004" // path does not exist
)

// FileResult is one CUE file's compilation outcome. Err is set when the
// file failed to compile; Definitions is populated otherwise.
type FileResult struct {
	Path        string
	Definitions []automation.Definition
	Err         error
}

// LoadAutomations discovers CUE automation files at path (a file or a
// directory scanned for *.cue) and compiles each one. Per-file compile
// failures land in the FileResult; only path-level problems return an
// error.
func LoadAutomations(path string) ([]FileResult, error) {
	info, err := os.Stat(path)
	if os.IsNotExist(err) {
		return nil, WrapExitError(ExitCommandError,
			fmt.Sprintf("%s: path not found", ErrCodeNotFound), err)
	}
	if err != nil {
		return nil, WrapExitError(ExitCommandError,
			fmt.Sprintf("%s: stat %s", ErrCodeGeneric, path), err)
	}

	files := []string{path}
	if info.IsDir() {
		files, err = filepath.Glob(filepath.Join(path, "*.cue"))
		if err != nil {
			return nil, WrapExitError(ExitCommandError,
				fmt.Sprintf("%s: scan %s", ErrCodeGeneric, path), err)
		}
		if len(files) == 0 {
			return nil, NewExitError(ExitCommandError,
				fmt.Sprintf("%s: no CUE files found in %s", ErrCodeNoFiles, path))
		}
		sort.Strings(files)
	}

	results := make([]FileResult, 0, len(files))
	for _, file := range files {
		results = append(results, loadFile(file))
	}
	return results, nil
}

func loadFile(path string) FileResult {
	source, err := os.ReadFile(path)
	if err != nil {
		return FileResult{Path: path, Err: fmt.Errorf("read %s: %w", path, err)}
	}

	defs, err := compiler.LoadString(path, string(source))
	if err != nil {
		return FileResult{Path: path, Err: err}
	}

	// Compiled definitions may still be structurally incomplete.
	for _, def := range defs {
		if verr := def.Validate(); verr != nil {
			return FileResult{Path: path, Err: verr}
		}
	}
	return FileResult{Path: path, Definitions: defs}
}
