package spark

import (
	"errors"
	"io"
	"io/fs"
	"os"
	"strings"
)

// maxMarkerBytes bounds how much of the exit marker is read. Exit statuses
// are short; anything past this is dropped.
const maxMarkerBytes = 4 << 10

// ReadExitMarker returns the trimmed contents of the exit marker left by the
// supervised application. A missing file means no failure was recorded. Any
// other read error also yields "", together with the error so it can be logged.
func ReadExitMarker(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return "", nil
		}
		return "", &CycleError{Stage: StageMarker, Target: path, Err: err}
	}
	defer f.Close()

	data, err := io.ReadAll(io.LimitReader(f, maxMarkerBytes))
	if err != nil {
		return "", &CycleError{Stage: StageMarker, Target: path, Err: err}
	}
	return strings.TrimSpace(string(data)), nil
}
