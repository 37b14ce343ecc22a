package logbuf

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"strings"
)

const tailChunk = 8 * 1024

// TailFile returns up to the last n lines of the file at path, reading
// backwards in chunks so large logs are not loaded whole.
func TailFile(path string, n int) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening log %s: %w", path, err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("stat log %s: %w", path, err)
	}

	size := info.Size()
	var buf []byte
	for off := size; off > 0; {
		chunk := int64(tailChunk)
		if off < chunk {
			chunk = off
		}
		off -= chunk

		b := make([]byte, chunk)
		if _, err := f.ReadAt(b, off); err != nil && err != io.EOF {
			return nil, fmt.Errorf("reading log %s: %w", path, err)
		}
		buf = append(b, buf...)

		// n lines need n+1 separators once the final newline is discounted
		if n > 0 && bytes.Count(buf, []byte{'\n'}) > n {
			break
		}
	}

	text := strings.TrimRight(string(buf), "\n")
	if text == "" {
		return nil, nil
	}
	lines := strings.Split(text, "\n")
	if n > 0 && len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	return lines, nil
}
