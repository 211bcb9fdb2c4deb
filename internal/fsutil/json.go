package fsutil

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
)

// ReadJSON decodes path into out. A missing or blank file reports
// (false, nil); undecodable content wraps ErrDecodeFailed.
func ReadJSON(path string, out any) (bool, error) {
	path, err := normalizePath(path)
	if err != nil {
		return false, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return false, nil
		}
		return false, fmt.Errorf("read json %s: %w", path, err)
	}
	if len(bytes.TrimSpace(data)) == 0 {
		return false, nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return false, fmt.Errorf("%w: decode %s: %v", ErrDecodeFailed, path, err)
	}
	return true, nil
}

func WriteJSONAtomic(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("%w: encode %s: %v", ErrEncodeFailed, path, err)
	}
	data = append(data, '\n')
	return WriteAtomic(path, data)
}

// ReadText returns the file content; ok is false when the file is missing.
func ReadText(path string) (string, bool, error) {
	path, err := normalizePath(path)
	if err != nil {
		return "", false, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return "", false, nil
		}
		return "", false, fmt.Errorf("read text %s: %w", path, err)
	}
	return string(data), true, nil
}

func WriteTextAtomic(path string, content string) error {
	return WriteAtomic(path, []byte(content))
}
