package stt

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

const modelBaseURL = "https://huggingface.co/ggerganov/whisper.cpp/resolve/main/"

// Checked in order; large-v3-turbo must precede large-v3.
var modelDownloads = []struct {
	size string
	file string
	mb   string
}{
	{"tiny", "ggml-tiny.bin", "75 MB"},
	{"base", "ggml-base.bin", "142 MB"},
	{"small", "ggml-small.bin", "466 MB"},
	{"medium", "ggml-medium.bin", "1.5 GB"},
	{"large-v3-turbo", "ggml-large-v3-turbo.bin", "1.5 GB"},
	{"large-v3", "ggml-large-v3.bin", "2.9 GB"},
}

// ModelDownloadHint returns where to fetch the ggml model named by path, or
// "" for an unrecognized size.
func ModelDownloadHint(path string) string {
	name := filepath.Base(path)
	for _, m := range modelDownloads {
		if strings.Contains(name, m.size) {
			return fmt.Sprintf("download %s%s (%s)", modelBaseURL, m.file, m.mb)
		}
	}
	return ""
}

// ResolveModelPath finds a model file. Besides the configured path it
// looks in a "models" directory next to it, in the working directory and
// beside the executable.
func ResolveModelPath(path string) (string, error) {
	if path == "" {
		return "", fmt.Errorf("model path is empty")
	}
	base := filepath.Base(path)
	candidates := []string{path, filepath.Join(filepath.Dir(path), "models", base), filepath.Join("models", base)}
	if exe, err := os.Executable(); err == nil {
		dir := filepath.Dir(exe)
		candidates = append(candidates, filepath.Join(dir, base), filepath.Join(dir, "models", base))
	}
	for _, candidate := range candidates {
		if info, err := os.Stat(candidate); err == nil && !info.IsDir() {
			return candidate, nil
		}
	}
	msg := "place it beside the binary or in a models directory"
	if hint := ModelDownloadHint(base); hint != "" {
		msg = hint + ", then " + msg
	}
	return "", fmt.Errorf("model file %s not found (%s): %w", base, msg, os.ErrNotExist)
}
