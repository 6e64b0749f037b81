package utils

import (
	"fmt"
	"mime"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

func GetRandomUserAgent() string {
	return userAgents[time.Now().UnixNano()%int64(len(userAgents))]
}

func RenewOutputPath(outputPath string) string {
	dir := filepath.Dir(outputPath)
	base := filepath.Base(outputPath)
	ext := filepath.Ext(base)
	name := base[:len(base)-len(ext)]
	for index := 1; ; index++ {
		candidate := filepath.Join(dir, fmt.Sprintf("%s-(%d)%s", name, index, ext))
		if _, err := os.Stat(candidate); os.IsNotExist(err) {
			return candidate
		}
	}
}

func ParseHeaderArgs(headers []string) map[string]string {
	result := make(map[string]string)
	for _, header := range headers {
		key, value, ok := strings.Cut(header, ":")
		if !ok {
			continue
		}
		key = strings.TrimSpace(key)
		if key == "" {
			continue
		}
		result[key] = strings.TrimSpace(value)
	}
	return result
}

// ParseRate turns "500K", "2M", "1.5G" or a plain byte count into bytes per second.
func ParseRate(value string) (int64, error) {
	value = strings.TrimSpace(strings.ToUpper(value))
	if value == "" || value == "0" {
		return 0, nil
	}
	multiplier := 1.0
	switch value[len(value)-1] {
	case 'K':
		multiplier = 1024
	case 'M':
		multiplier = 1024 * 1024
	case 'G':
		multiplier = 1024 * 1024 * 1024
	}
	if multiplier > 1 {
		value = value[:len(value)-1]
	}
	number, err := strconv.ParseFloat(value, 64)
	if err != nil || number < 0 {
		return 0, fmt.Errorf("invalid rate %q", value)
	}
	return int64(number * multiplier), nil
}

// FilenameFromDisposition extracts a filesystem-safe name from a Content-Disposition header.
func FilenameFromDisposition(contentDisposition string) string {
	if contentDisposition == "" {
		return ""
	}
	_, params, err := mime.ParseMediaType(contentDisposition)
	if err != nil {
		return ""
	}
	if fn, ok := params["filename"]; ok && fn != "" {
		return filenameRegex.ReplaceAllString(filepath.Base(fn), "_")
	}
	if fn, ok := params["filename*"]; ok && strings.HasPrefix(fn, "UTF-8''") {
		unescaped, err := url.PathUnescape(strings.TrimPrefix(fn, "UTF-8''"))
		if err == nil && unescaped != "" {
			return filenameRegex.ReplaceAllString(filepath.Base(unescaped), "_")
		}
	}
	return ""
}

// InferOutputPath picks a local name for a download when the user gave none.
func InferOutputPath(rawURL, serverFilename string) string {
	if serverFilename != "" {
		return serverFilename
	}
	parsedURL, err := url.Parse(rawURL)
	if err != nil {
		return "download"
	}
	name := path.Base(parsedURL.Path)
	if name == "" || name == "." || name == "/" {
		return "download"
	}
	if unescaped, err := url.PathUnescape(name); err == nil {
		name = unescaped
	}
	return filenameRegex.ReplaceAllString(name, "_")
}

// ProgressFilePath is the hidden per-shard progress record for outputPath.
func ProgressFilePath(outputPath string) string {
	return filepath.Join(filepath.Dir(outputPath), "."+filepath.Base(outputPath)+".progress")
}

// ShardFilePath is the hidden temp file holding bytes [start, end] of outputPath.
func ShardFilePath(outputPath string, start, end int64) string {
	return filepath.Join(filepath.Dir(outputPath), fmt.Sprintf(".%s.tmp%d-%d", filepath.Base(outputPath), start, end))
}

// Clean removes the progress record and every shard file left behind for outputPath.
func Clean(outputPath string) (int, error) {
	dir := filepath.Dir(outputPath)
	entries, err := os.ReadDir(dir)
	if err != nil {
		return 0, err
	}
	shardPrefix := "." + filepath.Base(outputPath) + ".tmp"
	progressName := filepath.Base(ProgressFilePath(outputPath))
	removed := 0
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		name := entry.Name()
		if name != progressName && !strings.HasPrefix(name, shardPrefix) {
			continue
		}
		if err := os.Remove(filepath.Join(dir, name)); err != nil {
			return removed, err
		}
		removed++
	}
	return removed, nil
}
