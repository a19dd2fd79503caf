package storage

import (
	"fmt"
	"os"
	"strings"
	"time"
)

// TimeFormat is the timestamp layout of metadata files and folder names.
const TimeFormat = "2006-01-02T15:04:05"

const metadataLines = 3

type metadata struct {
	name      string
	createdAt time.Time
	interval  string
}

func (m metadata) encode() string {
	return strings.Join([]string{m.name, m.createdAt.Format(TimeFormat), m.interval}, "\n") + "\n"
}

func writeMetadata(path string, m metadata) error {
	if err := os.WriteFile(path, []byte(m.encode()), 0o644); err != nil {
		return fmt.Errorf("failed to write metadata file %s: %w", path, err)
	}
	return nil
}

func readMetadata(path string) (metadata, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return metadata{}, err
	}

	lines := strings.Split(strings.TrimSuffix(string(content), "\n"), "\n")
	if len(lines) != metadataLines {
		return metadata{}, fmt.Errorf("expected %d lines, found %d", metadataLines, len(lines))
	}

	name := strings.TrimSpace(lines[0])
	interval := strings.TrimSpace(lines[2])
	if name == "" || interval == "" {
		return metadata{}, fmt.Errorf("name and interval must not be empty")
	}

	createdAt, err := time.ParseInLocation(TimeFormat, strings.TrimSpace(lines[1]), time.Local)
	if err != nil {
		return metadata{}, fmt.Errorf("invalid timestamp: %w", err)
	}

	return metadata{name: name, createdAt: createdAt, interval: interval}, nil
}
