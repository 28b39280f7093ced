package logging

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// ViolationEntry describes a policy violation for the append-only text log.
type ViolationEntry struct {
	TraceToken     string
	ViolationType  string
	Severity       string
	Explanation    string
	Sequence       []string
	Recommendation string
}

// ViolationLogger appends human-readable violation blocks to violations.log.
type ViolationLogger struct {
	path string
	file *os.File
	mu   sync.Mutex
}

// NewViolationLogger opens (or creates) the violations log under dir.
func NewViolationLogger(dir string) (*ViolationLogger, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create violation log dir: %w", err)
	}

	path := filepath.Join(dir, "violations.log")
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, fmt.Errorf("open violations log: %w", err)
	}

	return &ViolationLogger{path: path, file: file}, nil
}

// Path returns the location of the violations log file.
func (l *ViolationLogger) Path() string {
	return l.path
}

// Write appends a timestamped violation block.
func (l *ViolationLogger) Write(entry ViolationEntry) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.file == nil {
		return nil
	}

	var sb strings.Builder
	sb.WriteString(strings.Repeat("=", 80))
	sb.WriteString("\n")
	sb.WriteString(fmt.Sprintf("TIMESTAMP: %s\n", time.Now().UTC().Format(time.RFC3339)))
	sb.WriteString(fmt.Sprintf("TRACE TOKEN: %s\n", entry.TraceToken))
	sb.WriteString(fmt.Sprintf("VIOLATION TYPE: %s\n", entry.ViolationType))
	sb.WriteString(fmt.Sprintf("SEVERITY: %s\n", entry.Severity))
	sb.WriteString(fmt.Sprintf("EXPLANATION: %s\n", entry.Explanation))
	if len(entry.Sequence) > 0 {
		sb.WriteString(fmt.Sprintf("SEQUENCE: %s\n", strings.Join(entry.Sequence, " -> ")))
	}
	if entry.Recommendation != "" {
		sb.WriteString(fmt.Sprintf("RECOMMENDATION: %s\n", entry.Recommendation))
	}
	sb.WriteString(strings.Repeat("=", 80))
	sb.WriteString("\n\n")

	_, err := l.file.WriteString(sb.String())
	return err
}

// Close closes the underlying file.
func (l *ViolationLogger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.file == nil {
		return nil
	}
	err := l.file.Close()
	l.file = nil
	return err
}
