package utils

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	gonanoid "github.com/matoous/go-nanoid/v2"
	"golang.org/x/sys/unix"
)

var RuncirrusInstanceId = gonanoid.MustGenerate("abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ", 12)

// Returns true if the specified file exists and is actually a file (not a directory)
func FileExists(path string) bool {
	info, err := os.Stat(path)
	if err != nil {
		return false
	}

	return !info.IsDir()
}

// Returns true if the specified directory exists and is actually a directory (not a file)
func DirectoryExists(path string) bool {
	info, err := os.Stat(path)
	if err != nil {
		return false
	}

	return info.IsDir()
}

// CheckExecutable fails unless path is a regular file the current user may execute.
func CheckExecutable(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return err
	}
	if info.IsDir() {
		return fmt.Errorf("%s is a directory", path)
	}

	if err := unix.Access(path, unix.X_OK); err != nil {
		return fmt.Errorf("Insufficient permissions to execute %s: %w", path, err)
	}

	return nil
}

// AnonymizeHostname keeps only the domain part of a fully qualified host name.
func AnonymizeHostname(fqdn string) string {
	index := strings.IndexByte(fqdn, '.')
	if index < 0 {
		return ""
	}
	return fqdn[index:]
}

// ExpandHome replaces a leading ~ with the current user's home directory.
func ExpandHome(path string) string {
	if path != "~" && !strings.HasPrefix(path, "~/") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(home, strings.TrimPrefix(path, "~"))
}

// TailLines returns at most n of the last non-empty lines of the file at path.
func TailLines(path string, n int) ([]string, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	var lines []string
	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := strings.TrimRight(scanner.Text(), " \t\r")
		if line == "" {
			continue
		}
		lines = append(lines, line)
		if len(lines) > n {
			lines = lines[1:]
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}

	return lines, nil
}
