package agent

import (
	"context"
	"errors"
	"io/fs"
	"os"
	"regexp"
	"strings"

	"github.com/nexus3/nexus3/internal/observability"
)

// absPathRe matches absolute paths of two or more segments.
var absPathRe = regexp.MustCompile(`(/[A-Za-z0-9._+~-]+){2,}`)

// homeUserRe matches the username segment of home-directory paths.
var homeUserRe = regexp.MustCompile(`^(/home/|/Users/)([^/]+)`)

// SanitizeError rewrites an error for the model's eyes: common OS errors
// are canonicalized to fixed strings, secrets are scrubbed, home-directory
// usernames become [user], and other absolute paths become [path]. Callers
// must log the raw error separately; this transformation is lossy.
func SanitizeError(err error) string {
	if err == nil {
		return ""
	}

	if canonical, ok := canonicalOSError(err); ok {
		return canonical
	}

	s := observability.RedactSecrets(err.Error())
	return absPathRe.ReplaceAllStringFunc(s, func(match string) string {
		if strings.HasPrefix(match, "/home/") || strings.HasPrefix(match, "/Users/") {
			return homeUserRe.ReplaceAllString(match, "${1}[user]")
		}
		return "[path]"
	})
}

func canonicalOSError(err error) (string, bool) {
	msg := strings.ToLower(err.Error())
	switch {
	case errors.Is(err, fs.ErrPermission) || os.IsPermission(err) || strings.Contains(msg, "permission denied"):
		return "Permission denied", true
	case errors.Is(err, fs.ErrNotExist) || os.IsNotExist(err) || strings.Contains(msg, "no such file or directory"):
		return "No such file or directory", true
	case strings.Contains(msg, "is a directory"):
		return "Is a directory", true
	case strings.Contains(msg, "not a directory"):
		return "Not a directory", true
	case errors.Is(err, context.DeadlineExceeded) ||
		strings.Contains(msg, "deadline exceeded") ||
		strings.Contains(msg, "timed out") ||
		strings.Contains(msg, "timeout"):
		return "Operation timed out", true
	case strings.Contains(msg, "no space left"):
		return "No space left on device", true
	}
	return "", false
}
