// Package parser validates the JSON documents CLI subprocesses write and
// converts them into typed action values.
package parser

import (
	"fmt"
	"os"
	"strings"

	"github.com/malamar-dev/malamar/internal/common/stringutil"
)

// ErrorKind distinguishes the failure classes, checked strictly in order:
// file_missing, file_empty, json_parse, schema_validation.
type ErrorKind string

const (
	ErrFileMissing ErrorKind = "file_missing"
	ErrFileEmpty   ErrorKind = "file_empty"
	ErrJSONParse   ErrorKind = "json_parse"
	ErrSchema      ErrorKind = "schema_validation"
)

// ParseError carries the failure class alongside the user-facing message.
type ParseError struct {
	Kind    ErrorKind
	Message string
}

func (e *ParseError) Error() string {
	return e.Message
}

func fileMissingError(path string) *ParseError {
	return &ParseError{
		Kind:    ErrFileMissing,
		Message: fmt.Sprintf("CLI completed but output file was not created at %s", path),
	}
}

func fileEmptyError() *ParseError {
	return &ParseError{
		Kind:    ErrFileEmpty,
		Message: "CLI completed but output file was empty",
	}
}

func jsonParseError(detail error) *ParseError {
	return &ParseError{
		Kind:    ErrJSONParse,
		Message: fmt.Sprintf("CLI output was not valid JSON: %v", detail),
	}
}

func schemaError(detail string) *ParseError {
	return &ParseError{
		Kind:    ErrSchema,
		Message: fmt.Sprintf("CLI output structure was invalid: %s", detail),
	}
}

// readOutputFile resolves the first two error kinds: a missing file and a
// blank file.
func readOutputFile(path string) (string, *ParseError) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return "", fileMissingError(path)
		}
		return "", &ParseError{
			Kind:    ErrFileMissing,
			Message: fmt.Sprintf("CLI completed but output file was not readable at %s: %v", path, err),
		}
	}
	content := string(data)
	if strings.TrimSpace(content) == "" {
		return "", fileEmptyError()
	}
	return content, nil
}

// maxStderrLen bounds how much captured stderr ends up in the comment; some
// CLIs dump full stack traces there.
const maxStderrLen = 1000

// GenerateErrorComment composes the system comment for a failed CLI
// invocation from its exit code and captured stderr.
func GenerateErrorComment(exitCode int, stderr string) string {
	message := fmt.Sprintf("CLI exited with code %d.", exitCode)
	if trimmed := strings.TrimSpace(stderr); trimmed != "" {
		message += " " + stringutil.TruncateWithEllipsis(trimmed, maxStderrLen)
	}
	return message
}
