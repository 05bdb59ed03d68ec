package console

import (
	"encoding/json"
	"fmt"
	"io"
	"slices"

	"gopkg.in/yaml.v3"
)

// Output formats accepted by --format.
const (
	FormatText = "text"
	FormatJSON = "json"
	FormatYAML = "yaml"
)

// ValidFormats lists the accepted output formats.
var ValidFormats = []string{FormatText, FormatJSON, FormatYAML}

// IsValidFormat reports whether format is one of ValidFormats.
func IsValidFormat(format string) bool {
	return slices.Contains(ValidFormats, format)
}

// Response is the envelope written in the structured formats.
type Response struct {
	Status string         `json:"status" yaml:"status"`
	Data   any            `json:"data,omitempty" yaml:"data,omitempty"`
	Error  *ResponseError `json:"error,omitempty" yaml:"error,omitempty"`
}

// ResponseError describes a failed command in the structured formats.
type ResponseError struct {
	Code    string `json:"code" yaml:"code"`
	Message string `json:"message" yaml:"message"`
}

// TextRenderer writes the human-readable form of a result.
type TextRenderer func(w io.Writer) error

// OutputFormatter renders command results as text, JSON or YAML.
type OutputFormatter struct {
	Format string
	Writer io.Writer
	// ErrWriter receives progress and diagnostic lines; defaults to Writer.
	ErrWriter io.Writer
}

// Success writes data. In text format the renderer is used when provided,
// otherwise data is printed with fmt.
func (f *OutputFormatter) Success(data any, text TextRenderer) error {
	switch f.Format {
	case FormatJSON:
		return f.encodeJSON(Response{Status: "ok", Data: data})
	case FormatYAML:
		return f.encodeYAML(Response{Status: "ok", Data: data})
	}
	if text != nil {
		return text(f.Writer)
	}
	_, err := fmt.Fprintln(f.Writer, data)
	return err
}

// Error writes a failure with a stable code.
func (f *OutputFormatter) Error(code, message string) error {
	response := Response{Status: "error", Error: &ResponseError{Code: code, Message: message}}
	switch f.Format {
	case FormatJSON:
		return f.encodeJSON(response)
	case FormatYAML:
		return f.encodeYAML(response)
	}
	_, err := fmt.Fprintf(f.errWriter(), "Error [%s]: %s\n", code, message)
	return err
}

// Progressf writes a progress line. Structured formats keep it off Writer so
// their output stays parseable.
func (f *OutputFormatter) Progressf(format string, args ...any) {
	w := f.Writer
	if f.Format != FormatText && f.Format != "" {
		w = f.errWriter()
	}
	fmt.Fprintf(w, format+"\n", args...)
}

func (f *OutputFormatter) errWriter() io.Writer {
	if f.ErrWriter != nil {
		return f.ErrWriter
	}
	return f.Writer
}

func (f *OutputFormatter) encodeJSON(value any) error {
	encoder := json.NewEncoder(f.Writer)
	encoder.SetIndent("", "  ")
	return encoder.Encode(value)
}

func (f *OutputFormatter) encodeYAML(value any) error {
	encoder := yaml.NewEncoder(f.Writer)
	encoder.SetIndent(2)
	if err := encoder.Encode(value); err != nil {
		return err
	}
	return encoder.Close()
}
