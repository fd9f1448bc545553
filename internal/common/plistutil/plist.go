// Package plistutil provides utilities for working with property list files
package plistutil

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"strings"

	"howett.net/plist"
)

// Format represents the plist format
type Format int

const (
	// FormatXML is the XML plist format
	FormatXML Format = iota
	// FormatBinary is the binary plist format
	FormatBinary
	// FormatOpenStep is the OpenStep plist format
	FormatOpenStep
	// FormatGNUStep is the GNUStep plist format
	FormatGNUStep
)

func (f Format) plistFormat() int {
	switch f {
	case FormatBinary:
		return plist.BinaryFormat
	case FormatOpenStep:
		return plist.OpenStepFormat
	case FormatGNUStep:
		return plist.GNUStepFormat
	default:
		return plist.XMLFormat
	}
}

// String returns the name of the format
func (f Format) String() string {
	switch f {
	case FormatBinary:
		return "binary"
	case FormatOpenStep:
		return "openstep"
	case FormatGNUStep:
		return "gnustep"
	default:
		return "xml"
	}
}

// ParseFormat converts a format name to a Format, defaulting to XML
func ParseFormat(name string) Format {
	switch strings.ToLower(name) {
	case "binary", "bin":
		return FormatBinary
	case "openstep":
		return FormatOpenStep
	case "gnustep":
		return FormatGNUStep
	default:
		return FormatXML
	}
}

// Encode writes v to w as a property list
func Encode(w io.Writer, v interface{}, format Format) error {
	encoder := plist.NewEncoderForFormat(w, format.plistFormat())
	if format == FormatXML {
		encoder.Indent("\t")
	}
	if err := encoder.Encode(v); err != nil {
		return fmt.Errorf("failed to encode plist: %w", err)
	}
	return nil
}

// WriteFile writes v to path as a property list
func WriteFile(path string, v interface{}, format Format) error {
	var buf bytes.Buffer
	if err := Encode(&buf, v, format); err != nil {
		return err
	}
	if err := os.WriteFile(path, buf.Bytes(), 0644); err != nil {
		return fmt.Errorf("failed to write plist %s: %w", path, err)
	}
	return nil
}

// ReadFile decodes the property list at path into v. The format is detected automatically.
func ReadFile(path string, v interface{}) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	if _, err := plist.Unmarshal(data, v); err != nil {
		return fmt.Errorf("failed to decode plist %s: %w", path, err)
	}
	return nil
}
