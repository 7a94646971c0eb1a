package domain

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"strings"
)

const (
	// MaxPromptChars is the admission limit on prompt length.
	MaxPromptChars = 10000
	// MaxImageSourceChars bounds the raw base64/data-URL text accepted at admission.
	MaxImageSourceChars = 12_000_000
	// MaxImageDecodedBytes bounds the decoded image payload.
	MaxImageDecodedBytes = 4 * 1024 * 1024
)

var pngSignature = []byte{0x89, 0x50, 0x4E, 0x47, 0x0D, 0x0A, 0x1A, 0x0A}
var jpegSignature = []byte{0xFF, 0xD8, 0xFF}

// SniffImageType identifies PNG/JPEG by magic bytes.
func SniffImageType(data []byte) (mimeType, ext string, ok bool) {
	if bytes.HasPrefix(data, pngSignature) {
		return "image/png", ".png", true
	}
	if bytes.HasPrefix(data, jpegSignature) {
		return "image/jpeg", ".jpg", true
	}
	return "", "", false
}

// ValidatePrompt checks the admission rules for the prompt field.
func ValidatePrompt(prompt string) error {
	trimmed := strings.TrimSpace(prompt)
	if trimmed == "" {
		return NewValidationError("prompt", ErrPromptRequired)
	}
	if len([]rune(prompt)) > MaxPromptChars {
		return NewValidationError("prompt", ErrPromptTooLong)
	}
	return nil
}

// ValidateAspect parses and checks the admission rules for the aspect field.
func ValidateAspect(aspect string) (Aspect, error) {
	a := Aspect(aspect)
	if !ValidAspects[a] {
		return "", NewValidationError("aspect", ErrInvalidAspect)
	}
	return a, nil
}

// NormalizeImage accepts either a bare base64 payload or a "data:" URL and
// returns the normalized data-URL form, the decoded bytes, and the sniffed
// extension, applying the same source-size, decoded-size, and format checks
// as admission.
func NormalizeImage(input string) (dataURL string, decoded []byte, ext string, err error) {
	if input == "" {
		return "", nil, "", nil
	}
	if len(input) > MaxImageSourceChars {
		return "", nil, "", NewValidationError("imageBase64", ErrImageTooLarge)
	}

	raw := input
	if strings.HasPrefix(input, "data:") {
		idx := strings.Index(input, ",")
		if idx == -1 {
			return "", nil, "", NewValidationError("imageBase64", ErrImageBadEncoding)
		}
		raw = input[idx+1:]
	}

	decoded, decErr := base64.StdEncoding.DecodeString(raw)
	if decErr != nil {
		return "", nil, "", NewValidationError("imageBase64", fmt.Errorf("%w: %v", ErrImageBadEncoding, decErr))
	}
	if len(decoded) > MaxImageDecodedBytes {
		return "", nil, "", NewValidationError("imageBase64", ErrImageTooLarge)
	}

	mimeType, ext, ok := SniffImageType(decoded)
	if !ok {
		return "", nil, "", NewValidationError("imageBase64", ErrImageBadFormat)
	}

	dataURL = "data:" + mimeType + ";base64," + base64.StdEncoding.EncodeToString(decoded)
	return dataURL, decoded, ext, nil
}
