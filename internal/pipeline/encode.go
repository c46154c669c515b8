package pipeline

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"image"
	"image/png"
)

var pngEncoder = png.Encoder{CompressionLevel: png.DefaultCompression}

// Encode writes img as PNG and returns it base64 encoded. The output is
// identical for identical pixels.
func Encode(img image.Image) (string, error) {
	var buf bytes.Buffer
	if err := pngEncoder.Encode(&buf, img); err != nil {
		return "", fmt.Errorf("failed to encode png: %w", err)
	}
	return base64.StdEncoding.EncodeToString(buf.Bytes()), nil
}

// EncodeRaw base64 encodes bytes verbatim.
func EncodeRaw(raw []byte) string {
	return base64.StdEncoding.EncodeToString(raw)
}

// Decode reverses Encode.
func Decode(text string) (image.Image, error) {
	raw, err := base64.StdEncoding.DecodeString(text)
	if err != nil {
		return nil, fmt.Errorf("invalid base64: %w", err)
	}
	img, err := png.Decode(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("invalid png: %w", err)
	}
	return img, nil
}
