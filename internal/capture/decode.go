package capture

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"net/http"
	"strings"

	"github.com/disintegration/imaging"
	_ "golang.org/x/image/webp"
)

// SplitDataURI separates a "data:<mime>;base64,<payload>" string into its
// decoded payload and MIME type. Input without the prefix is returned as is
// with an empty MIME type.
func SplitDataURI(data []byte) ([]byte, string, error) {
	s := strings.TrimSpace(string(data))
	if !strings.HasPrefix(s, "data:") {
		return data, "", nil
	}

	idx := strings.IndexByte(s, ',')
	if idx < 0 {
		return nil, "", fmt.Errorf("malformed data URI")
	}
	meta := s[len("data:"):idx]
	payload := s[idx+1:]

	mimeType := meta
	if semi := strings.IndexByte(meta, ';'); semi >= 0 {
		mimeType = meta[:semi]
	}
	if !strings.HasSuffix(meta, ";base64") {
		return []byte(payload), mimeType, nil
	}

	decoded, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		if decoded, err = base64.RawStdEncoding.DecodeString(payload); err != nil {
			return nil, "", fmt.Errorf("malformed base64 payload: %w", err)
		}
	}
	return decoded, mimeType, nil
}

// DecodeFrame decodes raw image bytes or a data URI. JPEG, PNG, GIF and WebP
// are supported. EXIF orientation is applied so phone pictures come out
// upright.
func DecodeFrame(data []byte) (image.Image, string, error) {
	raw, mimeType, err := SplitDataURI(data)
	if err != nil {
		return nil, "", err
	}
	if len(raw) == 0 {
		return nil, "", fmt.Errorf("empty frame")
	}
	if mimeType == "" {
		mimeType = http.DetectContentType(raw)
	}

	img, err := imaging.Decode(bytes.NewReader(raw), imaging.AutoOrientation(true))
	if err != nil {
		return nil, "", fmt.Errorf("failed to decode frame: %w", err)
	}
	return img, mimeType, nil
}
