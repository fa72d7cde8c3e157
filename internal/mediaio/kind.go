package mediaio

import (
	"fmt"
	"image"
	"os"
	"path/filepath"
	"strings"

	"github.com/disintegration/imaging"
	"github.com/gabriel-vasile/mimetype"
	_ "golang.org/x/image/webp"

	"github.com/your-org/mediaflow/internal/models"
)

var videoExts = map[string]bool{
	".mp4": true, ".mov": true, ".avi": true, ".mkv": true, ".m4v": true, ".webm": true, ".3gp": true,
}

// Classify sniffs the file content and reports whether it is an image or a video.
// The extension is only consulted when the content is inconclusive, so files whose
// real format disagrees with their name are still handled.
func Classify(path string) (models.MediaKind, error) {
	mt, err := mimetype.DetectFile(path)
	if err != nil {
		return "", fmt.Errorf("detect mime type: %w", err)
	}
	for m := mt; m != nil; m = m.Parent() {
		switch {
		case strings.HasPrefix(m.String(), "image/"):
			return models.KindImage, nil
		case strings.HasPrefix(m.String(), "video/"):
			return models.KindVideo, nil
		}
	}
	if videoExts[strings.ToLower(filepath.Ext(path))] {
		return models.KindVideo, nil
	}
	return models.KindImage, nil
}

// DecodeImage decodes raw pixels without applying EXIF orientation.
func DecodeImage(path string) (image.Image, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open image: %w", err)
	}
	defer f.Close()

	img, err := imaging.Decode(f)
	if err != nil {
		return nil, fmt.Errorf("decode image: %w", err)
	}
	return img, nil
}
