package openai

import (
	"encoding/base64"
	"fmt"
	"mime"
	"os"
	"path/filepath"
	"strings"

	"github.com/joseph-ayodele/homework-grader/constants"
)

// imageURL returns what the chat API accepts as an image: remote refs pass through,
// local files are inlined as a data URL.
func (c *Client) imageURL(ref string) (string, error) {
	if constants.IsRemoteRef(ref) {
		return ref, nil
	}
	ext := constants.NormalizeExt(filepath.Ext(ref))
	if ext == "heic" {
		return "", fmt.Errorf("heic pages must be converted before they can be attached")
	}
	st, err := os.Stat(ref)
	if err != nil {
		return "", fmt.Errorf("stat page image: %w", err)
	}
	if st.Size() > int64(c.cfg.MaxImageMB)*1024*1024 {
		return "", fmt.Errorf("page image is %d bytes, above the %d MB limit", st.Size(), c.cfg.MaxImageMB)
	}
	return readAsDataURL(ref)
}

func readAsDataURL(path string) (string, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	ext := strings.ToLower(strings.TrimPrefix(filepath.Ext(path), "."))
	mt := mime.TypeByExtension("." + ext)
	if mt == "" {
		switch ext {
		case "jpg", "jpeg":
			mt = "image/jpeg"
		case "png":
			mt = "image/png"
		case "webp":
			mt = "image/webp"
		default:
			mt = "application/octet-stream"
		}
	}
	return "data:" + mt + ";base64," + base64.StdEncoding.EncodeToString(b), nil
}
