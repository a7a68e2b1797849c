package constants

import (
	"net/url"
	"path/filepath"
	"strings"
)

// AllowedExtensions holds the page image extensions accepted on submission.
var AllowedExtensions = map[string]struct{}{
	"jpg":  {},
	"jpeg": {},
	"png":  {},
	"webp": {},
	"heic": {},
}

// MaxPagesPerJob caps a single submission.
const MaxPagesPerJob = 50

// MaxPageRefLength caps one page reference (path or URL), in runes.
const MaxPageRefLength = 2048

// NormalizeExt lowercases and trims the dot from a file extension.
func NormalizeExt(ext string) string {
	return strings.ToLower(strings.TrimPrefix(ext, "."))
}

// IsRemoteRef reports whether a page reference is an http(s) URL.
func IsRemoteRef(ref string) bool {
	u, err := url.Parse(ref)
	if err != nil {
		return false
	}
	return (u.Scheme == "http" || u.Scheme == "https") && u.Host != ""
}

// IsSupportedImageRef accepts remote URLs and local paths with an allowed extension.
func IsSupportedImageRef(ref string) bool {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return false
	}
	if IsRemoteRef(ref) {
		return true
	}
	_, ok := AllowedExtensions[NormalizeExt(filepath.Ext(ref))]
	return ok
}
