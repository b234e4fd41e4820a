package protocol

import (
	"net/url"
	"path/filepath"
	"strings"
)

// URIFromPath converts an absolute filesystem path to a file:// URI.
func URIFromPath(path string) DocumentURI {
	if path == "" {
		return ""
	}
	path = filepath.ToSlash(path)
	if !strings.HasPrefix(path, "/") {
		// Windows drive-letter paths need a leading slash.
		path = "/" + path
	}
	u := url.URL{Scheme: "file", Path: path}
	return DocumentURI(u.String())
}

// Path converts a file:// URI back to a filesystem path. Non-file URIs are
// returned as-is.
func (uri DocumentURI) Path() string {
	u, err := url.Parse(string(uri))
	if err != nil || u.Scheme != "file" {
		return string(uri)
	}
	return filepath.FromSlash(u.Path)
}
