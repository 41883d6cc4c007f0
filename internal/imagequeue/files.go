package imagequeue

import (
	"fmt"
	"net/url"
	"os"
	"strings"
)

// LocalScheme prefixes URIs of files on the device.
const LocalScheme = "file://"

// IsLocalURI reports whether uri points at a file on the device.
func IsLocalURI(uri string) bool {
	return strings.HasPrefix(uri, LocalScheme)
}

// FileSystem gives the queue access to captured files.
type FileSystem interface {
	Exists(uri string) bool
	ReadFile(uri string) ([]byte, error)
}

// OSFiles reads file:// URIs from the local disk.
type OSFiles struct{}

// Exists implements FileSystem.
func (OSFiles) Exists(uri string) bool {
	path, err := LocalPath(uri)
	if err != nil {
		return false
	}
	info, err := os.Stat(path)
	return err == nil && info.Mode().IsRegular()
}

// ReadFile implements FileSystem.
func (OSFiles) ReadFile(uri string) ([]byte, error) {
	path, err := LocalPath(uri)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}
	return data, nil
}

// LocalPath converts a file:// URI into a filesystem path.
func LocalPath(uri string) (string, error) {
	if !IsLocalURI(uri) {
		return "", fmt.Errorf("not a local file uri: %q", uri)
	}
	u, err := url.Parse(uri)
	if err != nil {
		return "", fmt.Errorf("parsing %q: %w", uri, err)
	}
	if u.Path == "" {
		return "", fmt.Errorf("empty path in %q", uri)
	}
	return u.Path, nil
}

// FileURI returns the file:// URI of an absolute path.
func FileURI(path string) string {
	return (&url.URL{Scheme: "file", Path: path}).String()
}

// LocalCandidates returns a candidate for every local image of an item,
// indexed by its position in images.
func LocalCandidates(itemID string, itemType ItemType, images []string) []Candidate {
	var out []Candidate
	for i, uri := range images {
		if IsLocalURI(uri) {
			out = append(out, Candidate{LocalURI: uri, ItemID: itemID, ItemType: itemType, ImageIndex: i})
		}
	}
	return out
}

// SpliceImage replaces oldURI with newURL in images, preferring position
// index. It reports false when oldURI is no longer in the list.
func SpliceImage(images []string, index int, oldURI, newURL string) bool {
	if index >= 0 && index < len(images) && images[index] == oldURI {
		images[index] = newURL
		return true
	}
	for i, uri := range images {
		if uri == oldURI {
			images[i] = newURL
			return true
		}
	}
	return false
}
