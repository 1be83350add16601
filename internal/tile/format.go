package tile

import "strings"

type format struct {
	mime string
	ext  string
}

// Known tile formats. The extension is what lands on disk, so it must never
// change for an existing format.
var formats = []format{
	{"image/png", "png"},
	{"image/png8", "png8"},
	{"image/png24", "png24"},
	{"image/png; mode=8bit", "png8"},
	{"image/jpeg", "jpeg"},
	{"image/gif", "gif"},
	{"image/tiff", "tiff"},
	{"image/webp", "webp"},
	{"image/vnd.jpeg-png", "jpeg-png"},
	{"application/vnd.mapbox-vector-tile", "pbf"},
	{"application/json", "json"},
	{"application/vnd.google-earth.kml+xml", "kml"},
	{"application/vnd.google-earth.kmz", "kmz"},
	{"text/html", "html"},
	{"text/plain", "txt"},
}

// Extension returns the file extension stored for a mime format. Plain
// extensions ("png") are accepted as their own format.
func Extension(mime string) (string, bool) {
	m := strings.ToLower(strings.TrimSpace(mime))
	for _, f := range formats {
		if f.mime == m || f.ext == m {
			return f.ext, true
		}
	}
	return "", false
}

// FormatFromExtension returns the mime format for a file extension.
func FormatFromExtension(ext string) (string, bool) {
	e := strings.ToLower(strings.TrimPrefix(ext, "."))
	switch e {
	case "jpg":
		e = "jpeg"
	case "mvt":
		e = "pbf"
	}
	for _, f := range formats {
		if f.ext == e {
			return f.mime, true
		}
	}
	return "", false
}

// CanonicalFormat returns the mime type identifying format, so that aliases
// sharing a file extension ("png", "image/png") resolve to one identity.
func CanonicalFormat(format string) (string, bool) {
	ext, ok := Extension(format)
	if !ok {
		return "", false
	}
	return FormatFromExtension(ext)
}
