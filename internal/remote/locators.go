package remote

import (
	"strings"

	"slide-lite/internal/model"
)

const (
	LoginPrefix  = "login/"
	StreamPrefix = "stream/"
	TrackPrefix  = "track/"
)

func LoginEvent(username string) string { return LoginPrefix + username }

func StreamRecord(stream string) string { return StreamPrefix + stream }

func ListName(kind model.ListKind, stream string) string {
	return string(kind) + "/" + stream
}

func TrackRecord(id string) string { return TrackPrefix + id }

// ParseName splits a locator into its prefix kind and stream (or item id).
func ParseName(name string) (kind string, key string, ok bool) {
	i := strings.IndexByte(name, '/')
	if i <= 0 || i == len(name)-1 {
		return "", "", false
	}
	return name[:i], name[i+1:], true
}

// IsList reports whether name addresses one of the stream lists.
func IsList(name string) bool {
	kind, _, ok := ParseName(name)
	return ok && model.ListKind(kind).Valid()
}
