package endpoint

import (
	"net/url"
	"strings"

	"github.com/google/uuid"
)

// channelNamespace scopes channel UUIDs so they never collide with ids
// generated for other purposes.
var channelNamespace = uuid.MustParse("6f1c1f0e-6f1e-4c55-9a0b-72657069636c")

// Channel derives the stable push/pull topic name for an identity, entity and
// remote root. The same inputs always produce the same name, so a cursor
// persisted under it survives restarts and is shared by every device of the
// identity.
func Channel(identity, entity, remoteRoot string) string {
	key := identity + "\x00" + entity + "\x00" + NormalizeRoot(remoteRoot)
	id := uuid.NewSHA1(channelNamespace, []byte(key))
	return "ch-" + strings.ReplaceAll(id.String(), "-", "")
}

// NormalizeRoot canonicalizes a remote root URL: lowercase scheme and host,
// default ports dropped, query and fragment dropped, no trailing slash.
// Roots that do not parse as absolute URLs are only trimmed.
func NormalizeRoot(root string) string {
	root = strings.TrimSpace(root)
	u, err := url.Parse(root)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return strings.TrimRight(root, "/")
	}
	scheme := strings.ToLower(u.Scheme)
	host := strings.ToLower(u.Hostname())
	port := u.Port()
	if (scheme == "http" && port == "80") || (scheme == "https" && port == "443") {
		port = ""
	}
	if port != "" {
		host += ":" + port
	}
	path := strings.TrimRight(u.EscapedPath(), "/")
	return scheme + "://" + host + path
}
