// Package version carries the product identity strings stamped into
// logs, the User-Agent header, and the status page.
package version

// Version is the semantic version of this build. Overridden at link
// time for releases.
var Version = "0.9.0-dev"

// Product is the short product tag.
const Product = "remotecc"

// UserAgent identifies the dispatcher in HTTP requests.
func UserAgent() string {
	return Product + "/" + Version
}
