// Package dirspec parses the "<dirpath>@<host>:<port>" directory
// specifier shared by the manager's config file and the console's
// add/cancel commands.
package dirspec

import (
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

// Endpoint identifies a client-side verb server by address.
type Endpoint struct {
	Host string
	Port int
}

// Spec is a parsed directory specifier: a directory path rooted at an
// Endpoint.
type Spec struct {
	Dir      string
	Endpoint Endpoint
}

// String renders the spec back to its canonical "<dir>@<host>:<port>" form.
func (s Spec) String() string {
	return s.Dir + "@" + s.Endpoint.Host + ":" + strconv.Itoa(s.Endpoint.Port)
}

// Parse splits "<dirpath>@<host>:<port>" by locating the last '@' and the
// ':' that follows it, matching the original parse_directory_spec.
func Parse(raw string) (Spec, error) {
	at := strings.LastIndex(raw, "@")
	if at < 0 || at == len(raw)-1 {
		return Spec{}, errors.Errorf("directory spec %q: missing '@host:port'", raw)
	}
	dir := raw[:at]
	hostport := raw[at+1:]
	colon := strings.LastIndex(hostport, ":")
	if colon < 0 || colon == len(hostport)-1 {
		return Spec{}, errors.Errorf("directory spec %q: missing ':port'", raw)
	}
	host := hostport[:colon]
	if host == "" || dir == "" {
		return Spec{}, errors.Errorf("directory spec %q: empty host or path", raw)
	}
	port, err := strconv.Atoi(hostport[colon+1:])
	if err != nil || port <= 0 {
		return Spec{}, errors.Errorf("directory spec %q: invalid port", raw)
	}
	return Spec{Dir: dir, Endpoint: Endpoint{Host: host, Port: port}}, nil
}

// ParsePair parses a config/console line's two whitespace-separated specs.
func ParsePair(sourceRaw, targetRaw string) (source, target Spec, err error) {
	source, err = Parse(sourceRaw)
	if err != nil {
		return Spec{}, Spec{}, errors.Wrap(err, "source")
	}
	target, err = Parse(targetRaw)
	if err != nil {
		return Spec{}, Spec{}, errors.Wrap(err, "target")
	}
	return source, target, nil
}
