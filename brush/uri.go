package brush

import (
	"net/url"

	"github.com/pkg/errors"
)

// parsedURI is a brush URI broken into its (scheme, name, params) per the
// grammar scheme://name[?k=v(&k=v)*].
type parsedURI struct {
	Scheme string
	Name   string
	Params url.Values
}

func parseBrushURI(uri string) (parsedURI, error) {
	u, err := url.Parse(uri)
	if err != nil {
		return parsedURI{}, errors.Wrapf(err, "invalid brush uri %q", uri)
	}
	if u.Scheme == "" || u.Host == "" {
		return parsedURI{}, errors.Errorf("brush uri %q must be of the form scheme://name[?params]", uri)
	}
	return parsedURI{Scheme: u.Scheme, Name: u.Host, Params: u.Query()}, nil
}

// parseHexColor parses a "#rrggbb" string into an RGB triple.
func parseHexColor(s string) ([3]uint8, error) {
	var out [3]uint8
	if len(s) != 7 || s[0] != '#' {
		return out, errors.Errorf("invalid color %q, want #rrggbb", s)
	}
	var v uint32
	for i := 1; i < 7; i++ {
		c := s[i]
		var nibble uint32
		switch {
		case c >= '0' && c <= '9':
			nibble = uint32(c - '0')
		case c >= 'a' && c <= 'f':
			nibble = uint32(c-'a') + 10
		case c >= 'A' && c <= 'F':
			nibble = uint32(c-'A') + 10
		default:
			return out, errors.Errorf("invalid color %q, want #rrggbb", s)
		}
		v = v<<4 | nibble
	}
	out[0] = uint8(v >> 16)
	out[1] = uint8(v >> 8)
	out[2] = uint8(v)
	return out, nil
}
