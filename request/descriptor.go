package request

import (
	"encoding/json"
	"net/http"
	"net/url"
	"strings"

	"github.com/pkg/errors"
	"github.com/risa-org/chatmux/frame"
)

// Auth says which trust profile a request needs.
type Auth int

const (
	AuthIdentified Auth = iota // credentials of the registered account
	AuthAnonymous              // sealed-sender style, no account identity
)

// HeaderUnidentifiedAccessKey marks a request meant for the anonymous channel.
const HeaderUnidentifiedAccessKey = "Unidentified-Access-Key"

// Descriptor describes one outbound request.
type Descriptor struct {
	Method     string
	URL        string // relative, may carry ?query and #fragment
	Headers    http.Header
	Body       []byte         // sent verbatim when set
	Parameters map[string]any // JSON-encoded when Body is nil
	Auth       Auth
}

// Response is a successful (2xx) round trip.
type Response struct {
	URL     string
	Status  int
	Headers http.Header
	Body    []byte
}

func (d Descriptor) String() string {
	return d.Method + " " + d.URL
}

// Frame builds the wire request for d under correlation id. The path gets a
// leading slash and its query and fragment re-appended.
func (d Descriptor) Frame(id uint64) (frame.Request, error) {
	method := strings.TrimSpace(d.Method)
	if method == "" {
		return frame.Request{}, errors.Wrap(ErrInvalidRequest, "missing method")
	}
	if strings.TrimSpace(d.URL) == "" {
		return frame.Request{}, errors.Wrap(ErrInvalidRequest, "missing target")
	}
	u, err := url.Parse(d.URL)
	if err != nil {
		return frame.Request{}, errors.Wrapf(ErrInvalidRequest, "parse target: %v", err)
	}
	if u.Scheme != "" || u.Host != "" {
		return frame.Request{}, errors.Wrapf(ErrInvalidRequest, "target must be relative: %q", d.URL)
	}

	path := "/" + strings.TrimPrefix(u.EscapedPath(), "/")
	if u.RawQuery != "" {
		path += "?" + u.RawQuery
	}
	if u.Fragment != "" {
		path += "#" + u.EscapedFragment()
	}

	headers := d.Headers.Clone()
	if headers == nil {
		headers = http.Header{}
	}
	body := d.Body
	if body == nil && d.Parameters != nil {
		body, err = json.Marshal(d.Parameters)
		if err != nil {
			return frame.Request{}, errors.Wrapf(ErrInvalidRequest, "encode parameters: %v", err)
		}
		headers.Set("Content-Type", "application/json")
	}

	return frame.Request{
		Verb:    method,
		Path:    path,
		Headers: frame.HeaderLines(headers),
		ID:      id,
		Body:    body,
	}, nil
}
