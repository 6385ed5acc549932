package sipevents

import (
	"strconv"
	"strings"

	"github.com/emiago/sipgo/sip"
)

// IncomingResponse wraps an inbound SIP response with the accessors the
// subscription core needs.
type IncomingResponse struct {
	*sip.Response
}

// NewIncomingResponse wraps res.
func NewIncomingResponse(res *sip.Response) *IncomingResponse {
	return &IncomingResponse{Response: res}
}

func (r *IncomingResponse) IsProvisional() bool {
	return r.StatusCode >= 100 && r.StatusCode < 200
}

func (r *IncomingResponse) IsSuccess() bool {
	return r.StatusCode >= 200 && r.StatusCode < 300
}

// IsAuthChallenge reports a 401 or 407 status.
func (r *IncomingResponse) IsAuthChallenge() bool {
	return r.StatusCode == sip.StatusUnauthorized || r.StatusCode == sip.StatusProxyAuthRequired
}

// ToTag returns the tag parameter of the To header.
func (r *IncomingResponse) ToTag() (string, bool) {
	if to := r.To(); to != nil {
		return to.Params.Get("tag")
	}
	return "", false
}

// Expires returns the Expires header value when present and numeric.
func (r *IncomingResponse) Expires() (int, bool) {
	h := r.GetHeader("Expires")
	if h == nil {
		return 0, false
	}
	n, err := strconv.Atoi(strings.TrimSpace(h.Value()))
	if err != nil {
		return 0, false
	}
	return n, true
}

// RouteSet returns the Record-Route values reversed, the order in-dialog
// requests traverse them from this side.
func (r *IncomingResponse) RouteSet() []string {
	headers := r.GetHeaders("Record-Route")
	if len(headers) == 0 {
		return nil
	}

	routes := make([]string, 0, len(headers))
	for i := len(headers) - 1; i >= 0; i-- {
		routes = append(routes, headers[i].Value())
	}
	return routes
}
