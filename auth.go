package sipevents

import (
	"fmt"

	"github.com/emiago/sipgo/sip"
	"github.com/icholy/digest"
)

// Credential holds the username and password used to answer digest
// challenges on SUBSCRIBE and NOTIFY transactions.
type Credential struct {
	Username string
	Password string
}

// authorizeRequest answers the 401/407 challenge in res by attaching the
// matching authorization header to req. The caller re-sends the request.
func authorizeRequest(req *sip.Request, res *sip.Response, cred *Credential) error {
	var challengeName, authName string

	switch res.StatusCode {
	case sip.StatusUnauthorized:
		challengeName = "WWW-Authenticate"
		authName = "Authorization"
	case sip.StatusProxyAuthRequired:
		challengeName = "Proxy-Authenticate"
		authName = "Proxy-Authorization"
	default:
		return fmt.Errorf("response %d carries no challenge", res.StatusCode)
	}

	header := res.GetHeader(challengeName)
	if header == nil {
		return fmt.Errorf("missing %s header in %d response", challengeName, res.StatusCode)
	}

	chal, err := digest.ParseChallenge(header.Value())
	if err != nil {
		return fmt.Errorf("failed to parse challenge: %w", err)
	}

	digCred, err := digest.Digest(chal, digest.Options{
		URI:      req.Recipient.String(),
		Method:   req.Method.String(),
		Username: cred.Username,
		Password: cred.Password,
	})
	if err != nil {
		return fmt.Errorf("failed to compute digest: %w", err)
	}

	authHeader := sip.NewHeader(authName, digCred.String())
	if req.GetHeader(authName) != nil {
		req.ReplaceHeader(authHeader)
	} else {
		req.AppendHeader(authHeader)
	}

	return nil
}
