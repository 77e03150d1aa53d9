package cors

import "net/http"

// Transport applies active rules to responses passing through it
type Transport struct {
	Rules *RuleSet
	Base  http.RoundTripper
}

// RoundTrip performs the request with Base and adds the Grant headers when
// a rule covers the request origin.
func (t *Transport) RoundTrip(req *http.Request) (*http.Response, error) {
	base := t.Base
	if base == nil {
		base = http.DefaultTransport
	}

	resp, err := base.RoundTrip(req)
	if err != nil {
		return nil, err
	}

	if t.Rules != nil && t.Rules.Match(Origin(req.URL)) {
		if resp.Header == nil {
			resp.Header = make(http.Header)
		}
		for k, v := range Grant {
			resp.Header.Set(k, v)
		}
	}
	return resp, nil
}
