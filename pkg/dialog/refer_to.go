package dialog

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/emiago/sipgo/sip"
	"github.com/pkg/errors"
)

// Replaces идентификатор заменяемого диалога (RFC 3891)
type Replaces struct {
	CallID  string
	ToTag   string
	FromTag string
}

func (r Replaces) String() string {
	return fmt.Sprintf("%s;to-tag=%s;from-tag=%s", r.CallID, r.ToTag, r.FromTag)
}

// ReferTo разобранный заголовок Refer-To
type ReferTo struct {
	Target   sip.Uri
	Method   string
	Replaces *Replaces
}

// ParseReferTo разбирает значение Refer-To: name-addr или addr-spec
// с необязательными URI-заголовками (?Replaces=...&method=...).
func ParseReferTo(value string) (*ReferTo, error) {
	raw := stripAngles(value)
	if raw == "" {
		return nil, errors.New("empty Refer-To")
	}

	uriPart, query, _ := strings.Cut(raw, "?")
	rt := &ReferTo{}
	if err := sip.ParseUri(uriPart, &rt.Target); err != nil {
		return nil, errors.Wrap(err, "invalid Refer-To URI")
	}

	for _, kv := range strings.Split(query, "&") {
		k, v, ok := strings.Cut(kv, "=")
		if !ok {
			continue
		}
		v, err := url.QueryUnescape(v)
		if err != nil {
			return nil, errors.Wrap(err, "invalid Refer-To headers")
		}
		switch strings.ToLower(k) {
		case "method":
			rt.Method = strings.ToUpper(v)
		case "replaces":
			r, err := parseReplaces(v)
			if err != nil {
				return nil, err
			}
			rt.Replaces = r
		}
	}
	return rt, rt.Validate()
}

func parseReplaces(v string) (*Replaces, error) {
	parts := strings.Split(v, ";")
	r := &Replaces{CallID: strings.TrimSpace(parts[0])}
	for _, p := range parts[1:] {
		k, val, ok := strings.Cut(p, "=")
		if !ok {
			continue
		}
		switch strings.ToLower(strings.TrimSpace(k)) {
		case "to-tag":
			r.ToTag = strings.TrimSpace(val)
		case "from-tag":
			r.FromTag = strings.TrimSpace(val)
		}
	}
	if r.CallID == "" || r.ToTag == "" || r.FromTag == "" {
		return nil, errors.Errorf("invalid Replaces %q", v)
	}
	return r, nil
}

// Validate проверяет схему и хост цели
func (rt *ReferTo) Validate() error {
	if rt.Target.Scheme != "" && rt.Target.Scheme != "sip" && rt.Target.Scheme != "sips" {
		return errors.Errorf("unsupported Refer-To scheme %q", rt.Target.Scheme)
	}
	if rt.Target.Host == "" {
		return errors.New("Refer-To URI missing host")
	}
	return nil
}

// Header строит заголовок Refer-To
func (rt *ReferTo) Header() sip.Header {
	target := rt.Target
	target.Headers = nil
	value := target.String()

	var params []string
	if rt.Method != "" {
		params = append(params, "method="+rt.Method)
	}
	if rt.Replaces != nil {
		params = append(params, "Replaces="+url.QueryEscape(rt.Replaces.String()))
	}
	if len(params) > 0 {
		value += "?" + strings.Join(params, "&")
	}
	return sip.NewHeader("Refer-To", "<"+value+">")
}
