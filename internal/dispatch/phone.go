package dispatch

import (
	"strings"

	"billops/internal/errs"
)

// NormalizePhone converts local Indonesian numbers to the international form
// the gateways expect: "0812-345" and "+62812345" both become "62812345".
func NormalizePhone(raw string) (string, error) {
	var b strings.Builder
	for _, r := range strings.TrimSpace(raw) {
		switch {
		case r >= '0' && r <= '9':
			b.WriteRune(r)
		case r == '+' && b.Len() == 0:
		case r == ' ' || r == '-' || r == '(' || r == ')' || r == '.':
		default:
			return "", errs.Validation("invalid phone %q", raw)
		}
	}
	s := b.String()
	switch {
	case s == "":
		return "", errs.Validation("phone is required")
	case strings.HasPrefix(s, "0"):
		s = "62" + s[1:]
	case strings.HasPrefix(s, "8"):
		s = "62" + s
	}
	if len(s) < 8 || len(s) > 15 {
		return "", errs.Validation("invalid phone %q", raw)
	}
	return s, nil
}
