package dispatch

import (
	"encoding/json"
	"strings"

	"github.com/cockroachdb/errors"
	jmespath "github.com/jmespath-community/go-jmespath"
)

// defaultSuccessExpr is applied to provider types whose APIs answer 200 with
// a JSON status flag even when delivery was refused.
var defaultSuccessExpr = map[ProviderType]string{
	TypeFonnte: "status == `true`",
	TypeWablas: "status == `true`",
}

func compileExpr(expr string) error {
	_, err := jmespath.Compile(strings.TrimSpace(expr))
	return err
}

// successExpr returns the effective expression for p, or "" when any 2xx
// response counts as delivered.
func successExpr(p Provider) string {
	if s := strings.TrimSpace(p.SuccessExpr); s != "" {
		return s
	}
	return defaultSuccessExpr[p.Type]
}

// evalSuccess decodes body as JSON and evaluates expr against it.
func evalSuccess(expr string, body []byte) (bool, error) {
	var data any
	if err := json.Unmarshal(body, &data); err != nil {
		return false, errors.Wrap(err, "response is not JSON")
	}
	out, err := jmespath.Search(expr, data)
	if err != nil {
		return false, errors.Wrapf(err, "evaluate %q", expr)
	}
	return truthy(out), nil
}

// truthy follows JMESPath truthiness: false, null, "", [] and {} are false.
func truthy(v any) bool {
	switch t := v.(type) {
	case nil:
		return false
	case bool:
		return t
	case string:
		return t != ""
	case []any:
		return len(t) > 0
	case map[string]any:
		return len(t) > 0
	default:
		return true
	}
}
