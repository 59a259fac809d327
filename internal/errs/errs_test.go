package errs

import (
	"fmt"
	"net/http"
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
)

func TestKindsSurviveWrapping(t *testing.T) {
	t.Parallel()

	base := Validation("invalid job type %q", "nope")
	wrapped := fmt.Errorf("trigger: %w", base)
	assert.True(t, errors.Is(wrapped, ErrValidation))
	assert.False(t, errors.Is(wrapped, ErrNotFound))
	assert.Contains(t, wrapped.Error(), `invalid job type "nope"`)

	ext := External(errors.New("connection refused"), "accounting")
	assert.True(t, errors.Is(errors.Wrap(ext, "voucher sync"), ErrExternal))
	assert.Contains(t, ext.Error(), "accounting: connection refused")
	assert.Nil(t, External(nil, "accounting"))
}

func TestHTTPStatus(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		err  error
		want int
	}{
		{name: "nil", err: nil, want: http.StatusOK},
		{name: "validation", err: Validation("bad"), want: http.StatusBadRequest},
		{name: "not found", err: NotFound("missing"), want: http.StatusNotFound},
		{name: "conflict", err: Conflict("busy"), want: http.StatusConflict},
		{name: "external", err: External(errors.New("down"), "netctl"), want: http.StatusBadGateway},
		{name: "other", err: errors.New("boom"), want: http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, HTTPStatus(tt.err))
		})
	}
}
