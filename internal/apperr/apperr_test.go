package apperr

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKindOfWrapped(t *testing.T) {
	base := NotFound("course", "c1")
	wrapped := fmt.Errorf("load course: %w", base)

	assert.Equal(t, KindNotFound, KindOf(wrapped))
	assert.True(t, Is(wrapped, KindNotFound))
	assert.False(t, Is(nil, KindNotFound))

	e, ok := As(wrapped)
	require.True(t, ok)
	assert.Equal(t, http.StatusNotFound, e.Status)
	assert.Equal(t, "course not found", e.Error())
}

func TestUntypedErrorIsInternal(t *testing.T) {
	assert.Equal(t, KindInternal, KindOf(errors.New("boom")))
}

func TestDependencyStatuses(t *testing.T) {
	assert.Equal(t, http.StatusBadRequest, UnmetDependency("scenes not ready", nil).Status)

	cause := errors.New("timeout")
	pf := ProviderFailure("generator exhausted", nil, cause)
	assert.Equal(t, http.StatusInternalServerError, pf.Status)
	assert.Equal(t, KindDependency, pf.Kind)
	assert.ErrorIs(t, pf, cause)
	assert.Equal(t, "generator exhausted: timeout", pf.Error())
}

func TestInvalidStateDetails(t *testing.T) {
	e := InvalidState("objectives not selected", "OBJECTIVES_READY", "OBJECTIVES_SELECTED")
	d, ok := e.Details.(StateDetails)
	require.True(t, ok)
	assert.Equal(t, []string{"OBJECTIVES_SELECTED"}, d.Required)
	assert.Equal(t, "OBJECTIVES_READY", d.Actual)
}
