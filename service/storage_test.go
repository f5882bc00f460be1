package service

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"google.golang.org/api/googleapi"
)

func TestHasStatus(t *testing.T) {
	notFound := &googleapi.Error{Code: http.StatusNotFound, Message: "dataset not found"}
	assert.True(t, hasStatus(notFound, http.StatusNotFound))
	assert.False(t, hasStatus(notFound, http.StatusForbidden))

	wrapped := fmt.Errorf("probing dataset: %w", notFound)
	assert.True(t, hasStatus(wrapped, http.StatusNotFound))

	assert.False(t, hasStatus(errors.New("plain"), http.StatusNotFound))
	assert.False(t, hasStatus(nil, http.StatusNotFound))
}
