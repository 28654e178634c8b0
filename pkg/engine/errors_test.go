package engine

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDevError_Classes(t *testing.T) {
	cause := errors.New("boom")

	tests := []struct {
		name  string
		err   error
		check func(error) bool
		fatal bool
	}{
		{"configuration", NewConfigurationError("bad descriptor", cause), IsConfiguration, true},
		{"build", NewBuildError("compile failed", cause), IsBuild, false},
		{"process", NewProcessError("exited", cause), IsProcess, false},
		{"cache", NewCacheError("unreadable", cause), IsCache, false},
		{"disposal", NewDisposalError("close failed", cause), IsDisposal, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			wrapped := fmt.Errorf("context: %w", tt.err)
			assert.True(t, tt.check(wrapped))
			assert.Equal(t, tt.fatal, IsFatal(wrapped))
			assert.ErrorIs(t, wrapped, cause)
		})
	}
}

func TestDevError_IsMatchesClass(t *testing.T) {
	err := NewBuildError("one", nil).WithBundle("web")

	assert.ErrorIs(t, err, &DevError{Class: ErrorClassBuild})
	assert.NotErrorIs(t, err, &DevError{Class: ErrorClassProcess})
}

func TestDevError_Message(t *testing.T) {
	err := NewConfigurationError("invalid public path", errors.New("missing port")).
		WithBundle("client").
		WithOperation("serve")

	assert.Equal(t,
		"[configuration] invalid public path (bundle=client, operation=serve): missing port",
		err.Error())

	assert.Equal(t, "[cache] stale", NewCacheError("stale", nil).Error())
}

func TestBundleDescriptor_PublicPath(t *testing.T) {
	d := BundleDescriptor{Name: "client", Target: TargetBrowser, WebPath: "/"}

	assert.Equal(t, "http://localhost:7331/", d.PublicPath(ModeDevelopment, "localhost", 7331))
	assert.Equal(t, "/", d.PublicPath(ModeProduction, "localhost", 7331))
	assert.True(t, d.Serves())

	d.WebPath = ""
	assert.Empty(t, d.PublicPath(ModeDevelopment, "localhost", 7331))
	assert.False(t, d.Serves())
}

func TestJoinWebPath(t *testing.T) {
	assert.Equal(t, "/index.js", JoinWebPath("/", "index.js"))
	assert.Equal(t, "/static/index.js", JoinWebPath("/static/", "index.js"))
	assert.Equal(t, "/index.js", JoinWebPath("", "index.js"))
}
