package proxyrotator

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHeartbeatFile(t *testing.T) {
	t.Run("should be alive only while the marker exists", func(t *testing.T) {
		// Arrange
		var sut = NewHeartbeatFile(filepath.Join(t.TempDir(), "rotator.hb"))
		assert.False(t, sut.Alive())

		// Act & Assert
		require.NoError(t, sut.Touch())
		assert.True(t, sut.Alive())

		require.NoError(t, sut.Remove())
		assert.False(t, sut.Alive())
	})

	t.Run("should tolerate removing a missing marker", func(t *testing.T) {
		var sut = NewHeartbeatFile(filepath.Join(t.TempDir(), "rotator.hb"))

		assert.NoError(t, sut.Remove())
	})

	t.Run("should report dead once removed externally", func(t *testing.T) {
		// Arrange
		var sut = NewHeartbeatFile(filepath.Join(t.TempDir(), "rotator.hb"))
		require.NoError(t, sut.Touch())

		// Act
		require.NoError(t, os.Remove(sut.Path()))

		// Assert
		assert.False(t, sut.Alive())
	})
}
