package settings

import (
	"context"
	"io"
	"testing"

	"github.com/devicelock/devicelock-agent/internal/config"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// setupTestStore 创建内存 sqlite 存储
func setupTestStore(t *testing.T) *GormStore {
	logger := logrus.New()
	logger.SetOutput(io.Discard)

	db, err := Open(&config.DatabaseConfig{Type: "sqlite", Path: ":memory:"}, logger)
	require.NoError(t, err, "Failed to open test database")

	return NewGormStore(db)
}

func stores(t *testing.T) map[string]Store {
	return map[string]Store{
		"gorm":   setupTestStore(t),
		"memory": NewMemoryStore(),
	}
}

func TestStore_SetGetDelete(t *testing.T) {
	ctx := context.Background()
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			_, ok, err := s.Get(ctx, "missing")
			require.NoError(t, err)
			assert.False(t, ok)

			require.NoError(t, s.Set(ctx, "feature.block_camera", "true"))
			v, ok, err := s.Get(ctx, "feature.block_camera")
			require.NoError(t, err)
			assert.True(t, ok)
			assert.Equal(t, "true", v)

			// 覆盖写入
			require.NoError(t, s.Set(ctx, "feature.block_camera", "false"))
			v, _, err = s.Get(ctx, "feature.block_camera")
			require.NoError(t, err)
			assert.Equal(t, "false", v)

			require.NoError(t, s.Delete(ctx, "feature.block_camera"))
			_, ok, err = s.Get(ctx, "feature.block_camera")
			require.NoError(t, err)
			assert.False(t, ok)

			// 删除不存在的键不报错
			assert.NoError(t, s.Delete(ctx, "feature.block_camera"))
		})
	}
}

func TestHelpers_BoolAndStrings(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	b, err := GetBool(ctx, s, "kiosk.enabled", true)
	require.NoError(t, err)
	assert.True(t, b, "absent key returns default")

	require.NoError(t, SetBool(ctx, s, "kiosk.enabled", false))
	b, err = GetBool(ctx, s, "kiosk.enabled", true)
	require.NoError(t, err)
	assert.False(t, b)

	list, err := GetStrings(ctx, s, "kiosk.selected")
	require.NoError(t, err)
	assert.Nil(t, list)

	require.NoError(t, SetStrings(ctx, s, "kiosk.selected", []string{"com.a", "com.b"}))
	list, err = GetStrings(ctx, s, "kiosk.selected")
	require.NoError(t, err)
	assert.Equal(t, []string{"com.a", "com.b"}, list)

	require.NoError(t, s.Set(ctx, "bad.bool", "maybe"))
	_, err = GetBool(ctx, s, "bad.bool", false)
	assert.Error(t, err)

	require.NoError(t, s.Set(ctx, "bad.list", "{"))
	_, err = GetStrings(ctx, s, "bad.list")
	assert.Error(t, err)
}
