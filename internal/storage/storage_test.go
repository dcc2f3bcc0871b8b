package storage

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	logx "groupwatch/pkg/logx"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOpenDisabled(t *testing.T) {
	for _, d := range []string{"", "none", " NONE "} {
		st, err := Open(Config{Driver: d}, logx.Nop())
		require.NoError(t, err)
		assert.Nil(t, st)
	}
	_, err := Open(Config{Driver: "redis"}, logx.Nop())
	require.Error(t, err)
}

func TestDrivers(t *testing.T) {
	for _, driver := range []string{"file", "sqlite"} {
		t.Run(driver, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "data", "groupwatch.db")
			ctx := context.Background()

			st, err := Open(Config{Driver: driver, Path: path}, logx.Nop())
			require.NoError(t, err)
			require.NotNil(t, st)

			base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
			for i, action := range []string{"breach.notified", "remediation.failed", "remediation.ok"} {
				require.NoError(t, st.AppendAudit(ctx, AuditEntry{
					At:       base.Add(time.Duration(i) * time.Minute),
					Kind:     KindEpisode,
					Action:   action,
					UnitID:   -100,
					UnitName: "alpha",
					OK:       action != "remediation.failed",
					Status:   200,
				}))
			}

			got, err := st.RecentAudit(ctx, 2)
			require.NoError(t, err)
			require.Len(t, got, 2)
			assert.Equal(t, "remediation.ok", got[0].Action)
			assert.Equal(t, "remediation.failed", got[1].Action)
			assert.False(t, got[1].OK)
			assert.NotEmpty(t, got[0].ID)
			assert.True(t, got[0].At.Equal(base.Add(2*time.Minute)))

			until := time.Now().Add(time.Hour).Truncate(time.Millisecond)
			require.NoError(t, st.PutDedup(ctx, "k1", until))
			v, ok, err := st.GetDedup(ctx, "k1")
			require.NoError(t, err)
			require.True(t, ok)
			assert.True(t, v.Equal(until))

			_, ok, err = st.GetDedup(ctx, "missing")
			require.NoError(t, err)
			assert.False(t, ok)

			require.NoError(t, st.Close())

			// Reopen: history and dedup survive.
			st, err = Open(Config{Driver: driver, Path: path}, logx.Nop())
			require.NoError(t, err)
			defer st.Close()

			got, err = st.RecentAudit(ctx, 10)
			require.NoError(t, err)
			assert.Len(t, got, 3)

			_, ok, err = st.GetDedup(ctx, "k1")
			require.NoError(t, err)
			assert.True(t, ok)
		})
	}
}
