package permission

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTimeBoundWindow(t *testing.T) {
	table := newTimeBoundTable()
	// Fires at the top of every hour; grant valid for 15 minutes after.
	require.NoError(t, table.Install("s1", "db:migrate:*", TimeBound{
		CronExpression: "0 * * * *",
		WindowDuration: 15 * time.Minute,
	}))

	table.clock = func() time.Time { return time.Date(2026, 3, 1, 9, 10, 0, 0, time.UTC) }
	within, installed, err := table.Satisfied("s1", "db:migrate:*")
	require.NoError(t, err)
	assert.True(t, installed)
	assert.True(t, within, "10 minutes past the fire is inside the window")

	table.clock = func() time.Time { return time.Date(2026, 3, 1, 9, 40, 0, 0, time.UTC) }
	within, _, err = table.Satisfied("s1", "db:migrate:*")
	require.NoError(t, err)
	assert.False(t, within, "40 minutes past the fire is outside the window")
}

func TestTimeBoundInstallValidation(t *testing.T) {
	table := newTimeBoundTable()
	assert.Error(t, table.Install("s1", "a:b:c", TimeBound{CronExpression: "not a cron"}))
	assert.Error(t, table.Install("s1", "a:b:c", TimeBound{
		CronExpression: "0 * * * *",
		Timezone:       "Mars/Olympus",
	}))
}

func TestTimeBoundUninstalledUnrestricted(t *testing.T) {
	table := newTimeBoundTable()
	within, installed, err := table.Satisfied("s1", "a:b:c")
	require.NoError(t, err)
	assert.True(t, within)
	assert.False(t, installed)
}

func TestTimeBoundClearSession(t *testing.T) {
	table := newTimeBoundTable()
	require.NoError(t, table.Install("s1", "a:b:c", TimeBound{
		CronExpression: "0 * * * *",
		WindowDuration: time.Minute,
	}))
	table.ClearSession("s1")
	_, installed, err := table.Satisfied("s1", "a:b:c")
	require.NoError(t, err)
	assert.False(t, installed)
}
