//go:build integration

package integrationtests

import (
	"errors"
	"testing"
	"time"

	"vo_platform/client"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSyncQuery(t *testing.T) {
	s := startServer(t)
	c := s.tap()

	available, err := c.Available()
	require.NoError(t, err)
	assert.True(t, available)

	table, err := c.Query("SELECT name FROM stars.main WHERE vmag < 0 ORDER BY vmag", nil)
	require.NoError(t, err)
	values, err := table.ColumnValues("name")
	require.NoError(t, err)
	assert.Equal(t, []string{"Sirius", "Canopus", "Arcturus"}, names(t, values))

	table, err = c.Query("SELECT id FROM stars.main", map[string]string{"MAXREC": "2"})
	require.NoError(t, err)
	assert.Equal(t, 2, table.Len())
	assert.True(t, table.Overflowed)
}

func TestQueryErrors(t *testing.T) {
	s := startServer(t)
	c := s.tap()

	_, err := c.Query("SELECT * FROM stars.nothere", nil)
	var serr *client.StatusError
	require.True(t, errors.As(err, &serr), err)
	assert.Equal(t, 404, serr.Status)

	_, err = c.Query("SELEKT 1", nil)
	require.True(t, errors.As(err, &serr), err)
	assert.Equal(t, 422, serr.Status)
}

func TestTAPSchema(t *testing.T) {
	s := startServer(t)

	table, err := s.tap().Query("SELECT column_name FROM tap_schema.columns WHERE table_name = 'stars.main'", nil)
	require.NoError(t, err)
	values, err := table.ColumnValues("column_name")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"id", "name", "ra", "dec", "vmag"}, names(t, values))
}

func TestAsyncQuery(t *testing.T) {
	s := startServer(t)
	c := s.tap()

	id, err := c.CreateJob("SELECT id, name FROM stars.main WHERE dec > 0", nil)
	require.NoError(t, err)

	job, err := c.Job(id)
	require.NoError(t, err)
	assert.Equal(t, "PENDING", job.Phase)
	assert.Equal(t, "ADQL", job.Param("LANG"))

	require.NoError(t, c.Run(id))
	job, err = c.AwaitJob(id, 30*time.Second)
	require.NoError(t, err)
	require.Equal(t, "COMPLETED", job.Phase, job.ErrorMessage)
	require.Len(t, job.Results, 1)

	table, err := c.Result(id)
	require.NoError(t, err)
	values, err := table.ColumnValues("name")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"Arcturus", "Vega", "Polaris"}, names(t, values))

	require.NoError(t, c.DeleteJob(id))
	_, err = c.Job(id)
	var serr *client.StatusError
	require.True(t, errors.As(err, &serr), err)
	assert.Equal(t, 404, serr.Status)
}

func TestAsyncError(t *testing.T) {
	s := startServer(t)
	c := s.tap()

	id, err := c.CreateJob("SELECT nothere FROM stars.main", nil)
	require.NoError(t, err)
	require.NoError(t, c.Run(id))
	job, err := c.AwaitJob(id, 30*time.Second)
	require.NoError(t, err)
	assert.Equal(t, "ERROR", job.Phase)
	assert.NotEmpty(t, job.ErrorMessage)
}

func TestAbort(t *testing.T) {
	s := startServer(t)
	c := s.tap()

	id, err := c.CreateJob("SELECT * FROM stars.main", nil)
	require.NoError(t, err)
	require.NoError(t, c.Abort(id))
	phase, err := c.Phase(id)
	require.NoError(t, err)
	assert.Equal(t, "ABORTED", phase)
}
