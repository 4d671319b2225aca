//go:build integration

package integrationtests

import (
	"errors"
	"strings"
	"testing"

	"vo_platform/client"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAPIRenderer(t *testing.T) {
	s := startServer(t)
	c := s.dal()

	table, err := c.Query("/stars/q/q/api", map[string]string{"vmag": "-1 0"})
	require.NoError(t, err)
	values, err := table.ColumnValues("name")
	require.NoError(t, err)
	assert.Equal(t, []string{"Canopus", "Arcturus"}, names(t, values))

	_, err = c.Query("/stars/q/q/api", map[string]string{"vmag": "bright"})
	var serr *client.StatusError
	require.True(t, errors.As(err, &serr), err)
	assert.Equal(t, 400, serr.Status)
}

func TestRegistry(t *testing.T) {
	s := startServer(t)
	c := s.dal()

	data, err := c.Get("/oai.xml").Param("verb", "Identify").Bytes()
	require.NoError(t, err)
	assert.Contains(t, string(data), "Integration test center")

	data, err = c.Get("/oai.xml").Param("verb", "ListIdentifiers").Param("metadataPrefix", "ivo_vor").Param("set", "ivo_managed").Bytes()
	require.NoError(t, err)
	assert.Contains(t, string(data), "ivo://org.example/stars/q/q")
	assert.Contains(t, string(data), "ivo://org.example/tap/run")

	data, err = c.Get("/").Bytes()
	require.NoError(t, err)
	assert.True(t, strings.Contains(string(data), "Bright star lookup"))
}

func TestVOSI(t *testing.T) {
	s := startServer(t)
	c := s.dal()

	data, err := c.Get("/stars/q/q/capabilities").Bytes()
	require.NoError(t, err)
	assert.Contains(t, string(data), "/stars/q/q/api")

	data, err = c.Get("/stars/q/q/tableMetadata").Bytes()
	require.NoError(t, err)
	assert.Contains(t, string(data), "stars.main")
}
