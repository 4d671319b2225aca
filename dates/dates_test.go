package dates

import (
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func randomDate(r *rand.Rand) time.Time {
	start := time.Date(1800, 1, 1, 0, 0, 0, 0, time.UTC).Unix()
	end := time.Date(2100, 1, 1, 0, 0, 0, 0, time.UTC).Unix()
	secs := start + r.Int63n(end-start)
	return time.Unix(secs, int64(r.Intn(1_000_000))*1000).UTC()
}

func absDuration(d time.Duration) time.Duration {
	if d < 0 {
		return -d
	}
	return d
}

func TestJDSplitRoundTrip(t *testing.T) {
	r := rand.New(rand.NewSource(42))
	for i := 0; i < 10000; i++ {
		d := randomDate(r)
		back := JDSplitToDateTime(DateTimeToJDSplit(d))
		assert.LessOrEqual(t, absDuration(back.Sub(d)), time.Microsecond, d.String())
	}
}

func TestMJDRoundTrip(t *testing.T) {
	r := rand.New(rand.NewSource(7))
	for i := 0; i < 10000; i++ {
		d := randomDate(r)
		back := MJDToDateTime(DateTimeToMJD(d))
		assert.LessOrEqual(t, absDuration(back.Sub(d)), time.Microsecond, d.String())
	}
}

func TestKnownEpochs(t *testing.T) {
	j2000 := time.Date(2000, 1, 1, 12, 0, 0, 0, time.UTC)
	assert.Equal(t, 2451545.0, DateTimeToJD(j2000))
	assert.Equal(t, 51544.5, DateTimeToMJD(j2000))
	assert.InDelta(t, 2000.0, DateTimeToJYear(j2000), 1e-12)
	assert.Equal(t, j2000, JDToDateTime(2451545.0))
	assert.Equal(t, time.Unix(0, 0).UTC(), MJDToDateTime(40587))
	assert.Equal(t, 51544.5, JDToMJD(2451545.0))
	assert.Equal(t, 2451545.0, MJDToJD(51544.5))
}

func TestRepresentations(t *testing.T) {
	d := time.Date(2010, 6, 15, 6, 30, 0, 0, time.UTC)
	for _, rep := range []Representation{RepJD, RepMJD, RepJYear, RepUnix} {
		v, err := ToRepresentation(d, rep)
		require.NoError(t, err)
		back, err := FromRepresentation(v, rep)
		require.NoError(t, err)
		assert.LessOrEqual(t, absDuration(back.Sub(d)), 50*time.Microsecond, string(rep))
	}

	_, err := ToRepresentation(d, RepISO)
	assert.Error(t, err)

	_, err = ParseRepresentation("fortnights")
	assert.Error(t, err)
}

func TestParseDateLiteral(t *testing.T) {
	d, err := ParseDateLiteral("2010-06-15T06:30:00", RepISO)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2010, 6, 15, 6, 30, 0, 0, time.UTC), d)

	d, err = ParseDateLiteral("55000", RepMJD)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2009, 6, 18, 0, 0, 0, 0, time.UTC), d)

	d, err = ParseDateLiteral("MJD 55000.5", RepISO)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2009, 6, 18, 12, 0, 0, 0, time.UTC), d)

	_, err = ParseDateLiteral("yesterday", RepISO)
	assert.Error(t, err)

	assert.Equal(t, "2010-06-15T06:30:00", FormatISO(time.Date(2010, 6, 15, 6, 30, 0, 0, time.UTC)))
	assert.Equal(t, "2010-06-15T06:30:00.5", FormatISO(time.Date(2010, 6, 15, 6, 30, 0, 500000000, time.UTC)))
}
