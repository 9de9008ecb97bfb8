package shared

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGetenv(t *testing.T) {
	t.Setenv("RT_TEST_STRING", "hello")
	t.Setenv("RT_TEST_FLOAT", "0.7")
	t.Setenv("RT_TEST_BAD_FLOAT", "warm")
	t.Setenv("RT_TEST_DURATION", "250ms")
	t.Setenv("RT_TEST_EMPTY", "")

	s, err := Getenv(GetenvString, "RT_TEST_STRING", true, "")
	require.NoError(t, err)
	assert.Equal(t, "hello", s)

	f, err := Getenv(GetenvFloat, "RT_TEST_FLOAT", false, 0.0)
	require.NoError(t, err)
	assert.Equal(t, 0.7, f)

	d, err := Getenv(GetenvDuration, "RT_TEST_DURATION", false, time.Second)
	require.NoError(t, err)
	assert.Equal(t, 250*time.Millisecond, d)

	b, err := Getenv(GetenvBool, "RT_TEST_MISSING", false, true)
	require.NoError(t, err)
	assert.True(t, b)

	s, err = Getenv(GetenvString, "RT_TEST_EMPTY", false, "fallback")
	require.NoError(t, err)
	assert.Equal(t, "fallback", s)

	_, err = Getenv(GetenvString, "RT_TEST_MISSING", true, "")
	assert.ErrorContains(t, err, "RT_TEST_MISSING")

	f, err = Getenv(GetenvFloat, "RT_TEST_BAD_FLOAT", false, 0.5)
	assert.Error(t, err)
	assert.Equal(t, 0.5, f)
}

func TestMustGetenv(t *testing.T) {
	t.Setenv("RT_TEST_STRING", "value")

	assert.Equal(t, "value", MustGetenv(GetenvString, "RT_TEST_STRING", true, ""))
	assert.Panics(t, func() { MustGetenv(GetenvString, "RT_TEST_MISSING", true, "") })
}
