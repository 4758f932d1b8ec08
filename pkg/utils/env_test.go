package utils

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestEnvDuration(t *testing.T) {
	t.Setenv("SETTLER_TEST_DURATION", "1500ms")
	assert.Equal(t, 1500*time.Millisecond, EnvDuration("SETTLER_TEST_DURATION", time.Second))

	t.Setenv("SETTLER_TEST_DURATION", "12")
	assert.Equal(t, 12*time.Second, EnvDuration("SETTLER_TEST_DURATION", time.Second))

	t.Setenv("SETTLER_TEST_DURATION", "nope")
	assert.Equal(t, time.Second, EnvDuration("SETTLER_TEST_DURATION", time.Second))
}

func TestEnvNumbers(t *testing.T) {
	t.Setenv("SETTLER_TEST_INT", "-3")
	assert.Equal(t, 7, EnvInt("SETTLER_TEST_INT", 7), "non-positive values fall back")

	t.Setenv("SETTLER_TEST_U64", "18446744073709551615")
	assert.Equal(t, uint64(18446744073709551615), EnvUint64("SETTLER_TEST_U64", 1))

	t.Setenv("SETTLER_TEST_BOOL", "true")
	assert.True(t, EnvBool("SETTLER_TEST_BOOL", false))
}

func TestSplitList(t *testing.T) {
	assert.Nil(t, SplitList("  "))
	assert.Equal(t, []string{"http://a", "http://b"}, SplitList("http://a/, http://b,http://a"))
}
