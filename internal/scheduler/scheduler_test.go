package scheduler

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *logrus.Logger {
	l := logrus.New()
	l.SetLevel(logrus.PanicLevel)
	return l
}

func TestEvery_RunsRegisteredJobOnSchedule(t *testing.T) {
	s := New(testLogger())
	var calls int64
	require.NoError(t, s.Every("1s", "tick", func() { atomic.AddInt64(&calls, 1) }))

	s.Start()
	defer s.Stop()

	assert.Eventually(t, func() bool { return atomic.LoadInt64(&calls) >= 1 }, 3*time.Second, 50*time.Millisecond)
}

func TestEvery_PanicInJobIsRecovered(t *testing.T) {
	s := New(testLogger())
	var calls int64
	require.NoError(t, s.Every("1s", "boom", func() {
		atomic.AddInt64(&calls, 1)
		panic("boom")
	}))

	s.Start()
	defer s.Stop()

	assert.Eventually(t, func() bool { return atomic.LoadInt64(&calls) >= 1 }, 3*time.Second, 50*time.Millisecond)
}
