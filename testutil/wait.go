package testutil

import (
	"errors"
	"os"
	"strconv"
	"time"
)

type testFn func() (bool, error)
type errorFn func(error)

// WaitForResult polls test every 10ms until it succeeds, then gives up after
// 20s (scaled by TestMultiplier) and hands the last error to error.
func WaitForResult(test testFn, error errorFn) {
	waitForResultRetries(2000*TestMultiplier(), test, error)
}

func waitForResultRetries(retries int64, test testFn, error errorFn) {
	for retries > 0 {
		time.Sleep(10 * time.Millisecond)
		retries--

		success, err := test()
		if success {
			return
		}

		if retries == 0 {
			if err != nil {
				error(err)
			} else {
				error(errors.New("max number of retries exceeded"))
			}
		}
	}
}

// TestMultiplier returns a multiplier for retries and waits given environment
// the tests are being run under. KAFKALOCAL_TEST_MULTIPLIER raises it on
// slow machines.
func TestMultiplier() int64 {
	if n, err := strconv.ParseInt(os.Getenv("KAFKALOCAL_TEST_MULTIPLIER"), 10, 64); err == nil && n > 0 {
		return n
	}
	return 1
}
