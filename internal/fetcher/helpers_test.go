package fetcher

import (
	"time"

	"github.com/rs/zerolog"
)

var testLoc = time.FixedZone("COT", -5*3600)

func noopLogger() zerolog.Logger {
	return zerolog.Nop()
}

type fixedClock struct{ now time.Time }

func (f fixedClock) Now() time.Time { return f.now }
