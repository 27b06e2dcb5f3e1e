package utils

import (
	"time"

	"github.com/airenas/go-app/pkg/goapp"
)

// MeasureTime logs time elapsed from start, use with defer
func MeasureTime(name string, start time.Time) {
	goapp.Log.Debug().Dur("elapsed", time.Since(start)).Str("func", name).Msg("time")
}
