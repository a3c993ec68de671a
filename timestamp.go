package hydrus

import "time"

// Now is the clock used throughout the engine. Tests may override it to get
// deterministic timestamps.
var Now = time.Now

// NowUnix returns the current time as unix seconds, the resolution all
// repository timestamps use.
func NowUnix() int64 {
	return Now().Unix()
}
