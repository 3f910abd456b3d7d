package sanitize

import "time"

// nowMillis is swappable in tests.
var nowMillis = func() int64 { return time.Now().UnixMilli() }
