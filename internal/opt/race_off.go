//go:build !race

package opt

// Race_ reports whether the race detector is enabled. Hot paths fall back to
// conservative atomic access when it is.
const Race_ = false
