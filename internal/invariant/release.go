//go:build !hioload_debug

package invariant

const enabled = false
