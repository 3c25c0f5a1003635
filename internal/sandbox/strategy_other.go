//go:build !linux

package sandbox

// linuxStrategy is only implemented on Linux; other platforms fall
// back to the best-effort cwd-isolation strategy. macOS sandbox-exec
// and Windows Job Objects strategies are out of scope for this build
// (the pack's examples provide no grounding for either platform's
// sandboxing APIs).
func linuxStrategy() Strategy { return nil }
