//go:build !unix

package invoker

import "os/exec"

// configureProcessGroup falls back to killing the direct child only.
func configureProcessGroup(cmd *exec.Cmd) {}
