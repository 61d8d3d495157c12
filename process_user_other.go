//go:build !unix

package claude

import (
	"fmt"
	"os/exec"
	"runtime"

	"github.com/rs/zerolog"
)

func setProcessUser(cmd *exec.Cmd, username string, logger zerolog.Logger) error {
	if username == "" {
		return nil
	}
	return fmt.Errorf("user option is unsupported on %s", runtime.GOOS)
}
