package ifc

import (
	"context"
	"fmt"
	"log/slog"
	"os/exec"
)

// Converter produces WexBIM geometry from an ifc model. WexBIM is the binary
// streaming format the web viewer consumes.
type Converter interface {
	// ConvertWexBim reads the model at ifcPath and writes viewer geometry to
	// wexBimPath. The output file must not be created on failure.
	ConvertWexBim(ctx context.Context, ifcPath string, wexBimPath string) error
}

// CommandConverter invokes an external geometry engine once per conversion.
// The command receives the ifc path and the target wexbim path appended as
// its final two arguments.
type CommandConverter struct {
	command string
	args    []string
}

func NewCommandConverter(command string, args ...string) *CommandConverter {
	return &CommandConverter{command: command, args: args}
}

func (c *CommandConverter) ConvertWexBim(ctx context.Context, ifcPath, wexBimPath string) error {
	args := append(append([]string{}, c.args...), ifcPath, wexBimPath)
	cmd := exec.CommandContext(ctx, c.command, args...)
	output, err := cmd.CombinedOutput()
	if err != nil {
		slog.Error("wexbim conversion command failed",
			"command", c.command, "error", err, "output", string(output))
		return fmt.Errorf("wexbim conversion failed: %v", err)
	}
	return nil
}
