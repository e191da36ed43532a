package main

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"runtime"
	"time"
)

// clipboardCommands lists the paste tools tried in order on each platform.
var clipboardCommands = map[string][][]string{
	"darwin":  {{"pbpaste"}},
	"linux":   {{"wl-paste", "--no-newline"}, {"xclip", "-selection", "clipboard", "-o"}},
	"freebsd": {{"xclip", "-selection", "clipboard", "-o"}},
}

func readClipboard(ctx context.Context) ([]byte, error) {
	candidates := clipboardCommands[runtime.GOOS]
	if len(candidates) == 0 {
		return nil, fmt.Errorf("clipboard is not supported on %s", runtime.GOOS)
	}

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	var errs []error
	for _, argv := range candidates {
		path, err := exec.LookPath(argv[0])
		if err != nil {
			errs = append(errs, err)
			continue
		}
		var stdout, stderr bytes.Buffer
		cmd := exec.CommandContext(ctx, path, argv[1:]...)
		cmd.Stdout = &stdout
		cmd.Stderr = &stderr
		if err := cmd.Run(); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w: %s", argv[0], err, bytes.TrimSpace(stderr.Bytes())))
			continue
		}
		return stdout.Bytes(), nil
	}
	return nil, fmt.Errorf("read clipboard: %w", errors.Join(errs...))
}
