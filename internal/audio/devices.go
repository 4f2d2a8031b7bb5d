package audio

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strconv"
	"strings"

	"github.com/mattn/go-shellwords"
)

// Device identifies one hardware capture device.
type Device struct {
	Index int    `json:"index"`
	Name  string `json:"name"`
}

// ListDevices runs the configured enumeration command and parses one device
// per line, "index<sep>name". Lines that do not start with an integer index
// are skipped, which tolerates the header noise tools like arecord print.
// The call is read-only and has no effect on open capture streams.
func ListDevices(ctx context.Context, listCommand string) ([]Device, error) {
	parser := shellwords.NewParser()
	args, err := parser.Parse(listCommand)
	if err != nil {
		return nil, fmt.Errorf("parse list command: %w", err)
	}
	if len(args) == 0 {
		return nil, fmt.Errorf("list command is empty")
	}

	cmd := exec.CommandContext(ctx, args[0], args[1:]...)
	var stdout bytes.Buffer
	cmd.Stdout = &stdout
	if err := cmd.Run(); err != nil {
		return nil, fmt.Errorf("list devices: %w", err)
	}

	return ParseDeviceList(stdout.String()), nil
}

// ParseDeviceList extracts devices from enumeration output.
func ParseDeviceList(output string) []Device {
	var devices []Device
	for _, line := range strings.Split(output, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		fields := strings.Fields(line)
		index, err := strconv.Atoi(strings.TrimSuffix(fields[0], ":"))
		if err != nil {
			continue
		}
		name := strings.TrimSpace(strings.TrimPrefix(line, fields[0]))
		if name == "" {
			name = fmt.Sprintf("device-%d", index)
		}
		devices = append(devices, Device{Index: index, Name: name})
	}
	return devices
}
