package execute

import (
	"strconv"
	"strings"
	"time"
)

// rebootRequest is the parsed content of the reboot-request file
// written by tmt-reboot on the guest.
type rebootRequest struct {
	Command string
	Timeout time.Duration
	SkipEFI bool
}

// parseRebootRequest reads the key=value lines of a reboot-request.
func parseRebootRequest(content string) rebootRequest {
	var req rebootRequest
	for _, line := range strings.Split(content, "\n") {
		key, value, ok := strings.Cut(strings.TrimSpace(line), "=")
		if !ok {
			continue
		}
		switch key {
		case "command":
			req.Command = value
		case "timeout":
			if seconds, err := strconv.Atoi(value); err == nil && seconds > 0 {
				req.Timeout = time.Duration(seconds) * time.Second
			}
		case "efi-skip":
			req.SkipEFI = value == "1"
		}
	}
	return req
}
