// Package command decodes runtime control commands from the serial console
// and from MQTT control messages.
package command

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"strings"

	"github.com/mitchellh/mapstructure"
)

// ErrUnknownCommand is returned for commands that are not recognised.
var ErrUnknownCommand = errors.New("unknown command")

// Kind identifies a command.
type Kind int

const (
	// Calibrate sets the scale of one channel in the combined index space
	// (voltage channels first, then CTs).
	Calibrate Kind = iota + 1
	// ResetEnergy zeroes the energy accumulators.
	ResetEnergy
	// LogSettings logs calibration, energy and diagnostics.
	LogSettings
)

func (k Kind) String() string {
	switch k {
	case Calibrate:
		return "calibrate"
	case ResetEnergy:
		return "reset_energy"
	case LogSettings:
		return "log_settings"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Command is a decoded control command.
type Command struct {
	Kind    Kind
	Channel int
	Scale   float32
}

// ParseLine parses a console command.
//
//	k<ch> <scale>   set calibration of channel ch
//	z               reset energy
//	l               log settings
func ParseLine(line string) (Command, error) {
	line = strings.TrimSpace(line)
	if line == "" {
		return Command{}, fmt.Errorf("empty command: %w", ErrUnknownCommand)
	}

	switch line[0] {
	case 'z', 'Z':
		return Command{Kind: ResetEnergy}, nil
	case 'l', 'L':
		return Command{Kind: LogSettings}, nil
	case 'k', 'K':
		return parseCalibrate(line[1:])
	default:
		return Command{}, fmt.Errorf("%q: %w", line, ErrUnknownCommand)
	}
}

func parseCalibrate(args string) (Command, error) {
	// A third field (phase) is accepted and ignored.
	fields := strings.Fields(args)
	if len(fields) < 2 || len(fields) > 3 {
		return Command{}, fmt.Errorf("calibrate expects channel and scale, got %q", args)
	}

	ch, err := strconv.Atoi(fields[0])
	if err != nil {
		return Command{}, fmt.Errorf("invalid channel %q: %w", fields[0], err)
	}
	scale, err := strconv.ParseFloat(fields[1], 32)
	if err != nil {
		return Command{}, fmt.Errorf("invalid scale %q: %w", fields[1], err)
	}

	return Command{Kind: Calibrate, Channel: ch, Scale: float32(scale)}, nil
}

// Message is a control plane message.
type Message struct {
	Command string                 `json:"command"`
	Params  map[string]interface{} `json:"params,omitempty"`
}

type calibrateParams struct {
	Channel int     `mapstructure:"channel"`
	Scale   float32 `mapstructure:"scale"`
}

// Decode parses a JSON control message such as
// {"command":"calibrate","params":{"channel":3,"scale":3.0}}.
func Decode(payload []byte) (Command, error) {
	var msg Message
	if err := json.Unmarshal(payload, &msg); err != nil {
		return Command{}, fmt.Errorf("decode control message: %w", err)
	}
	return FromMessage(msg)
}

// FromMessage converts a control message into a Command.
func FromMessage(msg Message) (Command, error) {
	switch msg.Command {
	case "calibrate":
		var p calibrateParams
		if _, ok := msg.Params["channel"]; !ok {
			return Command{}, fmt.Errorf("calibrate: missing channel")
		}
		if _, ok := msg.Params["scale"]; !ok {
			return Command{}, fmt.Errorf("calibrate: missing scale")
		}
		if err := mapstructure.WeakDecode(msg.Params, &p); err != nil {
			return Command{}, fmt.Errorf("calibrate params: %w", err)
		}
		return Command{Kind: Calibrate, Channel: p.Channel, Scale: p.Scale}, nil
	case "reset_energy":
		return Command{Kind: ResetEnergy}, nil
	case "log_settings", "get_status":
		return Command{Kind: LogSettings}, nil
	default:
		return Command{}, fmt.Errorf("%q: %w", msg.Command, ErrUnknownCommand)
	}
}

// Scan reads console lines from r and passes every parsed command to submit
// until r is exhausted or ctx is cancelled. Malformed lines and rejected
// commands are logged and skipped.
func Scan(ctx context.Context, r io.Reader, submit func(Command) error) error {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		if err := ctx.Err(); err != nil {
			return nil
		}

		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		cmd, err := ParseLine(line)
		if err != nil {
			slog.Warn("invalid console command", "line", line, "error", err)
			continue
		}
		if err := submit(cmd); err != nil {
			slog.Warn("console command rejected", "command", cmd.Kind, "error", err)
			continue
		}
		slog.Debug("console command accepted", "command", cmd.Kind, "channel", cmd.Channel)
	}

	if err := scanner.Err(); err != nil && ctx.Err() == nil {
		return fmt.Errorf("read console: %w", err)
	}
	return nil
}
