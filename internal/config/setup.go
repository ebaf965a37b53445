package config

import (
	"bufio"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/rs/zerolog/log"
)

const maxSetupRounds = 3

// RunSetupWizard prompts for the main settings on in, echoing prompts to
// out, validates them and saves the result.
func RunSetupWizard(cfg *Config, in io.Reader, out io.Writer) error {
	p := &prompter{reader: bufio.NewReader(in), out: out}

	fmt.Fprintln(out, "livefeed setup")
	fmt.Fprintln(out, "Press enter to keep the value in brackets.")

	for round := 1; ; round++ {
		p.section("Relay")
		cfg.Relay.RoomID = int64(p.int("Room id to watch on startup (0 for none)", int(cfg.Relay.RoomID)))
		cfg.Relay.StrictAuth = p.bool("Fault when the relay rejects authentication", cfg.Relay.StrictAuth)

		p.section("Reconnect")
		cfg.Reconnect.Enabled = p.bool("Reconnect after connection loss", cfg.Reconnect.Enabled)
		if cfg.Reconnect.Enabled {
			cfg.Reconnect.MaxAttempts = p.int("Max attempts (0 for unlimited)", cfg.Reconnect.MaxAttempts)
		}

		p.section("REST API")
		cfg.API.Enabled = p.bool("Enable REST API", cfg.API.Enabled)
		if cfg.API.Enabled {
			cfg.API.Port = p.int("REST API port", cfg.API.Port)
		}

		p.section("MQTT")
		cfg.MQTT.Enabled = p.bool("Publish events to MQTT", cfg.MQTT.Enabled)
		if cfg.MQTT.Enabled {
			cfg.MQTT.BrokerURL = p.string("Broker host", cfg.MQTT.BrokerURL)
			cfg.MQTT.Port = p.int("Broker port", cfg.MQTT.Port)
			cfg.MQTT.UseTLS = p.bool("Use TLS", cfg.MQTT.UseTLS)
		}

		p.section("Audit store")
		cfg.Storage.Enabled = p.bool("Record session history", cfg.Storage.Enabled)

		result := Validate(cfg)
		if result.IsValid() {
			for _, w := range result.Warnings {
				log.Warn().Str("field", w.Field).Msg(w.Message)
			}
			break
		}

		fmt.Fprintln(out, "\nConfiguration has errors:")
		for _, e := range result.Errors {
			fmt.Fprintf(out, "  - [%s] %s\n", e.Field, e.Message)
		}
		if round >= maxSetupRounds || !p.bool("Try again", true) {
			return fmt.Errorf("configuration validation failed")
		}
	}

	if err := cfg.Save(); err != nil {
		return fmt.Errorf("failed to save configuration: %w", err)
	}
	fmt.Fprintf(out, "\nConfiguration saved to %s\n", cfg.Path())
	return nil
}

type prompter struct {
	reader *bufio.Reader
	out    io.Writer
}

func (p *prompter) section(name string) {
	fmt.Fprintf(p.out, "\n-- %s --\n", name)
}

func (p *prompter) read() string {
	input, _ := p.reader.ReadString('\n')
	return strings.TrimSpace(input)
}

func (p *prompter) string(prompt, defaultVal string) string {
	if defaultVal != "" {
		fmt.Fprintf(p.out, "  %s [%s]: ", prompt, defaultVal)
	} else {
		fmt.Fprintf(p.out, "  %s: ", prompt)
	}
	if input := p.read(); input != "" {
		return input
	}
	return defaultVal
}

func (p *prompter) int(prompt string, defaultVal int) int {
	fmt.Fprintf(p.out, "  %s [%d]: ", prompt, defaultVal)
	input := p.read()
	if input == "" {
		return defaultVal
	}
	val, err := strconv.Atoi(input)
	if err != nil {
		fmt.Fprintf(p.out, "    Invalid number, using %d\n", defaultVal)
		return defaultVal
	}
	return val
}

func (p *prompter) bool(prompt string, defaultVal bool) bool {
	defaultStr := "no"
	if defaultVal {
		defaultStr = "yes"
	}
	fmt.Fprintf(p.out, "  %s [%s]: ", prompt, defaultStr)

	switch strings.ToLower(p.read()) {
	case "":
		return defaultVal
	case "yes", "y", "true", "1":
		return true
	default:
		return false
	}
}
