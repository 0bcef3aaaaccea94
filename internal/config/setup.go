package config

import (
	"bufio"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/netplay64/netplay64/internal/util"
)

// RunSetupWizard asks for the values a first run needs and saves them.
func RunSetupWizard(cfg *Config, in io.Reader, out io.Writer) error {
	reader := bufio.NewReader(in)

	fmt.Fprintln(out, "netplay64 first run setup")
	fmt.Fprintln(out)

	n := cfg.GetNetplay()

	fmt.Fprintln(out, "-- Identity --")
	n.DeviceName = promptString(reader, out, "Device name shown to other players", n.DeviceName)

	fmt.Fprintln(out)
	fmt.Fprintln(out, "-- ROM --")
	n.RomPath = promptString(reader, out, "Path to the ROM you will play", n.RomPath)
	if n.RomPath != "" {
		sum, err := util.RomMD5(n.RomPath)
		if err != nil {
			fmt.Fprintf(out, "    Could not hash ROM: %v\n", err)
		} else {
			n.RomMD5 = sum
			fmt.Fprintf(out, "    ROM MD5: %s\n", sum)
		}
	}
	if n.RomMD5 == "" {
		n.RomMD5 = promptString(reader, out, "ROM MD5 (32 hex digits)", n.RomMD5)
	}

	fmt.Fprintln(out)
	fmt.Fprintln(out, "-- Session --")
	n.VideoPlugin = promptString(reader, out, "Video plugin", n.VideoPlugin)
	n.RSPPlugin = promptString(reader, out, "RSP plugin", n.RSPPlugin)
	n.BufferTarget = promptInt(reader, out, "Input buffer target (frames)", n.BufferTarget)
	cfg.SetNetplay(n)

	fmt.Fprintln(out)
	fmt.Fprintln(out, "-- Internet play --")
	cfg.mu.Lock()
	cfg.Rendezvous.ServerAddr = promptString(reader, out, "Rendezvous server (host:port, blank to disable room codes)", cfg.Rendezvous.ServerAddr)
	cfg.NAT.Enabled = promptBool(reader, out, "Map ports with NAT-PMP", cfg.NAT.Enabled)
	cfg.MQTT.Enabled = promptBool(reader, out, "Enable MQTT telemetry", cfg.MQTT.Enabled)
	if cfg.MQTT.Enabled {
		cfg.MQTT.BrokerURL = promptString(reader, out, "MQTT broker host", cfg.MQTT.BrokerURL)
	}
	cfg.mu.Unlock()

	result := Validate(cfg)
	if !result.IsValid() {
		fmt.Fprintln(out, "\nConfiguration has errors:")
		for _, e := range result.Errors {
			fmt.Fprintf(out, "  - [%s] %s\n", e.Field, e.Message)
		}
		retry := promptString(reader, out, "Would you like to try again? (yes/no)", "yes")
		if strings.ToLower(retry) == "yes" {
			return RunSetupWizard(cfg, reader, out)
		}
		return fmt.Errorf("configuration validation failed")
	}

	for _, w := range result.Warnings {
		log.Warn().Str("field", w.Field).Msg(w.Message)
	}

	if err := cfg.Save(); err != nil {
		return fmt.Errorf("failed to save configuration: %w", err)
	}

	fmt.Fprintln(out)
	fmt.Fprintln(out, "Configuration saved.")
	return nil
}

func promptString(reader *bufio.Reader, out io.Writer, prompt string, defaultVal string) string {
	if defaultVal != "" {
		fmt.Fprintf(out, "  %s [%s]: ", prompt, defaultVal)
	} else {
		fmt.Fprintf(out, "  %s: ", prompt)
	}

	input, _ := reader.ReadString('\n')
	input = strings.TrimSpace(input)

	if input == "" {
		return defaultVal
	}
	return input
}

func promptInt(reader *bufio.Reader, out io.Writer, prompt string, defaultVal int) int {
	fmt.Fprintf(out, "  %s [%d]: ", prompt, defaultVal)

	input, _ := reader.ReadString('\n')
	input = strings.TrimSpace(input)

	if input == "" {
		return defaultVal
	}

	val, err := strconv.Atoi(input)
	if err != nil {
		fmt.Fprintf(out, "    Invalid number, using default: %d\n", defaultVal)
		return defaultVal
	}
	return val
}

func promptBool(reader *bufio.Reader, out io.Writer, prompt string, defaultVal bool) bool {
	defaultStr := "no"
	if defaultVal {
		defaultStr = "yes"
	}

	fmt.Fprintf(out, "  %s [%s]: ", prompt, defaultStr)

	input, _ := reader.ReadString('\n')
	input = strings.TrimSpace(strings.ToLower(input))

	if input == "" {
		return defaultVal
	}

	return input == "yes" || input == "y" || input == "true" || input == "1"
}
