package config

import (
	"bufio"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// RunSetupWizard guides the user through first-time configuration.
func RunSetupWizard(cfg *Config) error {
	reader := bufio.NewReader(os.Stdin)

	fmt.Println("╔══════════════════════════════════════════════╗")
	fmt.Println("║          MCComm - First Run Setup            ║")
	fmt.Println("╠══════════════════════════════════════════════╣")
	fmt.Println("║  Configure the link to your Minecraft world. ║")
	fmt.Println("╚══════════════════════════════════════════════╝")
	fmt.Println()

	fmt.Println("── Login Key ──")
	fmt.Println("  The addon must present this key to connect.")

	suggested := cfg.MCComm.LoginKey
	if suggested == "" {
		suggested = uuid.NewString()
	}
	cfg.MCComm.LoginKey = promptString(reader, "Login key", suggested)

	fmt.Println()
	fmt.Println("── Network Ports ──")

	cfg.MCComm.ListenAddress = promptString(reader, "Listen address", cfg.MCComm.ListenAddress)
	cfg.MCComm.ListenPort = promptInt(reader, "MCComm port (addon connects here)", cfg.MCComm.ListenPort)
	cfg.MCComm.APIPort = promptInt(reader, "Admin API port", cfg.MCComm.APIPort)

	fmt.Println()
	fmt.Println("── Sessions ──")

	cfg.MCComm.SessionIdleTimeoutSec = promptInt(reader, "Idle session timeout (seconds, 0 = never)",
		cfg.MCComm.SessionIdleTimeoutSec)
	cfg.MCComm.StrictBinding = promptBool(reader, "Require announced binding keys", cfg.MCComm.StrictBinding)
	cfg.MCComm.LegacyBitmask = promptBool(reader, "Use grouped bitmask layout (older addons)", cfg.MCComm.LegacyBitmask)

	fmt.Println()
	fmt.Println("── Default Proximity ──")

	cfg.MCComm.DefaultSettings.ProximityDistance = promptInt(reader, "Proximity distance (1-60)",
		cfg.MCComm.DefaultSettings.ProximityDistance)

	fmt.Println()
	fmt.Println("── MQTT Telemetry ──")

	cfg.ApplicationData.MQTT.Enabled = promptBool(reader, "Enable MQTT telemetry", cfg.ApplicationData.MQTT.Enabled)
	if cfg.ApplicationData.MQTT.Enabled {
		cfg.ApplicationData.MQTT.BrokerURL = promptString(reader, "MQTT broker host", cfg.ApplicationData.MQTT.BrokerURL)
		cfg.ApplicationData.MQTT.Port = promptInt(reader, "MQTT broker port", cfg.ApplicationData.MQTT.Port)
	}

	// Validate before saving
	result := Validate(cfg)
	if !result.IsValid() {
		fmt.Println("\n⚠ Configuration has errors:")
		for _, e := range result.Errors {
			fmt.Printf("  - [%s] %s\n", e.Field, e.Message)
		}
		retry := promptString(reader, "Would you like to try again? (yes/no)", "yes")
		if strings.ToLower(retry) == "yes" {
			return RunSetupWizard(cfg)
		}
		return fmt.Errorf("configuration validation failed")
	}

	for _, w := range result.Warnings {
		log.Warn().Str("field", w.Field).Msg(w.Message)
	}

	if err := cfg.Save(); err != nil {
		return fmt.Errorf("failed to save configuration: %w", err)
	}

	fmt.Println()
	fmt.Println("✓ Configuration saved successfully!")
	fmt.Printf("  Point the addon at port %d with your login key.\n", cfg.MCComm.ListenPort)
	fmt.Println()

	return nil
}

func promptString(reader *bufio.Reader, prompt string, defaultVal string) string {
	if defaultVal != "" {
		fmt.Printf("  %s [%s]: ", prompt, defaultVal)
	} else {
		fmt.Printf("  %s: ", prompt)
	}

	input, _ := reader.ReadString('\n')
	input = strings.TrimSpace(input)

	if input == "" {
		return defaultVal
	}
	return input
}

func promptInt(reader *bufio.Reader, prompt string, defaultVal int) int {
	fmt.Printf("  %s [%d]: ", prompt, defaultVal)

	input, _ := reader.ReadString('\n')
	input = strings.TrimSpace(input)

	if input == "" {
		return defaultVal
	}

	val, err := strconv.Atoi(input)
	if err != nil {
		fmt.Printf("    Invalid number, using default: %d\n", defaultVal)
		return defaultVal
	}
	return val
}

func promptBool(reader *bufio.Reader, prompt string, defaultVal bool) bool {
	defaultStr := "no"
	if defaultVal {
		defaultStr = "yes"
	}

	fmt.Printf("  %s [%s]: ", prompt, defaultStr)

	input, _ := reader.ReadString('\n')
	input = strings.TrimSpace(strings.ToLower(input))

	if input == "" {
		return defaultVal
	}

	return input == "yes" || input == "y" || input == "true" || input == "1"
}
