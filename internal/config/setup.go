package config

import (
	"bufio"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/rs/zerolog/log"
)

// RunSetupWizard asks for the player name and server address on first run
// and saves the result. Answers are read line by line from in.
func RunSetupWizard(cfg *Config, in io.Reader, out io.Writer) error {
	return runWizard(cfg, bufio.NewReader(in), out)
}

func runWizard(cfg *Config, reader *bufio.Reader, out io.Writer) error {
	fmt.Fprintln(out, "── netplay first run setup ──")
	fmt.Fprintln(out)

	conn := cfg.GetConnection()

	name := conn.Username
	if IsPlaceholderUsername(name) {
		name = ""
	}

	conn.Username = promptString(reader, out, "Player name", name)
	conn.Password = promptString(reader, out, "Password (blank for none)", conn.Password)
	conn.Host = promptString(reader, out, "Server host", conn.Host)
	conn.Port = promptInt(reader, out, "Server port", conn.Port)
	conn.AutoConnect = promptBool(reader, out, "Connect automatically on start", conn.AutoConnect)

	cfg.SetConnection(conn)

	result := Validate(cfg)
	if !result.IsValid() {
		fmt.Fprintln(out, "\nConfiguration has errors:")
		for _, e := range result.Errors {
			fmt.Fprintf(out, "  - [%s] %s\n", e.Field, e.Message)
		}
		retry := promptString(reader, out, "Try again? (yes/no)", "no")
		if strings.ToLower(retry) == "yes" {
			return runWizard(cfg, reader, out)
		}
		return fmt.Errorf("configuration validation failed")
	}

	for _, w := range result.Warnings {
		log.Warn().Str("field", w.Field).Msg(w.Message)
	}

	if err := cfg.Save(); err != nil {
		return fmt.Errorf("failed to save configuration: %w", err)
	}

	fmt.Fprintln(out, "\nConfiguration saved.")
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
