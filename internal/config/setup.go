package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"time"

	"github.com/charmbracelet/huh"
	"github.com/charmbracelet/lipgloss"
	"github.com/go-resty/resty/v2"
	"github.com/rs/zerolog/log"
	"golang.org/x/term"
)

// GeminiAPIBaseURL is where API keys are validated.
var GeminiAPIBaseURL = "https://generativelanguage.googleapis.com"

// IsInteractiveTerminal returns true if both stdin and stdout are TTYs.
func IsInteractiveTerminal() bool {
	return term.IsTerminal(int(os.Stdin.Fd())) && term.IsTerminal(int(os.Stdout.Fd()))
}

// RunSetupWizard asks for the missing configuration and saves it to
// config.env. Returns true if the service should continue starting.
func RunSetupWizard() bool {
	titleStyle := lipgloss.NewStyle().
		Bold(true).
		Foreground(lipgloss.Color("99")).
		MarginBottom(1)

	fmt.Println()
	fmt.Println(titleStyle.Render("🔬 BioCount - First-time Setup"))
	fmt.Println()

	var geminiKey string
	source := string(CameraClient)
	var snapshotURL string

	form := huh.NewForm(
		huh.NewGroup(
			huh.NewInput().
				Title("Gemini API Key").
				Description("Get yours at https://aistudio.google.com/apikey").
				Value(&geminiKey).
				Validate(func(s string) error {
					if s == "" {
						return errors.New("API key is required")
					}
					return ValidateGeminiKey(GeminiAPIBaseURL, s)
				}),
		),
		huh.NewGroup(
			huh.NewSelect[string]().
				Title("Camera").
				Options(
					huh.NewOption("Phone browser camera", string(CameraClient)),
					huh.NewOption("Network camera snapshot URL", string(CameraSnapshot)),
				).
				Value(&source),
		),
		huh.NewGroup(
			huh.NewInput().
				Title("Snapshot URL").
				Description("Returns a JPEG or PNG on every GET").
				Value(&snapshotURL).
				Validate(func(s string) error {
					if s == "" {
						return errors.New("URL is required")
					}
					return nil
				}),
		).WithHideFunc(func() bool { return source != string(CameraSnapshot) }),
	).WithTheme(huh.ThemeBase16())

	if err := form.Run(); err != nil {
		if errors.Is(err, huh.ErrUserAborted) {
			fmt.Println("\nSetup cancelled.")
			return false
		}
		fmt.Printf("\nError: %v\n", err)
		return false
	}

	values := map[string]string{
		"GEMINI_API_KEY": geminiKey,
		"CAMERA_SOURCE":  source,
	}
	if source == string(CameraSnapshot) {
		values["CAMERA_SNAPSHOT_URL"] = snapshotURL
	}

	dir, err := configDir()
	if err != nil {
		fmt.Printf("\nError saving configuration: %v\n", err)
		WaitOnWindows()
		return false
	}
	configPath, err := writeEnvFile(dir, values)
	if err != nil {
		fmt.Printf("\nError saving configuration: %v\n", err)
		WaitOnWindows()
		return false
	}

	for k, v := range values {
		os.Setenv(k, v)
	}

	successStyle := lipgloss.NewStyle().
		Foreground(lipgloss.Color("42")).
		Bold(true)
	pathStyle := lipgloss.NewStyle().
		Foreground(lipgloss.Color("245"))

	fmt.Println()
	fmt.Println(successStyle.Render("✓ Configuration saved"))
	fmt.Println(pathStyle.Render("  " + configPath))
	fmt.Println()
	fmt.Println("Starting server...")
	fmt.Println()

	return true
}

// ValidateGeminiKey checks a key against the lightweight models list
// endpoint.
func ValidateGeminiKey(baseURL, key string) error {
	var apiErr struct {
		Error struct {
			Message string `json:"message"`
		} `json:"error"`
	}

	res, err := resty.New().
		SetDebug(false).
		SetBaseURL(baseURL).
		SetTimeout(10 * time.Second).
		R().
		SetQueryParam("key", key).
		SetError(&apiErr).
		Get("/v1beta/models")
	if err != nil {
		return errors.New("connection failed - check your internet")
	}

	switch code := res.StatusCode(); {
	case code == 400 || code == 401 || code == 403:
		if apiErr.Error.Message != "" {
			return errors.New(apiErr.Error.Message)
		}
		return fmt.Errorf("API key rejected (HTTP %d)", code)
	case code != 200:
		return fmt.Errorf("unexpected response (HTTP %d)", code)
	}
	return nil
}

// envFileOrder is the order variables are written in.
var envFileOrder = []string{"GEMINI_API_KEY", "GEMINI_MODEL", "CAMERA_SOURCE", "CAMERA_SNAPSHOT_URL"}

// writeEnvFile writes values to config.env in dir with 0600 permissions since
// the file contains secrets. Returns the path written.
func writeEnvFile(dir string, values map[string]string) (string, error) {
	configPath := filepath.Join(dir, EnvFileName)
	f, err := os.OpenFile(configPath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0600)
	if err != nil {
		return "", fmt.Errorf("failed to create config file: %w", err)
	}
	defer f.Close()

	for _, key := range envFileOrder {
		if val, ok := values[key]; ok {
			if _, err := fmt.Fprintf(f, "%s=%q\n", key, val); err != nil {
				return "", fmt.Errorf("failed to write %s: %w", key, err)
			}
		}
	}
	return configPath, nil
}

// WaitOnWindows pauses so users can read errors before the console window
// closes.
func WaitOnWindows() {
	if runtime.GOOS == "windows" {
		fmt.Println()
		fmt.Println("Press Enter to exit...")
		fmt.Scanln()
	}
}

// FatalWithWait logs a fatal error and waits on Windows before exiting.
func FatalWithWait(format string, args ...any) {
	log.Error().Msgf(format, args...)
	WaitOnWindows()
	os.Exit(1)
}
