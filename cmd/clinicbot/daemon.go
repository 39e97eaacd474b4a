package main

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/spf13/cobra"
)

const (
	launchdLabel = "uz.clinicbot.serve"
	systemdUnit  = "clinicbot.service"
)

func daemonCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "daemon",
		Short: "Run clinicbot as a user service (launchd/systemd)",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "install",
		Short: "Install the service file for 'clinicbot serve'",
		RunE: func(cmd *cobra.Command, args []string) error {
			execPath, err := os.Executable()
			if err != nil {
				return fmt.Errorf("cannot determine executable path: %w", err)
			}
			workDir, err := os.Getwd()
			if err != nil {
				return err
			}
			unit := serviceUnit{Exec: execPath, Config: resolveConfigPath(), WorkDir: workDir}

			switch runtime.GOOS {
			case "darwin":
				return installLaunchd(unit)
			case "linux":
				return installSystemd(unit)
			default:
				return fmt.Errorf("unsupported OS: %s (supported: darwin, linux)", runtime.GOOS)
			}
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "uninstall",
		Short: "Remove the service file",
		RunE: func(cmd *cobra.Command, args []string) error {
			path, err := servicePath(runtime.GOOS)
			if err != nil {
				return err
			}
			if err := os.Remove(path); err != nil {
				return fmt.Errorf("remove service file: %w", err)
			}
			fmt.Printf("Daemon uninstalled: %s\n", path)
			return nil
		},
	})
	return cmd
}

// serviceUnit holds the values substituted into the service templates. The
// working directory is kept so 'serve' finds the same .env file.
type serviceUnit struct {
	Exec    string
	Config  string
	WorkDir string
	Log     string
	ErrLog  string
}

func (u serviceUnit) render(tmpl string) string {
	return strings.NewReplacer(
		"{{LABEL}}", launchdLabel,
		"{{EXEC}}", u.Exec,
		"{{CONFIG}}", u.Config,
		"{{WORKDIR}}", u.WorkDir,
		"{{LOG}}", u.Log,
		"{{ERR_LOG}}", u.ErrLog,
	).Replace(tmpl)
}

func servicePath(goos string) (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	switch goos {
	case "darwin":
		return filepath.Join(home, "Library", "LaunchAgents", launchdLabel+".plist"), nil
	case "linux":
		return filepath.Join(home, ".config", "systemd", "user", systemdUnit), nil
	default:
		return "", fmt.Errorf("unsupported OS: %s", goos)
	}
}

func writeServiceFile(path, content string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, []byte(content), 0o644)
}

func installLaunchd(u serviceUnit) error {
	path, err := servicePath("darwin")
	if err != nil {
		return err
	}
	logDir := filepath.Join(filepath.Dir(u.Config), "logs")
	if err := os.MkdirAll(logDir, 0o755); err != nil {
		return err
	}
	u.Log = filepath.Join(logDir, "clinicbot.log")
	u.ErrLog = filepath.Join(logDir, "clinicbot-error.log")

	if err := writeServiceFile(path, u.render(launchdTemplate)); err != nil {
		return err
	}
	fmt.Printf("Daemon installed: %s\n", path)
	fmt.Printf("To start: launchctl load %s\n", path)
	fmt.Printf("To stop:  launchctl unload %s\n", path)
	return nil
}

func installSystemd(u serviceUnit) error {
	path, err := servicePath("linux")
	if err != nil {
		return err
	}
	if err := writeServiceFile(path, u.render(systemdTemplate)); err != nil {
		return err
	}
	fmt.Printf("Daemon installed: %s\n", path)
	fmt.Printf("To start:  systemctl --user start clinicbot\n")
	fmt.Printf("To enable: systemctl --user enable clinicbot\n")
	return nil
}

const launchdTemplate = `<?xml version="1.0" encoding="UTF-8"?>
<!DOCTYPE plist PUBLIC "-//Apple//DTD PLIST 1.0//EN" "http://www.apple.com/DTDs/PropertyList-1.0.dtd">
<plist version="1.0">
<dict>
    <key>Label</key>
    <string>{{LABEL}}</string>
    <key>ProgramArguments</key>
    <array>
        <string>{{EXEC}}</string>
        <string>serve</string>
        <string>--config</string>
        <string>{{CONFIG}}</string>
    </array>
    <key>WorkingDirectory</key>
    <string>{{WORKDIR}}</string>
    <key>RunAtLoad</key>
    <true/>
    <key>KeepAlive</key>
    <true/>
    <key>StandardOutPath</key>
    <string>{{LOG}}</string>
    <key>StandardErrorPath</key>
    <string>{{ERR_LOG}}</string>
</dict>
</plist>`

const systemdTemplate = `[Unit]
Description=clinicbot Telegram bot manager
After=network-online.target
Wants=network-online.target

[Service]
Type=simple
WorkingDirectory={{WORKDIR}}
ExecStart={{EXEC}} serve --config {{CONFIG}}
Restart=on-failure
RestartSec=5

[Install]
WantedBy=default.target`
