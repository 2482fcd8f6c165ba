package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/msageha/devq/internal/daemon"
	"github.com/msageha/devq/internal/device"
	"github.com/msageha/devq/internal/manifest"
	"github.com/msageha/devq/internal/model"
	"github.com/msageha/devq/internal/setup"
	"github.com/msageha/devq/internal/status"
	"github.com/msageha/devq/internal/uds"
	yamlutil "github.com/msageha/devq/internal/yaml"
)

const version = "0.3.0"

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "init":
		runInit(os.Args[2:])
	case "serve":
		runServe(os.Args[2:])
	case "run":
		runRun(os.Args[2:])
	case "submit":
		runSubmit(os.Args[2:])
	case "status":
		runStatus(os.Args[2:])
	case "wait":
		runWait(os.Args[2:])
	case "shutdown":
		runShutdown(os.Args[2:])
	case "version":
		fmt.Printf("devq %s\n", version)
	case "help", "--help", "-h":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

func runInit(args []string) {
	const usage = "usage: devq init <dir> [--device <name>]"
	var dir, deviceName string
	for i := 0; i < len(args); i++ {
		switch {
		case args[i] == "--device":
			deviceName = flagValue(args, &i)
		case dir == "" && args[i] != "" && args[i][0] != '-':
			dir = args[i]
		default:
			fmt.Fprintf(os.Stderr, "unknown flag: %s\n%s\n", args[i], usage)
			os.Exit(1)
		}
	}
	if dir == "" {
		fmt.Fprintln(os.Stderr, usage)
		os.Exit(1)
	}
	if err := setup.Run(dir, deviceName); err != nil {
		fmt.Fprintf(os.Stderr, "init: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("initialized %s\n", dir)
}

func runServe(args []string) {
	if len(args) != 1 {
		fmt.Fprintln(os.Stderr, "usage: devq serve <dir>")
		os.Exit(1)
	}
	dir := args[0]
	if err := os.MkdirAll(dir, 0755); err != nil {
		fmt.Fprintf(os.Stderr, "create %s: %v\n", dir, err)
		os.Exit(1)
	}

	cfg, err := loadConfig(dir)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}

	d, err := daemon.New(dir, cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "create daemon: %v\n", err)
		os.Exit(1)
	}
	if err := d.Run(); err != nil {
		fmt.Fprintf(os.Stderr, "daemon: %v\n", err)
		os.Exit(1)
	}
}

// runRun executes one manifest on an in-process device and prints its report.
func runRun(args []string) {
	const usage = "usage: devq run <manifest> [--config <path>] [--report <path>] [--timeout-ms <n>]"
	var manifestPath, configPath, reportPath string
	timeoutMS := 0

	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--config":
			configPath = flagValue(args, &i)
		case "--report":
			reportPath = flagValue(args, &i)
		case "--timeout-ms":
			timeoutMS = intFlagValue(args, &i)
		default:
			if manifestPath != "" || len(args[i]) > 1 && args[i][0] == '-' {
				fmt.Fprintf(os.Stderr, "unknown flag: %s\n%s\n", args[i], usage)
				os.Exit(1)
			}
			manifestPath = args[i]
		}
	}
	if manifestPath == "" {
		fmt.Fprintln(os.Stderr, usage)
		os.Exit(1)
	}

	cfg := model.DefaultConfig()
	if configPath != "" {
		var err error
		if cfg, err = readConfig(configPath); err != nil {
			fmt.Fprintf(os.Stderr, "load config: %v\n", err)
			os.Exit(1)
		}
	}

	m, err := manifest.Load(manifestPath)
	if err != nil {
		var verrs *manifest.ValidationErrors
		if errors.As(err, &verrs) {
			fmt.Fprint(os.Stderr, verrs.FormatStderr())
		} else {
			fmt.Fprintf(os.Stderr, "load manifest: %v\n", err)
		}
		os.Exit(1)
	}

	ctx := context.Background()
	if timeoutMS > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, time.Duration(timeoutMS)*time.Millisecond)
		defer cancel()
	}

	dev := device.New(cfg, nil)
	rep, runErr := manifest.Execute(ctx, dev, m)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = dev.Shutdown(shutdownCtx)

	if rep != nil {
		if reportPath != "" {
			if err := manifest.WriteReport(reportPath, rep); err != nil {
				fmt.Fprintf(os.Stderr, "%v\n", err)
				os.Exit(1)
			}
		} else {
			out, _ := yaml.Marshal(rep)
			fmt.Print(string(out))
		}
	}
	if runErr != nil {
		fmt.Fprintf(os.Stderr, "run: %v\n", runErr)
		os.Exit(1)
	}
}

// runSubmit copies a manifest into a serving directory's submit/ queue.
func runSubmit(args []string) {
	if len(args) != 2 {
		fmt.Fprintln(os.Stderr, "usage: devq submit <dir> <manifest>")
		os.Exit(1)
	}
	dir, manifestPath := args[0], args[1]

	content, err := os.ReadFile(manifestPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "read manifest: %v\n", err)
		os.Exit(1)
	}
	if _, err := manifest.Parse(content); err != nil {
		var verrs *manifest.ValidationErrors
		if errors.As(err, &verrs) {
			fmt.Fprint(os.Stderr, verrs.FormatStderr())
		} else {
			fmt.Fprintf(os.Stderr, "%v\n", err)
		}
		os.Exit(1)
	}

	dst := filepath.Join(dir, daemon.SubmitDir, filepath.Base(manifestPath))
	if err := yamlutil.AtomicWriteRaw(dst, content); err != nil {
		fmt.Fprintf(os.Stderr, "submit: %v\n", err)
		os.Exit(1)
	}
	fmt.Println(dst)
}

func runStatus(args []string) {
	const usage = "usage: devq status <dir> [--json]"
	jsonOutput := false
	var dir string
	for _, a := range args {
		switch {
		case a == "--json":
			jsonOutput = true
		case dir == "" && a != "" && a[0] != '-':
			dir = a
		default:
			fmt.Fprintf(os.Stderr, "unknown flag: %s\n%s\n", a, usage)
			os.Exit(1)
		}
	}
	if dir == "" {
		fmt.Fprintln(os.Stderr, usage)
		os.Exit(1)
	}

	if err := status.Run(dir, jsonOutput, os.Stdout); err != nil {
		fmt.Fprintf(os.Stderr, "status: %v\n", err)
		os.Exit(1)
	}
}

func runWait(args []string) {
	const usage = "usage: devq wait <dir> [--timeout-ms <n>]"
	var dir string
	timeoutMS := 0
	for i := 0; i < len(args); i++ {
		switch {
		case args[i] == "--timeout-ms":
			timeoutMS = intFlagValue(args, &i)
		case dir == "" && args[i] != "" && args[i][0] != '-':
			dir = args[i]
		default:
			fmt.Fprintf(os.Stderr, "unknown flag: %s\n%s\n", args[i], usage)
			os.Exit(1)
		}
	}
	if dir == "" {
		fmt.Fprintln(os.Stderr, usage)
		os.Exit(1)
	}

	client := newClient(dir)
	if timeoutMS > 0 {
		client.SetTimeout(time.Duration(timeoutMS)*time.Millisecond + 5*time.Second)
	} else {
		client.SetTimeout(24 * time.Hour)
	}

	var out map[string]any
	err := client.Call(uds.CmdWaitAll, uds.WaitAllParams{TimeoutMS: timeoutMS}, &out)
	if err != nil {
		var remote *uds.RemoteError
		if errors.As(err, &remote) && remote.Code == uds.ErrCodeTimeout {
			fmt.Fprintln(os.Stderr, "wait: timed out")
			os.Exit(2)
		}
		fmt.Fprintf(os.Stderr, "wait: %v\n", err)
		os.Exit(1)
	}
	fmt.Println("idle")
}

func runShutdown(args []string) {
	if len(args) != 1 {
		fmt.Fprintln(os.Stderr, "usage: devq shutdown <dir>")
		os.Exit(1)
	}
	if err := newClient(args[0]).Call(uds.CmdShutdown, nil, nil); err != nil {
		fmt.Fprintf(os.Stderr, "shutdown: %v\n", err)
		os.Exit(1)
	}
	fmt.Println("shutdown requested")
}

func newClient(dir string) *uds.Client {
	return uds.NewClient(filepath.Join(dir, uds.DefaultSocketName))
}

func flagValue(args []string, i *int) string {
	if *i+1 >= len(args) {
		fmt.Fprintf(os.Stderr, "%s requires a value\n", args[*i])
		os.Exit(1)
	}
	*i++
	return args[*i]
}

func intFlagValue(args []string, i *int) int {
	name := args[*i]
	v, err := strconv.Atoi(flagValue(args, i))
	if err != nil || v < 0 {
		fmt.Fprintf(os.Stderr, "%s must be a non-negative integer\n", name)
		os.Exit(1)
	}
	return v
}

// loadConfig reads <dir>/config.yaml. A missing file yields the defaults.
func loadConfig(dir string) (model.Config, error) {
	cfg, err := readConfig(filepath.Join(dir, "config.yaml"))
	if errors.Is(err, fs.ErrNotExist) {
		return model.DefaultConfig(), nil
	}
	return cfg, err
}

func readConfig(path string) (model.Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return model.Config{}, fmt.Errorf("read %s: %w", filepath.Base(path), err)
	}
	cfg := model.DefaultConfig()
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return model.Config{}, fmt.Errorf("parse %s: %w", filepath.Base(path), err)
	}
	return cfg, nil
}

func printUsage() {
	fmt.Fprintf(os.Stderr, `devq %s: device queue dispatcher

Usage: devq <command> [options]

Device:
  init <dir> [--device name]  Create config.yaml, directories and an example manifest
  serve <dir>                 Run the device daemon on <dir>
  run <manifest> [flags]      Execute a manifest in-process and print its report
      --config <path>         config.yaml to use
      --report <path>         Write the report to <path> instead of stdout
      --timeout-ms <n>        Give up waiting after n milliseconds

Client (talks to a running daemon):
  submit <dir> <manifest>     Queue a manifest for the daemon
  status <dir> [--json]       Show daemon statistics, waiting manifests and reports
  wait <dir> [--timeout-ms n] Block until every run and queue is idle
  shutdown <dir>              Gracefully stop the daemon

Utilities:
  version                     Show version
  help                        Show this help
`, version)
}
