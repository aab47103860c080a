package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/loykin/autoheal"
	"github.com/loykin/autoheal/internal/auth"
)

const defaultConfigPath = "autoheal.toml"

// command carries what the subcommands share; tests swap the writer and
// inject daemon options.
type command struct {
	out  io.Writer
	opts []autoheal.Option
}

func configPath(global *GlobalFlags, args []string) string {
	if len(args) > 0 && args[0] != "" {
		return args[0]
	}
	if global.ConfigPath != "" {
		return global.ConfigPath
	}
	return defaultConfigPath
}

func (c command) open(path string) (*autoheal.Daemon, error) {
	cfg, err := autoheal.LoadConfig(path)
	if err != nil {
		return nil, err
	}
	return autoheal.New(cfg, c.opts...)
}

// Serve runs the daemon in the foreground (or detaches first with
// --daemonize) until SIGINT or SIGTERM.
func (c command) Serve(ctx context.Context, path string, f ServeFlags) error {
	if f.Daemonize {
		return daemonize(f.PidFile, f.LogFile)
	}
	d, err := c.open(path)
	if err != nil {
		return err
	}
	defer func() { _ = d.Close() }()

	if f.PidFile != "" {
		if err := writePidFile(f.PidFile, os.Getpid()); err != nil {
			return fmt.Errorf("failed to write PID file: %w", err)
		}
		defer func() { _ = removePidFile(f.PidFile) }()
	}

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	if err := d.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// Fix runs one patch cycle and prints the outcome even when it failed.
func (c command) Fix(ctx context.Context, path string, f FixFlags) error {
	d, err := c.open(path)
	if err != nil {
		return err
	}
	defer func() { _ = d.Close() }()

	if f.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, f.Timeout)
		defer cancel()
	}
	out, err := d.Fix(ctx, f.File)
	printJSON(c.out, out)
	return err
}

// State prints the persisted state with the current health score.
func (c command) State(path string) error {
	d, err := c.open(path)
	if err != nil {
		return err
	}
	defer func() { _ = d.Close() }()

	rep, err := d.Report()
	if err != nil {
		return err
	}
	printJSON(c.out, rep)
	return nil
}

// HashPassword prints a bcrypt hash of the flag value or the first stdin line.
func (c command) HashPassword(in io.Reader, f HashPasswordFlags) error {
	pw := f.Password
	if pw == "" {
		line, err := bufio.NewReader(in).ReadString('\n')
		if err != nil && !errors.Is(err, io.EOF) {
			return fmt.Errorf("read password: %w", err)
		}
		pw = strings.TrimRight(line, "\r\n")
	}
	if pw == "" {
		return errors.New("password is required")
	}
	hash, err := auth.HashPassword(pw, f.Cost)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(c.out, hash)
	return err
}
