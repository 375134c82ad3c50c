package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/loykin/botvisor"
	"github.com/loykin/botvisor/internal/config"
	"github.com/loykin/botvisor/internal/workspace"
	"github.com/loykin/botvisor/pkg/client"
	"github.com/loykin/botvisor/pkg/template"
)

// command carries what the subcommands share. Remote commands talk to the
// daemon; local ones (locate, paths, provision, config write) build a
// Botvisor in-process.
type command struct {
	global *GlobalFlags
	out    io.Writer
	in     io.Reader
}

func (c command) client() *client.Client {
	return client.New(client.Config{BaseURL: c.global.APIUrl, Timeout: c.global.APITimeout})
}

func (c command) local() (*botvisor.Botvisor, error) {
	cfg, err := loadConfig(c.global.ConfigPath)
	if err != nil {
		return nil, err
	}
	return botvisor.New(cfg)
}

// loadConfig reads the explicit path, else botvisor.toml in the default data
// dir when present, else defaults.
func loadConfig(path string) (*botvisor.Config, error) {
	if path != "" {
		return botvisor.LoadConfig(path)
	}
	dataDir := ""
	if dir, err := os.UserConfigDir(); err == nil {
		dataDir = filepath.Join(dir, workspace.DefaultAppName)
	}
	return config.LoadDefault("", dataDir)
}

func (c command) Start(ctx context.Context) error {
	if err := c.client().Start(ctx); err != nil {
		return err
	}
	_, _ = fmt.Fprintln(c.out, "bot started")
	return nil
}

func (c command) Stop(ctx context.Context) error {
	if err := c.client().Stop(ctx); err != nil {
		return err
	}
	_, _ = fmt.Fprintln(c.out, "bot stopped")
	return nil
}

func (c command) Restart(ctx context.Context) error {
	if err := c.client().Restart(ctx); err != nil {
		return err
	}
	_, _ = fmt.Fprintln(c.out, "bot restarted")
	return nil
}

func (c command) Status(ctx context.Context, f StatusFlags) error {
	cl := c.client()
	for {
		h, err := cl.Status(ctx)
		if err != nil {
			return err
		}
		if f.JSON {
			printJSON(c.out, h)
		} else {
			_, _ = fmt.Fprintln(c.out, formatHealth(h))
		}
		if !f.Watch {
			return nil
		}
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(f.Interval):
		}
	}
}

func (c command) Events(ctx context.Context, f EventsFlags) error {
	want := map[string]bool{}
	for _, t := range f.Types {
		want[strings.TrimSpace(t)] = true
	}
	return c.client().Events(ctx, func(e client.Event) bool {
		if len(want) > 0 && !want[e.Type] {
			return true
		}
		if f.Raw {
			_, _ = fmt.Fprintln(c.out, e.Data)
		} else {
			_, _ = fmt.Fprintf(c.out, "%-9s %s\n", e.Type, e.Data)
		}
		return true
	})
}

func (c command) Position(ctx context.Context, closeIt bool) error {
	cl := c.client()
	run := cl.CheckPosition
	if closeIt {
		run = cl.ClosePosition
	}
	out, err := run(ctx)
	if err != nil {
		return err
	}
	_, _ = fmt.Fprintln(c.out, string(out))
	return nil
}

func (c command) Locate(ctx context.Context) error {
	b, err := c.local()
	if err != nil {
		return err
	}
	defer func() { _ = b.Close(ctx) }()
	res, err := b.Locate(ctx)
	if err != nil {
		return err
	}
	_, _ = fmt.Fprintf(c.out, "%s (%s)\n", res.Path, res.Probe)
	return nil
}

func (c command) Paths(ctx context.Context) error {
	b, err := c.local()
	if err != nil {
		return err
	}
	defer func() { _ = b.Close(ctx) }()
	p, err := b.Paths()
	if err != nil {
		return err
	}
	printJSON(c.out, p)
	return nil
}

func (c command) Provision(ctx context.Context) error {
	b, err := c.local()
	if err != nil {
		return err
	}
	defer func() { _ = b.Close(ctx) }()
	dst, err := b.Provision(ctx)
	if err != nil {
		return err
	}
	_, _ = fmt.Fprintf(c.out, "provisioned %s\n", dst)
	return nil
}

func (c command) ConfigWrite(ctx context.Context, f ConfigWriteFlags) error {
	contents, err := c.readInput(f.File)
	if err != nil {
		return err
	}
	var path string
	if f.Remote {
		cl := c.client()
		var res client.WriteResult
		if f.Secret {
			res, err = cl.WriteSecret(ctx, f.Name, contents)
		} else {
			res, err = cl.WriteFile(ctx, f.Name, contents)
		}
		path = res.Path
	} else {
		var b *botvisor.Botvisor
		if b, err = c.local(); err != nil {
			return err
		}
		defer func() { _ = b.Close(ctx) }()
		path, err = b.WriteFile(f.Name, contents, f.Secret)
	}
	if err != nil {
		return err
	}
	_, _ = fmt.Fprintf(c.out, "wrote %s\n", path)
	return nil
}

func (c command) readInput(file string) ([]byte, error) {
	if file == "" || file == "-" {
		return io.ReadAll(c.in)
	}
	b, err := os.ReadFile(filepath.Clean(file))
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", file, err)
	}
	return b, nil
}

func (c command) ConfigInit(f ConfigInitFlags) error {
	data, err := template.NewGenerator().GenerateTOML(template.TemplateType(f.Type), f.AppName)
	if err != nil {
		return err
	}
	if f.Output == "" || f.Output == "-" {
		_, err = c.out.Write(data)
		return err
	}
	if !f.Force {
		if _, err := os.Stat(f.Output); err == nil {
			return fmt.Errorf("%s already exists (use --force to overwrite)", f.Output)
		}
	}
	if dir := filepath.Dir(f.Output); dir != "" {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return fmt.Errorf("create %s: %w", dir, err)
		}
	}
	if err := os.WriteFile(f.Output, data, 0o600); err != nil {
		return fmt.Errorf("write %s: %w", f.Output, err)
	}
	_, _ = fmt.Fprintf(c.out, "wrote %s\n", f.Output)
	return nil
}
