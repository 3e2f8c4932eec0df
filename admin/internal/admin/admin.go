package admin

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/malbeclabs/spend/engine/pkg/catalog"
	"github.com/malbeclabs/spend/engine/pkg/registry"
	"github.com/malbeclabs/spend/engine/pkg/store"
)

type Config struct {
	Logger   *slog.Logger
	Client   store.Client
	Registry *registry.Registry

	// Out receives command output, os.Stdout by default.
	Out io.Writer
	// In answers confirmation prompts, os.Stdin by default.
	In  io.Reader
}

func (cfg *Config) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.Client == nil {
		return errors.New("client is required")
	}
	if cfg.Registry == nil {
		return errors.New("registry is required")
	}
	if cfg.Out == nil {
		cfg.Out = os.Stdout
	}
	if cfg.In == nil {
		cfg.In = os.Stdin
	}
	return nil
}

// Admin runs the operator commands of spendctl against one store.
type Admin struct {
	log *slog.Logger
	cfg Config
	in  *bufio.Reader
}

func New(cfg Config) (*Admin, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Admin{log: cfg.Logger, cfg: cfg, in: bufio.NewReader(cfg.In)}, nil
}

func (a *Admin) printf(format string, args ...any) {
	fmt.Fprintf(a.cfg.Out, format, args...)
}

// Migrate applies pending catalog migrations and prints the resulting version.
func (a *Admin) Migrate(ctx context.Context) error {
	if err := catalog.Migrate(ctx, a.log, a.cfg.Client); err != nil {
		return err
	}
	v, err := catalog.Version(ctx, a.cfg.Client)
	if err != nil {
		return err
	}
	a.printf("Catalog schema at version %d\n", v)
	return nil
}

// DestructiveOptions controls commands that remove data.
type DestructiveOptions struct {
	DryRun bool
	// Yes skips the confirmation prompt.
	Yes bool
}

// confirm asks the operator to type "yes". It reports false when they did not.
func (a *Admin) confirm() (bool, error) {
	a.printf("\nThis is a DESTRUCTIVE operation that cannot be undone!\n")
	a.printf("Type 'yes' to confirm: ")

	response, err := a.in.ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return false, fmt.Errorf("failed to read confirmation: %w", err)
	}
	if strings.TrimSpace(strings.ToLower(response)) != "yes" {
		a.printf("\nConfirmation failed. Operation cancelled.\n")
		return false, nil
	}
	a.printf("\n")
	return true, nil
}

// withConn runs fn on a connection that is closed before returning.
func (a *Admin) withConn(ctx context.Context, fn func(store.Conn) error) error {
	conn, err := a.cfg.Client.Conn(ctx)
	if err != nil {
		return err
	}
	defer conn.Close()
	return fn(conn)
}
