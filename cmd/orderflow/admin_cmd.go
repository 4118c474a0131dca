package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/google/uuid"

	"github.com/orderflowhq/orderflow/pkg/export"
	"github.com/orderflowhq/orderflow/pkg/tenants"
)

const adminTimeout = 60 * time.Second

// withApp runs fn against a fully wired app and maps errors to exit codes.
func withApp(stderr io.Writer, fn func(ctx context.Context, a *app) error) int {
	ctx, cancel := context.WithTimeout(context.Background(), adminTimeout)
	defer cancel()
	a, err := buildApp(ctx)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "orderflow: %v\n", err)
		return 1
	}
	defer func() { _ = a.Close() }()
	if err := fn(ctx, a); err != nil {
		_, _ = fmt.Fprintf(stderr, "orderflow: %v\n", err)
		return 1
	}
	return 0
}

func runTenantCmd(args []string, stdout, stderr io.Writer) int {
	if len(args) < 3 || args[0] != "create" {
		_, _ = fmt.Fprintln(stderr, "Usage: orderflow tenant create <slug> <name>")
		return 2
	}
	slug, name := args[1], args[2]
	return withApp(stderr, func(ctx context.Context, a *app) error {
		t := &tenants.Tenant{
			Slug:     slug,
			Name:     name,
			Status:   tenants.StatusActive,
			Settings: tenants.Settings{}.WithDefaults(),
		}
		if err := a.tenants.Create(ctx, t); err != nil {
			return err
		}
		_, _ = fmt.Fprintf(stdout, "tenant %s created: %s\n", slug, t.ID)
		return nil
	})
}

// runConnectionCmd adds a dropzone connection. The plaintext config JSON is
// read from a file, validated, sealed with the process master secret and
// never stored unencrypted.
func runConnectionCmd(args []string, stdout, stderr io.Writer) int {
	if len(args) < 3 || args[0] != "add" {
		_, _ = fmt.Fprintln(stderr, "Usage: orderflow connection add <tenant-id> <config.json>")
		return 2
	}
	tenantID, err := uuid.Parse(args[1])
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "orderflow: bad tenant id: %v\n", err)
		return 2
	}
	raw, err := os.ReadFile(args[2])
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "orderflow: %v\n", err)
		return 1
	}
	var cfg export.ConnectionConfig
	if err := json.Unmarshal(raw, &cfg); err != nil {
		_, _ = fmt.Fprintf(stderr, "orderflow: parse config: %v\n", err)
		return 1
	}
	return withApp(stderr, func(ctx context.Context, a *app) error {
		if _, err := a.tenants.Get(ctx, tenantID); err != nil {
			return err
		}
		sealed, err := export.SealConfig(a.box, tenantID, export.TypeDropzoneJSONV1, cfg)
		if err != nil {
			return err
		}
		conn := &export.Connection{
			TenantID:     tenantID,
			Type:         export.TypeDropzoneJSONV1,
			Status:       export.ConnectionActive,
			ConfigSealed: sealed,
		}
		if err := a.exports.CreateConnection(ctx, conn); err != nil {
			return err
		}
		if err := a.exporter.Test(ctx, tenantID, conn.ID); err != nil {
			_, _ = fmt.Fprintf(stdout, "connection %s created, reachability test failed: %v\n", conn.ID, err)
			return nil
		}
		_, _ = fmt.Fprintf(stdout, "connection %s created and reachable\n", conn.ID)
		return nil
	})
}

func runExportCmd(args []string, stdout, stderr io.Writer) int {
	if len(args) < 3 {
		_, _ = fmt.Fprintln(stderr, "Usage: orderflow export <push|retry> <tenant-id> <id>")
		return 2
	}
	tenantID, err := uuid.Parse(args[1])
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "orderflow: bad tenant id: %v\n", err)
		return 2
	}
	id, err := uuid.Parse(args[2])
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "orderflow: bad id: %v\n", err)
		return 2
	}
	switch args[0] {
	case "push":
		return withApp(stderr, func(ctx context.Context, a *app) error {
			rec, err := a.exporter.Push(ctx, tenantID, id)
			if err != nil {
				return err
			}
			_, _ = fmt.Fprintf(stdout, "export %s: %s -> %s\n", rec.ID, rec.Status, rec.DropzonePath)
			return nil
		})
	case "retry":
		return withApp(stderr, func(ctx context.Context, a *app) error {
			rec, err := a.exporter.Retry(ctx, tenantID, id)
			if err != nil {
				return err
			}
			_, _ = fmt.Fprintf(stdout, "export %s: %s -> %s\n", rec.ID, rec.Status, rec.DropzonePath)
			return nil
		})
	default:
		_, _ = fmt.Fprintln(stderr, "Usage: orderflow export <push|retry> <tenant-id> <id>")
		return 2
	}
}
