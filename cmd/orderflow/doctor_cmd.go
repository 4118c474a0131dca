package main

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/google/uuid"

	"github.com/orderflowhq/orderflow/pkg/objectstore"
	"github.com/orderflowhq/orderflow/pkg/worker"
)

// runDoctorCmd checks that every configured backend is reachable and
// reports one line per probe. Exit code 1 when any probe fails.
func runDoctorCmd(stdout, stderr io.Writer) int {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	a, err := buildApp(ctx)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "FAIL  config/bootstrap: %v\n", err)
		return 1
	}
	defer func() { _ = a.Close() }()
	_, _ = fmt.Fprintln(stdout, "OK    config loaded and validated")
	_, _ = fmt.Fprintln(stdout, "OK    database reachable, schemas ready")

	failed := false
	if err := probeObjectStore(ctx, a.objects); err != nil {
		_, _ = fmt.Fprintf(stdout, "FAIL  object store: %v\n", err)
		failed = true
	} else {
		_, _ = fmt.Fprintf(stdout, "OK    object store (%s backend)\n", a.cfg.ObjectStore.Backend)
	}

	if counts, err := a.queue.CountByStatus(ctx); err != nil {
		_, _ = fmt.Fprintf(stdout, "FAIL  task queue: %v\n", err)
		failed = true
	} else {
		_, _ = fmt.Fprintf(stdout, "OK    task queue (%d pending, %d running)\n",
			counts[worker.TaskPending], counts[worker.TaskRunning])
	}

	if a.cfg.LLM.APIKey == "" {
		_, _ = fmt.Fprintln(stdout, "WARN  no LLM api key, extraction runs rule-based only")
	} else {
		_, _ = fmt.Fprintln(stdout, "OK    LLM api key present")
	}

	if failed {
		return 1
	}
	return 0
}

// probeObjectStore writes, reads back and deletes one small probe object
// under a throwaway tenant prefix.
func probeObjectStore(ctx context.Context, store objectstore.Store) error {
	probe := []byte("orderflow doctor probe " + time.Now().UTC().Format(time.RFC3339))
	obj, err := store.Put(ctx, objectstore.PutInput{
		TenantID: uuid.New(),
		Filename: "doctor-probe.txt",
		MIME:     "text/plain",
		Data:     probe,
	})
	if err != nil {
		return fmt.Errorf("put: %w", err)
	}
	rc, err := store.Get(ctx, obj.Key)
	if err != nil {
		return fmt.Errorf("get: %w", err)
	}
	_ = rc.Close()
	if err := store.Delete(ctx, obj.Key); err != nil {
		return fmt.Errorf("delete: %w", err)
	}
	return nil
}
