//go:build integration

package minio_test

import (
	"context"
	"errors"
	"io"
	"strings"
	"testing"

	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/xraph/renderq/storage"
	"github.com/xraph/renderq/storage/minio"
)

func setupStore(t *testing.T) *minio.Store {
	t.Helper()
	ctx := context.Background()

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "minio/minio:latest",
			ExposedPorts: []string{"9000/tcp"},
			Env: map[string]string{
				"MINIO_ROOT_USER":     "renderq",
				"MINIO_ROOT_PASSWORD": "renderq-secret",
			},
			Cmd:        []string{"server", "/data"},
			WaitingFor: wait.ForHTTP("/minio/health/live").WithPort("9000/tcp"),
		},
		Started: true,
	})
	if err != nil {
		t.Fatalf("start minio container: %v", err)
	}
	t.Cleanup(func() {
		if termErr := container.Terminate(ctx); termErr != nil {
			t.Logf("terminate container: %v", termErr)
		}
	})

	endpoint, err := container.Endpoint(ctx, "")
	if err != nil {
		t.Fatalf("get endpoint: %v", err)
	}

	s, err := minio.New(minio.Config{
		Endpoint:  endpoint,
		AccessKey: "renderq",
		SecretKey: "renderq-secret",
	})
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	if err := s.EnsureBucket(ctx); err != nil {
		t.Fatalf("ensure bucket: %v", err)
	}
	return s
}

func TestPutOpenDelete(t *testing.T) {
	s := setupStore(t)
	ctx := context.Background()

	body := "fake png"
	ref, err := s.Put(ctx, "u1/2026-01-01/job_x.png", strings.NewReader(body), int64(len(body)), storage.ContentTypePNG)
	if err != nil {
		t.Fatalf("Put: %v", err)
	}

	rc, err := s.Open(ctx, ref)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	data, err := io.ReadAll(rc)
	_ = rc.Close()
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != body {
		t.Errorf("content = %q, want %q", data, body)
	}

	if err := s.Delete(ctx, ref); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, err := s.Open(ctx, ref); !errors.Is(err, storage.ErrObjectNotFound) {
		t.Errorf("Open after delete: err = %v, want ErrObjectNotFound", err)
	}
	if err := s.EnsureBucket(ctx); err != nil {
		t.Errorf("EnsureBucket on an existing bucket: %v", err)
	}
}
