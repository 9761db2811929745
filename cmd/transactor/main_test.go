package main

import (
	"bytes"
	"path/filepath"
	"strings"
	"testing"
)

func TestCLIRejectsUnknownFlag(t *testing.T) {
	var stdout, stderr bytes.Buffer
	if code := cli([]string{"-nope"}, &stdout, &stderr); code != 2 {
		t.Fatalf("expected exit 2, got %d", code)
	}
}

func TestCLIRestoreNeedsBackupID(t *testing.T) {
	var stdout, stderr bytes.Buffer
	if code := cli([]string{"-restore", "ws"}, &stdout, &stderr); code != 2 {
		t.Fatalf("expected exit 2, got %d", code)
	}
	if !strings.Contains(stderr.String(), "-backup-id") {
		t.Fatalf("unexpected stderr %q", stderr.String())
	}
}

func TestCLIMissingConfig(t *testing.T) {
	var stdout, stderr bytes.Buffer
	path := filepath.Join(t.TempDir(), "missing.yaml")
	if code := cli([]string{"-config", path}, &stdout, &stderr); code != 1 {
		t.Fatalf("expected exit 1, got %d", code)
	}
	if !strings.HasPrefix(stderr.String(), "config:") {
		t.Fatalf("unexpected stderr %q", stderr.String())
	}
}

func TestCLIBackup(t *testing.T) {
	t.Setenv("TRANSACTOR_STORAGE_DRIVER", "memory")
	t.Setenv("TRANSACTOR_BLOB_DRIVER", "fs")
	t.Setenv("TRANSACTOR_BLOB_FS_ROOT", t.TempDir())
	t.Setenv("LOGGING_LEVEL", "ERROR")

	var stdout, stderr bytes.Buffer
	if code := cli([]string{"-backup", "ws"}, &stdout, &stderr); code != 0 {
		t.Fatalf("expected exit 0, got %d: %s", code, stderr.String())
	}
	fields := strings.Fields(stdout.String())
	if len(fields) != 2 || fields[0] != "ws" {
		t.Fatalf("unexpected output %q", stdout.String())
	}
}

func TestCLIRestoreUnknownBackup(t *testing.T) {
	t.Setenv("TRANSACTOR_STORAGE_DRIVER", "memory")
	t.Setenv("TRANSACTOR_BLOB_DRIVER", "fs")
	t.Setenv("TRANSACTOR_BLOB_FS_ROOT", t.TempDir())
	t.Setenv("LOGGING_LEVEL", "FATAL")

	var stdout, stderr bytes.Buffer
	if code := cli([]string{"-restore", "ws", "-backup-id", "missing"}, &stdout, &stderr); code != 1 {
		t.Fatalf("expected exit 1, got %d", code)
	}
}
