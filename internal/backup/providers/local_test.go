package providers

import (
	"context"
	"os"
	"path/filepath"
	"sort"
	"testing"

	"github.com/breeze-rmm/installer/internal/config"
)

func TestLocalProviderRoundTripCompressed(t *testing.T) {
	ctx := context.Background()
	store := NewLocalProvider(t.TempDir())
	src := filepath.Join(t.TempDir(), "agent.bin")
	content := []byte("breeze agent binary contents")
	if err := os.WriteFile(src, content, 0o644); err != nil {
		t.Fatal(err)
	}

	key := "snapshots/install/s1/files/agent.bin.gz"
	if err := store.Upload(ctx, src, key); err != nil {
		t.Fatalf("Upload: %v", err)
	}
	stored, err := store.Path(key)
	if err != nil {
		t.Fatal(err)
	}
	raw, err := os.ReadFile(stored)
	if err != nil {
		t.Fatal(err)
	}
	if len(raw) < 2 || raw[0] != 0x1f || raw[1] != 0x8b {
		t.Fatal("stored object is not gzip")
	}

	dst := filepath.Join(t.TempDir(), "out", "agent.bin")
	if err := store.Download(ctx, key, dst); err != nil {
		t.Fatalf("Download: %v", err)
	}
	got, err := os.ReadFile(dst)
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != string(content) {
		t.Fatalf("round trip = %q, want %q", got, content)
	}
}

func TestLocalProviderDownloadReplacesSymlink(t *testing.T) {
	ctx := context.Background()
	store := NewLocalProvider(t.TempDir())
	src := filepath.Join(t.TempDir(), "f")
	if err := os.WriteFile(src, []byte("new"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := store.Upload(ctx, src, "k/f.gz"); err != nil {
		t.Fatal(err)
	}

	dir := t.TempDir()
	victim := filepath.Join(t.TempDir(), "victim")
	if err := os.WriteFile(victim, []byte("untouched"), 0o644); err != nil {
		t.Fatal(err)
	}
	link := filepath.Join(dir, "f")
	if err := os.Symlink(victim, link); err != nil {
		t.Skipf("symlinks unavailable: %v", err)
	}

	if err := store.Download(ctx, "k/f.gz", link); err != nil {
		t.Fatal(err)
	}
	if data, _ := os.ReadFile(victim); string(data) != "untouched" {
		t.Fatal("download wrote through an existing symlink")
	}
}

func TestLocalProviderListAndDelete(t *testing.T) {
	ctx := context.Background()
	base := t.TempDir()
	store := NewLocalProvider(base)
	src := filepath.Join(t.TempDir(), "f")
	if err := os.WriteFile(src, []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
	for _, key := range []string{"snapshots/a/1.json", "snapshots/a/2.json", "snapshots/b/3.json"} {
		if err := store.Upload(ctx, src, key); err != nil {
			t.Fatal(err)
		}
	}

	keys, err := store.List(ctx, "snapshots/a")
	if err != nil {
		t.Fatal(err)
	}
	sort.Strings(keys)
	if len(keys) != 2 || keys[0] != "snapshots/a/1.json" || keys[1] != "snapshots/a/2.json" {
		t.Fatalf("List = %v", keys)
	}

	for _, key := range keys {
		if err := store.Delete(ctx, key); err != nil {
			t.Fatal(err)
		}
	}
	if _, err := os.Stat(filepath.Join(base, "snapshots", "a")); !os.IsNotExist(err) {
		t.Fatal("empty snapshot directory should be cleaned up")
	}
	if err := store.Delete(ctx, "snapshots/a/1.json"); err != nil {
		t.Fatalf("deleting a missing key should succeed: %v", err)
	}

	missing, err := store.List(ctx, "snapshots/none")
	if err != nil || len(missing) != 0 {
		t.Fatalf("List(missing) = %v, %v", missing, err)
	}
}

func TestLocalProviderRejectsTraversal(t *testing.T) {
	store := NewLocalProvider(t.TempDir())
	if _, err := store.Path("../outside"); err == nil {
		t.Fatal("traversal key should be rejected")
	}
	if err := store.Upload(context.Background(), "/etc/hosts", "../../x"); err == nil {
		t.Fatal("traversal upload should be rejected")
	}
}

func TestLocalProviderCancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := NewLocalProvider(t.TempDir()).Upload(ctx, "a", "b"); err == nil {
		t.Fatal("cancelled upload should fail")
	}
}

func TestKeyPrefixing(t *testing.T) {
	if got := joinKey("/breeze/host1/", "snapshots/x"); got != "breeze/host1/snapshots/x" {
		t.Fatalf("joinKey = %q", got)
	}
	if got := joinKey("", "snapshots/x"); got != "snapshots/x" {
		t.Fatalf("joinKey without prefix = %q", got)
	}
	if got := trimKey("breeze/host1", "breeze/host1/snapshots/x"); got != "snapshots/x" {
		t.Fatalf("trimKey = %q", got)
	}
}

func configRemote(provider string) config.RemoteBackup {
	return config.RemoteBackup{Provider: provider, Bucket: "breeze-snapshots"}
}

func TestNewRemoteDisabled(t *testing.T) {
	p, err := NewRemote(context.Background(), configRemote(""))
	if err != nil || p != nil {
		t.Fatalf("NewRemote(disabled) = %v, %v", p, err)
	}
	if _, err := NewRemote(context.Background(), configRemote("ftp")); err == nil {
		t.Fatal("unknown provider should fail")
	}
	if _, err := NewRemote(context.Background(), configRemote("azure")); err == nil {
		t.Fatal("azure without connection string should fail")
	}
}
