package etcdstore

import (
	"context"
	"os"
	"strings"
	"testing"
	"time"

	clientv3 "go.etcd.io/etcd/client/v3"

	"github.com/dontdude/usersearch/internal/domain"
	"github.com/dontdude/usersearch/internal/platform/store/storetest"
)

func TestConfigValidate(t *testing.T) {
	if err := (Config{}).Validate(); err == nil {
		t.Fatalf("expected error for missing endpoints")
	}
	if err := (Config{Endpoints: []string{"localhost:2379"}}).Validate(); err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
}

func TestKeySchema(t *testing.T) {
	if got := jobKey("j1"); got != "/usersearch/jobs/j1" {
		t.Fatalf("jobKey = %q", got)
	}
	if got := activeKey("alice"); got != "/usersearch/active/alice" {
		t.Fatalf("activeKey = %q", got)
	}
	if got := submitterPrefix("alice") + "j1"; got != "/usersearch/submitters/alice/j1" {
		t.Fatalf("submitter key = %q", got)
	}
	// "al" must not match "alice" when listing by prefix.
	if strings.HasPrefix(submitterPrefix("alice"), submitterPrefix("al")) {
		t.Fatalf("submitter prefixes overlap")
	}
}

// TestStoreConformance runs against a live cluster when USERSEARCH_ETCD_ENDPOINTS is set.
func TestStoreConformance(t *testing.T) {
	raw := os.Getenv("USERSEARCH_ETCD_ENDPOINTS")
	if raw == "" {
		t.Skip("USERSEARCH_ETCD_ENDPOINTS not set")
	}

	endpoints := strings.Split(raw, ",")
	storetest.Run(t, func(t *testing.T) domain.JobStore { return openTestStore(t, endpoints) })

	t.Run("StaleMarker", func(t *testing.T) {
		store := openTestStore(t, endpoints)
		storetest.StaleMarker(t, store, func(t *testing.T, jobID string) {
			if _, err := store.client.Delete(context.Background(), jobKey(jobID)); err != nil {
				t.Fatalf("delete: %v", err)
			}
		})
	})
}

func openTestStore(t *testing.T, endpoints []string) *Store {
	t.Helper()
	store, err := Open(Config{Endpoints: endpoints, DialTimeout: 2 * time.Second})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := store.client.Delete(ctx, "/usersearch/", clientv3.WithPrefix()); err != nil {
		t.Fatalf("reset keys: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}
