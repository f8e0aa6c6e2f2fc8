package retention

import (
	"context"
	"errors"
	"io"
	"strings"
	"testing"

	"github.com/animus-labs/animus-validations/internal/domain"
	"github.com/animus-labs/animus-validations/internal/platform/objectstore"
	"github.com/animus-labs/animus-validations/internal/platform/policy"
)

type staticSettings map[string]policy.TenantSettings

func (s staticSettings) TenantSettings(tenantID string) policy.TenantSettings {
	return s[tenantID]
}

type failingStore struct{ *objectstore.MemoryStore }

func (failingStore) Delete(ctx context.Context, loc objectstore.Location) error {
	return errors.New("access denied")
}

func putInput(t *testing.T, store objectstore.Store, key string) objectstore.Location {
	t.Helper()
	loc := objectstore.Location{Bucket: "validation-inputs", Key: key}
	if err := store.Put(context.Background(), loc, strings.NewReader("{}"), 2, "application/json"); err != nil {
		t.Fatalf("Put() err=%v", err)
	}
	return loc
}

func finishedRun(tenant string, loc objectstore.Location) domain.Run {
	return domain.Run{ID: "run-1", TenantID: tenant, Status: domain.RunStatusSucceeded, Input: domain.PayloadRef{Location: loc.String()}}
}

func TestRunFinalized_DeletesInputForDeleteTenants(t *testing.T) {
	store := objectstore.NewMemoryStore()
	settings := staticSettings{"acme": {Retention: policy.RetentionDeleteInput}}
	hook, err := NewHook(nil, settings, store, "validation-inputs")
	if err != nil {
		t.Fatalf("NewHook() err=%v", err)
	}

	acme := putInput(t, store, "runs/a/input")
	hook.RunFinalized(context.Background(), finishedRun("acme", acme))
	if store.Has(acme) {
		t.Fatalf("acme input kept")
	}

	globex := putInput(t, store, "runs/g/input")
	hook.RunFinalized(context.Background(), finishedRun("globex", globex))
	if !store.Has(globex) {
		t.Fatalf("globex input deleted without delete_input retention")
	}
}

func TestRunFinalized_IgnoresActiveRuns(t *testing.T) {
	store := objectstore.NewMemoryStore()
	hook, _ := NewHook(nil, staticSettings{"acme": {Retention: policy.RetentionDeleteInput}}, store, "validation-inputs")
	loc := putInput(t, store, "runs/a/input")
	run := finishedRun("acme", loc)
	run.Status = domain.RunStatusRunning
	hook.RunFinalized(context.Background(), run)
	if !store.Has(loc) {
		t.Fatalf("input of a running run was deleted")
	}
}

func TestRunFinalized_DeleteErrorIsSwallowed(t *testing.T) {
	store := failingStore{objectstore.NewMemoryStore()}
	hook, _ := NewHook(nil, staticSettings{"acme": {Retention: policy.RetentionDeleteInput}}, store, "validation-inputs")
	loc := putInput(t, store, "runs/a/input")
	hook.RunFinalized(context.Background(), finishedRun("acme", loc))

	body, _, err := store.Get(context.Background(), loc)
	if err != nil {
		t.Fatalf("Get() err=%v", err)
	}
	defer body.Close()
	if data, _ := io.ReadAll(body); string(data) != "{}" {
		t.Fatalf("input=%q", data)
	}
}
