package main

import (
	"bytes"
	"context"
	"strings"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"go.uber.org/zap"

	"github.com/pitabwire/labflow/internal/batch"
	"github.com/pitabwire/labflow/internal/config"
	"github.com/pitabwire/labflow/internal/workflow"
)

func TestRootCmd_version(t *testing.T) {
	cmd := newRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"version", "--env-file", t.TempDir() + "/missing.env"})

	if err := cmd.Execute(); err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if !strings.HasPrefix(out.String(), "labd dev") {
		t.Errorf("output = %q", out.String())
	}
}

func TestRootCmd_subcommands(t *testing.T) {
	cmd := newRootCmd()
	want := map[string]bool{"serve": false, "migrate": false, "version": false}
	for _, c := range cmd.Commands() {
		if _, ok := want[c.Name()]; ok {
			want[c.Name()] = true
		}
	}
	for name, found := range want {
		if !found {
			t.Errorf("missing %s command", name)
		}
	}
}

func TestRootCmd_serveRejectsBadConfig(t *testing.T) {
	t.Setenv("LABFLOW_BATCH_POLICY", "sideways")

	cmd := newRootCmd()
	cmd.SetOut(&bytes.Buffer{})
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs([]string{"serve", "--env-file", t.TempDir() + "/missing.env"})

	err := cmd.Execute()
	if err == nil || !strings.Contains(err.Error(), "batch.policy") {
		t.Errorf("err = %v, want a batch.policy validation error", err)
	}
}

// --- Store wiring ---

func TestBuildRecordStore_memory(t *testing.T) {
	store, closer, err := buildRecordStore(context.Background(), config.StoreConfig{Driver: "memory"}, zap.NewNop())
	if err != nil {
		t.Fatalf("buildRecordStore: %v", err)
	}
	defer closer()
	if _, ok := store.(*workflow.MemoryStore); !ok {
		t.Errorf("store = %T, want *workflow.MemoryStore", store)
	}
}

func TestBuildRecordStore_postgresWithoutDSN(t *testing.T) {
	t.Setenv("LABFLOW_TEST_DSN", "")
	_, _, err := buildRecordStore(context.Background(),
		config.StoreConfig{Driver: "postgres", DSNEnv: "LABFLOW_TEST_DSN"}, zap.NewNop())
	if err == nil || !strings.Contains(err.Error(), "LABFLOW_TEST_DSN") {
		t.Errorf("err = %v", err)
	}
}

func TestBuildRecordStore_unknownDriver(t *testing.T) {
	if _, _, err := buildRecordStore(context.Background(), config.StoreConfig{Driver: "sqlite"}, zap.NewNop()); err == nil {
		t.Error("expected an error for an unknown driver")
	}
}

func TestBuildIdempotencyStore(t *testing.T) {
	mr := miniredis.RunT(t)
	t.Setenv("LABFLOW_TEST_REDIS", mr.Addr())

	tests := []struct {
		name    string
		cfg     config.IdempotencyConfig
		wantNil bool
		wantErr bool
		check   func(batch.IdempotencyStore) bool
	}{
		{
			name:    "disabled",
			cfg:     config.IdempotencyConfig{Enabled: false},
			wantNil: true,
		},
		{
			name: "memory",
			cfg:  config.IdempotencyConfig{Enabled: true, Driver: "memory"},
			check: func(s batch.IdempotencyStore) bool {
				_, ok := s.(*batch.MemoryIdempotencyStore)
				return ok
			},
		},
		{
			name: "redis",
			cfg:  config.IdempotencyConfig{Enabled: true, Driver: "redis", AddrEnv: "LABFLOW_TEST_REDIS"},
			check: func(s batch.IdempotencyStore) bool {
				rs, ok := s.(*batch.RedisIdempotencyStore)
				return ok && rs.HealthCheck(context.Background()) == nil
			},
		},
		{
			name:    "redis without address",
			cfg:     config.IdempotencyConfig{Enabled: true, Driver: "redis", AddrEnv: "LABFLOW_TEST_REDIS_UNSET"},
			wantErr: true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store, closer, err := buildIdempotencyStore(tt.cfg, zap.NewNop())
			if tt.wantErr {
				if err == nil {
					t.Fatal("expected an error")
				}
				return
			}
			if err != nil {
				t.Fatalf("buildIdempotencyStore: %v", err)
			}
			defer closer()
			if tt.wantNil {
				if store != nil {
					t.Errorf("store = %T, want nil", store)
				}
				return
			}
			if !tt.check(store) {
				t.Errorf("store = %T failed its check", store)
			}
		})
	}
}
