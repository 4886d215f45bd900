package settings

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/bryan-buckman/sniffle/internal/model"
)

type memKV map[string]string

func (m memKV) GetSetting(_ context.Context, key string) (string, bool, error) {
	v, ok := m[key]
	return v, ok, nil
}

func (m memKV) SetSetting(_ context.Context, key, value string) error {
	m[key] = value
	return nil
}

func TestProviderDefaults(t *testing.T) {
	p := NewProvider(memKV{}, Settings{ProxyURL: "https://proxy.test/?url="})
	got, err := p.Get(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if got.ProxyURL != "https://proxy.test/?url=" || got.SyncEveryMinutes != 30 {
		t.Errorf("got %+v", got)
	}
	if got.SyncInterval() != 30*time.Minute {
		t.Errorf("interval = %s", got.SyncInterval())
	}
}

func TestProviderStoredOverridesDefaults(t *testing.T) {
	kv := memKV{model.SettingProxyURL: "", model.SettingSyncInterval: "5"}
	p := NewProvider(kv, Settings{ProxyURL: "https://proxy.test/", SyncEveryMinutes: 30})
	got, _ := p.Get(context.Background())
	if got.ProxyURL != "" || got.SyncEveryMinutes != 5 {
		t.Errorf("got %+v", got)
	}

	kv[model.SettingSyncInterval] = "not a number"
	got, _ = p.Get(context.Background())
	if got.SyncEveryMinutes != 30 {
		t.Errorf("bad stored value should fall back, got %d", got.SyncEveryMinutes)
	}
}

func TestProviderUpdate(t *testing.T) {
	kv := memKV{}
	p := NewProvider(kv, Settings{})
	if err := p.Update(context.Background(), Settings{ProxyURL: " https://p.test/ ", SyncEveryMinutes: 15}); err != nil {
		t.Fatal(err)
	}
	if kv[model.SettingProxyURL] != "https://p.test/" || kv[model.SettingSyncInterval] != "15" {
		t.Errorf("stored %v", kv)
	}

	for _, bad := range []Settings{
		{SyncEveryMinutes: 0},
		{SyncEveryMinutes: -5},
		{SyncEveryMinutes: 10, ProxyURL: "ftp://p.test/"},
		{SyncEveryMinutes: 10, ProxyURL: "/relative"},
	} {
		if err := p.Update(context.Background(), bad); !errors.Is(err, ErrInvalid) {
			t.Errorf("Update(%+v) = %v, want ErrInvalid", bad, err)
		}
	}
}
