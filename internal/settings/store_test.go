package settings

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/MichelMoriniaux/BigPowerBox/internal/device"
	"github.com/MichelMoriniaux/BigPowerBox/internal/infrastructure/config"
	"github.com/MichelMoriniaux/BigPowerBox/internal/infrastructure/database"
	"github.com/MichelMoriniaux/BigPowerBox/migrations"
)

var _ device.SettingsStore = (*SQLiteStore)(nil)

func setupStore(t *testing.T) *SQLiteStore {
	t.Helper()

	db, err := database.Open(config.DatabaseConfig{
		Path:    filepath.Join(t.TempDir(), "settings.db"),
		WALMode: true,
	})
	if err != nil {
		t.Fatalf("open database: %v", err)
	}
	t.Cleanup(func() { db.Close() }) //nolint:errcheck // test cleanup

	if err := db.Migrate(context.Background(), migrations.FS); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return NewSQLiteStore(db.DB)
}

func TestGetMissing(t *testing.T) {
	s := setupStore(t)

	v, ok, err := s.Get(context.Background(), device.SettingSerialPort)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if ok || v != "" {
		t.Errorf("Get() = (%q, %v), want empty and unset", v, ok)
	}
}

func TestSetThenGet(t *testing.T) {
	s := setupStore(t)
	ctx := context.Background()

	if err := s.Set(ctx, device.SettingSerialPort, "/dev/ttyUSB1"); err != nil {
		t.Fatalf("Set() error = %v", err)
	}
	if err := s.Set(ctx, device.SettingSerialPort, "/dev/ttyACM0"); err != nil {
		t.Fatalf("second Set() error = %v", err)
	}

	v, ok, err := s.Get(ctx, device.SettingSerialPort)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if !ok || v != "/dev/ttyACM0" {
		t.Errorf("Get() = (%q, %v), want /dev/ttyACM0", v, ok)
	}
}

func TestEmptyValueIsSet(t *testing.T) {
	s := setupStore(t)
	ctx := context.Background()

	if err := s.Set(ctx, device.SettingPortNames, ""); err != nil {
		t.Fatalf("Set() error = %v", err)
	}
	_, ok, err := s.Get(ctx, device.SettingPortNames)
	if err != nil || !ok {
		t.Errorf("Get() ok = %v err = %v, want set", ok, err)
	}
}

func TestEmptyKey(t *testing.T) {
	s := setupStore(t)
	ctx := context.Background()

	if err := s.Set(ctx, " ", "x"); !errors.Is(err, ErrEmptyKey) {
		t.Errorf("Set() error = %v, want ErrEmptyKey", err)
	}
	if _, _, err := s.Get(ctx, ""); !errors.Is(err, ErrEmptyKey) {
		t.Errorf("Get() error = %v, want ErrEmptyKey", err)
	}
}

func TestSetStampsUpdatedAt(t *testing.T) {
	s := setupStore(t)
	ctx := context.Background()

	for _, at := range []time.Time{
		time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
		time.Date(2026, 3, 2, 8, 30, 0, 0, time.UTC),
	} {
		s.now = func() time.Time { return at }
		if err := s.Set(ctx, device.SettingSerialPort, "/dev/ttyUSB0"); err != nil {
			t.Fatalf("Set() error = %v", err)
		}

		var updated string
		if err := s.db.QueryRowContext(ctx, "SELECT updated_at FROM settings WHERE key = ?",
			device.SettingSerialPort).Scan(&updated); err != nil {
			t.Fatal(err)
		}
		if updated != at.Format(time.RFC3339) {
			t.Errorf("updated_at = %s, want %s", updated, at.Format(time.RFC3339))
		}
	}
}

func TestControllerPersistsThroughStore(t *testing.T) {
	s := setupStore(t)
	ctx := context.Background()

	c, err := device.New(device.Options{Settings: s, Ports: noPorts{}})
	if err != nil {
		t.Fatalf("device.New() error = %v", err)
	}
	if err := c.SetSerialPort(ctx, "/dev/ttyS4"); err != nil {
		t.Fatalf("SetSerialPort() error = %v", err)
	}
	if got := c.SerialPort(); got != "/dev/ttyS4" {
		t.Errorf("SerialPort() = %q", got)
	}
	v, _, _ := s.Get(ctx, device.SettingSerialPort)
	if v != "/dev/ttyS4" {
		t.Errorf("stored port = %q", v)
	}
}

type noPorts struct{}

func (noPorts) Open(string, int) (device.Transport, error) { return nil, errors.New("no ports") }
func (noPorts) List() ([]string, error)                    { return []string{"/dev/ttyS4"}, nil }
