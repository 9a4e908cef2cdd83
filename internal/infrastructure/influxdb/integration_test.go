//go:build integration

package influxdb

import (
	"context"
	"testing"
	"time"

	"github.com/MichelMoriniaux/BigPowerBox/internal/infrastructure/config"
)

// Needs InfluxDB 2 at 127.0.0.1:8086 with the org, bucket and token below.

func integrationConfig() config.InfluxDBConfig {
	return config.InfluxDBConfig{
		Enabled:       true,
		URL:           "http://127.0.0.1:8086",
		Token:         "powerbox-dev-token",
		Org:           "observatory",
		Bucket:        "powerbox",
		BatchSize:     10,
		FlushInterval: 1,
	}
}

func TestIntegration_WriteAndFlush(t *testing.T) {
	c, err := Connect(integrationConfig())
	if err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	defer c.Close()

	var writeErr error
	c.SetOnError(func(err error) { writeErr = err })

	c.WriteSensor("int-box", Sample{Name: "Temperature", Kind: "temperature", Unit: "C", Value: 4.5})
	c.WriteOutput("int-box", Sample{Name: "Camera", Kind: "switch", Value: 1, State: true})
	c.Flush()
	time.Sleep(200 * time.Millisecond)

	if writeErr != nil {
		t.Errorf("async write error = %v", writeErr)
	}
	if err := c.HealthCheck(context.Background()); err != nil {
		t.Errorf("HealthCheck() error = %v", err)
	}
}
