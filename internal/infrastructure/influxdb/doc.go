// Package influxdb writes power box telemetry to InfluxDB v2.
//
// It wraps influxdb-client-go's non-blocking write API. Two measurements
// are written on every device refresh:
//
//	powerbox_sensor      tags: device_id, feature, kind, unit  fields: value
//	powerbox_output      tags: device_id, feature, kind        fields: value, state
//
// and one each time the serial link opens or closes:
//
//	powerbox_connection  tags: device_id, serial_port          fields: connected
//
// Writes are batched according to influxdb.batch_size and
// influxdb.flush_interval; asynchronous write errors are reported through
// SetOnError.
package influxdb
