package config

import (
	"github.com/plantflow/flowengine/pkg/database"
	"github.com/plantflow/flowengine/pkg/events"
	"github.com/plantflow/flowengine/pkg/logger"
	"github.com/plantflow/flowengine/pkg/telemetry"
)

// ToLoggerConfig converts LoggerConfig to logger.Config
func (c LoggerConfig) ToLoggerConfig() logger.Config {
	return logger.Config{
		Level:      c.Level,
		Format:     c.Format,
		Output:     c.Output,
		AddCaller:  c.AddCaller,
		Stacktrace: c.Stacktrace,
	}
}

// ToDatabaseConfig converts HistorianConfig to database.Config
func (c HistorianConfig) ToDatabaseConfig() database.Config {
	return database.Config{
		Driver:       c.Driver,
		DSN:          c.DSN,
		MaxOpenConns: c.MaxOpenConns,
		MaxIdleConns: c.MaxIdleConns,
	}
}

// ToKafkaConfig converts KafkaConfig to events.KafkaConfig
func (c KafkaConfig) ToKafkaConfig() events.KafkaConfig {
	return events.KafkaConfig{
		Brokers:       c.Brokers,
		ConsumerGroup: c.ConsumerGroup,
	}
}

// ToTelemetryConfig converts TelemetryConfig to telemetry.Config
func (c TelemetryConfig) ToTelemetryConfig() telemetry.Config {
	return telemetry.Config{
		Enabled:      c.Enabled,
		Endpoint:     c.Endpoint,
		Insecure:     c.Insecure,
		ServiceName:  c.ServiceName,
		SamplingRate: c.SamplingRate,
	}
}
