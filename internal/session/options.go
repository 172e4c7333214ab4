package session

import (
	"time"

	"github.com/charging-platform/fleet-simulator/internal/config"
	"github.com/charging-platform/fleet-simulator/internal/transport/websocket"
)

// Options 单个会话的模板参数
type Options struct {
	ChargePointID string

	CSMS websocket.Config

	Vendor               string
	Model                string
	SerialNumber         string
	FirmwareVersion      string
	ConnectorCount       int
	ChargerType          string
	VehicleID            string
	IdTag                string
	DataTransferVendorID string

	HeartbeatInterval    time.Duration
	MeterInterval        time.Duration
	ClockAlignedInterval time.Duration
	CallTimeout          time.Duration
	BootCallTimeout      time.Duration

	InitialSoc float64
	TargetSoc  float64

	HeartbeatEnabled   bool
	MeterValuesEnabled bool
}

// OptionsFromConfig 由全局配置生成会话模板
func OptionsFromConfig(cfg *config.Config, chargePointID string) Options {
	return Options{
		ChargePointID: chargePointID,
		CSMS: websocket.Config{
			URL:            cfg.CSMS.URL,
			Subprotocol:    cfg.CSMS.Subprotocol,
			BearerToken:    cfg.CSMS.BearerToken,
			DialTimeout:    cfg.CSMS.DialTimeout,
			BackoffInitial: cfg.CSMS.BackoffInitial,
			BackoffMax:     cfg.CSMS.BackoffMax,
			QueueSize:      cfg.Session.SendQueueSize,
		},
		Vendor:               cfg.Session.Vendor,
		Model:                cfg.Session.Model,
		FirmwareVersion:      cfg.Session.FirmwareVersion,
		ConnectorCount:       cfg.Session.ConnectorCount,
		ChargerType:          cfg.Session.ChargerType,
		VehicleID:            cfg.Session.VehicleProfile,
		IdTag:                cfg.Session.IdTag,
		DataTransferVendorID: cfg.Session.DataTransferVendorID,
		HeartbeatInterval:    cfg.Session.HeartbeatInterval,
		MeterInterval:        cfg.Session.MeterValueSampleInterval,
		ClockAlignedInterval: cfg.Session.ClockAlignedDataInterval,
		CallTimeout:          cfg.Session.CallTimeout,
		BootCallTimeout:      cfg.Session.BootCallTimeout,
		InitialSoc:           cfg.Session.InitialSoc,
		TargetSoc:            cfg.Session.TargetSoc,
		HeartbeatEnabled:     cfg.Features.HeartbeatEnabled,
		MeterValuesEnabled:   cfg.Features.MeterValuesEnabled,
	}
}

// normalize 填补零值默认项
func (o *Options) normalize() {
	if o.ConnectorCount < 1 {
		o.ConnectorCount = 1
	}
	if o.HeartbeatInterval <= 0 {
		o.HeartbeatInterval = 300 * time.Second
	}
	if o.MeterInterval <= 0 {
		o.MeterInterval = 60 * time.Second
	}
	if o.CallTimeout <= 0 {
		o.CallTimeout = 30 * time.Second
	}
	if o.BootCallTimeout <= 0 {
		o.BootCallTimeout = 60 * time.Second
	}
	if o.TargetSoc <= 0 {
		o.TargetSoc = 80
	}
}
