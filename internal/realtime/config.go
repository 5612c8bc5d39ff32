package realtime

import "time"

// Config is read from the environment with github.com/caarlos0/env/v6
type Config struct {
	MaxFrameBytes int64         `env:"WS_MAX_FRAME_BYTES" envDefault:"104857600"`
	SendBuffer    int           `env:"WS_SEND_BUFFER" envDefault:"256"`
	PongWait      time.Duration `env:"WS_PONG_WAIT" envDefault:"60s"`
	WriteWait     time.Duration `env:"WS_WRITE_WAIT" envDefault:"10s"`
	EventRate     float64       `env:"WS_EVENT_RATE" envDefault:"20"`
	EventBurst    int           `env:"WS_EVENT_BURST" envDefault:"40"`
}

// DefaultConfig matches the envDefault tags
func DefaultConfig() Config {
	return Config{
		MaxFrameBytes: 100 << 20,
		SendBuffer:    256,
		PongWait:      60 * time.Second,
		WriteWait:     10 * time.Second,
		EventRate:     20,
		EventBurst:    40,
	}
}

func (c Config) sanitize() Config {
	d := DefaultConfig()
	if c.MaxFrameBytes <= 0 {
		c.MaxFrameBytes = d.MaxFrameBytes
	}
	if c.SendBuffer <= 0 {
		c.SendBuffer = d.SendBuffer
	}
	if c.PongWait <= 0 {
		c.PongWait = d.PongWait
	}
	if c.WriteWait <= 0 {
		c.WriteWait = d.WriteWait
	}
	if c.EventRate <= 0 {
		c.EventRate = d.EventRate
	}
	if c.EventBurst <= 0 {
		c.EventBurst = d.EventBurst
	}
	return c
}

func (c Config) pingPeriod() time.Duration {
	return c.PongWait * 9 / 10
}
