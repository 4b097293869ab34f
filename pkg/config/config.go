package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Report modes understood by the metering engine.
const (
	ReportWindow = "window" // aggregate over every frame since the previous report
	ReportLatest = "latest" // values of the most recent frame only
)

// Source kinds.
const (
	SourceMock   = "mock"
	SourceSerial = "serial"
)

// Config represents the application configuration.
type Config struct {
	MeterID     string            `yaml:"meter_id"`
	ADC         ADCConfig         `yaml:"adc"`
	Channels    ChannelsConfig    `yaml:"channels"`
	Calibration CalibrationConfig `yaml:"calibration"`
	Engine      EngineConfig      `yaml:"engine"`
	Scheduler   SchedulerConfig   `yaml:"scheduler"`
	Source      SourceConfig      `yaml:"source"`
	Mock        MockConfig        `yaml:"mock"`
	Output      OutputConfig      `yaml:"output"`
	Pulse       PulseConfig       `yaml:"pulse"`
	Heartbeat   HeartbeatConfig   `yaml:"heartbeat"`
	Metrics     MetricsConfig     `yaml:"metrics"`
	Log         LogConfig         `yaml:"log"`
}

// ADCConfig describes the converter feeding the meter.
type ADCConfig struct {
	Bits       uint    `yaml:"bits"`
	VRef       float32 `yaml:"vref"`
	SampleRate float64 `yaml:"sample_rate"` // Per channel (Hz)
}

// ChannelsConfig contains the channel layout.
type ChannelsConfig struct {
	Voltage    int `yaml:"voltage"`
	Current    int `yaml:"current"`
	MaxCurrent int `yaml:"max_current_channels"` // Current channels processed (0 = all)
	Reference  int `yaml:"reference_voltage"`    // Voltage channel paired with every CT
}

// CalibrationConfig contains per channel scale factors.
// Phase is reserved for phase error correction and not used by the engine.
type CalibrationConfig struct {
	Voltage []float32 `yaml:"voltage"`
	Current []float32 `yaml:"current"`
	Phase   []float32 `yaml:"phase"`
}

// EngineConfig contains metering engine parameters.
type EngineConfig struct {
	ReportCycles   int     `yaml:"report_cycles"`   // Frames per emitted report
	MainsFrequency float32 `yaml:"mains_frequency"` // Fixed mains frequency (Hz)
	// RemoveDCOffset subtracts a per channel running mean before squaring.
	// Defaults to true. Only with it off does a sample convert literally as
	// code*lsb*cal; with it on a constant code frame decays to zero power.
	RemoveDCOffset bool    `yaml:"remove_dc_offset"`
	ReportMode     string  `yaml:"report_mode"`
	ScansPerFrame  int     `yaml:"scans_per_frame"`
	MathBackend    string  `yaml:"math_backend"`
}

// SchedulerConfig contains parameters of the sampling/metering/output tiers.
type SchedulerConfig struct {
	SamplesPerTick  int     `yaml:"samples_per_tick"`
	JitterTolerance float64 `yaml:"jitter_tolerance"` // Fraction of the nominal tick period
	CommandQueue    int     `yaml:"command_queue"`
}

// SourceConfig selects where raw samples come from.
type SourceConfig struct {
	Kind       string `yaml:"kind"` // mock or serial
	Port       string `yaml:"port"`
	BaudRate   int    `yaml:"baud_rate"`
	BufferSize int    `yaml:"buffer_size"`
}

// MockConfig contains simulated signal parameters.
type MockConfig struct {
	VoltageRMS      float64   `yaml:"voltage_rms"`       // Volts on every voltage channel
	CurrentRMS      []float64 `yaml:"current_rms"`       // Amps per CT
	CurrentPhaseDeg []float64 `yaml:"current_phase_deg"` // Lag of each CT against the voltage
	Bias            float64   `yaml:"bias"`              // DC bias in ADC codes (0 = mid scale)
	NoiseLevel      float64   `yaml:"noise_level"`       // Peak noise in ADC codes
}

// OutputConfig contains report sink configuration.
type OutputConfig struct {
	Serial SerialOutputConfig `yaml:"serial"`
	MQTT   MQTTConfig         `yaml:"mqtt"`
	Influx InfluxConfig       `yaml:"influx"`
	Modbus ModbusConfig       `yaml:"modbus"`
	Store  StoreConfig        `yaml:"store"`
	Log    LogOutputConfig    `yaml:"log"`
}

// SerialOutputConfig configures the serial report line.
type SerialOutputConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Port     string `yaml:"port"`
	BaudRate int    `yaml:"baud_rate"`
	JSON     bool   `yaml:"json"`
	Commands bool   `yaml:"commands"` // Accept console commands on the same port
}

// MQTTConfig contains MQTT broker settings.
type MQTTConfig struct {
	Enabled      bool   `yaml:"enabled"`
	Broker       string `yaml:"broker"`
	ClientID     string `yaml:"client_id"`
	Topic        string `yaml:"topic"`
	ControlTopic string `yaml:"control_topic"`
	QoS          byte   `yaml:"qos"`
	Encoding     string `yaml:"encoding"` // json or msgpack
}

// InfluxConfig contains InfluxDB v2 settings.
type InfluxConfig struct {
	Enabled     bool   `yaml:"enabled"`
	URL         string `yaml:"url"`
	Token       string `yaml:"token"`
	Org         string `yaml:"org"`
	Bucket      string `yaml:"bucket"`
	Measurement string `yaml:"measurement"`
}

// ModbusConfig contains the Modbus TCP register server settings.
type ModbusConfig struct {
	Enabled    bool   `yaml:"enabled"`
	URL        string `yaml:"url"` // e.g. tcp://0.0.0.0:5502
	MaxClients uint   `yaml:"max_clients"`
}

// StoreConfig contains the sqlite report log settings.
type StoreConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// LogOutputConfig enables a log line per report.
type LogOutputConfig struct {
	Enabled bool `yaml:"enabled"`
}

// Pulse edge selections.
const (
	EdgeRising  = "rising"
	EdgeFalling = "falling"
	EdgeBoth    = "both"
)

// PulseConfig describes the GPIO pulse counter inputs, e.g. the S0 outputs
// of gas, water or sub meters.
type PulseConfig struct {
	Period time.Duration      `yaml:"period"` // input poll period
	Inputs []PulseInputConfig `yaml:"inputs"`
}

// PulseInputConfig describes one pulse input.
type PulseInputConfig struct {
	Pin   int    `yaml:"pin"`   // BCM pin
	Edge  string `yaml:"edge"`  // rising, falling or both
	Blank int    `yaml:"blank"` // equal polls required before a level change is accepted, 1..32
	Pull  string `yaml:"pull"`  // up, down or off
}

// MetricsConfig contains the Prometheus endpoint settings.
type MetricsConfig struct {
	Listen string `yaml:"listen"` // host:port, empty disables the endpoint
	Path   string `yaml:"path"`
}

// HeartbeatConfig contains liveness indication settings.
type HeartbeatConfig struct {
	Interval time.Duration `yaml:"interval"`
	LEDPin   int           `yaml:"led_pin"` // BCM pin, negative disables the LED
	Systemd  bool          `yaml:"systemd"`
}

// LogConfig contains logging settings.
type LogConfig struct {
	Level string `yaml:"level"` // debug, info, warn, error
}

// Default returns a default configuration matching the reference board:
// 3 voltage and 12 CT channels sampled at 4.8 kHz by an 11 bit ADC.
// Calibration maps ±1000 codes around mid scale to ±400 V and ±50 A.
func Default() *Config {
	const (
		voltageChannels = 3
		currentChannels = 12
	)
	return &Config{
		ADC: ADCConfig{
			Bits:       11,
			VRef:       1.024,
			SampleRate: 4800,
		},
		Channels: ChannelsConfig{
			Voltage:    voltageChannels,
			Current:    currentChannels,
			MaxCurrent: 6,
			Reference:  0,
		},
		Calibration: CalibrationConfig{
			Voltage: fill(voltageChannels, 800),
			Current: fill(currentChannels, 100),
			Phase:   fill(currentChannels, 0),
		},
		Engine: EngineConfig{
			ReportCycles:   47,
			MainsFrequency: 50,
			RemoveDCOffset: true,
			ReportMode:     ReportWindow,
			ScansPerFrame:  96, // one 50 Hz cycle at 4.8 kHz
			MathBackend:    "float32",
		},
		Scheduler: SchedulerConfig{
			SamplesPerTick:  720, // 10 ms ticks at 72 kS/s
			JitterTolerance: 0.2,
			CommandQueue:    8,
		},
		Source: SourceConfig{
			Kind:       SourceMock,
			Port:       "/dev/ttyACM0",
			BaudRate:   115200,
			BufferSize: 4096,
		},
		Mock: MockConfig{
			VoltageRMS:      230,
			CurrentRMS:      []float64{10, 5, 2.5, 1, 0.5, 0},
			CurrentPhaseDeg: []float64{0, 10, 20, 30, 45, 0},
			Bias:            0,
			NoiseLevel:      1,
		},
		Output: OutputConfig{
			Serial: SerialOutputConfig{
				Port:     "/dev/ttyUSB0",
				BaudRate: 115200,
			},
			MQTT: MQTTConfig{
				Broker:   "localhost:1883",
				ClientID: "goemon",
				Topic:    "emon/reports",
				QoS:      0,
				Encoding: "json",
			},
			Influx: InfluxConfig{
				URL:         "http://localhost:8086",
				Org:         "primary",
				Bucket:      "emon",
				Measurement: "meter",
			},
			Modbus: ModbusConfig{
				URL:        "tcp://0.0.0.0:5502",
				MaxClients: 4,
			},
			Store: StoreConfig{
				Path: "reports.sqlite",
			},
			Log: LogOutputConfig{
				Enabled: true,
			},
		},
		Pulse: PulseConfig{
			Period: time.Millisecond,
		},
		Heartbeat: HeartbeatConfig{
			Interval: time.Second,
			LEDPin:   -1,
		},
		Metrics: MetricsConfig{
			Path: "/metrics",
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

// Load loads configuration from a YAML file. If the file doesn't exist or
// fields are missing, it uses default values.
func Load(filename string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(filename)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	cfg.ensureDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// Save saves the configuration to a YAML file.
func (c *Config) Save(filename string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(filename, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// ScanRate returns the number of samples per second across all channels
// (SAMPLE_RATE × VCT_TOTAL).
func (c *Config) ScanRate() float64 {
	return c.ADC.SampleRate * float64(c.Channels.Voltage+c.Channels.Current)
}

// TickPeriod returns the nominal period of the sampling tier.
func (c *Config) TickPeriod() time.Duration {
	rate := c.ScanRate()
	if rate <= 0 {
		return 0
	}
	perTick := c.Scheduler.SamplesPerTick
	if perTick < 1 {
		perTick = 1
	}
	return time.Duration(float64(perTick) / rate * float64(time.Second))
}

// ensureDefaults ensures that all required fields have default values if missing.
func (c *Config) ensureDefaults() {
	def := Default()

	if c.ADC.Bits == 0 {
		c.ADC.Bits = def.ADC.Bits
	}
	if c.ADC.VRef == 0 {
		c.ADC.VRef = def.ADC.VRef
	}
	if c.ADC.SampleRate == 0 {
		c.ADC.SampleRate = def.ADC.SampleRate
	}

	if c.Channels.Voltage == 0 {
		c.Channels.Voltage = def.Channels.Voltage
	}
	if c.Channels.Current == 0 {
		c.Channels.Current = def.Channels.Current
	}

	// Calibration slices follow the channel layout; missing entries get the
	// reference board defaults.
	c.Calibration.Voltage = resize(c.Calibration.Voltage, c.Channels.Voltage, def.Calibration.Voltage[0])
	c.Calibration.Current = resize(c.Calibration.Current, c.Channels.Current, def.Calibration.Current[0])
	c.Calibration.Phase = resize(c.Calibration.Phase, c.Channels.Current, 0)

	if c.Engine.ReportCycles == 0 {
		c.Engine.ReportCycles = def.Engine.ReportCycles
	}
	if c.Engine.MainsFrequency == 0 {
		c.Engine.MainsFrequency = def.Engine.MainsFrequency
	}
	if c.Engine.ReportMode == "" {
		c.Engine.ReportMode = def.Engine.ReportMode
	}
	if c.Engine.ScansPerFrame == 0 {
		c.Engine.ScansPerFrame = def.Engine.ScansPerFrame
	}
	if c.Engine.MathBackend == "" {
		c.Engine.MathBackend = def.Engine.MathBackend
	}

	if c.Scheduler.SamplesPerTick == 0 {
		c.Scheduler.SamplesPerTick = def.Scheduler.SamplesPerTick
	}
	if c.Scheduler.JitterTolerance == 0 {
		c.Scheduler.JitterTolerance = def.Scheduler.JitterTolerance
	}
	if c.Scheduler.CommandQueue == 0 {
		c.Scheduler.CommandQueue = def.Scheduler.CommandQueue
	}

	if c.Source.Kind == "" {
		c.Source.Kind = def.Source.Kind
	}
	if c.Source.BaudRate == 0 {
		c.Source.BaudRate = def.Source.BaudRate
	}
	if c.Source.BufferSize == 0 {
		c.Source.BufferSize = def.Source.BufferSize
	}

	if c.Output.Serial.BaudRate == 0 {
		c.Output.Serial.BaudRate = def.Output.Serial.BaudRate
	}
	if c.Output.MQTT.Topic == "" {
		c.Output.MQTT.Topic = def.Output.MQTT.Topic
	}
	if c.Output.MQTT.Encoding == "" {
		c.Output.MQTT.Encoding = def.Output.MQTT.Encoding
	}
	if c.Output.Influx.Measurement == "" {
		c.Output.Influx.Measurement = def.Output.Influx.Measurement
	}
	if c.Output.Modbus.URL == "" {
		c.Output.Modbus.URL = def.Output.Modbus.URL
	}
	if c.Output.Store.Path == "" {
		c.Output.Store.Path = def.Output.Store.Path
	}

	if c.Pulse.Period == 0 {
		c.Pulse.Period = def.Pulse.Period
	}
	for i := range c.Pulse.Inputs {
		in := &c.Pulse.Inputs[i]
		if in.Edge == "" {
			in.Edge = EdgeRising
		}
		if in.Blank == 0 {
			in.Blank = 8
		}
		if in.Pull == "" {
			in.Pull = "up"
		}
	}

	if c.Heartbeat.Interval == 0 {
		c.Heartbeat.Interval = def.Heartbeat.Interval
	}
	if c.Metrics.Path == "" {
		c.Metrics.Path = def.Metrics.Path
	}
	if c.Log.Level == "" {
		c.Log.Level = def.Log.Level
	}
}

func fill(n int, v float32) []float32 {
	out := make([]float32, n)
	for i := range out {
		out[i] = v
	}
	return out
}

func resize(s []float32, n int, v float32) []float32 {
	if len(s) >= n {
		return s[:n]
	}
	out := make([]float32, n)
	copy(out, s)
	for i := len(s); i < n; i++ {
		out[i] = v
	}
	return out
}
