package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Config represents the complete gateway configuration.
type Config struct {
	InstanceID       string       `yaml:"instance_id"`
	ShutdownTimeoutS int          `yaml:"shutdown_timeout_s"`
	MQTT             MQTTConfig   `yaml:"mqtt"`
	DB               DBConfig     `yaml:"db"`
	HTTP             HTTPConfig   `yaml:"http"`
	Live             LiveConfig   `yaml:"live"`
	Vision           VisionConfig `yaml:"vision"`
}

// MQTTConfig contains broker settings and the topic map.
type MQTTConfig struct {
	Broker string          `yaml:"broker"`
	Topics MQTTTopics      `yaml:"topics"`
	QoS    map[string]byte `yaml:"qos"`
}

// MQTTTopics names the subscribed and published topics.
type MQTTTopics struct {
	RFID       string `yaml:"rfid"`
	Zone       string `yaml:"zone"`
	Tamper     string `yaml:"tamper"`
	Detections string `yaml:"detections"`
	Actuator   string `yaml:"actuator"`
}

// DBConfig contains the event store connection settings.
type DBConfig struct {
	ConnString string `yaml:"conn_string"`
}

// HTTPConfig contains the API listener settings.
type HTTPConfig struct {
	Addr string `yaml:"addr"`
}

// LiveConfig contains live-stream distribution settings.
type LiveConfig struct {
	BufferSize int `yaml:"buffer_size"`
}

// VisionConfig selects and configures the detection backend.
// Mode is "local" or "remote"; the backend is fixed at startup.
type VisionConfig struct {
	Mode       string       `yaml:"mode"`
	Confidence float64      `yaml:"confidence"`
	Local      LocalVision  `yaml:"local"`
	Remote     RemoteVision `yaml:"remote"`
}

// LocalVision configures the on-device model runner subprocess.
type LocalVision struct {
	RunnerPath string `yaml:"runner_path"`
	ModelPath  string `yaml:"model_path"`
	TimeoutS   int    `yaml:"timeout_s"`
}

// RemoteVision configures the external inference service.
type RemoteVision struct {
	URL      string `yaml:"url"`
	Model    string `yaml:"model"`
	TimeoutS int    `yaml:"timeout_s"`
}

// Load reads and parses a YAML configuration file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.InstanceID == "" {
		c.InstanceID = "vigia-gateway"
	}
	if c.ShutdownTimeoutS == 0 {
		c.ShutdownTimeoutS = 5
	}
	if c.MQTT.Topics.RFID == "" {
		c.MQTT.Topics.RFID = "vigia/rfid/read"
	}
	if c.MQTT.Topics.Zone == "" {
		c.MQTT.Topics.Zone = "vigia/zone/heartbeat"
	}
	if c.MQTT.Topics.Tamper == "" {
		c.MQTT.Topics.Tamper = "vigia/tamper"
	}
	if c.MQTT.Topics.Detections == "" {
		c.MQTT.Topics.Detections = "vigia/vision/detections"
	}
	if c.MQTT.Topics.Actuator == "" {
		c.MQTT.Topics.Actuator = "vigia/actuator/cmd"
	}
	if c.MQTT.QoS == nil {
		c.MQTT.QoS = map[string]byte{}
	}
	if _, ok := c.MQTT.QoS["actuator"]; !ok {
		c.MQTT.QoS["actuator"] = 1
	}
	if _, ok := c.MQTT.QoS["detections"]; !ok {
		c.MQTT.QoS["detections"] = 1
	}
	if c.HTTP.Addr == "" {
		c.HTTP.Addr = ":8080"
	}
	if c.Live.BufferSize == 0 {
		c.Live.BufferSize = 64
	}
	if c.Vision.Mode == "" {
		c.Vision.Mode = "remote"
	}
	if c.Vision.Confidence == 0 {
		c.Vision.Confidence = 0.35
	}
	if c.Vision.Local.TimeoutS == 0 {
		c.Vision.Local.TimeoutS = 30
	}
	if c.Vision.Remote.TimeoutS == 0 {
		c.Vision.Remote.TimeoutS = 60
	}
}

func (c *Config) validate() error {
	if c.MQTT.Broker == "" {
		return fmt.Errorf("mqtt.broker is required")
	}
	if c.DB.ConnString == "" {
		return fmt.Errorf("db.conn_string is required")
	}
	if c.Live.BufferSize < 1 {
		return fmt.Errorf("live.buffer_size must be positive")
	}
	switch c.Vision.Mode {
	case "local":
		if c.Vision.Local.RunnerPath == "" {
			return fmt.Errorf("vision.local.runner_path is required in local mode")
		}
	case "remote":
		if c.Vision.Remote.URL == "" {
			return fmt.Errorf("vision.remote.url is required in remote mode")
		}
	default:
		return fmt.Errorf("vision.mode must be \"local\" or \"remote\", got %q", c.Vision.Mode)
	}
	return nil
}
