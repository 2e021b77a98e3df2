package configsvc

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"go.uber.org/zap"
)

// BridgeConfig carries every tunable of the event bridge. It is loaded
// from the bridge YAML file, overlaid with HID_* environment variables
// and normalized before use.
type BridgeConfig struct {
	SendEvents bool   `json:"send_events"`
	SendMQTT   bool   `json:"send_mqtt"`
	MQTTHost   string `json:"mqtt_host"`
	MQTTPort   int    `json:"mqtt_port"`
	MQTTUser   string `json:"mqtt_user"`
	MQTTPass   string `json:"mqtt_pass"`
	MQTTTopic  string `json:"mqtt_topic"`
	MQTTQoS    int    `json:"mqtt_qos"`
	MQTTRetain bool   `json:"mqtt_retain"`

	StartupDelaySec      int               `json:"startup_delay_sec"`
	IgnoreKeyRepeat      bool              `json:"ignore_key_repeat"`
	EmitReleaseEvents    bool              `json:"emit_release_events"`
	DebounceMs           int               `json:"debounce_ms"`
	RateLimitPerDeviceHz int               `json:"rate_limit_per_device_hz"`
	LongPressMsDefault   int               `json:"long_press_ms_default"`
	LongPressOverrides   map[string]int    `json:"long_press_overrides"`
	ScrollStepScale      float64           `json:"scroll_step_scale"`
	ScrollBurstWindowMs  int               `json:"scroll_burst_window_ms"`
	FilterMouseDevices   bool              `json:"filter_mouse_devices"`
	FilterScrolling      bool              `json:"filter_scrolling"`
	DenyNames            []string          `json:"deny_names"`
	KeymapOverride       map[string]string `json:"keymap_override"`
}

// baselineDenyNames are non-actionable system devices that are always
// denied regardless of user configuration.
var baselineDenyNames = []string{
	"Power Button",
	"Sleep Button",
	"Video Bus",
	"Lid Switch",
	"PC Speaker",
	"HDA Intel HDMI/DP",
	"gpio-keys",
	"ACPI Video",
	"AT Translated Set 2 keyboard",
}

func DefaultBridgeConfig() BridgeConfig {
	return BridgeConfig{
		SendEvents:           true,
		SendMQTT:             false,
		MQTTHost:             "localhost",
		MQTTPort:             1883,
		MQTTTopic:            "key_remap/events",
		MQTTQoS:              1,
		MQTTRetain:           false,
		StartupDelaySec:      5,
		IgnoreKeyRepeat:      true,
		EmitReleaseEvents:    true,
		DebounceMs:           30,
		RateLimitPerDeviceHz: 50,
		LongPressMsDefault:   500,
		LongPressOverrides:   map[string]int{},
		ScrollStepScale:      1.0,
		ScrollBurstWindowMs:  120,
		FilterMouseDevices:   false,
		FilterScrolling:      false,
		DenyNames:            nil,
		KeymapOverride:       map[string]string{},
	}
}

// DenySet returns the effective deny set, lower-cased for
// case-insensitive matching: the baseline plus user-supplied names.
func (c BridgeConfig) DenySet() map[string]struct{} {
	set := make(map[string]struct{}, len(baselineDenyNames)+len(c.DenyNames))
	for _, name := range baselineDenyNames {
		set[strings.ToLower(name)] = struct{}{}
	}
	for _, name := range c.DenyNames {
		set[strings.ToLower(name)] = struct{}{}
	}
	return set
}

type bound struct {
	name string
	min  float64
	max  float64
	get  func(*BridgeConfig) float64
	set  func(*BridgeConfig, float64)
}

var bounds = []bound{
	{"mqtt_port", 1, 65535,
		func(c *BridgeConfig) float64 { return float64(c.MQTTPort) },
		func(c *BridgeConfig, v float64) { c.MQTTPort = int(v) }},
	{"mqtt_qos", 0, 2,
		func(c *BridgeConfig) float64 { return float64(c.MQTTQoS) },
		func(c *BridgeConfig, v float64) { c.MQTTQoS = int(v) }},
	{"startup_delay_sec", 0, 30,
		func(c *BridgeConfig) float64 { return float64(c.StartupDelaySec) },
		func(c *BridgeConfig, v float64) { c.StartupDelaySec = int(v) }},
	{"debounce_ms", 0, 200,
		func(c *BridgeConfig) float64 { return float64(c.DebounceMs) },
		func(c *BridgeConfig, v float64) { c.DebounceMs = int(v) }},
	{"rate_limit_per_device_hz", 5, 200,
		func(c *BridgeConfig) float64 { return float64(c.RateLimitPerDeviceHz) },
		func(c *BridgeConfig, v float64) { c.RateLimitPerDeviceHz = int(v) }},
	{"long_press_ms_default", 200, 2000,
		func(c *BridgeConfig) float64 { return float64(c.LongPressMsDefault) },
		func(c *BridgeConfig, v float64) { c.LongPressMsDefault = int(v) }},
	{"scroll_step_scale", 0.1, 5.0,
		func(c *BridgeConfig) float64 { return c.ScrollStepScale },
		func(c *BridgeConfig, v float64) { c.ScrollStepScale = v }},
	{"scroll_burst_window_ms", 50, 500,
		func(c *BridgeConfig) float64 { return float64(c.ScrollBurstWindowMs) },
		func(c *BridgeConfig, v float64) { c.ScrollBurstWindowMs = int(v) }},
}

// Clamp forces every numeric tunable into its documented range,
// logging each adjustment. Out-of-range values are never fatal.
func (c *BridgeConfig) Clamp(log *zap.Logger) {
	for _, b := range bounds {
		v := b.get(c)
		clamped := v
		if v < b.min {
			clamped = b.min
		} else if v > b.max {
			clamped = b.max
		}
		if clamped != v {
			if log != nil {
				log.Warn("Config value out of range, clamping",
					zap.String("key", b.name),
					zap.Float64("value", v),
					zap.Float64("min", b.min),
					zap.Float64("max", b.max))
			}
			b.set(c, clamped)
		}
	}
}

// ValidateKeymap rejects a keymap override with empty or malformed
// entries. Keys and values must look like symbolic key codes.
func ValidateKeymap(keymap map[string]string) error {
	for from, to := range keymap {
		if !validKeyName(from) {
			return fmt.Errorf("invalid keymap source %q", from)
		}
		if !validKeyName(to) {
			return fmt.Errorf("invalid keymap target %q for %q", to, from)
		}
	}
	return nil
}

func validKeyName(name string) bool {
	if name == "" {
		return false
	}
	for _, r := range name {
		switch {
		case r >= 'A' && r <= 'Z':
		case r >= 'a' && r <= 'z':
		case r >= '0' && r <= '9':
		case r == '_':
		default:
			return false
		}
	}
	return true
}

// ApplyEnv overlays HID_* environment variables onto the configuration.
// Invalid values are logged and skipped.
func (c *BridgeConfig) ApplyEnv(log *zap.Logger) {
	c.applyEnv(log, os.LookupEnv)
}

func (c *BridgeConfig) applyEnv(log *zap.Logger, lookup func(string) (string, bool)) {
	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok {
			*dst = v
		}
	}
	boolean := func(key string, dst *bool) {
		if v, ok := lookup(key); ok {
			*dst = strings.EqualFold(v, "true")
		}
	}
	integer := func(key string, dst *int) {
		v, ok := lookup(key)
		if !ok {
			return
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			if log != nil {
				log.Warn("Invalid environment override", zap.String("key", key), zap.String("value", v))
			}
			return
		}
		*dst = n
	}
	float := func(key string, dst *float64) {
		v, ok := lookup(key)
		if !ok {
			return
		}
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			if log != nil {
				log.Warn("Invalid environment override", zap.String("key", key), zap.String("value", v))
			}
			return
		}
		*dst = f
	}

	boolean("HID_SEND_EVENTS", &c.SendEvents)
	boolean("HID_SEND_MQTT", &c.SendMQTT)
	str("HID_MQTT_HOST", &c.MQTTHost)
	integer("HID_MQTT_PORT", &c.MQTTPort)
	str("HID_MQTT_USER", &c.MQTTUser)
	str("HID_MQTT_PASS", &c.MQTTPass)
	str("HID_MQTT_TOPIC", &c.MQTTTopic)
	integer("HID_MQTT_QOS", &c.MQTTQoS)
	boolean("HID_MQTT_RETAIN", &c.MQTTRetain)
	integer("HID_STARTUP_DELAY", &c.StartupDelaySec)
	boolean("HID_IGNORE_KEY_REPEAT", &c.IgnoreKeyRepeat)
	boolean("HID_EMIT_RELEASE_EVENTS", &c.EmitReleaseEvents)
	integer("HID_DEBOUNCE_MS", &c.DebounceMs)
	integer("HID_RATE_LIMIT_HZ", &c.RateLimitPerDeviceHz)
	integer("HID_LONG_PRESS_MS", &c.LongPressMsDefault)
	float("HID_SCROLL_SCALE", &c.ScrollStepScale)
	integer("HID_SCROLL_BURST_MS", &c.ScrollBurstWindowMs)
	boolean("HID_FILTER_MICE", &c.FilterMouseDevices)
	boolean("HID_FILTER_SCROLL", &c.FilterScrolling)
}
