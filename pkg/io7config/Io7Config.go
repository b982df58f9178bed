// Package io7config with the io7sync configuration struct and methods
package io7config

import (
	"bytes"
	"fmt"
	"os"
	"path"
	"strings"
	"text/template"

	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v2"
)

// ConfigName the configuration file name of io7sync
const ConfigName = "io7sync.yaml"

// LogFileName the file name of the io7sync logging
const LogFileName = "io7sync.log"

// Default broker and API settings
const (
	DefaultMqttPort      = 1883
	DefaultApiPort       = 2009
	DefaultRetryDelaySec = 60
	DefaultDynSecFile    = "dynamic-security.json"
)

// Io7Config with io7sync configuration parameters
type Io7Config struct {
	// logging
	Loglevel string `yaml:"logLevel"` // debug, info, warning, error. Default is warning
	LogFile  string `yaml:"logFile"`  // logging to file. Empty for stderr only

	// broker connection
	MqttAddress    string `yaml:"mqttAddress"`              // hostname or ip of the broker
	MqttPort       int    `yaml:"mqttPort"`                 // broker port
	MqttCaCertFile string `yaml:"mqttCaCertFile,omitempty"` // CA certificate. Empty for plain tcp
	DynSecUser     string `yaml:"dynSecUser"`               // broker account with dynamic-security rights
	DynSecPass     string `yaml:"dynSecPass"`
	DynSecPath     string `yaml:"dynSecPath"`    // the plugin's dynamic-security.json
	RetryDelaySec  int    `yaml:"retryDelaySec"` // wait between connection attempts

	// identities
	Namespace string `yaml:"namespace"` // first topic segment, default iot3
	Home      string `yaml:"home"`      // application home directory. Default is parent of executable
	DataDir   string `yaml:"dataDir"`   // identity store and shadow database. Default is {home}/data

	// admin api
	ApiAddress string `yaml:"apiAddress"`
	ApiPort    int    `yaml:"apiPort"`

	// telemetry shadow
	ShadowWorkers     int    `yaml:"shadowWorkers"`     // concurrent event recorders
	MonitoredDevices  string `yaml:"monitoredDevices"`  // '*' or comma separated device IDs
	MonitoredFieldset string `yaml:"monitoredFieldset"` // comma separated event fields kept as metrics
}

// MqttHostPort returns the broker address as host:port
func (config *Io7Config) MqttHostPort() string {
	return fmt.Sprintf("%s:%d", config.MqttAddress, config.MqttPort)
}

// ApiHostPort returns the admin api listening address as host:port
func (config *Io7Config) ApiHostPort() string {
	return fmt.Sprintf("%s:%d", config.ApiAddress, config.ApiPort)
}

// CreateDefaultConfig with default values
// homeFolder is the home of the application, log, data and configuration folders.
// Use "" for default: parent of application binary
// When relative path is given, it is relative to the application binary
func CreateDefaultConfig(homeFolder string) *Io7Config {
	appBin, _ := os.Executable()
	binFolder := path.Dir(appBin)
	if homeFolder == "" {
		homeFolder = path.Dir(binFolder)
	} else if !path.IsAbs(homeFolder) {
		// turn relative home folder in absolute path
		homeFolder = path.Join(binFolder, homeFolder)
	}
	logrus.Infof("CreateDefaultConfig: AppBin is: %s; Home is: %s", appBin, homeFolder)
	return &Io7Config{
		Loglevel:          "warning",
		LogFile:           path.Join(homeFolder, "logs", LogFileName),
		MqttAddress:       "localhost",
		MqttPort:          DefaultMqttPort,
		DynSecUser:        "admin",
		DynSecPath:        path.Join(homeFolder, "mosquitto", DefaultDynSecFile),
		RetryDelaySec:     DefaultRetryDelaySec,
		Namespace:         "iot3",
		Home:              homeFolder,
		DataDir:           path.Join(homeFolder, "data"),
		ApiAddress:        "",
		ApiPort:           DefaultApiPort,
		ShadowWorkers:     30,
		MonitoredDevices:  "",
		MonitoredFieldset: "temperature, humidity",
	}
}

// LoadConfig loads the configuration from file into the given config
//  configFile path to yaml configuration file
//  config interface to typed structure matching the config. Must have yaml tags
//  substituteMap map to substitude {{.key}} with value from map, nil to ignore
// Returns nil if successful
func LoadConfig(configFile string, config interface{}, substituteMap map[string]string) error {
	rawConfig, err := os.ReadFile(configFile)
	if err != nil {
		logrus.Infof("LoadConfig: Unable to load config file: %s", err)
		return err
	}
	logrus.Infof("LoadConfig: Loaded config file '%s'", configFile)
	rawText := string(rawConfig)
	if substituteMap != nil {
		rawText, err = SubstituteText(rawText, substituteMap)
		if err != nil {
			return fmt.Errorf("config file '%s': %w", configFile, err)
		}
	}
	err = yaml.Unmarshal([]byte(rawText), config)
	if err != nil {
		logrus.Errorf("LoadConfig: Error parsing config file '%s': %s", configFile, err)
		return err
	}
	return nil
}

// LoadIo7Config loads the io7sync configuration file on top of the defaults
//  homeFolder is the application home. "" for the parent of the binary
//  configFile to load. "" for {home}/config/io7sync.yaml
// The {{.home}} template in the file is replaced with the home folder.
func LoadIo7Config(homeFolder string, configFile string) (*Io7Config, error) {
	config := CreateDefaultConfig(homeFolder)
	if configFile == "" {
		configFile = path.Join(config.Home, "config", ConfigName)
	} else if !path.IsAbs(configFile) {
		cwd, _ := os.Getwd()
		configFile = path.Join(cwd, configFile)
	}
	substituteMap := map[string]string{"home": config.Home}
	err := LoadConfig(configFile, config, substituteMap)
	if err != nil {
		return config, err
	}
	// relative paths are relative to home
	for _, folder := range []*string{&config.DataDir, &config.DynSecPath, &config.LogFile, &config.MqttCaCertFile} {
		if *folder != "" && !path.IsAbs(*folder) {
			*folder = path.Join(config.Home, *folder)
		}
	}
	return config, nil
}

// SubstituteText substitutes template strings in the text
//  text to substitude template strings, eg "hello {{.destination}}"
//  substituteMap with replacement keywords, eg {"destination":"world"}
// Returns text with template strings replaced
func SubstituteText(text string, substituteMap map[string]string) (string, error) {
	var msg bytes.Buffer

	tpl, err := template.New("").Parse(text)
	if err != nil {
		return text, err
	}
	err = tpl.Execute(&msg, substituteMap)
	return msg.String(), err
}

// ValidateConfig checks if values in the configuration are correct
// Returns an error if the config is invalid
func ValidateConfig(config *Io7Config) error {
	if config.MqttAddress == "" {
		err := fmt.Errorf("broker address not provided")
		logrus.Errorf("ValidateConfig: %s", err)
		return err
	}
	if config.MqttPort <= 0 || config.MqttPort > 65535 {
		return fmt.Errorf("invalid broker port %d", config.MqttPort)
	}
	if config.ApiPort <= 0 || config.ApiPort > 65535 {
		return fmt.Errorf("invalid api port %d", config.ApiPort)
	}
	if config.DynSecUser == "" {
		return fmt.Errorf("dynSecUser not provided")
	}
	if config.Namespace == "" || strings.ContainsAny(config.Namespace, "/+#$") {
		return fmt.Errorf("invalid namespace '%s'", config.Namespace)
	}
	if config.RetryDelaySec <= 0 {
		return fmt.Errorf("retryDelaySec must be positive")
	}
	if config.MqttCaCertFile != "" {
		if _, err := os.Stat(config.MqttCaCertFile); err != nil {
			logrus.Errorf("ValidateConfig: CA certificate '%s' not found", config.MqttCaCertFile)
			return err
		}
	}
	if config.DataDir == "" {
		return fmt.Errorf("dataDir not provided")
	}
	return nil
}
