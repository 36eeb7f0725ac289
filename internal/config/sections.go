package config

import (
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// UnmarshalYAML implements custom unmarshaling for QueueConfig with env
// variable support.
func (q *QueueConfig) UnmarshalYAML(value *yaml.Node) error {
	type tempConfig struct {
		Name      string `yaml:"name"`
		RecordTTL string `yaml:"record_ttl"`
		Workers   string `yaml:"workers"`
	}

	var temp tempConfig
	if err := value.Decode(&temp); err != nil {
		return err
	}

	if name := resolveEnvString(temp.Name); name != "" {
		q.Name = name
	} else if q.Name == "" {
		q.Name = "scrape"
	}

	var err error
	if q.RecordTTL, err = parseField(temp.RecordTTL, 24*time.Hour, time.ParseDuration, "queue.record_ttl"); err != nil {
		return err
	}
	if q.Workers, err = parseField(temp.Workers, 10, strconv.Atoi, "queue.workers"); err != nil {
		return err
	}
	return nil
}

// UnmarshalYAML implements custom unmarshaling for AdmissionConfig with env
// variable support.
func (a *AdmissionConfig) UnmarshalYAML(value *yaml.Node) error {
	type tempConfig struct {
		DefaultCeiling string `yaml:"default_ceiling"`
		ActiveEntryTTL string `yaml:"active_entry_ttl"`
		ScrapeTimeout  string `yaml:"scrape_timeout"`
		WaitTimeout    string `yaml:"wait_timeout"`
		SweepInterval  string `yaml:"sweep_interval"`
	}

	var temp tempConfig
	if err := value.Decode(&temp); err != nil {
		return err
	}

	var err error
	if a.DefaultCeiling, err = parseField(temp.DefaultCeiling, 2, strconv.Atoi, "admission.default_ceiling"); err != nil {
		return err
	}
	if a.ActiveEntryTTL, err = parseField(temp.ActiveEntryTTL, 60*time.Second, time.ParseDuration, "admission.active_entry_ttl"); err != nil {
		return err
	}
	if a.ScrapeTimeout, err = parseField(temp.ScrapeTimeout, 60*time.Second, time.ParseDuration, "admission.scrape_timeout"); err != nil {
		return err
	}
	if a.WaitTimeout, err = parseField(temp.WaitTimeout, 180*time.Second, time.ParseDuration, "admission.wait_timeout"); err != nil {
		return err
	}
	if a.SweepInterval, err = parseField(temp.SweepInterval, 5*time.Second, time.ParseDuration, "admission.sweep_interval"); err != nil {
		return err
	}
	return nil
}

// UnmarshalYAML implements custom unmarshaling for NotificationsConfig with
// env variable support.
func (n *NotificationsConfig) UnmarshalYAML(value *yaml.Node) error {
	type tempConfig struct {
		Enabled        string `yaml:"enabled"`
		WebhookURL     string `yaml:"webhook_url"`
		ResendInterval string `yaml:"resend_interval"`
		Workers        string `yaml:"workers"`
	}

	var temp tempConfig
	if err := value.Decode(&temp); err != nil {
		return err
	}

	var err error
	if n.Enabled, err = parseField(temp.Enabled, false, strconv.ParseBool, "notifications.enabled"); err != nil {
		return err
	}
	n.WebhookURL = resolveEnvString(temp.WebhookURL)
	if n.ResendInterval, err = parseField(temp.ResendInterval, 15*24*time.Hour, time.ParseDuration, "notifications.resend_interval"); err != nil {
		return err
	}
	if n.Workers, err = parseField(temp.Workers, 2, strconv.Atoi, "notifications.workers"); err != nil {
		return err
	}
	return nil
}

// UnmarshalYAML implements custom unmarshaling for MirrorConfig with env
// variable support.
func (m *MirrorConfig) UnmarshalYAML(value *yaml.Node) error {
	type tempConfig struct {
		Host string `yaml:"host"`
		Rate string `yaml:"rate"`
	}

	var temp tempConfig
	if err := value.Decode(&temp); err != nil {
		return err
	}

	m.Host = resolveEnvString(temp.Host)

	var err error
	if m.Rate, err = parseField(temp.Rate, 0, parseFloat, "mirror.rate"); err != nil {
		return err
	}
	return nil
}

func parseFloat(s string) (float64, error) {
	return strconv.ParseFloat(s, 64)
}
