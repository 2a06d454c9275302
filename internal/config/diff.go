package config

import (
	"reflect"
	"sort"
	"strings"

	"netspeed/pkg/logx"
)

// SummarizeConfigChange returns the sorted list of changed top-level sections
// and compact structured attrs describing the new values.
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 6)
	attrs := make([]logx.Field, 0, 16)

	if !reflect.DeepEqual(oldCfg.Logging, newCfg.Logging) {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
			logx.Bool("logging.journal_enabled", newCfg.Logging.Journal.Enabled),
		)
	}

	if !reflect.DeepEqual(oldCfg.Speedtest, newCfg.Speedtest) {
		changed = append(changed, "speedtest")
		st := newCfg.Speedtest
		attrs = append(attrs,
			logx.Int("speedtest.server_count", st.ServerCount),
			logx.Int("speedtest.select_count", st.SelectCount),
			logx.Int("speedtest.concurrency", st.Concurrency),
			logx.String("speedtest.duration", strings.TrimSpace(st.Duration)),
			logx.Bool("speedtest.early_stop", st.EarlyStop != nil && st.EarlyStop.Enabled),
		)
	}

	if !reflect.DeepEqual(oldCfg.Source, newCfg.Source) {
		changed = append(changed, "source")
		attrs = append(attrs,
			logx.String("source.kind", newCfg.SourceKind()),
			logx.Int("source.static_servers", len(newCfg.Source.Servers)),
		)
	}

	if !reflect.DeepEqual(oldCfg.GeoIP, newCfg.GeoIP) {
		changed = append(changed, "geoip")
		attrs = append(attrs, logx.Bool("geoip.enabled", newCfg.GeoIP != nil))
	}

	if !reflect.DeepEqual(oldCfg.Schedule, newCfg.Schedule) {
		changed = append(changed, "schedule")
		var spec, tz string
		if newCfg.Schedule != nil {
			spec = strings.TrimSpace(newCfg.Schedule.Spec)
			tz = strings.TrimSpace(newCfg.Schedule.Timezone)
		}
		attrs = append(attrs,
			logx.String("schedule.spec", spec),
			logx.String("schedule.timezone", tz),
		)
	}

	if !reflect.DeepEqual(oldCfg.Status, newCfg.Status) {
		changed = append(changed, "status")
		var addr string
		enabled := newCfg.Status != nil && newCfg.Status.Enabled
		if enabled {
			addr = strings.TrimSpace(newCfg.Status.Addr)
		}
		attrs = append(attrs,
			logx.Bool("status.enabled", enabled),
			logx.String("status.addr", addr),
		)
	}

	sort.Strings(changed)
	return changed, attrs
}
