package app

import (
	"fmt"
	"reflect"
	"strings"

	"stockwatch/internal/config"
	"stockwatch/internal/transport"
	"stockwatch/internal/transport/kafka"
	"stockwatch/internal/transport/telegram"
)

// mapTelegramConfig converts the telegram driver section. A nil section means
// the driver is not constructed at all.
func mapTelegramConfig(cfg *config.Config) (telegram.Config, bool, error) {
	if cfg == nil || cfg.Transport.Telegram == nil {
		return telegram.Config{}, false, nil
	}
	tc := cfg.Transport.Telegram
	if strings.TrimSpace(tc.Token) == "" {
		return telegram.Config{}, false, fmt.Errorf("transport.telegram.token is required")
	}
	return telegram.Config{
		Token:          strings.TrimSpace(tc.Token),
		ParseMode:      strings.TrimSpace(tc.ParseMode),
		DisablePreview: tc.DisablePreview,
	}, true, nil
}

func mapKafkaConfig(cfg *config.Config) (kafka.Config, bool, error) {
	if cfg == nil || cfg.Transport.Kafka == nil {
		return kafka.Config{}, false, nil
	}
	kc := cfg.Transport.Kafka
	if len(kc.Brokers) == 0 {
		return kafka.Config{}, false, fmt.Errorf("transport.kafka.brokers is required")
	}
	batch, err := parseDurationField("transport.kafka.batch_timeout", kc.BatchTimeout)
	if err != nil {
		return kafka.Config{}, false, err
	}
	return kafka.Config{
		Brokers:      kc.Brokers,
		DefaultTopic: strings.TrimSpace(kc.Topic),
		BatchTimeout: batch,
	}, true, nil
}

// mapRoutes converts and validates the destination table. Every destination
// must name a configured driver section and carry the endpoint fields that
// driver needs; anything else would only fail on the first send.
func mapRoutes(cfg *config.Config) ([]transport.Route, error) {
	if cfg == nil {
		return nil, nil
	}
	tc := cfg.Transport

	seen := make(map[string]bool, len(tc.Destinations))
	routes := make([]transport.Route, 0, len(tc.Destinations))
	for i, d := range tc.Destinations {
		name := strings.ToLower(strings.TrimSpace(d.Name))
		if name == "" {
			return nil, fmt.Errorf("transport.destinations[%d]: name is required", i)
		}
		if seen[name] {
			return nil, fmt.Errorf("transport.destinations: duplicate name %q", d.Name)
		}
		seen[name] = true

		driver := strings.ToLower(strings.TrimSpace(d.Driver))
		switch driver {
		case "telegram":
			if tc.Telegram == nil {
				return nil, fmt.Errorf("transport.destinations[%s]: driver telegram but transport.telegram is not configured", name)
			}
			if d.ChatID == 0 {
				return nil, fmt.Errorf("transport.destinations[%s]: chat_id is required for the telegram driver", name)
			}
		case "kafka":
			if tc.Kafka == nil {
				return nil, fmt.Errorf("transport.destinations[%s]: driver kafka but transport.kafka is not configured", name)
			}
		default:
			return nil, fmt.Errorf("transport.destinations[%s]: unknown driver %q", name, d.Driver)
		}

		routes = append(routes, transport.Route{
			Name:     name,
			Driver:   driver,
			ChatID:   d.ChatID,
			ThreadID: d.ThreadID,
			Topic:    strings.TrimSpace(d.Topic),
		})
	}
	return routes, nil
}

// destinationSet returns the lower-cased destination names for reference
// checks (targets, digest, probe, log alerts).
func destinationSet(cfg *config.Config) map[string]bool {
	set := map[string]bool{}
	if cfg == nil {
		return set
	}
	for _, d := range cfg.Transport.Destinations {
		name := strings.ToLower(strings.TrimSpace(d.Name))
		if name != "" {
			set[name] = true
		}
	}
	return set
}

// transportDriversChanged reports whether the telegram or kafka driver
// sections differ. Drivers are constructed once at startup; a section change
// needs a restart, unlike the route table which swaps live.
func transportDriversChanged(prev, next *config.Config) bool {
	if prev == nil || next == nil {
		return prev != next
	}
	if (prev.Transport.Telegram == nil) != (next.Transport.Telegram == nil) {
		return true
	}
	if prev.Transport.Telegram != nil && *prev.Transport.Telegram != *next.Transport.Telegram {
		return true
	}
	if (prev.Transport.Kafka == nil) != (next.Transport.Kafka == nil) {
		return true
	}
	if prev.Transport.Kafka != nil && !reflect.DeepEqual(*prev.Transport.Kafka, *next.Transport.Kafka) {
		return true
	}
	return false
}

// validateDestinationRefs rejects configs whose optional destination fields
// point at destinations that do not exist.
func validateDestinationRefs(cfg *config.Config) error {
	if cfg == nil {
		return nil
	}
	set := destinationSet(cfg)
	check := func(path, name string) error {
		name = strings.ToLower(strings.TrimSpace(name))
		if name == "" || set[name] {
			return nil
		}
		return fmt.Errorf("%s: unknown destination %q", path, name)
	}
	if err := check("logging.alert.destination", cfg.Logging.Alert.Destination); err != nil {
		return err
	}
	if err := check("jobs.digest_destination", cfg.Jobs.DigestDestination); err != nil {
		return err
	}
	return check("probe.destination", cfg.Probe.Destination)
}
