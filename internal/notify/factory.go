package notify

import (
	"github.com/sirupsen/logrus"

	"stageline/internal/config"
)

// FromConfig assembles the dispatchers enabled in cfg. The returned Bus must be
// closed by the caller. With an in-process bus the log and webhook dispatchers
// sit behind it and only run once Bus.Consume is started.
func FromConfig(cfg *config.Config, log *logrus.Logger) (Dispatcher, Bus, error) {
	if log == nil {
		log = logrus.StandardLogger()
	}
	var out Multi
	if cfg.LogNotifications() {
		out = append(out, LogDispatcher{Log: log})
	}
	for _, hook := range cfg.Notifications.Webhooks {
		if !hook.IsEnabled() {
			continue
		}
		out = append(out, NewWebhookDispatcher(hook))
	}
	bus, err := NewBus(cfg, log)
	if err != nil {
		return nil, Bus{}, err
	}
	if bus.Subscriber != nil && len(out) > 0 {
		bus.Deliver = out
		out = nil
	}
	if bus.Publisher != nil {
		out = append(out, BusDispatcher{Publisher: bus.Publisher, Topic: bus.Topic})
	}
	if len(out) == 0 {
		return Nop{}, bus, nil
	}
	return out, bus, nil
}
