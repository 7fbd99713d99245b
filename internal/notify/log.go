package notify

import (
	"context"

	"github.com/sirupsen/logrus"
)

type LogDispatcher struct {
	Log logrus.FieldLogger
}

func (d LogDispatcher) Notify(_ context.Context, n Notification) error {
	log := d.Log
	if log == nil {
		log = logrus.StandardLogger()
	}
	emails := make([]string, 0, len(n.Recipients))
	for _, r := range n.Recipients {
		emails = append(emails, r.Email)
	}
	log.WithFields(logrus.Fields{
		"kind":          n.Kind,
		"initiative_id": n.Initiative.ID,
		"stage":         n.Next.StageNumber,
		"pending_with":  n.Next.PendingWith,
		"actor":         n.Actor,
		"recipients":    emails,
	}).Info(n.Subject())
	return nil
}
