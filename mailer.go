/*
Copyright © 2026 Seednode <seednode@seedno.de>
*/

package main

import (
	"fmt"

	mail "gopkg.in/mail.v2"
)

// Mailer delivers draw results out-of-band over SMTP. Sends are queued and
// drained by a single background worker, so relay latency or failure never
// blocks a draw or claim; failures are tallied and logged, nothing more,
// since the committed session record is the authoritative result.
type Mailer struct {
	cfg   *Config
	queue chan delivery

	sent   int
	failed int
}

func newMailer(cfg *Config) *Mailer {
	m := &Mailer{
		cfg:   cfg,
		queue: make(chan delivery, 256),
	}
	go m.run()
	return m
}

func (m *Mailer) enqueue(d delivery) {
	if m.cfg.smtpHost == "" {
		return
	}

	select {
	case m.queue <- d:
	default:
		logf(m.cfg, "MAIL: Queue full, dropping delivery for %q", d.giver)
	}
}

func (m *Mailer) run() {
	for d := range m.queue {
		if err := m.send(d); err != nil {
			m.failed++
			logf(m.cfg, "MAIL: Delivery to %q failed (%d sent, %d failed): %v", d.giver, m.sent, m.failed, err)
			continue
		}

		m.sent++
		logf(m.cfg, "MAIL: Delivered result to %q (%d sent, %d failed)", d.giver, m.sent, m.failed)
	}
}

func (m *Mailer) send(d delivery) error {
	msg := mail.NewMessage()
	msg.SetHeader("From", m.cfg.smtpFrom)
	msg.SetHeader("To", d.email)
	msg.SetHeader("Subject", "Your gift exchange assignment")
	msg.SetBody("text/plain", fmt.Sprintf(
		"Hello %s,\n\nthe draw is in: you are giving a gift to %s.\n\nKeep it secret!\n", d.giver, d.target))

	dialer := mail.NewDialer(m.cfg.smtpHost, m.cfg.smtpPort, m.cfg.smtpUsername, m.cfg.smtpPassword)

	return dialer.DialAndSend(msg)
}
