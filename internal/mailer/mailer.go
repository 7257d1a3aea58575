// Package mailer delivers the participant-facing notifications: the
// confirmation request with its signed link, the confirmed-booking mail with
// a calendar attachment and a scannable code, and the cancellation notice.
// Delivery is best-effort; callers log and continue on failure.
package mailer

import (
	"bytes"
	"context"
	"encoding/base64"
	"fmt"
	"mime/multipart"
	"net/smtp"
	"net/textproto"
	"time"

	"github.com/rs/zerolog"
	qrcode "github.com/skip2/go-qrcode"

	"slotbooker/internal/model"
)

type Config struct {
	Host     string
	Port     string
	From     string
	Password string
	// PublicURL is the externally reachable base used in confirmation links.
	PublicURL string
}

type Dispatcher struct {
	cfg Config
	log *zerolog.Logger
}

func NewDispatcher(cfg Config, log *zerolog.Logger) *Dispatcher {
	return &Dispatcher{cfg: cfg, log: log}
}

func (d *Dispatcher) SendConfirmationRequest(_ context.Context, reg *model.EventRegistration, slot *model.EventSlot, signedToken string) error {
	link := fmt.Sprintf("%s/v1/registrations/confirm?token=%s", d.cfg.PublicURL, signedToken)
	body := fmt.Sprintf(
		"Hello %s!\n\nYou started a registration for the time slot on %s.\n"+
			"Please confirm it by following this link:\n\n%s\n\n"+
			"Unconfirmed registrations are released automatically.",
		reg.FullName, slot.StartTime.Format("Mon, 02 Jan 2006 15:04"), link,
	)

	if err := d.sendPlain(reg.Email, "Please confirm your registration", body); err != nil {
		return fmt.Errorf("send confirmation request: %w", err)
	}
	d.log.Info().Str("email", reg.Email).Int64("registration_id", reg.ID).Msg("confirmation request sent")
	return nil
}

func (d *Dispatcher) SendConfirmation(_ context.Context, reg *model.EventRegistration, slot *model.EventSlot) error {
	msg, err := buildConfirmationMessage(d.cfg.From, reg, slot)
	if err != nil {
		return fmt.Errorf("build confirmation mail: %w", err)
	}
	if err := d.send(reg.Email, msg); err != nil {
		return fmt.Errorf("send confirmation: %w", err)
	}
	d.log.Info().Str("email", reg.Email).Int64("registration_id", reg.ID).Msg("confirmation sent")
	return nil
}

func (d *Dispatcher) SendCancellation(_ context.Context, reg *model.EventRegistration, slot *model.EventSlot) error {
	body := fmt.Sprintf(
		"Hello %s!\n\nYour registration for the time slot on %s has been cancelled.\n"+
			"If you still want to attend, you can register again while seats remain.",
		reg.FullName, slot.StartTime.Format("Mon, 02 Jan 2006 15:04"),
	)

	if err := d.sendPlain(reg.Email, "Your registration was cancelled", body); err != nil {
		return fmt.Errorf("send cancellation: %w", err)
	}
	d.log.Info().Str("email", reg.Email).Int64("registration_id", reg.ID).Msg("cancellation notice sent")
	return nil
}

func (d *Dispatcher) sendPlain(to, subject, body string) error {
	msg := []byte(fmt.Sprintf("From: %s\r\nTo: %s\r\nSubject: %s\r\n\r\n%s",
		d.cfg.From, to, subject, body))
	return d.send(to, msg)
}

func (d *Dispatcher) send(to string, msg []byte) error {
	addr := d.cfg.Host + ":" + d.cfg.Port
	auth := smtp.PlainAuth("", d.cfg.From, d.cfg.Password, d.cfg.Host)
	return smtp.SendMail(addr, auth, d.cfg.From, []string{to}, msg)
}

// buildConfirmationMessage assembles the multipart confirmed-booking mail:
// a text part, the calendar invite, and the QR code staff scan at the door.
// The QR payload is the registration's opaque signature.
func buildConfirmationMessage(from string, reg *model.EventRegistration, slot *model.EventSlot) ([]byte, error) {
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)

	fmt.Fprintf(&buf, "From: %s\r\n", from)
	fmt.Fprintf(&buf, "To: %s\r\n", reg.Email)
	fmt.Fprintf(&buf, "Subject: Your registration is confirmed\r\n")
	fmt.Fprintf(&buf, "MIME-Version: 1.0\r\n")
	fmt.Fprintf(&buf, "Content-Type: multipart/mixed; boundary=%q\r\n\r\n", w.Boundary())

	text, err := w.CreatePart(textproto.MIMEHeader{
		"Content-Type": {"text/plain; charset=utf-8"},
	})
	if err != nil {
		return nil, err
	}
	fmt.Fprintf(text,
		"Hello %s!\n\nYour registration for the time slot on %s is confirmed.\n"+
			"Show the attached code at check-in. See you there!",
		reg.FullName, slot.StartTime.Format("Mon, 02 Jan 2006 15:04"))

	ics, err := w.CreatePart(textproto.MIMEHeader{
		"Content-Type":        {"text/calendar; method=PUBLISH; charset=utf-8"},
		"Content-Disposition": {`attachment; filename="registration.ics"`},
	})
	if err != nil {
		return nil, err
	}
	if _, err := ics.Write(buildICS(reg, slot)); err != nil {
		return nil, err
	}

	png, err := qrcode.Encode(reg.Signature, qrcode.Medium, 256)
	if err != nil {
		return nil, fmt.Errorf("encode qr code: %w", err)
	}
	qr, err := w.CreatePart(textproto.MIMEHeader{
		"Content-Type":              {"image/png"},
		"Content-Transfer-Encoding": {"base64"},
		"Content-Disposition":       {`attachment; filename="checkin.png"`},
	})
	if err != nil {
		return nil, err
	}
	if _, err := qr.Write([]byte(base64.StdEncoding.EncodeToString(png))); err != nil {
		return nil, err
	}

	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func buildICS(reg *model.EventRegistration, slot *model.EventSlot) []byte {
	const stamp = "20060102T150405Z"

	end := slot.StartTime.Add(time.Hour)
	if slot.EndTime != nil {
		end = *slot.EndTime
	}

	var b bytes.Buffer
	b.WriteString("BEGIN:VCALENDAR\r\n")
	b.WriteString("VERSION:2.0\r\n")
	b.WriteString("PRODID:-//slotbooker//registration//EN\r\n")
	b.WriteString("BEGIN:VEVENT\r\n")
	fmt.Fprintf(&b, "UID:%s\r\n", reg.Signature)
	fmt.Fprintf(&b, "DTSTAMP:%s\r\n", time.Now().UTC().Format(stamp))
	fmt.Fprintf(&b, "DTSTART:%s\r\n", slot.StartTime.UTC().Format(stamp))
	fmt.Fprintf(&b, "DTEND:%s\r\n", end.UTC().Format(stamp))
	fmt.Fprintf(&b, "SUMMARY:Registration for %s\r\n", reg.FullName)
	if slot.Notes != "" {
		fmt.Fprintf(&b, "DESCRIPTION:%s\r\n", slot.Notes)
	}
	b.WriteString("END:VEVENT\r\n")
	b.WriteString("END:VCALENDAR\r\n")
	return b.Bytes()
}
