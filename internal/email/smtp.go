package email

import (
	"crypto/tls"
	"fmt"

	mail "github.com/go-mail/mail"

	"github.com/dropDatabas3/keybridge/internal/observability/logger"
)

// SMTPSender implementa Sender usando SMTP.
type SMTPSender struct {
	Host               string
	Port               int
	From               string
	User               string
	Pass               string
	TLSMode            string // "auto" | "starttls" | "ssl" | "none"
	InsecureSkipVerify bool
}

// NewSMTPSender crea un nuevo SMTPSender con los parámetros dados.
func NewSMTPSender(host string, port int, from, user, pass string) *SMTPSender {
	return &SMTPSender{
		Host:    host,
		Port:    port,
		From:    from,
		User:    user,
		Pass:    pass,
		TLSMode: "auto",
	}
}

// Send envía un email con contenido HTML y texto plano (multipart/alternative).
func (s *SMTPSender) Send(to, subject, htmlBody, textBody string) error {
	log := logger.L().With(
		logger.Component("smtp"),
		logger.String("host", s.Host),
		logger.Int("port", s.Port),
	)

	m := mail.NewMessage()
	m.SetHeader("From", s.From)
	m.SetHeader("To", to)
	m.SetHeader("Subject", subject)

	if textBody != "" {
		m.SetBody("text/plain", textBody)
	}
	if htmlBody != "" {
		if textBody == "" {
			m.SetBody("text/html", htmlBody)
		} else {
			m.AddAlternative("text/html", htmlBody)
		}
	}

	d := mail.NewDialer(s.Host, s.Port, s.User, s.Pass)
	switch s.TLSMode {
	case "ssl":
		d.SSL = true
	case "starttls":
		d.StartTLSPolicy = mail.MandatoryStartTLS
	case "none":
		d.StartTLSPolicy = mail.NoStartTLS
	default: // auto
		d.StartTLSPolicy = mail.OpportunisticStartTLS
	}
	if s.InsecureSkipVerify {
		d.TLSConfig = &tls.Config{ServerName: s.Host, InsecureSkipVerify: true}
	}

	if err := d.DialAndSend(m); err != nil {
		log.Error("send failed", logger.Err(err))
		return fmt.Errorf("smtp send: %w", err)
	}
	log.Debug("email sent")
	return nil
}

// NoopSender descarta los mails (dev/tests). Loguea el destino en debug.
type NoopSender struct{}

func (NoopSender) Send(to, subject, htmlBody, textBody string) error {
	logger.L().Debug("noop email sender, discarding message",
		logger.Component("email"),
		logger.String("to", to),
		logger.String("subject", subject),
	)
	return nil
}
